// Package randomness tracks randomness requests made to an external oracle.
//
// A request moves Requested -> Fulfilled, or Requested -> TimedOut when the
// oracle never answers. Only the coordinator identity may fulfill a request,
// and each request can be fulfilled at most once.
package randomness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/nolosslottery/pkg/logger"
)

// Errors
var (
	ErrUnauthorizedCallback = errors.New("callback caller is not the randomness coordinator")
	ErrUnknownRequest       = errors.New("unknown or already resolved randomness request")
	ErrOracleUnavailable    = errors.New("randomness oracle unavailable")
)

// RequestID is the oracle-assigned request identifier (decimal string).
type RequestID string

// Status is the lifecycle state of a request.
type Status string

const (
	StatusRequested Status = "requested"
	StatusFulfilled Status = "fulfilled"
	StatusTimedOut  Status = "timed_out"
)

// Request is one entry of the pending table.
type Request struct {
	ID          RequestID
	Round       uint64
	Status      Status
	RandomValue *uint256.Int
	RequestedAt time.Time
	ResolvedAt  time.Time
}

// Oracle is the external randomness provider.
type Oracle interface {
	RequestRandomness(ctx context.Context, subscriptionID *uint256.Int, keyHash common.Hash) (RequestID, error)
}

// Config holds the deployment parameters of the oracle subscription.
type Config struct {
	Coordinator    common.Address
	SubscriptionID *uint256.Int
	KeyHash        common.Hash
	Timeout        time.Duration // zero disables expiry
}

// Gateway owns the mapping from oracle request to lottery round.
type Gateway struct {
	mu       sync.RWMutex
	oracle   Oracle
	cfg      Config
	requests map[RequestID]*Request
	now      func() time.Time
	log      *logger.Logger
}

// NewGateway creates a gateway in front of oracle.
func NewGateway(oracle Oracle, cfg Config, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.SubscriptionID == nil {
		cfg.SubscriptionID = new(uint256.Int)
	}
	return &Gateway{
		oracle:   oracle,
		cfg:      cfg,
		requests: make(map[RequestID]*Request),
		now:      time.Now,
		log:      log,
	}
}

// WithClock overrides the clock used to stamp requests.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Coordinator returns the only identity allowed to fulfill requests.
func (g *Gateway) Coordinator() common.Address {
	return g.cfg.Coordinator
}

// Timeout returns the configured request timeout.
func (g *Gateway) Timeout() time.Duration {
	return g.cfg.Timeout
}

// Request asks the oracle for a random value on behalf of round.
func (g *Gateway) Request(ctx context.Context, round uint64) (RequestID, error) {
	id, err := g.oracle.RequestRandomness(ctx, g.cfg.SubscriptionID, g.cfg.KeyHash)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.requests[id]; exists {
		return "", fmt.Errorf("oracle reused request id %s", id)
	}
	g.requests[id] = &Request{
		ID:          id,
		Round:       round,
		Status:      StatusRequested,
		RequestedAt: g.now(),
	}

	g.log.WithField("request_id", string(id)).WithField("round", round).Info("randomness requested")
	return id, nil
}

// Validate checks that caller may fulfill id. It changes nothing.
func (g *Gateway) Validate(caller common.Address, id RequestID) (Request, error) {
	if caller != g.cfg.Coordinator {
		return Request{}, fmt.Errorf("%w: %s", ErrUnauthorizedCallback, caller.Hex())
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	req, ok := g.requests[id]
	if !ok || req.Status != StatusRequested {
		return Request{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	return *req, nil
}

// MarkFulfilled records the delivered value once the consumer has settled it.
func (g *Gateway) MarkFulfilled(id RequestID, value *uint256.Int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[id]
	if !ok || req.Status != StatusRequested {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	req.Status = StatusFulfilled
	req.RandomValue = value.Clone()
	req.ResolvedAt = g.now()
	return nil
}

// Expire marks every request older than the timeout as timed out and returns them.
func (g *Gateway) Expire(now time.Time) []Request {
	if g.cfg.Timeout <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var expired []Request
	for _, req := range g.requests {
		if req.Status != StatusRequested {
			continue
		}
		if now.Sub(req.RequestedAt) < g.cfg.Timeout {
			continue
		}
		req.Status = StatusTimedOut
		req.ResolvedAt = now
		expired = append(expired, *req)
		g.log.WithField("request_id", string(req.ID)).Warn("randomness request timed out")
	}
	sortRequests(expired)
	return expired
}

// Get returns the request with the given id.
func (g *Gateway) Get(id RequestID) (Request, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	req, ok := g.requests[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// List returns all requests, oldest first.
func (g *Gateway) List() []Request {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Request, 0, len(g.requests))
	for _, req := range g.requests {
		out = append(out, *req)
	}
	sortRequests(out)
	return out
}

func sortRequests(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].RequestedAt.Equal(reqs[j].RequestedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].RequestedAt.Before(reqs[j].RequestedAt)
	})
}
