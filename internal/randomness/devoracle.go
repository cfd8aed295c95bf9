package randomness

import (
	"context"
	"encoding/binary"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/R3E-Network/nolosslottery/pkg/logger"
)

// Consumer receives fulfillments from an oracle.
type Consumer interface {
	FulfillRandomness(ctx context.Context, caller common.Address, id RequestID, value *uint256.Int) error
}

// ErrOracleNotStarted is returned by DevOracle before Start.
var ErrOracleNotStarted = errors.New("dev oracle not started")

// =============================================================================
// DevOracle - local oracle for development and tests
// =============================================================================

// DevOracle answers requests itself: the random word is keccak256(seed || requestID),
// delivered to the bound consumer after a delay, signed by the coordinator identity.
type DevOracle struct {
	seed        []byte
	coordinator common.Address
	delay       time.Duration
	log         *logger.Logger

	mu       sync.Mutex
	ctx      context.Context
	consumer Consumer
	next     uint64
	wg       sync.WaitGroup
}

// NewDevOracle creates a local oracle.
func NewDevOracle(seed []byte, coordinator common.Address, delay time.Duration, log *logger.Logger) *DevOracle {
	if log == nil {
		log = logger.NewNop()
	}
	return &DevOracle{
		seed:        append([]byte(nil), seed...),
		coordinator: coordinator,
		delay:       delay,
		log:         log,
		next:        1,
	}
}

// Start binds the consumer. Deliveries stop when ctx is cancelled.
func (o *DevOracle) Start(ctx context.Context, consumer Consumer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ctx = ctx
	o.consumer = consumer
}

// Wait blocks until every scheduled delivery has run or been cancelled.
func (o *DevOracle) Wait() {
	o.wg.Wait()
}

func (o *DevOracle) RequestRandomness(_ context.Context, subscriptionID *uint256.Int, keyHash common.Hash) (RequestID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.consumer == nil {
		return "", ErrOracleNotStarted
	}

	n := o.next
	o.next++
	id := RequestID(strconv.FormatUint(n, 10))
	value := Word(o.seed, n)

	ctx, consumer := o.ctx, o.consumer
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		timer := time.NewTimer(o.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := consumer.FulfillRandomness(ctx, o.coordinator, id, value); err != nil {
			o.log.WithError(err).WithField("request_id", string(id)).Warn("dev oracle delivery rejected")
		}
	}()

	o.log.WithField("request_id", string(id)).WithField("key_hash", keyHash.Hex()).Debug("dev oracle accepted request")
	return id, nil
}

// Word derives the random word for request n.
func Word(seed []byte, n uint64) *uint256.Int {
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], n)

	h := sha3.NewLegacyKeccak256()
	h.Write(seed)
	h.Write(idBytes[:])
	return new(uint256.Int).SetBytes(h.Sum(nil))
}

// =============================================================================
// ManualOracle - records requests, fulfillment is driven by the caller
// =============================================================================

// ManualOracle hands out sequential ids and never answers on its own.
type ManualOracle struct {
	mu       sync.Mutex
	next     uint64
	requests []RequestID
	failNext error
}

func NewManualOracle() *ManualOracle {
	return &ManualOracle{next: 1}
}

func (o *ManualOracle) RequestRandomness(_ context.Context, _ *uint256.Int, _ common.Hash) (RequestID, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.failNext; err != nil {
		o.failNext = nil
		return "", err
	}
	id := RequestID(strconv.FormatUint(o.next, 10))
	o.next++
	o.requests = append(o.requests, id)
	return id, nil
}

// FailNext makes the next request fail with err.
func (o *ManualOracle) FailNext(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failNext = err
}

// Requests returns every id handed out so far.
func (o *ManualOracle) Requests() []RequestID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]RequestID(nil), o.requests...)
}

// Last returns the most recent id, or "" if none.
func (o *ManualOracle) Last() RequestID {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.requests) == 0 {
		return ""
	}
	return o.requests[len(o.requests)-1]
}
