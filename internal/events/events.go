// Package events defines the observable lottery events and the sinks that consume them.
//
// Events are emitted only after the operation that produced them has committed.
// Sinks are observers: a failing sink never undoes a committed operation.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/nolosslottery/pkg/logger"
)

// Type identifies an event.
type Type string

const (
	TypeDeposited     Type = "Deposited"
	TypeWithdrawn     Type = "Withdrawn"
	TypeLotteryWinner Type = "LotteryWinner"
	TypeDrawRequested Type = "DrawRequested"
	TypeDrawExpired   Type = "DrawExpired"
	// TypeTransferReverted reports a pool transfer that was broadcast but
	// later failed. Compensating ledger entries are emitted separately.
	TypeTransferReverted Type = "TransferReverted"
)

// Event is a single observable state change.
type Event struct {
	ID        string
	Type      Type
	Account   common.Address // depositor or winner
	Amount    *uint256.Int   // deposit, withdrawal or payout amount
	Round     uint64
	RequestID string
	At        time.Time
}

// New stamps an event with an id and the given time.
func New(typ Type, account common.Address, amount *uint256.Int, at time.Time) Event {
	if amount == nil {
		amount = new(uint256.Int)
	}
	return Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Account: account,
		Amount:  amount.Clone(),
		At:      at.UTC(),
	}
}

// Sink consumes committed events.
type Sink interface {
	Publish(ctx context.Context, evt Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []Sink

// Publish delivers evt to all sinks, even if some fail.
func (m MultiSink) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to the structured log.
type LogSink struct {
	Log *logger.Logger
}

// Publish logs evt at info level.
func (s LogSink) Publish(_ context.Context, evt Event) error {
	if s.Log == nil {
		return nil
	}
	s.Log.WithField("event", string(evt.Type)).
		WithField("event_id", evt.ID).
		WithField("account", evt.Account.Hex()).
		WithField("amount", evt.Amount.Dec()).
		WithField("round", evt.Round).
		WithField("request_id", evt.RequestID).
		Info("lottery event")
	return nil
}

// Recorder keeps events in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends evt.
func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of the given type.
func (r *Recorder) OfType(typ Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
