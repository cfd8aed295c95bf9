// Package ledger keeps per-depositor principal and the aggregate total.
//
// Every mutation goes through a Tx: changes are staged, validated, and applied
// all at once on Commit, so totalPrincipal always equals the sum of balances.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Errors
var (
	ErrZeroAmount          = errors.New("amount must be greater than zero")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOverflow            = errors.New("amount overflows uint256")
	ErrTxClosed            = errors.New("ledger transaction already closed")
	ErrNotEmpty            = errors.New("ledger already holds principal")
)

// Entry is one depositor's principal.
type Entry struct {
	Depositor common.Address
	Principal *uint256.Int
}

// Ledger is the principal store owned by the lottery controller.
type Ledger struct {
	mu       sync.RWMutex
	balances map[common.Address]*uint256.Int
	order    []common.Address
	total    *uint256.Int
	now      func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		balances: make(map[common.Address]*uint256.Int),
		total:    new(uint256.Int),
		now:      time.Now,
	}
}

// WithClock overrides the clock used to stamp events.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Principal returns the principal held for depositor (zero if none).
func (l *Ledger) Principal(depositor common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if bal, ok := l.balances[depositor]; ok {
		return bal.Clone()
	}
	return new(uint256.Int)
}

// TotalPrincipal returns the sum of all principal.
func (l *Ledger) TotalPrincipal() *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total.Clone()
}

// DepositorCount returns the number of depositors with non-zero principal.
func (l *Ledger) DepositorCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Depositors returns the depositor set in first-deposit order.
func (l *Ledger) Depositors() []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]common.Address, len(l.order))
	copy(out, l.order)
	return out
}

// Snapshot returns every entry in depositor order together with the total.
func (l *Ledger) Snapshot() ([]Entry, *uint256.Int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := make([]Entry, 0, len(l.order))
	for _, addr := range l.order {
		entries = append(entries, Entry{Depositor: addr, Principal: l.balances[addr].Clone()})
	}
	return entries, l.total.Clone()
}

// Verify checks that the total equals the sum of balances.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sum := new(uint256.Int)
	for addr, bal := range l.balances {
		if bal.IsZero() {
			return fmt.Errorf("depositor %s kept with zero principal", addr.Hex())
		}
		if _, overflow := sum.AddOverflow(sum, bal); overflow {
			return ErrOverflow
		}
	}
	if !sum.Eq(l.total) {
		return fmt.Errorf("total principal %s != sum of balances %s", l.total.Dec(), sum.Dec())
	}
	if len(l.order) != len(l.balances) {
		return fmt.Errorf("depositor order has %d entries, balances %d", len(l.order), len(l.balances))
	}
	return nil
}

// Restore loads principal recorded elsewhere into an empty ledger, keeping the
// order of entries. Zero entries are skipped. No events are produced.
func (l *Ledger) Restore(entries []Entry) error {
	if l.DepositorCount() > 0 {
		return ErrNotEmpty
	}
	tx := l.Begin()
	for _, e := range entries {
		if e.Principal == nil || e.Principal.IsZero() {
			continue
		}
		if err := tx.Credit(e.Depositor, e.Principal); err != nil {
			tx.Rollback()
			return fmt.Errorf("restore %s: %w", e.Depositor.Hex(), err)
		}
	}
	if _, err := tx.Commit(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return nil
}

// Begin opens a transaction. Nothing it stages is visible until Commit.
func (l *Ledger) Begin() *Tx {
	return &Tx{ledger: l}
}

// apply runs ops against copies of the current state and swaps them in only if all succeed.
// Caller holds l.mu.
func (l *Ledger) apply(ops []op) (map[common.Address]*uint256.Int, *uint256.Int, error) {
	touched := make(map[common.Address]*uint256.Int)
	total := l.total.Clone()

	for _, o := range ops {
		bal, ok := touched[o.depositor]
		if !ok {
			if cur, exists := l.balances[o.depositor]; exists {
				bal = cur.Clone()
			} else {
				bal = new(uint256.Int)
			}
			touched[o.depositor] = bal
		}

		switch o.kind {
		case opCredit:
			if _, overflow := bal.AddOverflow(bal, o.amount); overflow {
				return nil, nil, ErrOverflow
			}
			if _, overflow := total.AddOverflow(total, o.amount); overflow {
				return nil, nil, ErrOverflow
			}
		case opDebit:
			if bal.Lt(o.amount) {
				return nil, nil, fmt.Errorf("%w: principal %s, requested %s", ErrInsufficientBalance, bal.Dec(), o.amount.Dec())
			}
			bal.Sub(bal, o.amount)
			total.Sub(total, o.amount)
		}
	}
	return touched, total, nil
}
