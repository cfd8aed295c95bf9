package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/nolosslottery/internal/events"
)

type opKind int

const (
	opCredit opKind = iota
	opDebit
)

type op struct {
	kind      opKind
	depositor common.Address
	amount    *uint256.Int
}

// Tx stages credits and debits against a Ledger.
type Tx struct {
	ledger *Ledger
	ops    []op
	closed bool
}

// Credit stages an increase of depositor's principal.
func (tx *Tx) Credit(depositor common.Address, amount *uint256.Int) error {
	return tx.stage(opCredit, depositor, amount)
}

// Debit stages a decrease of depositor's principal.
// It fails with ErrInsufficientBalance if the principal, including staged changes, is too small.
func (tx *Tx) Debit(depositor common.Address, amount *uint256.Int) error {
	return tx.stage(opDebit, depositor, amount)
}

func (tx *Tx) stage(kind opKind, depositor common.Address, amount *uint256.Int) error {
	if tx.closed {
		return ErrTxClosed
	}
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}

	staged := append(tx.ops[:len(tx.ops):len(tx.ops)], op{kind: kind, depositor: depositor, amount: amount.Clone()})

	tx.ledger.mu.RLock()
	_, _, err := tx.ledger.apply(staged)
	tx.ledger.mu.RUnlock()
	if err != nil {
		return err
	}

	tx.ops = staged
	return nil
}

// Commit applies every staged change atomically and returns the resulting events.
func (tx *Tx) Commit() ([]events.Event, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	tx.closed = true

	l := tx.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	touched, total, err := l.apply(tx.ops)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	seen := make(map[common.Address]bool, len(touched))
	for _, o := range tx.ops {
		addr := o.depositor
		if seen[addr] {
			continue
		}
		seen[addr] = true
		bal := touched[addr]
		_, existed := l.balances[addr]
		switch {
		case bal.IsZero() && existed:
			delete(l.balances, addr)
			l.removeFromOrder(addr)
		case bal.IsZero():
			// credited and fully debited inside the same transaction
		default:
			l.balances[addr] = bal
			if !existed {
				l.order = append(l.order, addr)
			}
		}
	}
	l.total = total

	now := l.now()
	out := make([]events.Event, 0, len(tx.ops))
	for _, o := range tx.ops {
		typ := events.TypeDeposited
		if o.kind == opDebit {
			typ = events.TypeWithdrawn
		}
		out = append(out, events.New(typ, o.depositor, o.amount, now))
	}
	return out, nil
}

// Rollback discards every staged change. Safe to call after Commit.
func (tx *Tx) Rollback() {
	tx.closed = true
	tx.ops = nil
}

// removeFromOrder keeps the remaining depositors in their original order. Caller holds l.mu.
func (l *Ledger) removeFromOrder(addr common.Address) {
	for i, a := range l.order {
		if a == addr {
			l.order = append(l.order[:i], l.order[i+1:]...)
			return
		}
	}
}
