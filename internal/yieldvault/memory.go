package yieldvault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MemoryPool is an in-process Pool used by tests and local mode.
type MemoryPool struct {
	mu        sync.Mutex
	balance   *uint256.Int
	liquidity *uint256.Int // nil means unlimited
	paid      map[common.Address]*uint256.Int
	failNext  map[Op]error

	unconfirmed map[Op]bool
	transfers   map[string]*memTransfer
	seq         int
}

type memTransfer struct {
	op     Op
	amount *uint256.Int
	to     common.Address
	status TransferStatus
}

// NewMemoryPool creates an empty pool.
func NewMemoryPool() *MemoryPool {
	return &MemoryPool{
		balance:  new(uint256.Int),
		paid:     make(map[common.Address]*uint256.Int),
		failNext: make(map[Op]error),

		unconfirmed: make(map[Op]bool),
		transfers:   make(map[string]*memTransfer),
	}
}

func (p *MemoryPool) Supply(_ context.Context, amount *uint256.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure(OpSupply); err != nil {
		return err
	}
	if _, overflow := p.balance.AddOverflow(p.balance, amount); overflow {
		p.balance.Sub(p.balance, amount)
		return errors.New("pool balance overflow")
	}
	return p.maybeUnconfirmed(OpSupply, amount, common.Address{})
}

func (p *MemoryPool) Withdraw(_ context.Context, amount *uint256.Int, to common.Address) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure(OpWithdraw); err != nil {
		return nil, err
	}
	if p.balance.Lt(amount) {
		return nil, ErrInsufficientLiquidity
	}
	if p.liquidity != nil && p.liquidity.Lt(amount) {
		return nil, ErrInsufficientLiquidity
	}

	p.balance.Sub(p.balance, amount)
	if p.liquidity != nil {
		p.liquidity.Sub(p.liquidity, amount)
	}
	if prev, ok := p.paid[to]; ok {
		prev.Add(prev, amount)
	} else {
		p.paid[to] = amount.Clone()
	}
	if err := p.maybeUnconfirmed(OpWithdraw, amount, to); err != nil {
		return nil, err
	}
	return amount.Clone(), nil
}

func (p *MemoryPool) BalanceOf(_ context.Context) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure(OpBalance); err != nil {
		return nil, err
	}
	return p.balance.Clone(), nil
}

// TransferStatus reports the state of a transfer left unconfirmed by LeaveUnconfirmed.
func (p *MemoryPool) TransferStatus(_ context.Context, ref string) (TransferStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFailure(OpStatus); err != nil {
		return TransferPending, err
	}
	t, ok := p.transfers[ref]
	if !ok {
		return TransferPending, fmt.Errorf("unknown transfer %q", ref)
	}
	return t.status, nil
}

// LeaveUnconfirmed makes the next op move the funds but report the transfer as
// unconfirmed, the way a broadcast transaction without a receipt does.
func (p *MemoryPool) LeaveUnconfirmed(op Op) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unconfirmed[op] = true
}

// ResolveTransfer settles an unconfirmed transfer. A failed transfer is undone.
func (p *MemoryPool) ResolveTransfer(ref string, confirmed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.transfers[ref]
	if !ok || t.status != TransferPending {
		return
	}
	if confirmed {
		t.status = TransferConfirmed
		return
	}
	t.status = TransferFailed
	switch t.op {
	case OpSupply:
		if p.balance.Lt(t.amount) {
			p.balance.Clear()
			break
		}
		p.balance.Sub(p.balance, t.amount)
	case OpWithdraw:
		p.balance.Add(p.balance, t.amount)
		if p.liquidity != nil {
			p.liquidity.Add(p.liquidity, t.amount)
		}
		if paid, ok := p.paid[t.to]; ok {
			paid.Sub(paid, t.amount)
		}
	}
}

// Accrue simulates interest credited to the position.
func (p *MemoryPool) Accrue(amount *uint256.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance.Add(p.balance, amount)
}

// Slash simulates a decline in position value.
func (p *MemoryPool) Slash(amount *uint256.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.balance.Lt(amount) {
		p.balance.Clear()
		return
	}
	p.balance.Sub(p.balance, amount)
}

// SetLiquidity caps how much can still be withdrawn. nil removes the cap.
func (p *MemoryPool) SetLiquidity(limit *uint256.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if limit == nil {
		p.liquidity = nil
		return
	}
	p.liquidity = limit.Clone()
}

// FailNext makes the next call to op return err.
func (p *MemoryPool) FailNext(op Op, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext[op] = err
}

// Paid returns the total delivered to addr.
func (p *MemoryPool) Paid(addr common.Address) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.paid[addr]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

// Balance returns the position without consuming injected failures.
func (p *MemoryPool) Balance() *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance.Clone()
}

// maybeUnconfirmed records a pending transfer if op was marked by LeaveUnconfirmed.
// Caller holds p.mu.
func (p *MemoryPool) maybeUnconfirmed(op Op, amount *uint256.Int, to common.Address) error {
	if !p.unconfirmed[op] {
		return nil
	}
	delete(p.unconfirmed, op)
	p.seq++
	ref := fmt.Sprintf("mem-%d", p.seq)
	p.transfers[ref] = &memTransfer{op: op, amount: amount.Clone(), to: to, status: TransferPending}
	return &PendingError{Ref: ref, Err: errors.New("no confirmation yet")}
}

func (p *MemoryPool) takeFailure(op Op) error {
	err, ok := p.failNext[op]
	if !ok {
		return nil
	}
	delete(p.failNext, op)
	return err
}
