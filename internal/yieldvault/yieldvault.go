// Package yieldvault wraps a yield-bearing lending pool.
//
// The service supplies every deposit to the pool and holds the receipt token.
// The position is pooled: the adapter knows nothing about individual depositors.
// Yield is whatever the position is worth above the principal the ledger owes back.
package yieldvault

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/nolosslottery/pkg/logger"
)

// Errors
var (
	ErrYieldVault            = errors.New("yield vault operation failed")
	ErrInsufficientLiquidity = errors.New("pool has insufficient liquidity")
	ErrShortWithdrawal       = errors.New("pool returned less than requested")
	ErrUnconfirmed           = errors.New("pool transfer submitted but not confirmed")
)

// Op names the pool entry point that failed.
type Op string

const (
	OpSupply   Op = "supply"
	OpWithdraw Op = "withdraw"
	OpBalance  Op = "balance"
	OpStatus   Op = "status"
)

// Error is returned by every adapter call that fails at the pool.
// It matches both ErrYieldVault and the underlying cause under errors.Is.
type Error struct {
	Op     Op
	Amount *uint256.Int
	Err    error
}

func (e *Error) Error() string {
	if e.Amount != nil {
		return fmt.Sprintf("yield vault %s %s: %v", e.Op, e.Amount.Dec(), e.Err)
	}
	return fmt.Sprintf("yield vault %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrYieldVault, e.Err}
}

// TransferStatus is the outcome of a submitted pool transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
)

// PendingError is returned by a Pool when a transfer left the service but its
// outcome is not known yet. The funds must be treated as moved until
// TransferStatus says otherwise.
type PendingError struct {
	Ref string // pool-specific reference, a tx hash on chain
	Err error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("transfer %s unconfirmed: %v", e.Ref, e.Err)
}

func (e *PendingError) Unwrap() []error {
	return []error{ErrUnconfirmed, e.Err}
}

// PendingRef returns the reference of an unconfirmed transfer carried by err.
func PendingRef(err error) (string, bool) {
	var pe *PendingError
	if errors.As(err, &pe) {
		return pe.Ref, true
	}
	return "", false
}

// Reconciler is implemented by pools that can leave a transfer unconfirmed.
type Reconciler interface {
	TransferStatus(ctx context.Context, ref string) (TransferStatus, error)
}

// Pool is the external lending pool, seen from the holder of the receipt token.
type Pool interface {
	// Supply moves amount of the underlying asset into the pool.
	Supply(ctx context.Context, amount *uint256.Int) error
	// Withdraw redeems amount and delivers the underlying asset to `to`.
	// It returns the amount actually delivered.
	Withdraw(ctx context.Context, amount *uint256.Int, to common.Address) (*uint256.Int, error)
	// BalanceOf returns the receipt-token balance held by the service.
	BalanceOf(ctx context.Context) (*uint256.Int, error)
}

// Adapter is the only path through which the lottery touches the pool.
type Adapter struct {
	pool Pool
	log  *logger.Logger
}

// NewAdapter wraps pool.
func NewAdapter(pool Pool, log *logger.Logger) *Adapter {
	if log == nil {
		log = logger.NewNop()
	}
	return &Adapter{pool: pool, log: log}
}

// Supply moves amount into the pool.
func (a *Adapter) Supply(ctx context.Context, amount *uint256.Int) error {
	if err := a.pool.Supply(ctx, amount); err != nil {
		return &Error{Op: OpSupply, Amount: amount.Clone(), Err: err}
	}
	a.log.WithField("amount", amount.Dec()).Debug("supplied to pool")
	return nil
}

// WithdrawUnderlying removes amount from the pool and delivers it to `to`.
// A pool that returns less than requested is reported as a failure.
func (a *Adapter) WithdrawUnderlying(ctx context.Context, amount *uint256.Int, to common.Address) error {
	delivered, err := a.pool.Withdraw(ctx, amount, to)
	if err != nil {
		return &Error{Op: OpWithdraw, Amount: amount.Clone(), Err: err}
	}
	if delivered == nil || delivered.Lt(amount) {
		got := "0"
		if delivered != nil {
			got = delivered.Dec()
		}
		return &Error{Op: OpWithdraw, Amount: amount.Clone(), Err: fmt.Errorf("%w: got %s", ErrShortWithdrawal, got)}
	}
	a.log.WithField("amount", amount.Dec()).WithField("to", to.Hex()).Debug("withdrawn from pool")
	return nil
}

// CurrentPositionValue returns the present value of the pooled position.
func (a *Adapter) CurrentPositionValue(ctx context.Context) (*uint256.Int, error) {
	bal, err := a.pool.BalanceOf(ctx)
	if err != nil {
		return nil, &Error{Op: OpBalance, Err: err}
	}
	if bal == nil {
		return new(uint256.Int), nil
	}
	return bal.Clone(), nil
}

// TransferStatus asks the pool how an unconfirmed transfer ended. Pools that
// never leave transfers unconfirmed report every reference as confirmed.
func (a *Adapter) TransferStatus(ctx context.Context, ref string) (TransferStatus, error) {
	r, ok := a.pool.(Reconciler)
	if !ok {
		return TransferConfirmed, nil
	}
	st, err := r.TransferStatus(ctx, ref)
	if err != nil {
		return TransferPending, &Error{Op: OpStatus, Err: err}
	}
	return st, nil
}

// AccruedYield returns max(0, position value - totalPrincipal).
func (a *Adapter) AccruedYield(ctx context.Context, totalPrincipal *uint256.Int) (*uint256.Int, error) {
	value, err := a.CurrentPositionValue(ctx)
	if err != nil {
		return nil, err
	}
	return Yield(value, totalPrincipal), nil
}

// Yield clamps value - principal at zero.
func Yield(value, principal *uint256.Int) *uint256.Int {
	if principal == nil {
		return value.Clone()
	}
	if value.Cmp(principal) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(value, principal)
}
