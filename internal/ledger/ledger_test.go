package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/nolosslottery/internal/events"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func credit(t *testing.T, l *Ledger, addr common.Address, amount uint64) {
	t.Helper()
	tx := l.Begin()
	require.NoError(t, tx.Credit(addr, uint256.NewInt(amount)))
	_, err := tx.Commit()
	require.NoError(t, err)
}

func TestCreditAndDebit(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := New().WithClock(func() time.Time { return fixed })

	tx := l.Begin()
	require.NoError(t, tx.Credit(alice, uint256.NewInt(100)))
	require.NoError(t, tx.Credit(bob, uint256.NewInt(50)))

	assert.True(t, l.TotalPrincipal().IsZero(), "staged changes must not be visible")

	evts, err := tx.Commit()
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, events.TypeDeposited, evts[0].Type)
	assert.Equal(t, alice, evts[0].Account)
	assert.Equal(t, fixed, evts[0].At)

	assert.Equal(t, uint64(100), l.Principal(alice).Uint64())
	assert.Equal(t, uint64(150), l.TotalPrincipal().Uint64())
	assert.Equal(t, []common.Address{alice, bob}, l.Depositors())

	tx = l.Begin()
	require.NoError(t, tx.Debit(alice, uint256.NewInt(40)))
	evts, err = tx.Commit()
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.TypeWithdrawn, evts[0].Type)
	assert.Equal(t, uint64(60), l.Principal(alice).Uint64())
	assert.Equal(t, uint64(110), l.TotalPrincipal().Uint64())
	require.NoError(t, l.Verify())
}

func TestZeroAmount(t *testing.T) {
	l := New()
	tx := l.Begin()
	assert.ErrorIs(t, tx.Credit(alice, new(uint256.Int)), ErrZeroAmount)
	assert.ErrorIs(t, tx.Credit(alice, nil), ErrZeroAmount)
	assert.ErrorIs(t, tx.Debit(alice, new(uint256.Int)), ErrZeroAmount)
	assert.Equal(t, "amount must be greater than zero", ErrZeroAmount.Error())
}

func TestInsufficientBalance(t *testing.T) {
	l := New()
	credit(t, l, alice, 10)

	tx := l.Begin()
	err := tx.Debit(alice, uint256.NewInt(11))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))

	// staged debits count against the balance
	require.NoError(t, tx.Debit(alice, uint256.NewInt(6)))
	assert.ErrorIs(t, tx.Debit(alice, uint256.NewInt(5)), ErrInsufficientBalance)

	assert.ErrorIs(t, l.Begin().Debit(bob, uint256.NewInt(1)), ErrInsufficientBalance)
}

func TestOverflow(t *testing.T) {
	l := New()
	maxVal := new(uint256.Int).SetAllOne()

	tx := l.Begin()
	require.NoError(t, tx.Credit(alice, maxVal))
	_, err := tx.Commit()
	require.NoError(t, err)

	assert.ErrorIs(t, l.Begin().Credit(bob, uint256.NewInt(1)), ErrOverflow)
	assert.Equal(t, maxVal, l.TotalPrincipal())
}

func TestRollback(t *testing.T) {
	l := New()
	credit(t, l, alice, 10)

	tx := l.Begin()
	require.NoError(t, tx.Credit(bob, uint256.NewInt(5)))
	require.NoError(t, tx.Debit(alice, uint256.NewInt(10)))
	tx.Rollback()

	assert.Equal(t, uint64(10), l.TotalPrincipal().Uint64())
	assert.Equal(t, []common.Address{alice}, l.Depositors())

	_, err := tx.Commit()
	assert.ErrorIs(t, err, ErrTxClosed)
	assert.ErrorIs(t, tx.Credit(bob, uint256.NewInt(1)), ErrTxClosed)
}

func TestDepositorOrder(t *testing.T) {
	l := New()
	credit(t, l, alice, 10)
	credit(t, l, bob, 20)
	credit(t, l, carol, 30)

	tx := l.Begin()
	require.NoError(t, tx.Debit(alice, uint256.NewInt(10)))
	_, err := tx.Commit()
	require.NoError(t, err)

	assert.Equal(t, []common.Address{bob, carol}, l.Depositors())
	assert.Equal(t, 2, l.DepositorCount())
	assert.True(t, l.Principal(alice).IsZero())

	// re-enters at the end
	credit(t, l, alice, 1)
	assert.Equal(t, []common.Address{bob, carol, alice}, l.Depositors())

	entries, total := l.Snapshot()
	require.Len(t, entries, 3)
	assert.Equal(t, bob, entries[0].Depositor)
	assert.Equal(t, uint64(20), entries[0].Principal.Uint64())
	assert.Equal(t, uint64(51), total.Uint64())
	require.NoError(t, l.Verify())
}

func TestCreditThenDebitInOneTx(t *testing.T) {
	l := New()
	tx := l.Begin()
	require.NoError(t, tx.Credit(alice, uint256.NewInt(7)))
	require.NoError(t, tx.Debit(alice, uint256.NewInt(7)))
	_, err := tx.Commit()
	require.NoError(t, err)

	assert.Equal(t, 0, l.DepositorCount())
	assert.True(t, l.TotalPrincipal().IsZero())
	require.NoError(t, l.Verify())
}

func TestReturnedValuesAreCopies(t *testing.T) {
	l := New()
	credit(t, l, alice, 10)

	p := l.Principal(alice)
	p.SetUint64(999)
	total := l.TotalPrincipal()
	total.SetUint64(999)

	assert.Equal(t, uint64(10), l.Principal(alice).Uint64())
	assert.Equal(t, uint64(10), l.TotalPrincipal().Uint64())
}

func TestRestore(t *testing.T) {
	l := New()
	err := l.Restore([]Entry{
		{Depositor: bob, Principal: uint256.NewInt(50)},
		{Depositor: carol, Principal: new(uint256.Int)},
		{Depositor: alice, Principal: uint256.NewInt(100)},
	})
	require.NoError(t, err)
	require.NoError(t, l.Verify())

	assert.Equal(t, []common.Address{bob, alice}, l.Depositors())
	assert.Equal(t, uint64(150), l.TotalPrincipal().Uint64())
	assert.True(t, l.Principal(carol).IsZero())

	assert.ErrorIs(t, l.Restore([]Entry{{Depositor: carol, Principal: uint256.NewInt(1)}}), ErrNotEmpty)
	assert.True(t, l.Principal(carol).IsZero())
}

func TestRestoreOverflowLeavesLedgerEmpty(t *testing.T) {
	ceiling := new(uint256.Int).SetAllOne()
	l := New()
	err := l.Restore([]Entry{
		{Depositor: alice, Principal: ceiling},
		{Depositor: bob, Principal: uint256.NewInt(1)},
	})
	require.ErrorIs(t, err, ErrOverflow)
	assert.Zero(t, l.DepositorCount())
	assert.True(t, l.TotalPrincipal().IsZero())
}
