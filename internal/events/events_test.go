package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClonesAmount(t *testing.T) {
	amount := uint256.NewInt(10)
	evt := New(TypeDeposited, common.HexToAddress("0x01"), amount, time.Now())

	amount.SetUint64(99)
	assert.Equal(t, uint64(10), evt.Amount.Uint64())
	assert.NotEmpty(t, evt.ID)
}

func TestNewNilAmountIsZero(t *testing.T) {
	evt := New(TypeDrawExpired, common.Address{}, nil, time.Now())
	require.NotNil(t, evt.Amount)
	assert.True(t, evt.Amount.IsZero())
}

func TestMultiSinkDeliversToAllAndJoinsErrors(t *testing.T) {
	rec := &Recorder{}
	boom := errors.New("boom")
	sink := MultiSink{
		SinkFunc(func(context.Context, Event) error { return boom }),
		nil,
		rec,
	}

	err := sink.Publish(context.Background(), New(TypeWithdrawn, common.Address{}, uint256.NewInt(1), time.Now()))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, rec.Events(), 1)
}

func TestRecorderOfType(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()
	_ = rec.Publish(ctx, New(TypeDeposited, common.Address{}, uint256.NewInt(1), time.Now()))
	_ = rec.Publish(ctx, New(TypeWithdrawn, common.Address{}, uint256.NewInt(1), time.Now()))
	_ = rec.Publish(ctx, New(TypeDeposited, common.Address{}, uint256.NewInt(2), time.Now()))

	assert.Len(t, rec.OfType(TypeDeposited), 2)
	assert.Len(t, rec.OfType(TypeLotteryWinner), 0)
}
