package lottery

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/nolosslottery/internal/ledger"
)

func TestUniformPick(t *testing.T) {
	entries := []ledger.Entry{
		{Depositor: alice, Principal: uint256.NewInt(1)},
		{Depositor: bob, Principal: uint256.NewInt(1000)},
	}
	total := uint256.NewInt(1001)

	assert.Equal(t, alice, selectWinner(PolicyUniform, uint256.NewInt(0), entries, total))
	assert.Equal(t, bob, selectWinner(PolicyUniform, uint256.NewInt(1), entries, total))
	assert.Equal(t, alice, selectWinner(PolicyUniform, uint256.NewInt(10), entries, total))

	huge := new(uint256.Int).SetAllOne() // 2^256-1 is odd
	assert.Equal(t, bob, selectWinner(PolicyUniform, huge, entries, total))
}

func TestWeightedPick(t *testing.T) {
	entries := []ledger.Entry{
		{Depositor: alice, Principal: uint256.NewInt(100)},
		{Depositor: bob, Principal: uint256.NewInt(300)},
	}
	total := uint256.NewInt(400)

	cases := []struct {
		value uint64
		want  common.Address
	}{
		{0, alice},
		{99, alice},
		{100, bob},
		{399, bob},
		{400, alice}, // wraps
		{499, alice},
		{500, bob},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, selectWinner(PolicyWeighted, uint256.NewInt(tc.value), entries, total), "value %d", tc.value)
	}
}

func TestWeightedPickDistribution(t *testing.T) {
	entries := []ledger.Entry{
		{Depositor: alice, Principal: uint256.NewInt(1)},
		{Depositor: bob, Principal: uint256.NewInt(3)},
	}
	total := uint256.NewInt(4)

	wins := map[common.Address]int{}
	for v := uint64(0); v < 400; v++ {
		wins[selectWinner(PolicyWeighted, uint256.NewInt(v), entries, total)]++
	}
	assert.Equal(t, 100, wins[alice])
	assert.Equal(t, 300, wins[bob])
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyUniform, p)

	p, err = ParsePolicy("weighted")
	require.NoError(t, err)
	assert.Equal(t, PolicyWeighted, p)

	_, err = ParsePolicy("lucky")
	assert.Error(t, err)
}
