package lottery

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/nolosslottery/internal/ledger"
)

// selectWinner maps value onto entries. entries must be non-empty and total their sum.
func selectWinner(policy Policy, value *uint256.Int, entries []ledger.Entry, total *uint256.Int) common.Address {
	if policy == PolicyWeighted && !total.IsZero() {
		return weightedPick(value, entries, total)
	}
	return uniformPick(value, entries)
}

// uniformPick returns entries[value mod len(entries)].
func uniformPick(value *uint256.Int, entries []ledger.Entry) common.Address {
	n := uint256.NewInt(uint64(len(entries)))
	idx := new(uint256.Int).Mod(value, n)
	return entries[idx.Uint64()].Depositor
}

// weightedPick walks cumulative principal until it passes value mod total.
func weightedPick(value *uint256.Int, entries []ledger.Entry, total *uint256.Int) common.Address {
	target := new(uint256.Int).Mod(value, total)
	cumulative := new(uint256.Int)
	for _, e := range entries {
		cumulative.Add(cumulative, e.Principal)
		if target.Lt(cumulative) {
			return e.Depositor
		}
	}
	return entries[len(entries)-1].Depositor
}
