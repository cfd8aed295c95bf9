package chain

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const etherDecimals = 18

// ParseEther converts a decimal ETH amount such as "0.001" to wei.
func ParseEther(s string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", s)
	}
	w := d.Shift(etherDecimals)
	if !w.Equal(w.Truncate(0)) {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimals", s, etherDecimals)
	}
	out, overflow := uint256.FromBig(w.BigInt())
	if overflow {
		return nil, fmt.Errorf("invalid amount %q: overflows uint256", s)
	}
	return out, nil
}

// FormatEther renders wei as a decimal ETH string without trailing zeros.
func FormatEther(wei *uint256.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei.ToBig(), -etherDecimals).String()
}
