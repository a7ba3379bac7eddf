package core

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseWei parses a decimal-string-encoded wei amount. Amounts at the
// external boundary are always exchanged as decimal strings, never as
// fixed-width numerics, to avoid precision loss.
// Negative amounts and non-decimal input are rejected.
func ParseWei(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty wei amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative wei amount %q", s)
	}
	return v, nil
}

// FormatWei renders a wei amount as its canonical decimal string.
// A nil amount renders as "0".
func FormatWei(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, 0).String()
}
