// Package amount converts between human token amounts ("1.25") and the
// integer base units the registry stores.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalid   = errors.New("invalid amount")
	ErrPrecision = errors.New("amount has more precision than the token allows")
	ErrOverflow  = errors.New("amount overflows 64-bit base units")
)

// Parse reads s as a non-negative decimal token amount and scales it by 10^decimals.
// A value with the "base:" prefix is taken as raw base units.
func Parse(s string, decimals int32) (uint64, error) {
	s = strings.TrimSpace(s)
	scale := decimals
	if raw, ok := strings.CutPrefix(s, "base:"); ok {
		s, scale = raw, 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	// zero parses; callers enforce their own minimum
	if d.Sign() < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalid)
	}
	units := d.Shift(scale)
	if !units.Equal(units.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s with %d decimals", ErrPrecision, s, decimals)
	}
	n := units.BigInt()
	if !n.IsUint64() {
		return 0, ErrOverflow
	}
	return n.Uint64(), nil
}

// Format renders base units with exactly decimals fractional digits.
func Format(units uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -decimals).StringFixed(decimals)
}

// FormatSymbol is Format followed by the token symbol.
func FormatSymbol(units uint64, decimals int32, symbol string) string {
	if symbol == "" {
		return Format(units, decimals)
	}
	return Format(units, decimals) + " " + symbol
}
