// Package units converts between human-readable decimal amounts and integer
// base units, e.g. "1.5" ether and 1500000000000000000 wei.
package units

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// EtherDecimals is the precision of ether and most ERC-20 tokens.
const EtherDecimals = 18

var (
	// ErrInvalidAmount is returned for strings that are not non-negative decimals.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrTooPrecise is returned when the fraction would be truncated by the asset's decimals.
	ErrTooPrecise = errors.New("amount has more fractional digits than the asset")
	// ErrOverflow is returned when the base-unit amount exceeds 256 bits.
	ErrOverflow = errors.New("amount does not fit in 256 bits")
)

// Parse converts a decimal string with up to decimals fractional digits into
// base units.
func Parse(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %q with %d decimals", ErrTooPrecise, s, decimals)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	return v, nil
}

// Format renders base units as a decimal string without trailing zeros.
func Format(x *uint256.Int, decimals uint8) string {
	if x == nil {
		return "0"
	}
	return decimal.NewFromBigInt(x.ToBig(), -int32(decimals)).String()
}

// ParseEther is Parse with 18 decimals.
func ParseEther(s string) (*uint256.Int, error) {
	return Parse(s, EtherDecimals)
}

// FormatEther is Format with 18 decimals.
func FormatEther(x *uint256.Int) string {
	return Format(x, EtherDecimals)
}
