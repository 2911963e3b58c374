// Package amount parses and formats native-asset amounts. Amounts are held
// as wei in 256-bit unsigned integers; human input is decimal ether.
package amount

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Supported units.
const (
	UnitEther = "ether"
	UnitGwei  = "gwei"
	UnitWei   = "wei"
)

var unitExponent = map[string]int32{
	UnitEther: 18,
	UnitGwei:  9,
	UnitWei:   0,
}

// amountRegex matches: {digits}[.{digits}][ ]{unit}
// Example: 4.2, 4.2 ether, 250000 gwei, 1000000000000000000wei
var amountRegex = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*(ether|gwei|wei)?$`)

var (
	ErrInvalidAmount = errors.New("amount: invalid amount")
	ErrFractionalWei = errors.New("amount: amount has a fractional wei part")
	ErrTooLarge      = errors.New("amount: amount exceeds 256 bits")
)

// Parse converts "4.2", "4.2 ether", "30 gwei" or "15wei" into wei. A bare
// number is ether. Values that would need a fractional wei are rejected
// rather than truncated.
func Parse(s string) (*uint256.Int, error) {
	matches := amountRegex.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected {number} [ether|gwei|wei])", ErrInvalidAmount, s)
	}
	unit := matches[2]
	if unit == "" {
		unit = UnitEther
	}
	d, err := decimal.NewFromString(matches[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return fromDecimal(d.Shift(unitExponent[unit]), s)
}

// ParseEther converts a decimal ether string into wei.
func ParseEther(s string) (*uint256.Int, error) {
	return Parse(s + " " + UnitEther)
}

// ParseWei converts a base-10 wei string into wei.
func ParseWei(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	return v, nil
}

func fromDecimal(wei decimal.Decimal, raw string) (*uint256.Int, error) {
	if wei.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, raw)
	}
	if !wei.IsInteger() {
		return nil, fmt.Errorf("%w: %q", ErrFractionalWei, raw)
	}
	v, overflow := uint256.FromBig(wei.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %q", ErrTooLarge, raw)
	}
	return v, nil
}

// Ether returns n ether in wei.
func Ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

// MustEther parses a decimal ether string and panics on error. Intended for
// tests and constant tables.
func MustEther(s string) *uint256.Int {
	v, err := ParseEther(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Decimal returns wei expressed in ether as a decimal.
func Decimal(wei *uint256.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei.ToBig(), -unitExponent[UnitEther])
}

// FormatEther renders wei as a decimal ether string ("4.2").
func FormatEther(wei *uint256.Int) string {
	return Decimal(wei).String()
}

// Float returns an inexact ether value for metrics. Never use for money.
func Float(wei *uint256.Int) float64 {
	return Decimal(wei).InexactFloat64()
}
