// Package fee computes flash-loan fees from a fixed fee-rate fraction.
//
// The fee is amount * numerator / denominator, multiplied before dividing:
// dividing first truncates to zero whenever amount < denominator. All
// arithmetic is 256-bit unsigned and checked; nothing wraps silently.
package fee

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/lender-pool/internal/amount"
)

var (
	// ErrInvalidRate is returned for a zero denominator or a rate above 100%.
	ErrInvalidRate = errors.New("fee: rate must satisfy 0 <= numerator <= denominator, denominator > 0")

	// DefaultRate is 1% (1/100).
	DefaultRate = Rate{Numerator: 1, Denominator: 100}
)

// Rate is a fee fraction. It is stateless: the loan amount is passed to
// Compute, not stored.
type Rate struct {
	Numerator   uint64 `json:"numerator" yaml:"numerator"`
	Denominator uint64 `json:"denominator" yaml:"denominator"`
}

// NewRate validates and returns a fee rate.
func NewRate(numerator, denominator uint64) (Rate, error) {
	r := Rate{Numerator: numerator, Denominator: denominator}
	if err := r.Validate(); err != nil {
		return Rate{}, err
	}
	return r, nil
}

// Validate reports whether the rate is usable.
func (r Rate) Validate() error {
	if r.Denominator == 0 || r.Numerator > r.Denominator {
		return fmt.Errorf("%w: got %d/%d", ErrInvalidRate, r.Numerator, r.Denominator)
	}
	return nil
}

// Compute returns loanAmount * Numerator / Denominator, rounded down.
// Returns amount.ErrOverflow if the intermediate product exceeds 256 bits.
func (r Rate) Compute(loanAmount *uint256.Int) (*uint256.Int, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	product, err := amount.MulUint64(loanAmount, r.Numerator)
	if err != nil {
		return nil, fmt.Errorf("fee: %s * %d: %w", loanAmount.Dec(), r.Numerator, err)
	}
	return product.Div(product, uint256.NewInt(r.Denominator)), nil
}

// String renders the rate as "n/d".
func (r Rate) String() string {
	return fmt.Sprintf("%d/%d", r.Numerator, r.Denominator)
}
