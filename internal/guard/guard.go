// Package guard holds the pool's two admission checks: deposit validation
// and owner-only authorisation of configuration calls.
//
// Authorisation considers only the direct caller of an operation. There is
// no notion of the account that started a call chain: a relay invoked by
// the owner is itself the direct caller of whatever it does next.
package guard

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/lender-pool/internal/amount"
)

var (
	// ErrInvalidAmount is returned for zero, non-multiple, or over-cap deposits.
	ErrInvalidAmount = errors.New("guard: invalid amount")

	// ErrNotOwner is returned when a privileged call's direct caller is not
	// the pool owner.
	ErrNotOwner = errors.New("guard: only owner")
)

// DepositGuard validates deposits against a fixed position size and a
// per-call cap. The cap bounds the number of position units one call can
// create.
type DepositGuard struct {
	// PositionSize is the indivisible deposit unit in wei.
	PositionSize *uint256.Int

	// Cap is the maximum wei accepted by a single deposit call.
	Cap *uint256.Int
}

// NewDepositGuard creates a guard. positionSize must be non-zero and cap
// must be a non-zero multiple of it.
func NewDepositGuard(positionSize, cap *uint256.Int) (*DepositGuard, error) {
	if positionSize == nil || positionSize.IsZero() {
		return nil, fmt.Errorf("%w: position size must be positive", ErrInvalidAmount)
	}
	g := &DepositGuard{PositionSize: positionSize.Clone()}
	if err := g.SetCap(cap); err != nil {
		return nil, err
	}
	return g, nil
}

// SetCap replaces the per-call deposit cap.
func (g *DepositGuard) SetCap(cap *uint256.Int) error {
	if err := g.checkCap(cap); err != nil {
		return err
	}
	g.Cap = cap.Clone()
	return nil
}

func (g *DepositGuard) checkCap(cap *uint256.Int) error {
	if cap == nil || cap.IsZero() {
		return fmt.Errorf("%w: deposit cap must be positive", ErrInvalidAmount)
	}
	units, rem := amount.Units(cap, g.PositionSize)
	if !rem.IsZero() {
		return fmt.Errorf("%w: deposit cap %s must be an interval of the position amount %s",
			ErrInvalidAmount, amount.FormatEther(cap), amount.FormatEther(g.PositionSize))
	}
	if !units.IsUint64() {
		return fmt.Errorf("%w: deposit cap %s allows too many units per call",
			ErrInvalidAmount, amount.FormatEther(cap))
	}
	return nil
}

// Validate checks a deposit and returns the number of whole position units
// it buys. A remainder is an error, never silently dropped.
func (g *DepositGuard) Validate(value *uint256.Int) (uint64, error) {
	if value == nil || value.IsZero() {
		return 0, fmt.Errorf("%w: deposit must be positive", ErrInvalidAmount)
	}
	if value.Gt(g.Cap) {
		return 0, fmt.Errorf("%w: can't deposit more than %s ether at a time",
			ErrInvalidAmount, amount.FormatEther(g.Cap))
	}
	units, rem := amount.Units(value, g.PositionSize)
	if !rem.IsZero() {
		return 0, fmt.Errorf("%w: deposit value must be an interval of the position amount (%s ether)",
			ErrInvalidAmount, amount.FormatEther(g.PositionSize))
	}
	// Cap is a uint64-sized multiple of PositionSize, so this can't truncate.
	return units.Uint64(), nil
}

// AccessGuard authorises privileged calls by their direct caller.
type AccessGuard struct {
	owner common.Address
}

// NewAccessGuard creates a guard for the given owner.
func NewAccessGuard(owner common.Address) *AccessGuard {
	return &AccessGuard{owner: owner}
}

// Owner returns the only account Authorize accepts.
func (g *AccessGuard) Owner() common.Address {
	return g.owner
}

// Authorize returns nil iff directCaller is the owner.
func (g *AccessGuard) Authorize(directCaller common.Address) error {
	if directCaller != g.owner || directCaller == (common.Address{}) {
		return fmt.Errorf("%w: %s", ErrNotOwner, directCaller.Hex())
	}
	return nil
}
