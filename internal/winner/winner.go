// Package winner maps a random value onto one outstanding position unit.
//
// Select takes only the random value and the unit count. The value must come
// from a source that neither the borrower nor a block producer can predict
// or bias before the loan executes; nothing here reads clocks, block data, or
// any other ambient input.
package winner

import (
	"errors"

	"github.com/holiman/uint256"
)

// ErrNoEligibleRecipients is returned when there are no units to pick from.
var ErrNoEligibleRecipients = errors.New("winner: no eligible recipients")

// ErrNoRandomValue is returned when Select is handed a nil random value.
var ErrNoRandomValue = errors.New("winner: no random value")

// Select returns random mod totalUnits, an index in [0, totalUnits).
//
// For a 256-bit uniform random value the modulo bias is at most
// totalUnits / 2^256, which is negligible for any realistic unit count.
func Select(random *uint256.Int, totalUnits uint64) (uint64, error) {
	if totalUnits == 0 {
		return 0, ErrNoEligibleRecipients
	}
	if random == nil {
		return 0, ErrNoRandomValue
	}
	idx := new(uint256.Int).Mod(random, uint256.NewInt(totalUnits))
	return idx.Uint64(), nil
}
