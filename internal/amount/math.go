package amount

import (
	"errors"

	"github.com/holiman/uint256"
)

// ErrOverflow is returned when a checked operation would wrap.
var ErrOverflow = errors.New("amount: arithmetic overflow")

// Add returns a+b, or ErrOverflow instead of wrapping.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// Mul returns a*b, or ErrOverflow instead of wrapping.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// MulUint64 returns a*n, or ErrOverflow instead of wrapping.
func MulUint64(a *uint256.Int, n uint64) (*uint256.Int, error) {
	return Mul(a, uint256.NewInt(n))
}

// Units returns how many whole multiples of size fit in a and the
// remainder. size must be non-zero.
func Units(a, size *uint256.Int) (units, rem *uint256.Int) {
	units, rem = new(uint256.Int), new(uint256.Int)
	units.DivMod(a, size, rem)
	return units, rem
}
