package store

import (
	"fmt"
	"math"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Amounts are stored as base-10 wei strings: NUMERIC(78,0) in PostgreSQL,
// TEXT in SQLite.

func weiString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func nullableWei(v *uint256.Int) *string {
	if v == nil {
		return nil
	}
	s := v.Dec()
	return &s
}

func parseWei(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("store: amount %q: %w", s, err)
	}
	return v, nil
}

func parseNullableWei(s *string) (*uint256.Int, error) {
	if s == nil {
		return nil, nil
	}
	return parseWei(*s)
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("store: address %q", s)
	}
	return common.HexToAddress(s), nil
}

func uintString(u uint64) string {
	return strconv.FormatUint(u, 10)
}

func parseUint(s string) (uint64, error) {
	u, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: integer %q: %w", s, err)
	}
	return u, nil
}

func toInt64(u uint64) (int64, error) {
	if u > math.MaxInt64 {
		return 0, fmt.Errorf("store: %d exceeds int64", u)
	}
	return int64(u), nil
}
