// Package bank implements the native-asset value-transfer primitive the
// pool consumes: balances per address and transfers between them.
//
// Memory journals every balance change so a caller can take a Snapshot,
// run a multi-step operation, and RevertToSnapshot if it fails, the way an
// EVM state database reverts a failed call.
package bank

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/lender-pool/internal/amount"
	"github.com/atmx/lender-pool/internal/model"
)

var (
	// ErrTransferFailed is the umbrella error for any failed transfer.
	ErrTransferFailed = errors.New("bank: transfer failed")

	// ErrInsufficientFunds is returned when the sender can't cover a transfer.
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
)

// Memory implements an in-memory bank. Safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	balances map[common.Address]*uint256.Int
	journal  []balanceChange
}

type balanceChange struct {
	account common.Address
	prev    *uint256.Int // nil if the account didn't exist
}

// NewMemory creates an empty bank.
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[common.Address]*uint256.Int),
	}
}

// BalanceOf returns the balance of addr (zero for unknown addresses).
func (m *Memory) BalanceOf(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if b, ok := m.balances[addr]; ok {
		return b.Clone(), nil
	}
	return new(uint256.Int), nil
}

// Transfer moves value from one address to another.
func (m *Memory) Transfer(ctx context.Context, from, to common.Address, value *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if value == nil {
		return fmt.Errorf("%w: nil amount", ErrTransferFailed)
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: transfer to the zero address", ErrTransferFailed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fromBal := m.balanceLocked(from)
	if fromBal.Lt(value) {
		return fmt.Errorf("%w: %w: %s has %s, needs %s", ErrTransferFailed, ErrInsufficientFunds,
			from.Hex(), amount.FormatEther(fromBal), amount.FormatEther(value))
	}
	if from == to {
		return nil
	}
	toBal, err := amount.Add(m.balanceLocked(to), value)
	if err != nil {
		return fmt.Errorf("%w: credit %s: %w", ErrTransferFailed, to.Hex(), err)
	}

	m.setLocked(from, new(uint256.Int).Sub(fromBal, value))
	m.setLocked(to, toBal)
	return nil
}

// Mint credits value to addr out of thin air. Used for genesis allocations.
func (m *Memory) Mint(addr common.Address, value *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := amount.Add(m.balanceLocked(addr), value)
	if err != nil {
		return fmt.Errorf("bank: mint to %s: %w", addr.Hex(), err)
	}
	m.setLocked(addr, next)
	return nil
}

// Restore replaces all balances with persisted wallets and clears the journal.
func (m *Memory) Restore(wallets []model.Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balances = make(map[common.Address]*uint256.Int, len(wallets))
	for _, w := range wallets {
		if w.Balance != nil {
			m.balances[w.Address] = w.Balance.Clone()
		}
	}
	m.journal = nil
}

// Wallets returns every balance, ordered by address.
func (m *Memory) Wallets() []model.Wallet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Wallet, 0, len(m.balances))
	for a, b := range m.balances {
		out = append(out, model.Wallet{Address: a, Balance: b.Clone()})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

// --- Journal ---

// Snapshot returns an identifier for the current state.
func (m *Memory) Snapshot() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.journal)
}

// RevertToSnapshot undoes every balance change made after Snapshot
// returned id.
func (m *Memory) RevertToSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.journal) - 1; i >= id; i-- {
		c := m.journal[i]
		if c.prev == nil {
			delete(m.balances, c.account)
		} else {
			m.balances[c.account] = c.prev
		}
	}
	m.journal = m.journal[:id]
}

// Touched returns the current balances of addresses changed since id.
func (m *Memory) Touched(id int) []model.Wallet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Wallet
	seen := make(map[common.Address]struct{})
	for _, c := range m.journal[id:] {
		if _, ok := seen[c.account]; ok {
			continue
		}
		seen[c.account] = struct{}{}
		out = append(out, model.Wallet{Address: c.account, Balance: m.balanceLocked(c.account).Clone()})
	}
	return out
}

// Commit discards the journal.
func (m *Memory) Commit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journal = m.journal[:0]
}

func (m *Memory) balanceLocked(addr common.Address) *uint256.Int {
	if b, ok := m.balances[addr]; ok {
		return b
	}
	return new(uint256.Int)
}

// setLocked journals the previous value and stores a fresh pointer, so
// journaled pointers are never mutated in place.
func (m *Memory) setLocked(addr common.Address, value *uint256.Int) {
	m.journal = append(m.journal, balanceChange{account: addr, prev: m.balances[addr]})
	m.balances[addr] = value
}
