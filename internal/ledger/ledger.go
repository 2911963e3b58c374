// Package ledger is the authoritative record of who owns how many position
// units, plus the fee credit each depositor has won.
//
// Units are enumerated globally: every deposit appends one segment covering
// a contiguous run of indices, so crediting N units is O(1) and resolving an
// index to its owner is a binary search over segments. Nothing iterates per
// unit.
//
// Every mutation is journaled. Callers take a Snapshot before a multi-step
// operation and RevertToSnapshot if any later step fails, then Commit once
// the operation is durable.
package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/lender-pool/internal/amount"
	"github.com/atmx/lender-pool/internal/model"
)

var (
	// ErrIndexOutOfRange is returned by UnitOwner for index >= TotalUnits.
	ErrIndexOutOfRange = errors.New("ledger: unit index out of range")

	// ErrZeroUnits is returned when crediting zero units.
	ErrZeroUnits = errors.New("ledger: credit of zero units")

	// ErrCorrupt is returned by Restore when persisted rows disagree.
	ErrCorrupt = errors.New("ledger: inconsistent persisted state")
)

// Ledger holds per-account unit counts, pending fee credits, and the global
// unit enumeration. It is not safe for concurrent use; the pool serialises
// access.
type Ledger struct {
	positionSize *uint256.Int

	units    map[common.Address]uint64
	credits  map[common.Address]*uint256.Int
	segments []model.Segment

	totalUnits   uint64
	totalCredits *uint256.Int

	journal []change
}

// New creates an empty ledger for the given position size.
func New(positionSize *uint256.Int) *Ledger {
	return &Ledger{
		positionSize: positionSize.Clone(),
		units:        make(map[common.Address]uint64),
		credits:      make(map[common.Address]*uint256.Int),
		totalCredits: new(uint256.Int),
	}
}

// PositionSize returns the wei value of one unit.
func (l *Ledger) PositionSize() *uint256.Int {
	return l.positionSize.Clone()
}

// Credit gives account `units` new whole position units at the end of the
// global enumeration.
func (l *Ledger) Credit(account common.Address, units uint64) error {
	if units == 0 {
		return ErrZeroUnits
	}
	newTotal := l.totalUnits + units
	if newTotal < l.totalUnits {
		return fmt.Errorf("ledger: total units: %w", amount.ErrOverflow)
	}

	l.journal = append(l.journal, unitsChange{
		account:   account,
		prevUnits: l.units[account],
		prevTotal: l.totalUnits,
	})
	l.segments = append(l.segments, model.Segment{
		Start: l.totalUnits,
		Units: units,
		Owner: account,
	})
	l.units[account] += units
	l.totalUnits = newTotal
	return nil
}

// CreditFraction adds a native amount to account's pending fee credit. It
// doesn't create position units and doesn't change TotalUnits.
func (l *Ledger) CreditFraction(account common.Address, value *uint256.Int) error {
	prev := l.credits[account]
	base := prev
	if base == nil {
		base = new(uint256.Int)
	}
	next, err := amount.Add(base, value)
	if err != nil {
		return fmt.Errorf("ledger: fee credit for %s: %w", account.Hex(), err)
	}
	newTotal, err := amount.Add(l.totalCredits, value)
	if err != nil {
		return fmt.Errorf("ledger: total fee credit: %w", err)
	}

	l.journal = append(l.journal, creditChange{
		account:   account,
		prev:      prev,
		prevTotal: l.totalCredits,
	})
	l.credits[account] = next
	l.totalCredits = newTotal
	return nil
}

// Balance returns units(account) * positionSize + feeCredit(account).
func (l *Ledger) Balance(account common.Address) (*uint256.Int, error) {
	principal, err := amount.MulUint64(l.positionSize, l.units[account])
	if err != nil {
		return nil, fmt.Errorf("ledger: balance of %s: %w", account.Hex(), err)
	}
	if c := l.credits[account]; c != nil {
		return amount.Add(principal, c)
	}
	return principal, nil
}

// Account returns the ledger row for account. Unknown accounts have zero
// units and zero credit.
func (l *Ledger) Account(account common.Address) model.Account {
	credit := new(uint256.Int)
	if c := l.credits[account]; c != nil {
		credit.Set(c)
	}
	return model.Account{
		Address:   account,
		Units:     l.units[account],
		FeeCredit: credit,
	}
}

// Accounts returns every known account, ordered by address.
func (l *Ledger) Accounts() []model.Account {
	seen := make(map[common.Address]struct{}, len(l.units)+len(l.credits))
	for a := range l.units {
		seen[a] = struct{}{}
	}
	for a := range l.credits {
		seen[a] = struct{}{}
	}
	out := make([]model.Account, 0, len(seen))
	for a := range seen {
		out = append(out, l.Account(a))
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

// TotalUnits returns the number of outstanding whole position units.
func (l *Ledger) TotalUnits() uint64 {
	return l.totalUnits
}

// Total returns the native amount the ledger attributes to depositors:
// totalUnits * positionSize + all fee credits.
func (l *Ledger) Total() (*uint256.Int, error) {
	principal, err := amount.MulUint64(l.positionSize, l.totalUnits)
	if err != nil {
		return nil, fmt.Errorf("ledger: total: %w", err)
	}
	return amount.Add(principal, l.totalCredits)
}

// UnitOwner resolves a zero-based global unit index to its owner.
func (l *Ledger) UnitOwner(index uint64) (common.Address, error) {
	if index >= l.totalUnits {
		return common.Address{}, fmt.Errorf("%w: %d >= %d", ErrIndexOutOfRange, index, l.totalUnits)
	}
	i := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].End() > index
	})
	return l.segments[i].Owner, nil
}

// Segments returns a copy of the unit enumeration.
func (l *Ledger) Segments() []model.Segment {
	out := make([]model.Segment, len(l.segments))
	copy(out, l.segments)
	return out
}

// --- Journal ---

// Snapshot returns an identifier for the current state.
func (l *Ledger) Snapshot() int {
	return len(l.journal)
}

// RevertToSnapshot undoes every mutation made after Snapshot returned id.
func (l *Ledger) RevertToSnapshot(id int) {
	for i := len(l.journal) - 1; i >= id; i-- {
		l.journal[i].revert(l)
	}
	l.journal = l.journal[:id]
}

// Changes returns the current rows of accounts touched since snapshot id
// and the segments appended since then.
func (l *Ledger) Changes(id int) ([]model.Account, []model.Segment) {
	var accounts []model.Account
	var segments []model.Segment
	seen := make(map[common.Address]struct{})
	firstSegment := -1

	for _, c := range l.journal[id:] {
		a := c.touched()
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			accounts = append(accounts, l.Account(a))
		}
		if uc, ok := c.(unitsChange); ok && firstSegment < 0 {
			firstSegment = segmentIndexAt(l.segments, uc.prevTotal)
		}
	}
	if firstSegment >= 0 {
		segments = append(segments, l.segments[firstSegment:]...)
	}
	return accounts, segments
}

// Commit discards the journal. Mutations made so far can no longer be
// reverted.
func (l *Ledger) Commit() {
	l.journal = l.journal[:0]
}

// Restore rebuilds the ledger from persisted rows, checking that segments
// are contiguous from zero and agree with per-account unit counts.
func (l *Ledger) Restore(accounts []model.Account, segments []model.Segment) error {
	sorted := make([]model.Segment, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	counted := make(map[common.Address]uint64)
	var next uint64
	for _, s := range sorted {
		if s.Start != next || s.Units == 0 {
			return fmt.Errorf("%w: segment at %d, expected start %d", ErrCorrupt, s.Start, next)
		}
		counted[s.Owner] += s.Units
		next = s.End()
	}

	units := make(map[common.Address]uint64)
	credits := make(map[common.Address]*uint256.Int)
	totalCredits := new(uint256.Int)
	for _, a := range accounts {
		if counted[a.Address] != a.Units {
			return fmt.Errorf("%w: account %s has %d units, segments give %d",
				ErrCorrupt, a.Address.Hex(), a.Units, counted[a.Address])
		}
		if a.Units > 0 {
			units[a.Address] = a.Units
		}
		if a.FeeCredit != nil && !a.FeeCredit.IsZero() {
			credits[a.Address] = a.FeeCredit.Clone()
			var err error
			if totalCredits, err = amount.Add(totalCredits, a.FeeCredit); err != nil {
				return fmt.Errorf("%w: total fee credit: %v", ErrCorrupt, err)
			}
		}
		delete(counted, a.Address)
	}
	for owner, n := range counted {
		if n > 0 {
			return fmt.Errorf("%w: segments give %s %d units but it has no account row", ErrCorrupt, owner.Hex(), n)
		}
	}

	l.units = units
	l.credits = credits
	l.segments = sorted
	l.totalUnits = next
	l.totalCredits = totalCredits
	l.journal = nil
	return nil
}

// segmentIndexAt returns the index of the segment starting at start.
func segmentIndexAt(segments []model.Segment, start uint64) int {
	return sort.Search(len(segments), func(i int) bool {
		return segments[i].Start >= start
	})
}

type change interface {
	revert(*Ledger)
	touched() common.Address
}

type unitsChange struct {
	account   common.Address
	prevUnits uint64
	prevTotal uint64
}

func (c unitsChange) revert(l *Ledger) {
	if c.prevUnits == 0 {
		delete(l.units, c.account)
	} else {
		l.units[c.account] = c.prevUnits
	}
	l.segments = l.segments[:segmentIndexAt(l.segments, c.prevTotal)]
	l.totalUnits = c.prevTotal
}

func (c unitsChange) touched() common.Address { return c.account }

type creditChange struct {
	account   common.Address
	prev      *uint256.Int
	prevTotal *uint256.Int
}

func (c creditChange) revert(l *Ledger) {
	if c.prev == nil {
		delete(l.credits, c.account)
	} else {
		l.credits[c.account] = c.prev
	}
	l.totalCredits = c.prevTotal
}

func (c creditChange) touched() common.Address { return c.account }
