// Package model defines the core domain types shared across the lender pool.
// All monetary values are wei held in holiman/uint256; never float64 for money.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Params is the pool-wide configuration. PositionSize, Owner and
// PoolAddress are fixed at initialisation; the fee rate and deposit cap
// change only through owner-authorised calls.
type Params struct {
	PoolAddress    common.Address `json:"pool_address"`
	Owner          common.Address `json:"owner"`
	PositionSize   *uint256.Int   `json:"position_size"`
	FeeNumerator   uint64         `json:"fee_numerator"`
	FeeDenominator uint64         `json:"fee_denominator"`
	DepositCap     *uint256.Int   `json:"deposit_cap"`
}

// Clone returns a deep copy so callers can't mutate the pool's parameters.
func (p Params) Clone() Params {
	c := p
	if p.PositionSize != nil {
		c.PositionSize = p.PositionSize.Clone()
	}
	if p.DepositCap != nil {
		c.DepositCap = p.DepositCap.Clone()
	}
	return c
}

// Account is one depositor's row in the position ledger: whole position
// units plus the pending fee credit won from flash-loan payouts.
// Schema: {address, units, fee_credit}
type Account struct {
	Address   common.Address `json:"address" db:"address"`
	Units     uint64         `json:"units" db:"units"`
	FeeCredit *uint256.Int   `json:"fee_credit" db:"fee_credit"`
}

// Segment is a contiguous run of global unit indices
// [Start, Start+Units) owned by a single account. Segments are only ever
// appended, one per deposit.
type Segment struct {
	Start uint64         `json:"start" db:"start_index"`
	Units uint64         `json:"units" db:"units"`
	Owner common.Address `json:"owner" db:"owner"`
}

// End returns the first index past the segment.
func (s Segment) End() uint64 {
	return s.Start + s.Units
}

// Wallet is a native-asset balance held by the value-transfer primitive.
type Wallet struct {
	Address common.Address `json:"address" db:"address"`
	Balance *uint256.Int   `json:"balance" db:"balance"`
}

// EventKind classifies pool events.
type EventKind string

const (
	EventDeposit     EventKind = "deposit"
	EventFlashLoan   EventKind = "flash_loan"
	EventFeePayout   EventKind = "fee_payout"
	EventFeeRetained EventKind = "fee_retained"
	EventFeeRate     EventKind = "fee_rate"
	EventDepositCap  EventKind = "deposit_cap"
	EventTransfer    EventKind = "transfer"
)

// Event is an immutable record of a committed pool mutation.
// Once created, these are never modified or deleted.
type Event struct {
	ID           string         `json:"id" db:"id"`
	Kind         EventKind      `json:"kind" db:"kind"`
	Account      common.Address `json:"account" db:"account"`           // direct caller, or fee winner
	Counterparty common.Address `json:"counterparty" db:"counterparty"` // borrower, transfer recipient
	Amount       *uint256.Int   `json:"amount" db:"amount"`
	Fee          *uint256.Int   `json:"fee,omitempty" db:"fee"`
	UnitIndex    *uint64        `json:"unit_index,omitempty" db:"unit_index"`
	Detail       string         `json:"detail,omitempty" db:"detail"` // e.g. new fee rate "1/100"
	Timestamp    time.Time      `json:"timestamp" db:"timestamp"`
}

// EventFilter narrows ListEvents. Zero values mean "any".
type EventFilter struct {
	Account *common.Address
	Kind    EventKind
	Limit   int
}

// Matches reports whether e passes the filter (ignoring Limit).
func (f EventFilter) Matches(e Event) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Account != nil && e.Account != *f.Account && e.Counterparty != *f.Account {
		return false
	}
	return true
}

// Changeset is everything one committed pool call changed. Stores apply
// it atomically.
type Changeset struct {
	Params   *Params
	Accounts []Account
	Segments []Segment
	Wallets  []Wallet
	Events   []Event
}

// Empty reports whether the changeset carries nothing to persist.
func (c *Changeset) Empty() bool {
	return c.Params == nil && len(c.Accounts) == 0 && len(c.Segments) == 0 &&
		len(c.Wallets) == 0 && len(c.Events) == 0
}

// Snapshot is the full persisted pool state, used to rebuild the in-memory
// ledger and bank on startup.
type Snapshot struct {
	Params   Params
	Accounts []Account
	Segments []Segment
	Wallets  []Wallet
}
