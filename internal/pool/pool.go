// Package pool is the lending pool: it accepts fixed-size deposits, issues
// flash loans, and pays each loan's fee to one randomly selected position
// unit.
//
// A Pool serialises every mutating entry point. Each mutation runs against
// journaled bank and ledger state and either commits as a whole (persisted
// through the Persister, then announced through the Notifier) or is rolled
// back as if it had never started.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/lender-pool/internal/amount"
	"github.com/atmx/lender-pool/internal/fee"
	"github.com/atmx/lender-pool/internal/guard"
	"github.com/atmx/lender-pool/internal/ledger"
	"github.com/atmx/lender-pool/internal/model"
)

const (
	// DefaultRandomTimeout bounds a single randomness request.
	DefaultRandomTimeout = 10 * time.Second

	// DefaultCallbackTimeout bounds a borrower's OnFlashLoan callback.
	DefaultCallbackTimeout = 30 * time.Second
)

// Bank moves the native asset between accounts. The pool is the only
// writer once it is running, so journal ids it takes are never invalidated
// by other callers.
type Bank interface {
	BalanceOf(ctx context.Context, addr common.Address) (*uint256.Int, error)
	Transfer(ctx context.Context, from, to common.Address, value *uint256.Int) error
	Snapshot() int
	RevertToSnapshot(id int)
	Touched(id int) []model.Wallet
	Commit()
}

// RandomSource returns 256 bits of unpredictable randomness.
type RandomSource interface {
	Random(ctx context.Context) (*uint256.Int, error)
}

// RoundPinner is implemented by random sources whose values are published
// in rounds anyone can read. Pin runs as a loan starts funding, before the
// borrower gets control; RandomAfter must return the value of a round
// published strictly after the pinned one.
type RoundPinner interface {
	Pin(ctx context.Context) (uint64, error)
	RandomAfter(ctx context.Context, round uint64) (*uint256.Int, error)
}

// Persister durably applies a committed changeset. Apply must be atomic.
type Persister interface {
	Apply(ctx context.Context, cs *model.Changeset) error
}

// Notifier receives events after they are persisted. Publish must not block.
type Notifier interface {
	Publish(e model.Event)
}

// Config fixes the pool's identity and initial parameters.
type Config struct {
	PoolAddress   common.Address
	Owner         common.Address
	PositionSize  *uint256.Int
	FeeRate       fee.Rate
	DepositCap    *uint256.Int
	RandomTimeout time.Duration

	// CallbackTimeout bounds OnFlashLoan; the loan rolls back when it
	// expires, whether or not the borrower has returned.
	CallbackTimeout time.Duration
}

// Pool is the lending pool state object. Create one with New; there is no
// package-level state.
type Pool struct {
	address         common.Address
	randomTimeout   time.Duration
	callbackTimeout time.Duration

	bank      Bank
	random    RandomSource
	persister Persister
	notifier  Notifier

	// sem serialises mutating entry points; acquisition honours ctx.
	sem   chan struct{}
	state atomic.Int32

	// lending is set from the moment a flash loan is admitted until it
	// returns. A second loan is refused while it is set.
	lending atomic.Bool

	// mu guards the fields below against concurrent queries. Writers hold
	// sem as well.
	mu       sync.RWMutex
	ledger   *ledger.Ledger
	deposits *guard.DepositGuard
	access   *guard.AccessGuard
	rate     fee.Rate

	now func() time.Time
}

// New creates a pool over bank. Pass nil for persister or notifier when
// durability or event delivery are not needed.
func New(cfg Config, bank Bank, random RandomSource, persister Persister, notifier Notifier) (*Pool, error) {
	if cfg.PoolAddress == (common.Address{}) {
		return nil, fmt.Errorf("%w: pool address is zero", ErrInvalidAccount)
	}
	if cfg.Owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: owner is zero", ErrInvalidAccount)
	}
	if err := cfg.FeeRate.Validate(); err != nil {
		return nil, err
	}
	deposits, err := guard.NewDepositGuard(cfg.PositionSize, cfg.DepositCap)
	if err != nil {
		return nil, err
	}
	if bank == nil || random == nil {
		return nil, fmt.Errorf("pool: bank and random source are required")
	}
	timeout := cfg.RandomTimeout
	if timeout <= 0 {
		timeout = DefaultRandomTimeout
	}
	callbackTimeout := cfg.CallbackTimeout
	if callbackTimeout <= 0 {
		callbackTimeout = DefaultCallbackTimeout
	}
	return &Pool{
		address:         cfg.PoolAddress,
		randomTimeout:   timeout,
		callbackTimeout: callbackTimeout,
		bank:            bank,
		random:          random,
		persister:       persister,
		notifier:        notifier,
		sem:             make(chan struct{}, 1),
		ledger:          ledger.New(cfg.PositionSize),
		deposits:        deposits,
		access:          guard.NewAccessGuard(cfg.Owner),
		rate:            cfg.FeeRate,
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

// Address returns the pool's own account.
func (p *Pool) Address() common.Address {
	return p.address
}

// --- Startup ---

// Restore loads persisted parameters and ledger rows. Position size, owner
// and pool address are immutable and must match the configuration.
func (p *Pool) Restore(snap *model.Snapshot) error {
	release, err := p.acquire(context.Background())
	if err != nil {
		return err
	}
	defer release()

	params := snap.Params
	if params.PoolAddress != p.address || params.Owner != p.access.Owner() {
		return fmt.Errorf("%w: pool %s owner %s", ErrConfigMismatch, params.PoolAddress.Hex(), params.Owner.Hex())
	}
	if params.PositionSize == nil || !params.PositionSize.Eq(p.ledger.PositionSize()) {
		return fmt.Errorf("%w: position size", ErrConfigMismatch)
	}
	rate, err := fee.NewRate(params.FeeNumerator, params.FeeDenominator)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigMismatch, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.deposits.SetCap(params.DepositCap); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigMismatch, err)
	}
	if err := p.ledger.Restore(snap.Accounts, snap.Segments); err != nil {
		return err
	}
	p.rate = rate
	return nil
}

// Bootstrap persists the initial parameters together with whatever the
// bank has journaled so far (genesis allocations), then commits the bank.
func (p *Pool) Bootstrap(ctx context.Context) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	params := p.Params()
	cs := &model.Changeset{Params: &params, Wallets: p.bank.Touched(0)}
	if p.persister != nil {
		if err := p.persister.Apply(ctx, cs); err != nil {
			p.bank.RevertToSnapshot(0)
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}
	p.bank.Commit()
	return nil
}

// CheckSolvency verifies that the pool's balance covers every deposit and
// pending fee credit recorded in the ledger.
func (p *Pool) CheckSolvency(ctx context.Context) error {
	bal, err := p.bank.BalanceOf(ctx, p.address)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	p.mu.RLock()
	total, err := p.ledger.Total()
	p.mu.RUnlock()
	if err != nil {
		return err
	}
	if bal.Lt(total) {
		return fmt.Errorf("%w: balance %s, owed %s", ErrInsolvent, bal.Dec(), total.Dec())
	}
	return nil
}

// --- Serialisation ---

type loanKey struct{}

// acquire takes the pool's mutation slot. A context derived from a flash
// loan callback of this pool is rejected outright: the slot is held by the
// loan, and nested mutations must never observe its intermediate state.
//
// A callback that calls back with an unrelated context queues here like any
// other caller; the loan's callback timeout frees the slot.
func (p *Pool) acquire(ctx context.Context) (func(), error) {
	if p.InLoan(ctx) {
		return nil, ErrReentrancyDetected
	}
	select {
	case p.sem <- struct{}{}:
		return func() { <-p.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InLoan reports whether ctx belongs to a flash loan callback of p.
func (p *Pool) InLoan(ctx context.Context) bool {
	owner, ok := ctx.Value(loanKey{}).(*Pool)
	return ok && owner == p
}

// txn tracks one mutation from its first side effect to commit or rollback.
type txn struct {
	p          *Pool
	bankSnap   int
	ledgerSnap int
	params     *model.Params
	undo       []func()
}

func (p *Pool) begin() *txn {
	return &txn{p: p, bankSnap: p.bank.Snapshot(), ledgerSnap: p.ledger.Snapshot()}
}

func (t *txn) rollback() {
	t.p.bank.RevertToSnapshot(t.bankSnap)
	t.p.mu.Lock()
	t.p.ledger.RevertToSnapshot(t.ledgerSnap)
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.p.mu.Unlock()
}

// commit persists everything changed since begin and then publishes events.
// On persistence failure the mutation is rolled back.
func (t *txn) commit(ctx context.Context, events ...model.Event) error {
	p := t.p
	p.mu.RLock()
	accounts, segments := p.ledger.Changes(t.ledgerSnap)
	p.mu.RUnlock()
	cs := &model.Changeset{
		Params:   t.params,
		Accounts: accounts,
		Segments: segments,
		Wallets:  p.bank.Touched(t.bankSnap),
		Events:   events,
	}
	if p.persister != nil && !cs.Empty() {
		if err := p.persister.Apply(ctx, cs); err != nil {
			t.rollback()
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}
	p.bank.Commit()
	p.mu.Lock()
	p.ledger.Commit()
	p.mu.Unlock()

	if p.notifier != nil {
		for _, e := range events {
			p.notifier.Publish(e)
		}
	}
	return nil
}

func (p *Pool) newEvent(kind model.EventKind, account, counterparty common.Address, value *uint256.Int) model.Event {
	e := model.Event{
		ID:           uuid.New().String(),
		Kind:         kind,
		Account:      account,
		Counterparty: counterparty,
		Timestamp:    p.now(),
	}
	if value != nil {
		e.Amount = value.Clone()
	}
	return e
}

// --- Queries ---

// Balance returns account's withdrawable claim: units × positionSize plus
// pending fee credit.
func (p *Pool) Balance(account common.Address) (*uint256.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ledger.Balance(account)
}

// Account returns account's ledger row.
func (p *Pool) Account(account common.Address) model.Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ledger.Account(account)
}

// Accounts returns every ledger row, ordered by address.
func (p *Pool) Accounts() []model.Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ledger.Accounts()
}

// TotalUnits returns the number of position units outstanding.
func (p *Pool) TotalUnits() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ledger.TotalUnits()
}

// UnitOwner returns the owner of the unit at index.
func (p *Pool) UnitOwner(index uint64) (common.Address, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ledger.UnitOwner(index)
}

// Params returns a copy of the current pool parameters.
func (p *Pool) Params() model.Params {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paramsLocked()
}

func (p *Pool) paramsLocked() model.Params {
	return model.Params{
		PoolAddress:    p.address,
		Owner:          p.access.Owner(),
		PositionSize:   p.ledger.PositionSize(),
		FeeNumerator:   p.rate.Numerator,
		FeeDenominator: p.rate.Denominator,
		DepositCap:     p.deposits.Cap.Clone(),
	}
}

// PoolBalance returns the native balance held by the pool account.
func (p *Pool) PoolBalance(ctx context.Context) (*uint256.Int, error) {
	return p.bank.BalanceOf(ctx, p.address)
}

// WalletBalance returns addr's native balance.
func (p *Pool) WalletBalance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	return p.bank.BalanceOf(ctx, addr)
}

// Quote returns the fee a flash loan of value would owe at the current rate.
func (p *Pool) Quote(value *uint256.Int) (*uint256.Int, error) {
	p.mu.RLock()
	rate := p.rate
	p.mu.RUnlock()
	return rate.Compute(value)
}

// State returns the flash loan engine's current state.
func (p *Pool) State() State {
	return State(p.state.Load())
}

// --- Wallet transfers ---

// Transfer moves value from caller's wallet to to. It is serialised with
// every other mutation so a flash loan rollback never undoes it.
func (p *Pool) Transfer(ctx context.Context, caller, to common.Address, value *uint256.Int) (*model.Event, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if value == nil || value.IsZero() {
		return nil, fmt.Errorf("%w: transfer of zero", ErrInvalidAmount)
	}
	if caller == (common.Address{}) || to == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero address", ErrInvalidAccount)
	}
	if caller == p.address || to == p.address {
		return nil, fmt.Errorf("%w: pool funds move only through deposits and loans", ErrInvalidAccount)
	}

	tx := p.begin()
	if err := p.bank.Transfer(ctx, caller, to, value); err != nil {
		tx.rollback()
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	ev := p.newEvent(model.EventTransfer, caller, to, value)
	if err := tx.commit(ctx, ev); err != nil {
		return nil, err
	}
	slog.Info("transfer", "from", caller.Hex(), "to", to.Hex(), "amount", amount.FormatEther(value))
	return &ev, nil
}
