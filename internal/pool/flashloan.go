package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/lender-pool/internal/amount"
	"github.com/atmx/lender-pool/internal/model"
	"github.com/atmx/lender-pool/internal/winner"
)

// State is the flash loan engine's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateFunding
	StateAwaitingCallback
	StateVerifying
	StateDistributing
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFunding:
		return "funding"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateVerifying:
		return "verifying"
	case StateDistributing:
		return "distributing"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Loan is what a borrower is told about its flash loan.
type Loan struct {
	ID        string         `json:"id"`
	Pool      common.Address `json:"pool"`
	Initiator common.Address `json:"initiator"`
	Borrower  common.Address `json:"borrower"`
	Amount    *uint256.Int   `json:"amount"`
	Fee       *uint256.Int   `json:"fee"`
}

// Owed returns principal plus fee.
func (l Loan) Owed() (*uint256.Int, error) {
	return amount.Add(l.Amount, l.Fee)
}

// Wallet is the borrower's view of its own funds during the callback.
type Wallet interface {
	Address() common.Address
	Balance(ctx context.Context) (*uint256.Int, error)
	Pay(ctx context.Context, to common.Address, value *uint256.Int) error
}

// Borrower receives flash loans. OnFlashLoan runs synchronously while the
// loan is outstanding; it repays by paying Loan.Pool through w. Any pool
// entry point invoked with ctx fails with ErrReentrancyDetected.
type Borrower interface {
	Address() common.Address
	OnFlashLoan(ctx context.Context, loan Loan, w Wallet) error
}

// LoanResult describes a committed flash loan.
type LoanResult struct {
	Loan      Loan            `json:"loan"`
	Repaid    *uint256.Int    `json:"repaid"`
	Winner    *common.Address `json:"winner,omitempty"`
	UnitIndex *uint64         `json:"unit_index,omitempty"`
	Retained  bool            `json:"fee_retained,omitempty"`
	Events    []model.Event   `json:"events"`
}

// ErrWalletClosed is returned by Wallet.Pay once the callback is over.
var ErrWalletClosed = errors.New("pool: borrower wallet closed")

// borrowerWallet is valid only while its loan awaits the callback. close
// waits for an in-flight Pay, so nothing moves after the engine has
// started verifying or rolling back.
type borrowerWallet struct {
	bank Bank
	addr common.Address

	mu     sync.Mutex
	closed bool
}

func (w *borrowerWallet) Address() common.Address { return w.addr }

func (w *borrowerWallet) Balance(ctx context.Context) (*uint256.Int, error) {
	return w.bank.BalanceOf(ctx, w.addr)
}

func (w *borrowerWallet) Pay(ctx context.Context, to common.Address, value *uint256.Int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("%w: %w", ErrTransferFailed, ErrWalletClosed)
	}
	return w.bank.Transfer(ctx, w.addr, to, value)
}

func (w *borrowerWallet) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// FlashLoan lends value to b for the duration of its callback. The pool
// must end with at least its pre-loan balance plus the fee; otherwise every
// effect of the call, including whatever the borrower did with its wallet,
// is undone. A non-zero fee is credited to the owner of one uniformly
// random position unit.
//
// When no units exist the loan still commits, the fee stays in the pool as
// surplus, and the error wraps ErrNoEligibleRecipients alongside a non-nil
// result.
//
// Only one loan is admitted at a time: a loan requested while another is
// outstanding fails with ErrReentrancyDetected instead of queuing, whatever
// context it carries.
func (p *Pool) FlashLoan(ctx context.Context, initiator common.Address, b Borrower, value *uint256.Int) (*LoanResult, error) {
	if p.InLoan(ctx) || !p.lending.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: a flash loan is already outstanding", ErrReentrancyDetected)
	}
	defer p.lending.Store(false)

	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if value == nil || value.IsZero() {
		return nil, fmt.Errorf("%w: loan of zero", ErrInvalidAmount)
	}
	if b == nil || b.Address() == (common.Address{}) || b.Address() == p.address {
		return nil, fmt.Errorf("%w: borrower", ErrInvalidAccount)
	}
	loanFee, err := p.Quote(value)
	if err != nil {
		return nil, err
	}
	loan := Loan{
		ID:        uuid.New().String(),
		Pool:      p.address,
		Initiator: initiator,
		Borrower:  b.Address(),
		Amount:    value.Clone(),
		Fee:       loanFee,
	}
	log := slog.With("loan", loan.ID, "borrower", loan.Borrower.Hex(), "amount", amount.FormatEther(value))

	tx := p.begin()
	defer p.setState(StateIdle)
	fail := func(err error) (*LoanResult, error) {
		tx.rollback()
		p.setState(StateRolledBack)
		log.Warn("flash loan rolled back", "error", err)
		return nil, err
	}

	p.setState(StateFunding)
	before, err := p.bank.BalanceOf(ctx, p.address)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrTransferFailed, err))
	}
	if value.Gt(before) {
		return fail(fmt.Errorf("%w: requested %s, available %s",
			ErrInsufficientLiquidity, amount.FormatEther(value), amount.FormatEther(before)))
	}
	target, err := amount.Add(before, loanFee)
	if err != nil {
		return fail(err)
	}
	round, pinned, err := p.pin(ctx, loanFee)
	if err != nil {
		return fail(err)
	}
	if err := p.bank.Transfer(ctx, p.address, loan.Borrower, value); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrTransferFailed, err))
	}

	p.setState(StateAwaitingCallback)
	if err := p.callback(ctx, b, loan); err != nil {
		if errors.Is(err, ErrReentrancyDetected) {
			return fail(err)
		}
		return fail(fmt.Errorf("%w: %w", ErrBorrowerFailed, err))
	}

	p.setState(StateVerifying)
	after, err := p.bank.BalanceOf(ctx, p.address)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrTransferFailed, err))
	}
	if after.Lt(target) {
		return fail(fmt.Errorf("%w: balance %s, required %s",
			ErrRepaymentNotMet, amount.FormatEther(after), amount.FormatEther(target)))
	}

	repaid := new(uint256.Int).Sub(after, before)
	repaid.Add(repaid, value)
	loanEvent := p.newEvent(model.EventFlashLoan, initiator, loan.Borrower, value)
	loanEvent.Fee = loanFee.Clone()
	result := &LoanResult{Loan: loan, Repaid: repaid, Events: []model.Event{loanEvent}}

	var retained error
	if !loanFee.IsZero() {
		p.setState(StateDistributing)
		idx, owner, err := p.distribute(ctx, loanFee, round, pinned)
		switch {
		case errors.Is(err, ErrNoEligibleRecipients):
			retained = err
			result.Retained = true
			result.Events = append(result.Events, p.newEvent(model.EventFeeRetained, p.address, loan.Borrower, loanFee))
		case err != nil:
			return fail(err)
		default:
			result.Winner = &owner
			result.UnitIndex = &idx
			payout := p.newEvent(model.EventFeePayout, owner, loan.Borrower, loanFee)
			payout.UnitIndex = &idx
			result.Events = append(result.Events, payout)
		}
	}

	if err := tx.commit(ctx, result.Events...); err != nil {
		p.setState(StateRolledBack)
		log.Error("flash loan persistence failed", "error", err)
		return nil, err
	}

	if result.Winner != nil {
		log.Info("flash loan repaid", "fee", amount.FormatEther(loanFee), "winner", result.Winner.Hex(), "unit", *result.UnitIndex)
	} else {
		log.Info("flash loan repaid", "fee", amount.FormatEther(loanFee), "fee_retained", result.Retained)
	}
	return result, retained
}

// callback runs OnFlashLoan with a context that marks it as part of the
// loan. It returns when the borrower does or when callbackTimeout expires;
// either way the borrower's wallet is closed first.
func (p *Pool) callback(ctx context.Context, b Borrower, loan Loan) error {
	cbCtx, cancel := context.WithTimeout(context.WithValue(ctx, loanKey{}, p), p.callbackTimeout)
	defer cancel()

	w := &borrowerWallet{bank: p.bank, addr: loan.Borrower}
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("borrower panicked: %v", r)
			}
		}()
		done <- b.OnFlashLoan(cbCtx, loan, w)
	}()

	select {
	case err := <-done:
		w.close()
		return err
	case <-cbCtx.Done():
		w.close()
		return fmt.Errorf("callback did not return: %w", cbCtx.Err())
	}
}

// pin fixes the beacon round a fee draw must come after, for sources that
// publish their values. It is a no-op when no draw will happen.
func (p *Pool) pin(ctx context.Context, loanFee *uint256.Int) (uint64, bool, error) {
	rp, ok := p.random.(RoundPinner)
	if !ok || loanFee.IsZero() || p.TotalUnits() == 0 {
		return 0, false, nil
	}
	rctx, cancel := context.WithTimeout(ctx, p.randomTimeout)
	defer cancel()
	round, err := rp.Pin(rctx)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %w", ErrRandomnessUnavailable, err)
	}
	return round, true, nil
}

// distribute credits fee to the owner of a uniformly random unit.
// Randomness is requested only after repayment has been verified.
func (p *Pool) distribute(ctx context.Context, loanFee *uint256.Int, round uint64, pinned bool) (uint64, common.Address, error) {
	p.mu.RLock()
	total := p.ledger.TotalUnits()
	p.mu.RUnlock()
	if total == 0 {
		return 0, common.Address{}, fmt.Errorf("%w: fee of %s retained", ErrNoEligibleRecipients, amount.FormatEther(loanFee))
	}

	rctx, cancel := context.WithTimeout(ctx, p.randomTimeout)
	defer cancel()
	var r *uint256.Int
	var err error
	if rp, ok := p.random.(RoundPinner); ok && pinned {
		r, err = rp.RandomAfter(rctx, round)
	} else {
		r, err = p.random.Random(rctx)
	}
	if err != nil {
		return 0, common.Address{}, fmt.Errorf("%w: %w", ErrRandomnessUnavailable, err)
	}

	idx, err := winner.Select(r, total)
	if err != nil {
		return 0, common.Address{}, fmt.Errorf("%w: %w", ErrRandomnessUnavailable, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	owner, err := p.ledger.UnitOwner(idx)
	if err != nil {
		return 0, common.Address{}, err
	}
	if err := p.ledger.CreditFraction(owner, loanFee); err != nil {
		return 0, common.Address{}, err
	}
	return idx, owner, nil
}

func (p *Pool) setState(s State) {
	if prev := State(p.state.Swap(int32(s))); prev != s {
		slog.Debug("flash loan state", "from", prev.String(), "to", s.String())
	}
}
