package pool

import (
	"errors"

	"github.com/atmx/lender-pool/internal/amount"
	"github.com/atmx/lender-pool/internal/fee"
	"github.com/atmx/lender-pool/internal/guard"
	"github.com/atmx/lender-pool/internal/ledger"
	"github.com/atmx/lender-pool/internal/winner"
)

// Error kinds surfaced by pool entry points. Every failure wraps exactly
// one of these; use errors.Is to classify.
var (
	ErrInvalidAmount        = guard.ErrInvalidAmount
	ErrNotOwner             = guard.ErrNotOwner
	ErrInvalidFeeRate       = fee.ErrInvalidRate
	ErrArithmeticOverflow   = amount.ErrOverflow
	ErrIndexOutOfRange      = ledger.ErrIndexOutOfRange
	ErrNoEligibleRecipients = winner.ErrNoEligibleRecipients

	ErrInvalidAccount        = errors.New("pool: invalid account")
	ErrInsufficientLiquidity = errors.New("pool: insufficient liquidity")
	ErrReentrancyDetected    = errors.New("pool: reentrancy detected")
	ErrRepaymentNotMet       = errors.New("pool: repayment not met")
	ErrBorrowerFailed        = errors.New("pool: borrower callback failed")
	ErrTransferFailed        = errors.New("pool: transfer failed")
	ErrRandomnessUnavailable = errors.New("pool: randomness provider failed")
	ErrPersistence           = errors.New("pool: persisting state failed")
	ErrConfigMismatch        = errors.New("pool: persisted state does not match configuration")
	ErrInsolvent             = errors.New("pool: balance below ledger total")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrReentrancyDetected, "ReentrancyDetected"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrInvalidAccount, "InvalidAccount"},
	{ErrNotOwner, "NotOwner"},
	{ErrInvalidFeeRate, "InvalidFeeRate"},
	{ErrInsufficientLiquidity, "InsufficientLiquidity"},
	{ErrRepaymentNotMet, "RepaymentNotMet"},
	{ErrBorrowerFailed, "BorrowerFailed"},
	{ErrNoEligibleRecipients, "NoEligibleRecipients"},
	{ErrIndexOutOfRange, "IndexOutOfRange"},
	{ErrArithmeticOverflow, "ArithmeticOverflow"},
	{ErrTransferFailed, "TransferFailed"},
	{ErrRandomnessUnavailable, "RandomnessUnavailable"},
	{ErrPersistence, "PersistenceFailed"},
	{ErrConfigMismatch, "ConfigMismatch"},
	{ErrInsolvent, "Insolvent"},
}

// Kind returns the stable name of err's kind, or "Internal" if err wraps
// none of the pool's error kinds.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}
