package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/lender-pool/internal/amount"
	"github.com/atmx/lender-pool/internal/events"
	"github.com/atmx/lender-pool/internal/model"
	"github.com/atmx/lender-pool/internal/pool"
)

// Amount is a wei value rendered both exactly and in ether.
type Amount struct {
	Wei   string `json:"wei"`
	Ether string `json:"ether"`
}

func newAmount(v *uint256.Int) Amount {
	if v == nil {
		v = new(uint256.Int)
	}
	return Amount{Wei: v.Dec(), Ether: amount.FormatEther(v)}
}

// --- Request types ---

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	Amount string `json:"amount"` // ether, or with unit: "4", "4 ether", "1000 gwei"
}

// FlashLoanRequest is the JSON body for POST /flash-loans.
type FlashLoanRequest struct {
	Borrower string `json:"borrower"`
	Amount   string `json:"amount"`
}

// TransferRequest is the JSON body for POST /transfers.
type TransferRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// FeeRateRequest is the JSON body for PUT /pool/fee-rate.
type FeeRateRequest struct {
	Numerator   uint64 `json:"numerator"`
	Denominator uint64 `json:"denominator"`
}

// DepositCapRequest is the JSON body for PUT /pool/deposit-cap.
type DepositCapRequest struct {
	Cap string `json:"cap"`
}

// RegisterBorrowerRequest is the JSON body for POST /borrowers. The caller
// registers itself.
type RegisterBorrowerRequest struct {
	WebhookURL string `json:"webhook_url"`
	TimeoutMS  int    `json:"timeout_ms,omitempty"`
}

// --- Response types ---

// PoolResponse is returned from GET /pool.
type PoolResponse struct {
	Address      string `json:"address"`
	Owner        string `json:"owner"`
	PositionSize Amount `json:"position_size"`
	FeeRate      string `json:"fee_rate"`
	DepositCap   Amount `json:"deposit_cap"`
	TotalUnits   uint64 `json:"total_units"`
	Balance      Amount `json:"balance"`
	State        string `json:"state"`
}

// QuoteResponse is returned from GET /pool/fee.
type QuoteResponse struct {
	Amount Amount `json:"amount"`
	Fee    Amount `json:"fee"`
}

// AccountResponse is returned from GET /accounts/{address}.
type AccountResponse struct {
	Address   string `json:"address"`
	Units     uint64 `json:"units"`
	FeeCredit Amount `json:"fee_credit"`
	Balance   Amount `json:"balance"` // units * position size + fee credit
	Wallet    Amount `json:"wallet"`
}

// PositionResponse is returned from GET /positions/{index}.
type PositionResponse struct {
	Index uint64 `json:"index"`
	Owner string `json:"owner"`
}

// ReceiptResponse is returned from POST /deposits.
type ReceiptResponse struct {
	Event     events.Message  `json:"event"`
	Units     uint64          `json:"units"`
	FirstUnit uint64          `json:"first_unit"`
	Account   AccountResponse `json:"account"`
}

// LoanResponse is returned from POST /flash-loans.
type LoanResponse struct {
	LoanID      string           `json:"loan_id"`
	Borrower    string           `json:"borrower"`
	Amount      Amount           `json:"amount"`
	Fee         Amount           `json:"fee"`
	Repaid      Amount           `json:"repaid"`
	Winner      string           `json:"winner,omitempty"`
	UnitIndex   *uint64          `json:"unit_index,omitempty"`
	FeeRetained bool             `json:"fee_retained"`
	Events      []events.Message `json:"events"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string        `json:"error"`
	Kind  string        `json:"kind"`
	Loan  *LoanResponse `json:"loan,omitempty"`
}

func newLoanResponse(res *pool.LoanResult) *LoanResponse {
	out := &LoanResponse{
		LoanID:      res.Loan.ID,
		Borrower:    res.Loan.Borrower.Hex(),
		Amount:      newAmount(res.Loan.Amount),
		Fee:         newAmount(res.Loan.Fee),
		Repaid:      newAmount(res.Repaid),
		UnitIndex:   res.UnitIndex,
		FeeRetained: res.Retained,
		Events:      messages(res.Events),
	}
	if res.Winner != nil {
		out.Winner = res.Winner.Hex()
	}
	return out
}

func newAccountResponse(a model.Account, positionSize, wallet *uint256.Int) AccountResponse {
	bal, err := amount.MulUint64(positionSize, a.Units)
	if err == nil && a.FeeCredit != nil {
		bal, err = amount.Add(bal, a.FeeCredit)
	}
	if err != nil {
		bal = nil
	}
	return AccountResponse{
		Address:   a.Address.Hex(),
		Units:     a.Units,
		FeeCredit: newAmount(a.FeeCredit),
		Balance:   newAmount(bal),
		Wallet:    newAmount(wallet),
	}
}

func messages(evs []model.Event) []events.Message {
	out := make([]events.Message, len(evs))
	for i, e := range evs {
		out[i] = events.NewMessage(e)
	}
	return out
}

func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	a := common.HexToAddress(s)
	return a, a != (common.Address{})
}
