package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"github.com/atmx/lender-pool/internal/amount"
	"github.com/atmx/lender-pool/internal/api"
	"github.com/atmx/lender-pool/internal/auth"
	"github.com/atmx/lender-pool/internal/bank"
	"github.com/atmx/lender-pool/internal/borrower"
	"github.com/atmx/lender-pool/internal/fee"
	"github.com/atmx/lender-pool/internal/pool"
	"github.com/atmx/lender-pool/internal/store"
)

var (
	poolAddr = common.HexToAddress("0x00000000000000000000000000000000000f00d5")
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	flash    = common.HexToAddress("0x000000000000000000000000000000000000f1a5")
)

// zeroRandom always draws unit index zero.
type zeroRandom struct{}

func (zeroRandom) Random(context.Context) (*uint256.Int, error) { return new(uint256.Int), nil }

type testEnv struct {
	pool      *pool.Pool
	store     *store.MemoryStore
	borrowers *borrower.Registry
	router    chi.Router
}

// newTestEnv wires a pool over an in-memory bank and store behind the API
// router. Callers identify themselves with the X-Caller-Address header.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	b := bank.NewMemory()
	for _, a := range []common.Address{alice, bob, owner, flash} {
		if err := b.Mint(a, amount.Ether(1000)); err != nil {
			t.Fatalf("mint: %v", err)
		}
	}
	ms := store.NewMemoryStore()
	p, err := pool.New(pool.Config{
		PoolAddress:  poolAddr,
		Owner:        owner,
		PositionSize: amount.Ether(1),
		FeeRate:      fee.DefaultRate,
		DepositCap:   amount.Ether(100),
	}, b, zeroRandom{}, ms, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := p.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	reg := borrower.NewRegistry()
	reg.Register(borrower.Repayer{Addr: flash})

	svc := api.NewService(p, ms, reg, nil)
	authn := auth.NewAuthenticator(auth.Config{AllowHeaderCaller: true})

	r := chi.NewRouter()
	r.Mount("/api/v1", svc.Routes(authn, nil))
	return &testEnv{pool: p, store: ms, borrowers: reg, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, caller common.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != (common.Address{}) {
		req.Header.Set(auth.HeaderCaller, caller.Hex())
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, kind string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	resp := decodeBody[api.ErrorResponse](t, w)
	if resp.Kind != kind {
		t.Errorf("expected kind %s, got %s (%s)", kind, resp.Kind, resp.Error)
	}
}

// --- Deposits ---

func TestDeposit(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/deposits", alice, api.DepositRequest{Amount: "3"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[api.ReceiptResponse](t, w)
	if resp.Units != 3 || resp.FirstUnit != 0 {
		t.Errorf("expected 3 units from index 0, got %d from %d", resp.Units, resp.FirstUnit)
	}
	if resp.Account.Balance.Ether != "3" {
		t.Errorf("expected ledger balance 3, got %s", resp.Account.Balance.Ether)
	}
	if resp.Account.Wallet.Ether != "997" {
		t.Errorf("expected wallet 997, got %s", resp.Account.Wallet.Ether)
	}
	if resp.Event.Type != "deposit" {
		t.Errorf("expected deposit event, got %s", resp.Event.Type)
	}

	// Second depositor's units follow the first's.
	w = env.do(t, "POST", "/api/v1/deposits", bob, api.DepositRequest{Amount: "2 ether"})
	resp = decodeBody[api.ReceiptResponse](t, w)
	if resp.FirstUnit != 3 {
		t.Errorf("expected bob's first unit at 3, got %d", resp.FirstUnit)
	}
}

func TestDeposit_Rejections(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		body   any
		caller common.Address
		status int
		kind   string
	}{
		{"zero", api.DepositRequest{Amount: "0"}, alice, http.StatusBadRequest, "InvalidAmount"},
		{"fractional position", api.DepositRequest{Amount: "1.5"}, alice, http.StatusBadRequest, "InvalidAmount"},
		{"over cap", api.DepositRequest{Amount: "101"}, alice, http.StatusBadRequest, "InvalidAmount"},
		{"garbage amount", api.DepositRequest{Amount: "lots"}, alice, http.StatusBadRequest, "InvalidAmount"},
		{"unknown field", map[string]string{"amount": "1", "extra": "x"}, alice, http.StatusBadRequest, "InvalidRequest"},
		{"more than wallet", api.DepositRequest{Amount: "100"}, common.HexToAddress("0x00000000000000000000000000000000000000e1"), http.StatusConflict, "TransferFailed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/deposits", tt.caller, tt.body)
			expectError(t, w, tt.status, tt.kind)
		})
	}
	if env.pool.TotalUnits() != 0 {
		t.Errorf("rejected deposits must not create units, got %d", env.pool.TotalUnits())
	}
}

func TestDeposit_RequiresCaller(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/deposits", common.Address{}, api.DepositRequest{Amount: "1"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

// --- Flash loans ---

func TestFlashLoan_PaysFeeToDepositor(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/api/v1/deposits", alice, api.DepositRequest{Amount: "10"})

	w := env.do(t, "POST", "/api/v1/flash-loans", bob, api.FlashLoanRequest{Borrower: flash.Hex(), Amount: "5"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[api.LoanResponse](t, w)
	if resp.Fee.Ether != "0.05" {
		t.Errorf("expected fee 0.05, got %s", resp.Fee.Ether)
	}
	if resp.Winner != alice.Hex() {
		t.Errorf("expected alice to win, got %s", resp.Winner)
	}
	if resp.UnitIndex == nil || *resp.UnitIndex != 0 {
		t.Errorf("expected unit index 0, got %v", resp.UnitIndex)
	}
	if resp.FeeRetained {
		t.Error("fee should not be retained with depositors present")
	}

	w = env.do(t, "GET", "/api/v1/accounts/"+alice.Hex(), common.Address{}, nil)
	acct := decodeBody[api.AccountResponse](t, w)
	if acct.Units != 10 || acct.FeeCredit.Ether != "0.05" || acct.Balance.Ether != "10.05" {
		t.Errorf("unexpected account after payout: %+v", acct)
	}
}

func TestFlashLoan_EmptyPool(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/flash-loans", bob, api.FlashLoanRequest{Borrower: flash.Hex(), Amount: "1"})
	expectError(t, w, http.StatusConflict, "InsufficientLiquidity")
}

func TestFlashLoan_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/api/v1/deposits", alice, api.DepositRequest{Amount: "10"})

	w := env.do(t, "POST", "/api/v1/flash-loans", bob, api.FlashLoanRequest{Borrower: bob.Hex(), Amount: "1"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unregistered borrower: expected 404, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/flash-loans", bob, api.FlashLoanRequest{Borrower: "nope", Amount: "1"})
	expectError(t, w, http.StatusBadRequest, "InvalidAccount")

	w = env.do(t, "POST", "/api/v1/flash-loans", bob, api.FlashLoanRequest{Borrower: flash.Hex(), Amount: "0"})
	expectError(t, w, http.StatusBadRequest, "InvalidAmount")

	w = env.do(t, "POST", "/api/v1/flash-loans", bob, api.FlashLoanRequest{Borrower: flash.Hex(), Amount: "11"})
	expectError(t, w, http.StatusConflict, "InsufficientLiquidity")
}

func TestFlashLoan_WebhookBorrower(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/api/v1/deposits", alice, api.DepositRequest{Amount: "10"})

	var (
		mu        sync.Mutex
		gotLoanID string
		repay     = true
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotLoanID = r.Header.Get("X-Loan-ID")
		json.NewEncoder(w).Encode(borrower.Reply{Repay: repay})
	}))
	defer hook.Close()

	w := env.do(t, "POST", "/api/v1/borrowers", bob, api.RegisterBorrowerRequest{WebhookURL: hook.URL})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	reg := decodeBody[map[string]string](t, w)
	if reg["address"] != bob.Hex() || reg["webhook_url"] != hook.URL {
		t.Errorf("unexpected registration %v", reg)
	}

	w = env.do(t, "POST", "/api/v1/flash-loans", alice, api.FlashLoanRequest{Borrower: bob.Hex(), Amount: "4"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[api.LoanResponse](t, w)
	mu.Lock()
	if gotLoanID != resp.LoanID || gotLoanID == "" {
		t.Errorf("webhook saw loan %q, response says %q", gotLoanID, resp.LoanID)
	}
	mu.Unlock()
	if resp.Repaid.Ether != "4.04" {
		t.Errorf("expected repaid 4.04, got %s", resp.Repaid.Ether)
	}

	// A borrower that declines to repay gets the whole loan rolled back.
	mu.Lock()
	repay = false
	mu.Unlock()
	before := env.pool.Account(alice)
	w = env.do(t, "POST", "/api/v1/flash-loans", alice, api.FlashLoanRequest{Borrower: bob.Hex(), Amount: "4"})
	expectError(t, w, http.StatusConflict, "RepaymentNotMet")
	after := env.pool.Account(alice)
	if !before.FeeCredit.Eq(after.FeeCredit) {
		t.Errorf("fee credit changed on rollback: %s -> %s", before.FeeCredit, after.FeeCredit)
	}
}

func TestRegisterBorrower_RequiresURL(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/borrowers", bob, api.RegisterBorrowerRequest{})
	expectError(t, w, http.StatusBadRequest, "InvalidRequest")
}

// --- Owner configuration ---

func TestSetFeeRate(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "PUT", "/api/v1/pool/fee-rate", alice, api.FeeRateRequest{Numerator: 1, Denominator: 50})
	expectError(t, w, http.StatusForbidden, "NotOwner")

	w = env.do(t, "PUT", "/api/v1/pool/fee-rate", owner, api.FeeRateRequest{Numerator: 1, Denominator: 0})
	expectError(t, w, http.StatusBadRequest, "InvalidFeeRate")

	w = env.do(t, "PUT", "/api/v1/pool/fee-rate", owner, api.FeeRateRequest{Numerator: 1, Denominator: 50})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/pool/fee?amount=10", common.Address{}, nil)
	quote := decodeBody[api.QuoteResponse](t, w)
	if quote.Fee.Ether != "0.2" {
		t.Errorf("expected fee 0.2 at 1/50, got %s", quote.Fee.Ether)
	}
}

func TestSetDepositCap(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "PUT", "/api/v1/pool/deposit-cap", bob, api.DepositCapRequest{Cap: "5"})
	expectError(t, w, http.StatusForbidden, "NotOwner")

	w = env.do(t, "PUT", "/api/v1/pool/deposit-cap", owner, api.DepositCapRequest{Cap: "5"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/deposits", alice, api.DepositRequest{Amount: "6"})
	expectError(t, w, http.StatusBadRequest, "InvalidAmount")
}

// --- Transfers ---

func TestTransfer(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/transfers", alice, api.TransferRequest{To: bob.Hex(), Amount: "1.5"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/accounts/"+bob.Hex(), common.Address{}, nil)
	acct := decodeBody[api.AccountResponse](t, w)
	if acct.Wallet.Ether != "1001.5" {
		t.Errorf("expected bob wallet 1001.5, got %s", acct.Wallet.Ether)
	}

	w = env.do(t, "POST", "/api/v1/transfers", alice, api.TransferRequest{To: poolAddr.Hex(), Amount: "1"})
	expectError(t, w, http.StatusBadRequest, "InvalidAccount")
}

// --- Views ---

func TestGetPool(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/api/v1/deposits", alice, api.DepositRequest{Amount: "7"})

	w := env.do(t, "GET", "/api/v1/pool", common.Address{}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decodeBody[api.PoolResponse](t, w)
	if resp.TotalUnits != 7 {
		t.Errorf("expected 7 units, got %d", resp.TotalUnits)
	}
	if resp.Balance.Ether != "7" {
		t.Errorf("expected pool balance 7, got %s", resp.Balance.Ether)
	}
	if resp.FeeRate != "1/100" || resp.State != "idle" {
		t.Errorf("unexpected pool view: %+v", resp)
	}
	if !strings.EqualFold(resp.Owner, owner.Hex()) {
		t.Errorf("expected owner %s, got %s", owner.Hex(), resp.Owner)
	}
}

func TestGetPosition(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/api/v1/deposits", alice, api.DepositRequest{Amount: "2"})
	env.do(t, "POST", "/api/v1/deposits", bob, api.DepositRequest{Amount: "1"})

	w := env.do(t, "GET", "/api/v1/positions/2", common.Address{}, nil)
	resp := decodeBody[api.PositionResponse](t, w)
	if resp.Owner != bob.Hex() {
		t.Errorf("expected bob at index 2, got %s", resp.Owner)
	}

	w = env.do(t, "GET", "/api/v1/positions/3", common.Address{}, nil)
	expectError(t, w, http.StatusNotFound, "IndexOutOfRange")

	w = env.do(t, "GET", "/api/v1/positions/-1", common.Address{}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative index, got %d", w.Code)
	}
}

func TestGetAccount_Unknown(t *testing.T) {
	env := newTestEnv(t)
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000e1")

	w := env.do(t, "GET", "/api/v1/accounts/"+stranger.Hex(), common.Address{}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	acct := decodeBody[api.AccountResponse](t, w)
	if acct.Units != 0 || acct.Balance.Wei != "0" || acct.Wallet.Wei != "0" {
		t.Errorf("expected empty account, got %+v", acct)
	}

	w = env.do(t, "GET", "/api/v1/accounts/not-an-address", common.Address{}, nil)
	expectError(t, w, http.StatusBadRequest, "InvalidAccount")
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, "POST", "/api/v1/deposits", alice, api.DepositRequest{Amount: "2"})
	env.do(t, "POST", "/api/v1/deposits", bob, api.DepositRequest{Amount: "1"})
	env.do(t, "POST", "/api/v1/flash-loans", bob, api.FlashLoanRequest{Borrower: flash.Hex(), Amount: "1"})

	w := env.do(t, "GET", "/api/v1/events?kind=deposit", common.Address{}, nil)
	deposits := decodeBody[[]map[string]any](t, w)
	if len(deposits) != 2 {
		t.Errorf("expected 2 deposit events, got %d", len(deposits))
	}

	w = env.do(t, "GET", "/api/v1/events?account="+alice.Hex(), common.Address{}, nil)
	mine := decodeBody[[]map[string]any](t, w)
	// alice's deposit plus the fee payout she wins at index 0.
	if len(mine) != 2 {
		t.Errorf("expected 2 events for alice, got %d", len(mine))
	}

	w = env.do(t, "GET", "/api/v1/events?limit=0", common.Address{}, nil)
	expectError(t, w, http.StatusBadRequest, "InvalidAmount")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{pool.ErrInvalidAmount, http.StatusBadRequest},
		{pool.ErrNotOwner, http.StatusForbidden},
		{pool.ErrIndexOutOfRange, http.StatusNotFound},
		{pool.ErrReentrancyDetected, http.StatusConflict},
		{pool.ErrNoEligibleRecipients, http.StatusConflict},
		{pool.ErrArithmeticOverflow, http.StatusUnprocessableEntity},
		{pool.ErrRandomnessUnavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{pool.ErrPersistence, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := api.StatusFor(tt.err); got != tt.status {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	env := newTestEnv(t)
	svc := api.NewService(env.pool, env.store, env.borrowers, nil)
	authn := auth.NewAuthenticator(auth.Config{AllowHeaderCaller: true})
	r := chi.NewRouter()
	r.Mount("/api/v1", svc.Routes(authn, api.NewRateLimiter(0.001, 1)))
	env.router = r

	w := env.do(t, "POST", "/api/v1/deposits", alice, api.DepositRequest{Amount: "1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("first request: expected 201, got %d", w.Code)
	}
	w = env.do(t, "POST", "/api/v1/deposits", alice, api.DepositRequest{Amount: "1"})
	expectError(t, w, http.StatusTooManyRequests, "RateLimited")

	// Other callers have their own bucket; reads are never limited.
	w = env.do(t, "POST", "/api/v1/deposits", bob, api.DepositRequest{Amount: "1"})
	if w.Code != http.StatusCreated {
		t.Errorf("bob: expected 201, got %d", w.Code)
	}
	w = env.do(t, "GET", "/api/v1/pool", alice, nil)
	if w.Code != http.StatusOK {
		t.Errorf("read: expected 200, got %d", w.Code)
	}
}
