// Package api provides the HTTP handlers for the lender pool: deposits,
// flash loans, wallet transfers, owner configuration, and read-only views
// of positions and events.
//
// All amounts cross the wire as strings; nothing monetary is a float.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/lender-pool/internal/amount"
	"github.com/atmx/lender-pool/internal/auth"
	"github.com/atmx/lender-pool/internal/borrower"
	"github.com/atmx/lender-pool/internal/events"
	"github.com/atmx/lender-pool/internal/metrics"
	"github.com/atmx/lender-pool/internal/model"
	"github.com/atmx/lender-pool/internal/pool"
	"github.com/atmx/lender-pool/internal/store"
)

// Service serves the pool over HTTP. The pool serialises mutations itself;
// Service holds no lock.
type Service struct {
	pool      *pool.Pool
	store     store.Store
	borrowers *borrower.Registry
	hub       *events.WSHub // optional WebSocket hub for real-time broadcasts
	client    *http.Client  // for webhook borrowers
}

// NewService creates a new pool service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(p *pool.Pool, st store.Store, reg *borrower.Registry, hub *events.WSHub) *Service {
	return &Service{
		pool:      p,
		store:     st,
		borrowers: reg,
		hub:       hub,
		client:    &http.Client{},
	}
}

// Routes returns the /api/v1 router. Reads are public; mutations need an
// identified caller and are rate limited.
func (s *Service) Routes(authn *auth.Authenticator, limiter *RateLimiter) chi.Router {
	r := chi.NewRouter()
	r.Use(authn.Middleware)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
	r.Get("/pool", s.GetPool)
	r.Get("/pool/fee", s.QuoteFee)
	r.Get("/accounts/{address}", s.GetAccount)
	r.Get("/positions/{index}", s.GetPosition)
	r.Get("/events", s.ListEvents)

	r.Group(func(r chi.Router) {
		r.Use(auth.Require)
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Put("/pool/fee-rate", s.SetFeeRate)
		r.Put("/pool/deposit-cap", s.SetDepositCap)
		r.Post("/deposits", s.Deposit)
		r.Post("/flash-loans", s.FlashLoan)
		r.Post("/transfers", s.Transfer)
		r.Post("/borrowers", s.RegisterBorrower)
	})
	return r
}

// --- Views ---

// GetPool handles GET /api/v1/pool
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	params := s.pool.Params()
	bal, err := s.pool.PoolBalance(r.Context())
	if err != nil {
		writePoolError(w, "pool", err)
		return
	}
	writeJSON(w, http.StatusOK, PoolResponse{
		Address:      params.PoolAddress.Hex(),
		Owner:        params.Owner.Hex(),
		PositionSize: newAmount(params.PositionSize),
		FeeRate:      strconv.FormatUint(params.FeeNumerator, 10) + "/" + strconv.FormatUint(params.FeeDenominator, 10),
		DepositCap:   newAmount(params.DepositCap),
		TotalUnits:   s.pool.TotalUnits(),
		Balance:      newAmount(bal),
		State:        s.pool.State().String(),
	})
}

// QuoteFee handles GET /api/v1/pool/fee?amount=
func (s *Service) QuoteFee(w http.ResponseWriter, r *http.Request) {
	value, err := amount.Parse(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, err.Error(), "InvalidAmount", http.StatusBadRequest)
		return
	}
	fee, err := s.pool.Quote(value)
	if err != nil {
		writePoolError(w, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{Amount: newAmount(value), Fee: newAmount(fee)})
}

// GetAccount handles GET /api/v1/accounts/{address}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, "invalid address", "InvalidAccount", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	acct, err := s.store.GetAccount(ctx, addr)
	switch {
	case errors.Is(err, store.ErrNotFound):
		acct = &model.Account{Address: addr}
	case err != nil:
		slog.Error("get account failed", "address", addr.Hex(), "err", err)
		writeError(w, "failed to load account", "Internal", http.StatusInternalServerError)
		return
	}

	wallet, err := s.pool.WalletBalance(ctx, addr)
	if err != nil {
		writePoolError(w, "account", err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountResponse(*acct, s.pool.Params().PositionSize, wallet))
}

// GetPosition handles GET /api/v1/positions/{index}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		writeError(w, "index must be a non-negative integer", "InvalidAmount", http.StatusBadRequest)
		return
	}
	owner, err := s.pool.UnitOwner(index)
	if err != nil {
		writePoolError(w, "position", err)
		return
	}
	writeJSON(w, http.StatusOK, PositionResponse{Index: index, Owner: owner.Hex()})
}

// ListEvents handles GET /api/v1/events?account=&kind=&limit=
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f model.EventFilter
	if a := q.Get("account"); a != "" {
		addr, ok := parseAddress(a)
		if !ok {
			writeError(w, "invalid account", "InvalidAccount", http.StatusBadRequest)
			return
		}
		f.Account = &addr
	}
	f.Kind = model.EventKind(q.Get("kind"))
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, "limit must be between 1 and 1000", "InvalidAmount", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	evs, err := s.store.ListEvents(r.Context(), f)
	if err != nil {
		slog.Error("list events failed", "err", err)
		writeError(w, "failed to list events", "Internal", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, messages(evs))
}

// --- Mutations ---

// Deposit handles POST /api/v1/deposits
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.Caller(r.Context())
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	value, err := amount.Parse(req.Amount)
	if err != nil {
		writeError(w, err.Error(), "InvalidAmount", http.StatusBadRequest)
		return
	}

	receipt, err := s.pool.Deposit(r.Context(), caller, value)
	if err != nil {
		writePoolError(w, "deposit", err)
		return
	}
	s.observe(r.Context())

	wallet, _ := s.pool.WalletBalance(r.Context(), caller)
	writeJSON(w, http.StatusCreated, ReceiptResponse{
		Event:     events.NewMessage(receipt.Event),
		Units:     receipt.Units,
		FirstUnit: receipt.FirstUnit,
		Account:   newAccountResponse(receipt.Account, s.pool.Params().PositionSize, wallet),
	})
}

// FlashLoan handles POST /api/v1/flash-loans
func (s *Service) FlashLoan(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.Caller(r.Context())
	var req FlashLoanRequest
	if !decode(w, r, &req) {
		return
	}
	addr, ok := parseAddress(req.Borrower)
	if !ok {
		writeError(w, "invalid borrower address", "InvalidAccount", http.StatusBadRequest)
		return
	}
	value, err := amount.Parse(req.Amount)
	if err != nil {
		writeError(w, err.Error(), "InvalidAmount", http.StatusBadRequest)
		return
	}
	b, err := s.borrowers.Get(addr)
	if err != nil {
		writeError(w, err.Error(), "UnknownBorrower", http.StatusNotFound)
		return
	}

	start := time.Now()
	res, err := s.pool.FlashLoan(r.Context(), caller, b, value)
	outcome := "ok"
	if err != nil {
		outcome = pool.Kind(err)
	}
	metrics.ObserveFlashLoan(outcome, time.Since(start))

	switch {
	case err != nil && res != nil:
		// Committed, but the fee had nowhere to go.
		s.observe(r.Context())
		metrics.Rejections.WithLabelValues("flash_loan", outcome).Inc()
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Kind: outcome, Loan: newLoanResponse(res)})
	case err != nil:
		writePoolError(w, "flash_loan", err)
	default:
		s.observe(r.Context())
		writeJSON(w, http.StatusOK, newLoanResponse(res))
	}
}

// Transfer handles POST /api/v1/transfers
func (s *Service) Transfer(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.Caller(r.Context())
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	to, ok := parseAddress(req.To)
	if !ok {
		writeError(w, "invalid recipient address", "InvalidAccount", http.StatusBadRequest)
		return
	}
	value, err := amount.Parse(req.Amount)
	if err != nil {
		writeError(w, err.Error(), "InvalidAmount", http.StatusBadRequest)
		return
	}

	ev, err := s.pool.Transfer(r.Context(), caller, to, value)
	if err != nil {
		writePoolError(w, "transfer", err)
		return
	}
	writeJSON(w, http.StatusCreated, events.NewMessage(*ev))
}

// SetFeeRate handles PUT /api/v1/pool/fee-rate
func (s *Service) SetFeeRate(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.Caller(r.Context())
	var req FeeRateRequest
	if !decode(w, r, &req) {
		return
	}
	ev, err := s.pool.SetFeeRate(r.Context(), caller, req.Numerator, req.Denominator)
	if err != nil {
		writePoolError(w, "fee_rate", err)
		return
	}
	writeJSON(w, http.StatusOK, events.NewMessage(*ev))
}

// SetDepositCap handles PUT /api/v1/pool/deposit-cap
func (s *Service) SetDepositCap(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.Caller(r.Context())
	var req DepositCapRequest
	if !decode(w, r, &req) {
		return
	}
	limit, err := amount.Parse(req.Cap)
	if err != nil {
		writeError(w, err.Error(), "InvalidAmount", http.StatusBadRequest)
		return
	}
	ev, err := s.pool.SetDepositCap(r.Context(), caller, limit)
	if err != nil {
		writePoolError(w, "deposit_cap", err)
		return
	}
	writeJSON(w, http.StatusOK, events.NewMessage(*ev))
}

// RegisterBorrower handles POST /api/v1/borrowers. Callers register their
// own address; nobody can register a webhook for someone else.
func (s *Service) RegisterBorrower(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.Caller(r.Context())
	var req RegisterBorrowerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.WebhookURL == "" {
		writeError(w, "webhook_url is required", "InvalidRequest", http.StatusBadRequest)
		return
	}
	if caller == s.pool.Address() {
		writeError(w, "the pool can't borrow from itself", "InvalidAccount", http.StatusBadRequest)
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	hook := borrower.NewWebhook(caller, req.WebhookURL, s.client, timeout)
	s.borrowers.Register(hook)

	slog.Info("borrower registered", "address", caller.Hex(), "webhook", hook.URL())
	writeJSON(w, http.StatusCreated, map[string]string{"address": caller.Hex(), "webhook_url": hook.URL()})
}

// --- Helpers ---

// observe refreshes pool gauges after a committed mutation.
func (s *Service) observe(ctx context.Context) {
	bal, err := s.pool.PoolBalance(ctx)
	if err != nil {
		return
	}
	metrics.ObservePool(s.pool.TotalUnits(), bal)
}

// StatusFor maps a pool error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, pool.ErrInvalidAmount),
		errors.Is(err, pool.ErrInvalidAccount),
		errors.Is(err, pool.ErrInvalidFeeRate):
		return http.StatusBadRequest
	case errors.Is(err, pool.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, pool.ErrIndexOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrInsufficientLiquidity),
		errors.Is(err, pool.ErrRepaymentNotMet),
		errors.Is(err, pool.ErrReentrancyDetected),
		errors.Is(err, pool.ErrNoEligibleRecipients),
		errors.Is(err, pool.ErrTransferFailed),
		errors.Is(err, pool.ErrBorrowerFailed):
		return http.StatusConflict
	case errors.Is(err, pool.ErrArithmeticOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pool.ErrRandomnessUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writePoolError(w http.ResponseWriter, op string, err error) {
	kind := pool.Kind(err)
	status := StatusFor(err)
	metrics.Rejections.WithLabelValues(op, kind).Inc()
	if status >= http.StatusInternalServerError {
		slog.Error("pool call failed", "op", op, "kind", kind, "err", err)
	}
	writeError(w, err.Error(), kind, status)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, "invalid request body", "InvalidRequest", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, kind string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, Kind: kind})
}
