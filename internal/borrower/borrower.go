// Package borrower holds the flash loan receivers the pool can lend to:
// a registry keyed by address, webhook borrowers that are called over
// HTTP, and an in-process borrower that always repays.
package borrower

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/lender-pool/internal/amount"
	"github.com/atmx/lender-pool/internal/pool"
)

var (
	// ErrUnknown is returned by Registry.Get for unregistered addresses.
	ErrUnknown = errors.New("borrower: not registered")

	// ErrBadReply is returned when a webhook answers with something other
	// than a well-formed repayment decision.
	ErrBadReply = errors.New("borrower: malformed webhook reply")
)

// DefaultTimeout bounds one webhook round trip.
const DefaultTimeout = 5 * time.Second

// Registry maps borrower addresses to their implementations. Safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	borrowers map[common.Address]pool.Borrower
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{borrowers: make(map[common.Address]pool.Borrower)}
}

// Register adds or replaces b.
func (r *Registry) Register(b pool.Borrower) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.borrowers[b.Address()] = b
}

// Get returns the borrower registered at addr.
func (r *Registry) Get(addr common.Address) (pool.Borrower, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.borrowers[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, addr.Hex())
	}
	return b, nil
}

// Addresses lists registered borrowers in address order.
func (r *Registry) Addresses() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Address, 0, len(r.borrowers))
	for a := range r.borrowers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Repayer is an in-process borrower that immediately repays principal
// plus fee. Useful for liveness checks and demos.
type Repayer struct {
	Addr common.Address
}

func (b Repayer) Address() common.Address { return b.Addr }

func (b Repayer) OnFlashLoan(ctx context.Context, loan pool.Loan, w pool.Wallet) error {
	owed, err := loan.Owed()
	if err != nil {
		return err
	}
	return w.Pay(ctx, loan.Pool, owed)
}

// --- Webhook ---

// Reply is the body a webhook borrower answers with.
type Reply struct {
	Repay       bool   `json:"repay"`
	RepayAmount string `json:"repay_amount,omitempty"` // wei; empty means principal + fee
}

// Webhook is a borrower whose decision comes from an HTTP endpoint. The
// endpoint receives the loan as JSON and replies whether, and how much, to
// repay out of the borrower's wallet.
type Webhook struct {
	addr    common.Address
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewWebhook creates a webhook borrower. A nil client uses
// http.DefaultClient; timeout <= 0 uses DefaultTimeout.
func NewWebhook(addr common.Address, url string, client *http.Client, timeout time.Duration) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Webhook{addr: addr, url: url, client: client, timeout: timeout}
}

func (b *Webhook) Address() common.Address { return b.addr }

// URL returns the callback endpoint.
func (b *Webhook) URL() string { return b.url }

// OnFlashLoan posts loan to the endpoint and carries out its reply.
func (b *Webhook) OnFlashLoan(ctx context.Context, loan pool.Loan, w pool.Wallet) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	body, err := json.Marshal(loan)
	if err != nil {
		return fmt.Errorf("borrower: encode loan: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("borrower: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Loan-ID", loan.ID)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("borrower: webhook %s: %w", b.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: status %d", ErrBadReply, resp.StatusCode)
	}
	var reply Reply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&reply); err != nil {
		return fmt.Errorf("%w: %v", ErrBadReply, err)
	}

	slog.Debug("webhook reply", "loan", loan.ID, "borrower", b.addr.Hex(), "repay", reply.Repay)
	if !reply.Repay {
		return nil
	}

	repay, err := repayAmount(loan, reply.RepayAmount)
	if err != nil {
		return err
	}
	return w.Pay(ctx, loan.Pool, repay)
}

func repayAmount(loan pool.Loan, s string) (*uint256.Int, error) {
	if s == "" {
		return loan.Owed()
	}
	v, err := amount.ParseWei(s)
	if err != nil {
		return nil, fmt.Errorf("%w: repay_amount: %v", ErrBadReply, err)
	}
	return v, nil
}
