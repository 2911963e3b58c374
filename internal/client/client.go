// Package client is a small HTTP client for the lender pool API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/lender-pool/internal/api"
	"github.com/atmx/lender-pool/internal/auth"
	"github.com/atmx/lender-pool/internal/events"
)

// Error is a non-2xx reply from the API.
type Error struct {
	Status  int
	Kind    string
	Message string
	Loan    *api.LoanResponse
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

// Client calls one pool server. Set Token for signed requests or Caller for
// servers that accept the caller header.
type Client struct {
	BaseURL string
	Token   string
	Caller  common.Address
	HTTP    *http.Client
}

// New creates a client for baseURL ("http://localhost:8080").
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Pool(ctx context.Context) (*api.PoolResponse, error) {
	var out api.PoolResponse
	return &out, c.do(ctx, http.MethodGet, "/pool", nil, &out)
}

func (c *Client) Quote(ctx context.Context, amount string) (*api.QuoteResponse, error) {
	var out api.QuoteResponse
	return &out, c.do(ctx, http.MethodGet, "/pool/fee?amount="+url.QueryEscape(amount), nil, &out)
}

func (c *Client) Account(ctx context.Context, addr common.Address) (*api.AccountResponse, error) {
	var out api.AccountResponse
	return &out, c.do(ctx, http.MethodGet, "/accounts/"+addr.Hex(), nil, &out)
}

func (c *Client) Position(ctx context.Context, index uint64) (*api.PositionResponse, error) {
	var out api.PositionResponse
	return &out, c.do(ctx, http.MethodGet, "/positions/"+strconv.FormatUint(index, 10), nil, &out)
}

// Events lists events, newest first. A nil account or empty kind means any.
func (c *Client) Events(ctx context.Context, account *common.Address, kind string, limit int) ([]events.Message, error) {
	q := url.Values{}
	if account != nil {
		q.Set("account", account.Hex())
	}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []events.Message
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *Client) Deposit(ctx context.Context, amount string) (*api.ReceiptResponse, error) {
	var out api.ReceiptResponse
	return &out, c.do(ctx, http.MethodPost, "/deposits", api.DepositRequest{Amount: amount}, &out)
}

// FlashLoan requests a loan for a registered borrower. When the loan
// commits but its fee is retained, the returned *Error carries the loan.
func (c *Client) FlashLoan(ctx context.Context, borrower common.Address, amount string) (*api.LoanResponse, error) {
	var out api.LoanResponse
	return &out, c.do(ctx, http.MethodPost, "/flash-loans", api.FlashLoanRequest{Borrower: borrower.Hex(), Amount: amount}, &out)
}

func (c *Client) Transfer(ctx context.Context, to common.Address, amount string) (*events.Message, error) {
	var out events.Message
	return &out, c.do(ctx, http.MethodPost, "/transfers", api.TransferRequest{To: to.Hex(), Amount: amount}, &out)
}

func (c *Client) SetFeeRate(ctx context.Context, numerator, denominator uint64) (*events.Message, error) {
	var out events.Message
	return &out, c.do(ctx, http.MethodPut, "/pool/fee-rate", api.FeeRateRequest{Numerator: numerator, Denominator: denominator}, &out)
}

func (c *Client) SetDepositCap(ctx context.Context, limit string) (*events.Message, error) {
	var out events.Message
	return &out, c.do(ctx, http.MethodPut, "/pool/deposit-cap", api.DepositCapRequest{Cap: limit}, &out)
}

func (c *Client) RegisterBorrower(ctx context.Context, webhookURL string, timeout time.Duration) error {
	req := api.RegisterBorrowerRequest{WebhookURL: webhookURL, TimeoutMS: int(timeout.Milliseconds())}
	return c.do(ctx, http.MethodPost, "/borrowers", req, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+"/api/v1"+path, rd)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.Token)
	case c.Caller != (common.Address{}):
		req.Header.Set(auth.HeaderCaller, c.Caller.Hex())
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
			return &Error{Status: resp.StatusCode, Kind: "Unknown", Message: http.StatusText(resp.StatusCode)}
		}
		return &Error{Status: resp.StatusCode, Kind: e.Kind, Message: e.Error, Loan: e.Loan}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s %s: %w", method, path, err)
	}
	return nil
}
