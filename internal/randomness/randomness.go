// Package randomness provides random values for fee-winner selection.
//
// Providers never derive values from block or clock metadata. Crypto reads
// the operating system CSPRNG; Beacon reads a drand-style public randomness
// beacon. Beacon rounds are public once published, so a value is only handed
// out for a round strictly newer than the one pinned when the caller began,
// and never for the same round twice.
package randomness

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

var (
	// ErrUnavailable is returned when the provider can't produce a value.
	ErrUnavailable = errors.New("randomness: provider unavailable")

	// ErrStaleRound is returned when the beacon has not published a new
	// round before the context deadline.
	ErrStaleRound = errors.New("randomness: no fresh beacon round")
)

// Crypto draws 256-bit values from crypto/rand.
type Crypto struct{}

// NewCrypto creates a CSPRNG-backed provider.
func NewCrypto() *Crypto {
	return &Crypto{}
}

// Random returns a uniformly random 256-bit value.
func (Crypto) Random(ctx context.Context) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return new(uint256.Int).SetBytes32(b[:]), nil
}

// beaconRound is the JSON body of GET {base}/public/latest.
type beaconRound struct {
	Round      uint64 `json:"round"`
	Randomness string `json:"randomness"`
}

// Beacon fetches values from a drand-compatible HTTP beacon.
type Beacon struct {
	baseURL      string
	client       *http.Client
	pollInterval time.Duration

	mu        sync.Mutex
	lastRound uint64
}

// NewBeacon creates a beacon client. pollInterval controls how often the
// latest round is re-read while waiting for a fresh one.
func NewBeacon(baseURL string, client *http.Client, pollInterval time.Duration) *Beacon {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Beacon{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		pollInterval: pollInterval,
	}
}

// Pin returns the round any observer can already see: the beacon's latest
// round, or the last round this client consumed if that is newer. Values for
// rounds up to and including it must be treated as known.
func (b *Beacon) Pin(ctx context.Context) (uint64, error) {
	round, err := b.latest(ctx)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return max(round.Round, b.lastRound), nil
}

// RandomAfter returns the randomness of the first beacon round newer than
// both pinned and the last round returned, waiting for it until ctx is done.
func (b *Beacon) RandomAfter(ctx context.Context, pinned uint64) (*uint256.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	floor := max(pinned, b.lastRound)
	for {
		round, err := b.latest(ctx)
		if err != nil {
			return nil, err
		}
		if round.Round > floor {
			v, err := parseRandomness(round.Randomness)
			if err != nil {
				return nil, err
			}
			b.lastRound = round.Round
			slog.Debug("beacon round consumed", "round", round.Round, "pinned", pinned)
			return v, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for a round after %d: %v", ErrStaleRound, floor, ctx.Err())
		case <-time.After(b.pollInterval):
		}
	}
}

// Random pins the current round and returns the next one. It always waits
// for at least one new round to be published.
func (b *Beacon) Random(ctx context.Context) (*uint256.Int, error) {
	pinned, err := b.Pin(ctx)
	if err != nil {
		return nil, err
	}
	return b.RandomAfter(ctx, pinned)
}

func (b *Beacon) latest(ctx context.Context) (*beaconRound, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/public/latest", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: beacon returned %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var round beaconRound
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&round); err != nil {
		return nil, fmt.Errorf("%w: decode beacon round: %v", ErrUnavailable, err)
	}
	return &round, nil
}

// parseRandomness decodes a 32-byte hex beacon value.
func parseRandomness(s string) (*uint256.Int, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: malformed beacon randomness %q", ErrUnavailable, s)
	}
	return new(uint256.Int).SetBytes32(raw), nil
}
