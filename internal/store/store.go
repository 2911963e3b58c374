// Package store defines the persistence interface for the lender pool.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// deployments), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/lender-pool/internal/model"
)

var (
	// ErrEmpty is returned by Load when the pool has never been initialised.
	ErrEmpty = errors.New("store: no persisted pool state")

	// ErrNotFound is returned for unknown accounts.
	ErrNotFound = errors.New("store: not found")
)

// DefaultEventLimit caps ListEvents when the filter sets no limit.
const DefaultEventLimit = 100

// Store is the persistence interface. Every committed pool call is written
// as one Changeset, atomically.
type Store interface {
	// Load returns the full persisted state, or ErrEmpty.
	Load(ctx context.Context) (*model.Snapshot, error)

	// Apply persists a changeset in a single transaction.
	Apply(ctx context.Context, cs *model.Changeset) error

	// GetAccount returns one ledger row, or ErrNotFound.
	GetAccount(ctx context.Context, addr common.Address) (*model.Account, error)

	// ListEvents returns events matching f, newest first.
	ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error)
}

func limitOf(f model.EventFilter) int {
	if f.Limit <= 0 {
		return DefaultEventLimit
	}
	return f.Limit
}
