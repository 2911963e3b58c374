package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/lender-pool/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	params   *model.Params
	accounts map[common.Address]model.Account
	segments map[uint64]model.Segment
	wallets  map[common.Address]model.Wallet
	events   []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[common.Address]model.Account),
		segments: make(map[uint64]model.Segment),
		wallets:  make(map[common.Address]model.Wallet),
	}
}

func (s *MemoryStore) Load(_ context.Context) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.params == nil {
		return nil, ErrEmpty
	}
	snap := &model.Snapshot{Params: s.params.Clone()}
	for _, a := range s.accounts {
		snap.Accounts = append(snap.Accounts, copyAccount(a))
	}
	sort.Slice(snap.Accounts, func(i, j int) bool {
		return bytes.Compare(snap.Accounts[i].Address[:], snap.Accounts[j].Address[:]) < 0
	})
	for _, seg := range s.segments {
		snap.Segments = append(snap.Segments, seg)
	}
	sort.Slice(snap.Segments, func(i, j int) bool { return snap.Segments[i].Start < snap.Segments[j].Start })
	for _, w := range s.wallets {
		snap.Wallets = append(snap.Wallets, model.Wallet{Address: w.Address, Balance: w.Balance.Clone()})
	}
	return snap, nil
}

func (s *MemoryStore) Apply(_ context.Context, cs *model.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate before mutating so Apply stays all-or-nothing.
	for _, seg := range cs.Segments {
		if _, ok := s.segments[seg.Start]; ok {
			return fmt.Errorf("store: segment at %d already exists", seg.Start)
		}
	}

	if cs.Params != nil {
		p := cs.Params.Clone()
		s.params = &p
	}
	for _, a := range cs.Accounts {
		s.accounts[a.Address] = copyAccount(a)
	}
	for _, seg := range cs.Segments {
		s.segments[seg.Start] = seg
	}
	for _, w := range cs.Wallets {
		s.wallets[w.Address] = model.Wallet{Address: w.Address, Balance: w.Balance.Clone()}
	}
	s.events = append(s.events, cs.Events...)
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, addr common.Address) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[addr]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, addr.Hex())
	}
	c := copyAccount(a)
	return &c, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, f model.EventFilter) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := limitOf(f)
	var out []model.Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if f.Matches(s.events[i]) {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

func copyAccount(a model.Account) model.Account {
	c := a
	if a.FeeCredit != nil {
		c.FeeCredit = a.FeeCredit.Clone()
	}
	return c
}
