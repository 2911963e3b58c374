package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/lender-pool/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// account rows. Writes go to the primary store and invalidate the touched
// accounts; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Apply(ctx context.Context, cs *model.Changeset) error {
	if err := s.primary.Apply(ctx, cs); err != nil {
		return err
	}
	if len(cs.Accounts) == 0 {
		return nil
	}
	keys := make([]string, len(cs.Accounts))
	for i, a := range cs.Accounts {
		keys[i] = accountKey(a.Address)
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, addr common.Address) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(addr)).Bytes()
	if err == nil {
		var a cachedAccount
		if json.Unmarshal(data, &a) == nil {
			if acct, err := a.decode(); err == nil {
				return acct, nil
			}
		}
	}

	// Cache miss: read from primary.
	acct, err := s.primary.GetAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(encodeAccount(acct)); err == nil {
		s.rdb.Set(ctx, accountKey(addr), data, s.ttl)
	}
	return acct, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Load(ctx context.Context) (*model.Snapshot, error) {
	return s.primary.Load(ctx)
}

func (s *CachedStore) ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, f)
}

// --- Cache helpers ---

// cachedAccount is the Redis encoding of an account row; amounts are
// decimal wei strings.
type cachedAccount struct {
	Address   string `json:"address"`
	Units     uint64 `json:"units"`
	FeeCredit string `json:"fee_credit"`
}

func encodeAccount(a *model.Account) cachedAccount {
	return cachedAccount{Address: a.Address.Hex(), Units: a.Units, FeeCredit: weiString(a.FeeCredit)}
}

func (c cachedAccount) decode() (*model.Account, error) {
	addr, err := parseAddress(c.Address)
	if err != nil {
		return nil, err
	}
	credit, err := parseWei(c.FeeCredit)
	if err != nil {
		return nil, err
	}
	return &model.Account{Address: addr, Units: c.Units, FeeCredit: credit}, nil
}

func accountKey(addr common.Address) string { return fmt.Sprintf("lender:account:%s", addr.Hex()) }
