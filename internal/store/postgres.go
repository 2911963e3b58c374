package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/lender-pool/internal/model"
)

// PostgresSchema creates the pool tables. Amounts and unit counts are
// NUMERIC so no wei value is ever rounded.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS pool_params (
    id              SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    pool_address    TEXT          NOT NULL,
    owner           TEXT          NOT NULL,
    position_size   NUMERIC(78,0) NOT NULL,
    fee_numerator   NUMERIC(20,0) NOT NULL,
    fee_denominator NUMERIC(20,0) NOT NULL,
    deposit_cap     NUMERIC(78,0) NOT NULL,
    updated_at      TIMESTAMPTZ   NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS accounts (
    address    TEXT PRIMARY KEY,
    units      NUMERIC(20,0) NOT NULL DEFAULT 0,
    fee_credit NUMERIC(78,0) NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS unit_segments (
    start_index NUMERIC(20,0) PRIMARY KEY,
    units       NUMERIC(20,0) NOT NULL CHECK (units > 0),
    owner       TEXT          NOT NULL
);

CREATE TABLE IF NOT EXISTS wallets (
    address TEXT PRIMARY KEY,
    balance NUMERIC(78,0) NOT NULL
);

CREATE TABLE IF NOT EXISTS pool_events (
    seq          BIGSERIAL PRIMARY KEY,
    id           TEXT UNIQUE   NOT NULL,
    kind         TEXT          NOT NULL,
    account      TEXT          NOT NULL,
    counterparty TEXT          NOT NULL,
    amount       NUMERIC(78,0),
    fee          NUMERIC(78,0),
    unit_index   NUMERIC(20,0),
    detail       TEXT          NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ   NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_account      ON pool_events(account);
CREATE INDEX IF NOT EXISTS idx_events_counterparty ON pool_events(counterparty);
CREATE INDEX IF NOT EXISTS idx_events_kind         ON pool_events(kind);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates missing tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (*model.Snapshot, error) {
	var snap model.Snapshot
	var poolAddr, owner, size, num, den, cap string

	err := s.pool.QueryRow(ctx,
		`SELECT pool_address, owner, position_size::TEXT,
		        fee_numerator::TEXT, fee_denominator::TEXT, deposit_cap::TEXT
		 FROM pool_params WHERE id = 1`).
		Scan(&poolAddr, &owner, &size, &num, &den, &cap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("load params: %w", err)
	}
	if snap.Params, err = decodeParams(poolAddr, owner, size, num, den, cap); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT address, units::TEXT, fee_credit::TEXT FROM accounts ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	snap.Accounts, err = scanAccounts(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `SELECT start_index::TEXT, units::TEXT, owner FROM unit_segments ORDER BY start_index`)
	if err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}
	snap.Segments, err = scanSegments(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `SELECT address, balance::TEXT FROM wallets ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("load wallets: %w", err)
	}
	snap.Wallets, err = scanWallets(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *PostgresStore) Apply(ctx context.Context, cs *model.Changeset) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("apply: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if p := cs.Params; p != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO pool_params (id, pool_address, owner, position_size, fee_numerator, fee_denominator, deposit_cap, updated_at)
			 VALUES (1, $1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
			 ON CONFLICT (id) DO UPDATE SET
			     fee_numerator = EXCLUDED.fee_numerator,
			     fee_denominator = EXCLUDED.fee_denominator,
			     deposit_cap = EXCLUDED.deposit_cap,
			     updated_at = EXCLUDED.updated_at`,
			p.PoolAddress.Hex(), p.Owner.Hex(), weiString(p.PositionSize),
			uintString(p.FeeNumerator), uintString(p.FeeDenominator), weiString(p.DepositCap),
			time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("apply: params: %w", err)
		}
	}

	for _, a := range cs.Accounts {
		_, err := tx.Exec(ctx,
			`INSERT INTO accounts (address, units, fee_credit) VALUES ($1, $2::NUMERIC, $3::NUMERIC)
			 ON CONFLICT (address) DO UPDATE SET units = EXCLUDED.units, fee_credit = EXCLUDED.fee_credit`,
			a.Address.Hex(), uintString(a.Units), weiString(a.FeeCredit))
		if err != nil {
			return fmt.Errorf("apply: account %s: %w", a.Address.Hex(), err)
		}
	}

	for _, seg := range cs.Segments {
		_, err := tx.Exec(ctx,
			`INSERT INTO unit_segments (start_index, units, owner) VALUES ($1::NUMERIC, $2::NUMERIC, $3)`,
			uintString(seg.Start), uintString(seg.Units), seg.Owner.Hex())
		if err != nil {
			return fmt.Errorf("apply: segment %d: %w", seg.Start, err)
		}
	}

	for _, w := range cs.Wallets {
		_, err := tx.Exec(ctx,
			`INSERT INTO wallets (address, balance) VALUES ($1, $2::NUMERIC)
			 ON CONFLICT (address) DO UPDATE SET balance = EXCLUDED.balance`,
			w.Address.Hex(), weiString(w.Balance))
		if err != nil {
			return fmt.Errorf("apply: wallet %s: %w", w.Address.Hex(), err)
		}
	}

	for _, e := range cs.Events {
		var unitIndex *string
		if e.UnitIndex != nil {
			u := uintString(*e.UnitIndex)
			unitIndex = &u
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO pool_events (id, kind, account, counterparty, amount, fee, unit_index, detail, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
			e.ID, string(e.Kind), e.Account.Hex(), e.Counterparty.Hex(),
			nullableWei(e.Amount), nullableWei(e.Fee), unitIndex, e.Detail, e.Timestamp)
		if err != nil {
			return fmt.Errorf("apply: event %s: %w", e.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetAccount(ctx context.Context, addr common.Address) (*model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT address, units::TEXT, fee_credit::TEXT FROM accounts WHERE address = $1`, addr.Hex())
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", addr.Hex(), err)
	}
	defer rows.Close()

	accounts, err := scanAccounts(rows)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, addr.Hex())
	}
	return &accounts[0], nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error) {
	query := `SELECT id, kind, account, counterparty, amount::TEXT, fee::TEXT, unit_index::TEXT, detail, created_at
	          FROM pool_events WHERE ($1 = '' OR kind = $1)
	            AND ($2 = '' OR account = $2 OR counterparty = $2)
	          ORDER BY seq DESC LIMIT $3`
	var account string
	if f.Account != nil {
		account = f.Account.Hex()
	}
	rows, err := s.pool.Query(ctx, query, string(f.Kind), account, limitOf(f))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// rowScanner is the subset of pgx.Rows and *sql.Rows the scan helpers need.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func decodeParams(poolAddr, owner, size, num, den, cap string) (model.Params, error) {
	var p model.Params
	var err error
	if p.PoolAddress, err = parseAddress(poolAddr); err != nil {
		return p, err
	}
	if p.Owner, err = parseAddress(owner); err != nil {
		return p, err
	}
	if p.PositionSize, err = parseWei(size); err != nil {
		return p, err
	}
	if p.FeeNumerator, err = parseUint(num); err != nil {
		return p, err
	}
	if p.FeeDenominator, err = parseUint(den); err != nil {
		return p, err
	}
	if p.DepositCap, err = parseWei(cap); err != nil {
		return p, err
	}
	return p, nil
}

func scanAccounts(rows rowScanner) ([]model.Account, error) {
	var out []model.Account
	for rows.Next() {
		var addr, units, credit string
		if err := rows.Scan(&addr, &units, &credit); err != nil {
			return nil, err
		}
		var a model.Account
		var err error
		if a.Address, err = parseAddress(addr); err != nil {
			return nil, err
		}
		if a.Units, err = parseUint(units); err != nil {
			return nil, err
		}
		if a.FeeCredit, err = parseWei(credit); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanSegments(rows rowScanner) ([]model.Segment, error) {
	var out []model.Segment
	for rows.Next() {
		var start, units, owner string
		if err := rows.Scan(&start, &units, &owner); err != nil {
			return nil, err
		}
		var seg model.Segment
		var err error
		if seg.Start, err = parseUint(start); err != nil {
			return nil, err
		}
		if seg.Units, err = parseUint(units); err != nil {
			return nil, err
		}
		if seg.Owner, err = parseAddress(owner); err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

func scanWallets(rows rowScanner) ([]model.Wallet, error) {
	var out []model.Wallet
	for rows.Next() {
		var addr, bal string
		if err := rows.Scan(&addr, &bal); err != nil {
			return nil, err
		}
		var w model.Wallet
		var err error
		if w.Address, err = parseAddress(addr); err != nil {
			return nil, err
		}
		if w.Balance, err = parseWei(bal); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanEvents(rows rowScanner) ([]model.Event, error) {
	var out []model.Event
	for rows.Next() {
		var e model.Event
		var f eventFields
		if err := rows.Scan(&e.ID, &f.kind, &f.account, &f.counterparty, &f.amount, &f.fee, &f.unitIndex, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		if err := f.decode(&e); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// eventFields holds the textual columns of a pool_events row.
type eventFields struct {
	kind, account, counterparty string
	amount, fee, unitIndex      *string
}

func (f eventFields) decode(e *model.Event) error {
	e.Kind = model.EventKind(f.kind)
	var err error
	if e.Account, err = parseAddress(f.account); err != nil {
		return err
	}
	if e.Counterparty, err = parseAddress(f.counterparty); err != nil {
		return err
	}
	if e.Amount, err = parseNullableWei(f.amount); err != nil {
		return err
	}
	if e.Fee, err = parseNullableWei(f.fee); err != nil {
		return err
	}
	if f.unitIndex != nil {
		u, err := parseUint(*f.unitIndex)
		if err != nil {
			return err
		}
		e.UnitIndex = &u
	}
	return nil
}
