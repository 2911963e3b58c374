package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"github.com/atmx/lender-pool/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pool_params (
    id              INTEGER PRIMARY KEY CHECK (id = 1),
    pool_address    TEXT    NOT NULL,
    owner           TEXT    NOT NULL,
    position_size   TEXT    NOT NULL,
    fee_numerator   TEXT    NOT NULL,
    fee_denominator TEXT    NOT NULL,
    deposit_cap     TEXT    NOT NULL,
    updated_at      TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
    address    TEXT PRIMARY KEY,
    units      INTEGER NOT NULL DEFAULT 0,
    fee_credit TEXT    NOT NULL DEFAULT '0'
);

CREATE TABLE IF NOT EXISTS unit_segments (
    start_index INTEGER PRIMARY KEY,
    units       INTEGER NOT NULL CHECK (units > 0),
    owner       TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS wallets (
    address TEXT PRIMARY KEY,
    balance TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pool_events (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT UNIQUE NOT NULL,
    kind         TEXT NOT NULL,
    account      TEXT NOT NULL,
    counterparty TEXT NOT NULL,
    amount       TEXT,
    fee          TEXT,
    unit_index   INTEGER,
    detail       TEXT NOT NULL DEFAULT '',
    created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_account      ON pool_events(account);
CREATE INDEX IF NOT EXISTS idx_events_counterparty ON pool_events(counterparty);
CREATE INDEX IF NOT EXISTS idx_events_kind         ON pool_events(kind);
`

// SQLiteStore implements Store on SQLite (pure Go, no cgo). Amounts are
// TEXT because SQLite integers stop at 64 bits.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps ":memory:" on one connection
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (*model.Snapshot, error) {
	var snap model.Snapshot
	var poolAddr, owner, size, num, den, cap string

	err := s.db.QueryRowContext(ctx,
		`SELECT pool_address, owner, position_size, fee_numerator, fee_denominator, deposit_cap
		 FROM pool_params WHERE id = 1`).
		Scan(&poolAddr, &owner, &size, &num, &den, &cap)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("store.Load: params: %w", err)
	}
	if snap.Params, err = decodeParams(poolAddr, owner, size, num, den, cap); err != nil {
		return nil, err
	}

	if snap.Accounts, err = s.queryAccounts(ctx, `SELECT address, units, fee_credit FROM accounts ORDER BY address`); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT start_index, units, owner FROM unit_segments ORDER BY start_index`)
	if err != nil {
		return nil, fmt.Errorf("store.Load: segments: %w", err)
	}
	snap.Segments, err = scanSegments(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT address, balance FROM wallets ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("store.Load: wallets: %w", err)
	}
	snap.Wallets, err = scanWallets(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLiteStore) Apply(ctx context.Context, cs *model.Changeset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.Apply: begin tx: %w", err)
	}
	defer tx.Rollback()

	if p := cs.Params; p != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO pool_params (id, pool_address, owner, position_size, fee_numerator, fee_denominator, deposit_cap, updated_at)
			 VALUES (1, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
			     fee_numerator = excluded.fee_numerator,
			     fee_denominator = excluded.fee_denominator,
			     deposit_cap = excluded.deposit_cap,
			     updated_at = excluded.updated_at`,
			p.PoolAddress.Hex(), p.Owner.Hex(), weiString(p.PositionSize),
			uintString(p.FeeNumerator), uintString(p.FeeDenominator), weiString(p.DepositCap),
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("store.Apply: params: %w", err)
		}
	}

	for _, a := range cs.Accounts {
		units, err := toInt64(a.Units)
		if err != nil {
			return fmt.Errorf("store.Apply: account %s: %w", a.Address.Hex(), err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (address, units, fee_credit) VALUES (?, ?, ?)
			 ON CONFLICT (address) DO UPDATE SET units = excluded.units, fee_credit = excluded.fee_credit`,
			a.Address.Hex(), units, weiString(a.FeeCredit)); err != nil {
			return fmt.Errorf("store.Apply: account %s: %w", a.Address.Hex(), err)
		}
	}

	for _, seg := range cs.Segments {
		start, err := toInt64(seg.Start)
		if err != nil {
			return fmt.Errorf("store.Apply: segment: %w", err)
		}
		units, err := toInt64(seg.Units)
		if err != nil {
			return fmt.Errorf("store.Apply: segment: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO unit_segments (start_index, units, owner) VALUES (?, ?, ?)`,
			start, units, seg.Owner.Hex()); err != nil {
			return fmt.Errorf("store.Apply: segment %d: %w", seg.Start, err)
		}
	}

	for _, w := range cs.Wallets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO wallets (address, balance) VALUES (?, ?)
			 ON CONFLICT (address) DO UPDATE SET balance = excluded.balance`,
			w.Address.Hex(), weiString(w.Balance)); err != nil {
			return fmt.Errorf("store.Apply: wallet %s: %w", w.Address.Hex(), err)
		}
	}

	for _, e := range cs.Events {
		var unitIndex any
		if e.UnitIndex != nil {
			u, err := toInt64(*e.UnitIndex)
			if err != nil {
				return fmt.Errorf("store.Apply: event %s: %w", e.ID, err)
			}
			unitIndex = u
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pool_events (id, kind, account, counterparty, amount, fee, unit_index, detail, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, string(e.Kind), e.Account.Hex(), e.Counterparty.Hex(),
			nullableWei(e.Amount), nullableWei(e.Fee), unitIndex, e.Detail,
			e.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("store.Apply: event %s: %w", e.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetAccount(ctx context.Context, addr common.Address) (*model.Account, error) {
	accounts, err := s.queryAccounts(ctx,
		`SELECT address, units, fee_credit FROM accounts WHERE address = ?`, addr.Hex())
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, addr.Hex())
	}
	return &accounts[0], nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, f model.EventFilter) ([]model.Event, error) {
	var account string
	if f.Account != nil {
		account = f.Account.Hex()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, account, counterparty, amount, fee, unit_index, detail, created_at
		 FROM pool_events
		 WHERE (?1 = '' OR kind = ?1) AND (?2 = '' OR account = ?2 OR counterparty = ?2)
		 ORDER BY seq DESC LIMIT ?3`,
		string(f.Kind), account, limitOf(f))
	if err != nil {
		return nil, fmt.Errorf("store.ListEvents: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var ef eventFields
		var ts string
		if err := rows.Scan(&e.ID, &ef.kind, &ef.account, &ef.counterparty, &ef.amount, &ef.fee, &ef.unitIndex, &e.Detail, &ts); err != nil {
			return nil, err
		}
		if err := ef.decode(&e); err != nil {
			return nil, err
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("store.ListEvents: timestamp %q: %w", ts, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) queryAccounts(ctx context.Context, query string, args ...any) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: accounts: %w", err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}
