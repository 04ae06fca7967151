/*
Package sqlite provides the SQL implementation of ledger.Store.

PURPOSE:
  Persists accounts, the transaction log, settlements, order records,
  commission tiers, review flags and job checkpoints. SQLite is the default
  driver; the same code speaks PostgreSQL (lib/pq) with "?" placeholders
  rebound to "$n".

APPEND-ONLY ENFORCEMENT:
  - No DELETE statements on transactions
  - The only UPDATE on transactions is the settlement stamp, and it only
    touches rows whose settlement_id is still NULL

KEY TABLES:
  accounts:         snapshot rows, optimistic "version" column
  transactions:     immutable ledger, UNIQUE(account_id, seq)
  settlements:      UNIQUE(account_id, period_key)
  orders:           ingestion state per order
  commission_tiers: rate table
  review_flags:     clamped reversals awaiting manual reconciliation
  checkpoints:      resumable job cursors

CONCURRENCY:
  The in-process account locks in ledger.Ledger serialize writers on one
  node. Across nodes the UNIQUE(account_id, seq) index and the version
  check turn a lost race into ledger.ErrConcurrentModification.

  SQLite is limited to one open connection: ":memory:" databases are
  per-connection, and a single writer is all SQLite supports anyway.

FORMATS:
  Decimals are stored as TEXT (exact). Times are stored as fixed-width
  UTC TEXT so that lexical order equals chronological order.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/salonhub/ledger-engine/ledger"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Store implements ledger.Store on database/sql.
type Store struct {
	*conn
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// New opens a SQLite database at dbPath. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	return Open(DriverSQLite, dbPath)
}

// Open connects to driver ("sqlite3" or "postgres") and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_busy_timeout=5000&_journal_mode=WAL"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, conn: &conn{q: db, driver: driver}}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema, one statement at a time so a failure
// names the statement.
func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(stmt))
		}
	}
	return nil
}

const schema = `
	-- Account snapshots (cached projection of the log)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		available TEXT NOT NULL,
		locked TEXT NOT NULL,
		lifetime_earned TEXT NOT NULL,
		lifetime_expired TEXT NOT NULL,
		delivered_orders INTEGER NOT NULL DEFAULT 0,
		unlocked BOOLEAN NOT NULL DEFAULT FALSE,
		needs_review BOOLEAN NOT NULL DEFAULT FALSE,
		last_settlement_at TEXT,
		version BIGINT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_kind ON accounts(kind, id);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		seq BIGINT NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		bucket TEXT,
		order_id TEXT,
		lot_id TEXT,
		reason TEXT,
		created_at TEXT NOT NULL,
		expires_at TEXT,
		settlement_id TEXT
	);

	-- CRITICAL: one writer per (account, seq), a lost race fails here
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_account_seq
		ON transactions(account_id, seq);

	CREATE INDEX IF NOT EXISTS idx_transactions_order
		ON transactions(order_id);

	-- Settlements (one payout per account and month)
	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		period_key TEXT NOT NULL,
		amount TEXT NOT NULL,
		transaction_count INTEGER NOT NULL,
		order_count INTEGER NOT NULL,
		settled_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_settlements_account_period
		ON settlements(account_id, period_key);

	-- Orders seen by the accrual engine
	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		agent_id TEXT,
		status TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		total TEXT NOT NULL,
		points_earned TEXT NOT NULL,
		commission_earned TEXT NOT NULL,
		delivered_at TEXT,
		reversed BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_account ON orders(account_id);
	CREATE INDEX IF NOT EXISTS idx_orders_agent_delivered ON orders(agent_id, delivered_at);

	-- Commission tiers
	CREATE TABLE IF NOT EXISTS commission_tiers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		min_sales TEXT NOT NULL,
		rate TEXT NOT NULL
	);

	-- Clamped reversals
	CREATE TABLE IF NOT EXISTS review_flags (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		order_id TEXT,
		shortfall TEXT NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL
	);

	-- Job checkpoints
	CREATE TABLE IF NOT EXISTS checkpoints (
		job TEXT PRIMARY KEY,
		cursor_value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)
`

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{conn: &conn{q: sqlTx, driver: s.driver}}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// AppendTransactions is atomic when called outside WithTx.
func (s *Store) AppendTransactions(ctx context.Context, txs []ledger.Transaction) error {
	return s.WithTx(ctx, func(st ledger.Store) error {
		return st.AppendTransactions(ctx, txs)
	})
}

// ReplaceTiers is atomic when called outside WithTx.
func (s *Store) ReplaceTiers(ctx context.Context, tiers []ledger.CommissionTier) error {
	return s.WithTx(ctx, func(st ledger.Store) error {
		return st.ReplaceTiers(ctx, tiers)
	})
}

type txStore struct {
	*conn
}

var _ ledger.Store = (*txStore)(nil)

func (ts *txStore) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	return fn(ts)
}

// =============================================================================
// DIALECT
// =============================================================================

// rebind rewrites "?" placeholders to "$1, $2, ..." for PostgreSQL.
func rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
