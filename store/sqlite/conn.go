package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/salonhub/ledger-engine/ledger"
)

// timeFormat is fixed width so that TEXT comparison is chronological.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs every query of the store against either the pool or a tx.
type conn struct {
	q      querier
	driver string
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, rebind(c.driver, query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, rebind(c.driver, query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, rebind(c.driver, query), args...)
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

const accountColumns = `id, kind, available, locked, lifetime_earned, lifetime_expired,
	delivered_orders, unlocked, needs_review, last_settlement_at, version, created_at, updated_at`

func (c *conn) CreateAccount(ctx context.Context, a ledger.Account) error {
	_, err := c.exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.ID), string(a.Kind),
		a.Available.String(), a.Locked.String(),
		a.LifetimeEarned.String(), a.LifetimeExpired.String(),
		a.DeliveredOrders, a.Unlocked, a.NeedsReview,
		nullTime(a.LastSettlementAt), a.Version,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (c *conn) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	row := c.queryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, string(id))
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrUnknownAccount
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *conn) UpdateAccount(ctx context.Context, a ledger.Account, expectedVersion int64) error {
	res, err := c.exec(ctx, `
		UPDATE accounts SET
			available = ?, locked = ?, lifetime_earned = ?, lifetime_expired = ?,
			delivered_orders = ?, unlocked = ?, needs_review = ?,
			last_settlement_at = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		a.Available.String(), a.Locked.String(),
		a.LifetimeEarned.String(), a.LifetimeExpired.String(),
		a.DeliveredOrders, a.Unlocked, a.NeedsReview,
		nullTime(a.LastSettlementAt), a.Version, formatTime(a.UpdatedAt),
		string(a.ID), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = c.queryRow(ctx, `SELECT COUNT(*) FROM accounts WHERE id = ?`, string(a.ID)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if exists == 0 {
		return ledger.ErrUnknownAccount
	}
	return ledger.ErrConcurrentModification
}

func (c *conn) ListAccounts(ctx context.Context, f ledger.AccountFilter) ([]ledger.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id > ?`
	args := []any{string(f.AfterID)}
	if len(f.Kinds) > 0 {
		marks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			marks[i] = "?"
			args = append(args, string(k))
		}
		query += ` AND kind IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (ledger.Account, error) {
	var (
		a                                  ledger.Account
		id, kind                           string
		available, locked, earned, expired string
		lastSettlement                     sql.NullString
		createdAt, updatedAt               string
	)
	err := row.Scan(&id, &kind, &available, &locked, &earned, &expired,
		&a.DeliveredOrders, &a.Unlocked, &a.NeedsReview, &lastSettlement,
		&a.Version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan account: %w", err)
	}
	a.ID = ledger.AccountID(id)
	a.Kind = ledger.AccountKind(kind)
	a.Available = parseDecimal(available)
	a.Locked = parseDecimal(locked)
	a.LifetimeEarned = parseDecimal(earned)
	a.LifetimeExpired = parseDecimal(expired)
	a.LastSettlementAt = parseNullTime(lastSettlement)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

const txColumns = `id, account_id, seq, tx_type, amount, bucket, order_id, lot_id,
	reason, created_at, expires_at, settlement_id`

func (c *conn) AppendTransactions(ctx context.Context, txs []ledger.Transaction) error {
	for _, tx := range txs {
		_, err := c.exec(ctx, `
			INSERT INTO transactions (`+txColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(tx.ID), string(tx.AccountID), tx.Seq, string(tx.Type),
			tx.Amount.String(), nullString(string(tx.Bucket)),
			nullString(tx.OrderID), nullString(string(tx.LotID)),
			nullString(tx.Reason), formatTime(tx.CreatedAt),
			nullTime(tx.ExpiresAt), nullString(string(tx.SettlementID)),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: seq %d on %s", ledger.ErrConcurrentModification, tx.Seq, tx.AccountID)
			}
			return fmt.Errorf("failed to append transaction: %w", err)
		}
	}
	return nil
}

func (c *conn) Transactions(ctx context.Context, id ledger.AccountID) ([]ledger.Transaction, error) {
	return c.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE account_id = ? ORDER BY seq ASC`,
		string(id))
}

func (c *conn) TransactionsPage(ctx context.Context, id ledger.AccountID, offset, limit int) ([]ledger.Transaction, int, error) {
	var total int
	err := c.queryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE account_id = ?`, string(id)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	txs, err := c.queryTransactions(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE account_id = ?
		 ORDER BY seq DESC LIMIT ? OFFSET ?`,
		string(id), limit, offset)
	return txs, total, err
}

func (c *conn) StampSettlement(ctx context.Context, id ledger.AccountID, sid ledger.SettlementID, txIDs []ledger.TransactionID) error {
	for _, txID := range txIDs {
		_, err := c.exec(ctx, `
			UPDATE transactions SET settlement_id = ?
			WHERE id = ? AND account_id = ? AND settlement_id IS NULL`,
			string(sid), string(txID), string(id))
		if err != nil {
			return fmt.Errorf("failed to stamp transaction %s: %w", txID, err)
		}
	}
	return nil
}

func (c *conn) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx                             ledger.Transaction
		id, accountID, txType, amount  string
		bucket, orderID, lotID, reason sql.NullString
		createdAt                      string
		expiresAt, settlementID        sql.NullString
	)
	err := rows.Scan(&id, &accountID, &tx.Seq, &txType, &amount, &bucket, &orderID,
		&lotID, &reason, &createdAt, &expiresAt, &settlementID)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}
	tx.ID = ledger.TransactionID(id)
	tx.AccountID = ledger.AccountID(accountID)
	tx.Type = ledger.TxType(txType)
	tx.Amount = parseDecimal(amount)
	tx.Bucket = ledger.Bucket(bucket.String)
	tx.OrderID = orderID.String
	tx.LotID = ledger.TransactionID(lotID.String)
	tx.Reason = reason.String
	tx.CreatedAt = parseTime(createdAt)
	tx.ExpiresAt = parseNullTime(expiresAt)
	tx.SettlementID = ledger.SettlementID(settlementID.String)
	return tx, nil
}

// =============================================================================
// SETTLEMENT STORE
// =============================================================================

const settlementColumns = `id, account_id, period_key, amount, transaction_count, order_count, settled_at`

func (c *conn) InsertSettlement(ctx context.Context, s ledger.Settlement) error {
	_, err := c.exec(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(s.ID), string(s.AccountID), s.PeriodKey, s.Amount.String(),
		s.TransactionCount, s.OrderCount, formatTime(s.SettledAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateSettlement
		}
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	return nil
}

func (c *conn) GetSettlement(ctx context.Context, id ledger.AccountID, periodKey string) (*ledger.Settlement, error) {
	rows, err := c.query(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE account_id = ? AND period_key = ?`,
		string(id), periodKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	s, err := scanSettlement(rows)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *conn) ListSettlements(ctx context.Context, periodKey string) ([]ledger.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements`
	var args []any
	if periodKey != "" {
		query += ` WHERE period_key = ?`
		args = append(args, periodKey)
	}
	query += ` ORDER BY period_key DESC, account_id ASC`

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	defer rows.Close()

	var out []ledger.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSettlement(rows *sql.Rows) (ledger.Settlement, error) {
	var (
		s                     ledger.Settlement
		id, accountID, amount string
		settledAt             string
	)
	err := rows.Scan(&id, &accountID, &s.PeriodKey, &amount, &s.TransactionCount, &s.OrderCount, &settledAt)
	if err != nil {
		return s, fmt.Errorf("failed to scan settlement: %w", err)
	}
	s.ID = ledger.SettlementID(id)
	s.AccountID = ledger.AccountID(accountID)
	s.Amount = parseDecimal(amount)
	s.SettledAt = parseTime(settledAt)
	return s, nil
}

// =============================================================================
// ORDER STORE
// =============================================================================

const orderColumns = `order_id, account_id, agent_id, status, subtotal, total,
	points_earned, commission_earned, delivered_at, reversed, updated_at`

func (c *conn) GetOrder(ctx context.Context, orderID string) (*ledger.Order, error) {
	var (
		o                                        ledger.Order
		accountID, status                        string
		agentID, deliveredAt                     sql.NullString
		subtotal, total, points, commission, upd string
	)
	err := c.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID).Scan(
		&o.OrderID, &accountID, &agentID, &status, &subtotal, &total,
		&points, &commission, &deliveredAt, &o.Reversed, &upd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	o.AccountID = ledger.AccountID(accountID)
	o.AgentID = ledger.AccountID(agentID.String)
	o.Status = ledger.OrderStatus(status)
	o.Subtotal = parseDecimal(subtotal)
	o.Total = parseDecimal(total)
	o.PointsEarned = parseDecimal(points)
	o.CommissionEarned = parseDecimal(commission)
	o.DeliveredAt = parseNullTime(deliveredAt)
	o.UpdatedAt = parseTime(upd)
	return &o, nil
}

func (c *conn) SaveOrder(ctx context.Context, o ledger.Order) error {
	_, err := c.exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO UPDATE SET
			account_id = excluded.account_id,
			agent_id = excluded.agent_id,
			status = excluded.status,
			subtotal = excluded.subtotal,
			total = excluded.total,
			points_earned = excluded.points_earned,
			commission_earned = excluded.commission_earned,
			delivered_at = excluded.delivered_at,
			reversed = excluded.reversed,
			updated_at = excluded.updated_at`,
		o.OrderID, string(o.AccountID), nullString(string(o.AgentID)), string(o.Status),
		o.Subtotal.String(), o.Total.String(),
		o.PointsEarned.String(), o.CommissionEarned.String(),
		nullTime(o.DeliveredAt), o.Reversed, formatTime(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (c *conn) CountDeliveredOrders(ctx context.Context, id ledger.AccountID) (int, error) {
	var n int
	err := c.queryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE account_id = ? AND delivered_at IS NOT NULL`,
		string(id)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count delivered orders: %w", err)
	}
	return n, nil
}

// AgentSales sums in Go: totals are TEXT decimals and SUM would go through
// floating point.
func (c *conn) AgentSales(ctx context.Context, agentID ledger.AccountID, since time.Time) (decimal.Decimal, error) {
	rows, err := c.query(ctx,
		`SELECT total FROM orders WHERE agent_id = ? AND delivered_at >= ?`,
		string(agentID), formatTime(since))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query agent sales: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var total string
		if err := rows.Scan(&total); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan agent sales: %w", err)
		}
		sum = sum.Add(parseDecimal(total))
	}
	return sum, rows.Err()
}

// =============================================================================
// TIER STORE
// =============================================================================

func (c *conn) ListTiers(ctx context.Context) ([]ledger.CommissionTier, error) {
	rows, err := c.query(ctx, `SELECT id, name, min_sales, rate FROM commission_tiers`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	defer rows.Close()

	var out []ledger.CommissionTier
	for rows.Next() {
		var t ledger.CommissionTier
		var minSales, rate string
		if err := rows.Scan(&t.ID, &t.Name, &minSales, &rate); err != nil {
			return nil, fmt.Errorf("failed to scan tier: %w", err)
		}
		t.MinSales = parseDecimal(minSales)
		t.Rate = parseDecimal(rate)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinSales.LessThan(out[j].MinSales) })
	return out, nil
}

func (c *conn) ReplaceTiers(ctx context.Context, tiers []ledger.CommissionTier) error {
	if _, err := c.exec(ctx, `DELETE FROM commission_tiers`); err != nil {
		return fmt.Errorf("failed to clear tiers: %w", err)
	}
	for _, t := range tiers {
		_, err := c.exec(ctx,
			`INSERT INTO commission_tiers (id, name, min_sales, rate) VALUES (?, ?, ?, ?)`,
			t.ID, t.Name, t.MinSales.String(), t.Rate.String())
		if err != nil {
			return fmt.Errorf("failed to insert tier %s: %w", t.Name, err)
		}
	}
	return nil
}

// =============================================================================
// REVIEW STORE
// =============================================================================

func (c *conn) SaveReviewFlag(ctx context.Context, f ledger.ReviewFlag) error {
	_, err := c.exec(ctx, `
		INSERT INTO review_flags (id, account_id, order_id, shortfall, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, string(f.AccountID), nullString(f.OrderID), f.Shortfall.String(),
		nullString(f.Reason), formatTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save review flag: %w", err)
	}
	return nil
}

func (c *conn) ListReviewFlags(ctx context.Context) ([]ledger.ReviewFlag, error) {
	rows, err := c.query(ctx, `
		SELECT id, account_id, order_id, shortfall, reason, created_at
		FROM review_flags ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list review flags: %w", err)
	}
	defer rows.Close()

	var out []ledger.ReviewFlag
	for rows.Next() {
		var (
			f               ledger.ReviewFlag
			accountID       string
			orderID, reason sql.NullString
			shortfall, at   string
		)
		if err := rows.Scan(&f.ID, &accountID, &orderID, &shortfall, &reason, &at); err != nil {
			return nil, fmt.Errorf("failed to scan review flag: %w", err)
		}
		f.AccountID = ledger.AccountID(accountID)
		f.OrderID = orderID.String
		f.Shortfall = parseDecimal(shortfall)
		f.Reason = reason.String
		f.CreatedAt = parseTime(at)
		out = append(out, f)
	}
	return out, rows.Err()
}

// =============================================================================
// CHECKPOINT STORE
// =============================================================================

func (c *conn) GetCheckpoint(ctx context.Context, job string) (string, error) {
	var cursor string
	err := c.queryRow(ctx, `SELECT cursor_value FROM checkpoints WHERE job = ?`, job).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cursor, nil
}

// SaveCheckpoint stores cursor for job; an empty cursor clears it.
func (c *conn) SaveCheckpoint(ctx context.Context, job, cursor string) error {
	var err error
	if cursor == "" {
		_, err = c.exec(ctx, `DELETE FROM checkpoints WHERE job = ?`, job)
	} else {
		_, err = c.exec(ctx, `
			INSERT INTO checkpoints (job, cursor_value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (job) DO UPDATE SET
				cursor_value = excluded.cursor_value,
				updated_at = excluded.updated_at`,
			job, cursor, formatTime(time.Now()))
	}
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
