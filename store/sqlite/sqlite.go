/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements ledger.TxStore and audit.Store using SQLite through
  database/sql and mattn/go-sqlite3.

INTERFACES IMPLEMENTED:
  ledger.TxStore: Accounts, tiers, products, recharges, withdrawals, records
  audit.Store:    Admin audit log

KEY TABLES:
  accounts:            One row per user (balances, click allowance, moderation)
  vip_tiers:           Current VIP tier table
  submissions:         One row per product submission batch
  products:            Purchase units, combined groups
  recharges:           Deposit requests
  withdrawals:         Withdrawal requests
  transaction_records: Append-only status log per parent entity
  audit_log:           Who did what when

MONEY:
  Amounts are stored as TEXT in decimal.Decimal string form. SQLite REAL
  would round them.

CONCURRENCY:
  The pool is capped at one connection and transactions start with
  BEGIN IMMEDIATE (_txlock=immediate). A transaction therefore owns the
  database until it commits, which is what LockAccount relies on.
  Non-transactional reads queue behind it.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better crash recovery.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
  - store/gormstore: MySQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/vip-ledger/audit"
	"github.com/warp/vip-ledger/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	queries
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{queries: queries{q: db}, db: db}
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		balance TEXT NOT NULL,
		frozen_balance TEXT NOT NULL,
		cumulative_withdrawal TEXT NOT NULL,
		profit_earned TEXT NOT NULL,
		is_pending BOOLEAN NOT NULL,
		negative_threshold TEXT NOT NULL,
		click_remaining INTEGER NOT NULL CHECK (click_remaining >= 0),
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		deleted_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vip_tiers (
		level INTEGER PRIMARY KEY,
		min_amount TEXT NOT NULL,
		max_amount TEXT,
		single_product_percentage TEXT NOT NULL,
		combined_product_percentage TEXT NOT NULL,
		products_per_section INTEGER NOT NULL,
		min_profit_range TEXT NOT NULL,
		max_profit_range TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES accounts(user_id),
		total_profit TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES accounts(user_id),
		submission_id TEXT NOT NULL REFERENCES submissions(id),
		amount TEXT NOT NULL,
		is_combined BOOLEAN NOT NULL,
		combined_group_id TEXT,
		profit TEXT NOT NULL,
		profit_accrued BOOLEAN NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_products_user
		ON products(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_products_group
		ON products(user_id, combined_group_id) WHERE combined_group_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_products_pending_groups
		ON products(status, combined_group_id) WHERE combined_group_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS recharges (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES accounts(user_id),
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		approved_by TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_recharges_user
		ON recharges(user_id, created_at);

	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES accounts(user_id),
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		processed_by TEXT,
		rejection_reason TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_withdrawals_user
		ON withdrawals(user_id, created_at);

	-- Append-only; only status/transaction_time change, once
	CREATE TABLE IF NOT EXISTS transaction_records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		parent_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		transaction_time TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_parent
		ON transaction_records(kind, parent_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		target_user TEXT,
		details_json TEXT,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_target
		ON audit_log(target_user, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_actor
		ON audit_log(actor, timestamp);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Reset clears all data. Used by tests.
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{"audit_log", "transaction_records", "withdrawals", "recharges", "products", "submissions", "vip_tiers", "accounts"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every statement. Store runs them on the pool, WithTx on
// the open transaction.
type queries struct {
	q queryer
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = `user_id, balance, frozen_balance, cumulative_withdrawal, profit_earned,
	is_pending, negative_threshold, click_remaining, is_active, deleted_at, created_at, updated_at`

func (s queries) CreateAccount(ctx context.Context, a ledger.Account) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, a.Balance.String(), a.FrozenBalance.String(), a.CumulativeWithdrawal.String(),
		a.ProfitEarned.String(), a.IsPending, a.NegativeThreshold.String(), a.ClickRemaining,
		a.IsActive, nullTime(a.DeletedAt), formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s queries) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = ?`, userID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.NotFound("account", userID)
	}
	return a, err
}

// LockAccount is a plain read: the IMMEDIATE transaction already holds
// the database write lock.
func (s queries) LockAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	return s.GetAccount(ctx, userID)
}

func (s queries) SaveAccount(ctx context.Context, a ledger.Account) error {
	res, err := s.q.ExecContext(ctx, `UPDATE accounts SET
		balance = ?, frozen_balance = ?, cumulative_withdrawal = ?, profit_earned = ?,
		is_pending = ?, negative_threshold = ?, click_remaining = ?, is_active = ?,
		deleted_at = ?, updated_at = ?
		WHERE user_id = ?`,
		a.Balance.String(), a.FrozenBalance.String(), a.CumulativeWithdrawal.String(), a.ProfitEarned.String(),
		a.IsPending, a.NegativeThreshold.String(), a.ClickRemaining, a.IsActive,
		nullTime(a.DeletedAt), formatTime(a.UpdatedAt), a.UserID)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return requireRow(res, "account", a.UserID)
}

func (s queries) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
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

func scanAccount(row scanner) (ledger.Account, error) {
	var (
		a                                          ledger.Account
		balance, frozen, withdrawn, profit, thresh string
		deletedAt                                  sql.NullString
		createdAt, updatedAt                       string
	)
	err := row.Scan(&a.UserID, &balance, &frozen, &withdrawn, &profit,
		&a.IsPending, &thresh, &a.ClickRemaining, &a.IsActive, &deletedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan account: %w", err)
	}
	var p decimalParser
	a.Balance = p.parse(balance)
	a.FrozenBalance = p.parse(frozen)
	a.CumulativeWithdrawal = p.parse(withdrawn)
	a.ProfitEarned = p.parse(profit)
	a.NegativeThreshold = p.parse(thresh)
	a.DeletedAt = parseNullTime(deletedAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, p.err
}

// =============================================================================
// VIP TIERS
// =============================================================================

func (s queries) LoadTiers(ctx context.Context) (ledger.TierTable, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT level, min_amount, max_amount, single_product_percentage,
		combined_product_percentage, products_per_section, min_profit_range, max_profit_range
		FROM vip_tiers ORDER BY level`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tiers: %w", err)
	}
	defer rows.Close()

	var table ledger.TierTable
	for rows.Next() {
		var (
			t                                  ledger.Tier
			minAmt, single, combined, lo, hi   string
			maxAmt                             sql.NullString
		)
		if err := rows.Scan(&t.Level, &minAmt, &maxAmt, &single, &combined, &t.ProductsPerSection, &lo, &hi); err != nil {
			return nil, fmt.Errorf("failed to scan tier: %w", err)
		}
		var p decimalParser
		t.MinAmount = p.parse(minAmt)
		if maxAmt.Valid {
			v := p.parse(maxAmt.String)
			t.MaxAmount = &v
		}
		t.SingleProductPercentage = p.parse(single)
		t.CombinedProductPercentage = p.parse(combined)
		t.MinProfitRange = p.parse(lo)
		t.MaxProfitRange = p.parse(hi)
		if p.err != nil {
			return nil, p.err
		}
		table = append(table, t)
	}
	return table, rows.Err()
}

func (s queries) ReplaceTiers(ctx context.Context, table ledger.TierTable) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM vip_tiers`); err != nil {
		return fmt.Errorf("failed to clear tiers: %w", err)
	}
	for _, t := range table {
		var maxAmt sql.NullString
		if t.MaxAmount != nil {
			maxAmt = sql.NullString{String: t.MaxAmount.String(), Valid: true}
		}
		_, err := s.q.ExecContext(ctx, `INSERT INTO vip_tiers (level, min_amount, max_amount,
			single_product_percentage, combined_product_percentage, products_per_section,
			min_profit_range, max_profit_range) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.Level, t.MinAmount.String(), maxAmt, t.SingleProductPercentage.String(),
			t.CombinedProductPercentage.String(), t.ProductsPerSection,
			t.MinProfitRange.String(), t.MaxProfitRange.String())
		if err != nil {
			return fmt.Errorf("failed to insert tier %d: %w", t.Level, err)
		}
	}
	return nil
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (s queries) CreateSubmission(ctx context.Context, sub ledger.Submission) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO submissions (id, user_id, total_profit, created_at)
		VALUES (?, ?, ?, ?)`, sub.ID.String(), sub.UserID, sub.TotalProfit.String(), formatTime(sub.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}

const productColumns = `id, user_id, submission_id, amount, is_combined, combined_group_id,
	profit, profit_accrued, status, created_at, completed_at`

func (s queries) CreateProduct(ctx context.Context, p ledger.Product) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO products (`+productColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.UserID, p.SubmissionID.String(), p.Amount.String(), p.IsCombined,
		nullUUID(p.CombinedGroupID), p.Profit.String(), p.ProfitAccrued, p.Status,
		formatTime(p.CreatedAt), nullTime(p.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create product: %w", err)
	}
	return nil
}

func (s queries) UpdateProduct(ctx context.Context, p ledger.Product) error {
	res, err := s.q.ExecContext(ctx, `UPDATE products SET
		is_combined = ?, combined_group_id = ?, profit = ?, profit_accrued = ?, status = ?, completed_at = ?
		WHERE id = ?`,
		p.IsCombined, nullUUID(p.CombinedGroupID), p.Profit.String(), p.ProfitAccrued, p.Status,
		nullTime(p.CompletedAt), p.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	return requireRow(res, "product", p.ID)
}

func (s queries) ProductsByGroup(ctx context.Context, userID ledger.UserID, groupID uuid.UUID) ([]ledger.Product, error) {
	return s.queryProducts(ctx, `SELECT `+productColumns+` FROM products
		WHERE user_id = ? AND combined_group_id = ? ORDER BY created_at, id`, userID, groupID.String())
}

func (s queries) ProductsByUser(ctx context.Context, userID ledger.UserID) ([]ledger.Product, error) {
	return s.queryProducts(ctx, `SELECT `+productColumns+` FROM products
		WHERE user_id = ? ORDER BY created_at, id`, userID)
}

func (s queries) PendingGroups(ctx context.Context, userID ledger.UserID) ([]ledger.GroupRef, error) {
	query := `SELECT user_id, combined_group_id FROM products
		WHERE status = ? AND combined_group_id IS NOT NULL`
	args := []any{ledger.StatusPending}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` GROUP BY user_id, combined_group_id
		ORDER BY user_id, MIN(created_at), combined_group_id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending groups: %w", err)
	}
	defer rows.Close()

	var out []ledger.GroupRef
	for rows.Next() {
		var (
			ref   ledger.GroupRef
			group string
		)
		if err := rows.Scan(&ref.UserID, &group); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		if ref.GroupID, err = uuid.Parse(group); err != nil {
			return nil, fmt.Errorf("bad group id %q: %w", group, err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s queries) queryProducts(ctx context.Context, query string, args ...any) ([]ledger.Product, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var out []ledger.Product
	for rows.Next() {
		var (
			p                          ledger.Product
			id, submissionID           string
			amount, profit, createdAt  string
			groupID, completedAt       sql.NullString
		)
		err := rows.Scan(&id, &p.UserID, &submissionID, &amount, &p.IsCombined, &groupID,
			&profit, &p.ProfitAccrued, &p.Status, &createdAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		var dp decimalParser
		p.ID = dp.uuid(id)
		p.SubmissionID = dp.uuid(submissionID)
		p.CombinedGroupID = dp.nullUUID(groupID)
		p.Amount = dp.parse(amount)
		p.Profit = dp.parse(profit)
		p.CreatedAt = parseTime(createdAt)
		p.CompletedAt = parseNullTime(completedAt)
		if dp.err != nil {
			return nil, dp.err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// RECHARGES
// =============================================================================

const rechargeColumns = `id, user_id, amount, status, approved_by, created_at, completed_at`

func (s queries) CreateRecharge(ctx context.Context, r ledger.Recharge) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO recharges (`+rechargeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.UserID, r.Amount.String(), r.Status, nullString(r.ApprovedBy),
		formatTime(r.CreatedAt), nullTime(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create recharge: %w", err)
	}
	return nil
}

func (s queries) GetRecharge(ctx context.Context, id uuid.UUID) (ledger.Recharge, error) {
	out, err := s.queryRecharges(ctx, `SELECT `+rechargeColumns+` FROM recharges WHERE id = ?`, id.String())
	if err != nil {
		return ledger.Recharge{}, err
	}
	if len(out) == 0 {
		return ledger.Recharge{}, ledger.NotFound("recharge", id)
	}
	return out[0], nil
}

func (s queries) UpdateRecharge(ctx context.Context, r ledger.Recharge) error {
	res, err := s.q.ExecContext(ctx, `UPDATE recharges SET status = ?, approved_by = ?, completed_at = ? WHERE id = ?`,
		r.Status, nullString(r.ApprovedBy), nullTime(r.CompletedAt), r.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update recharge: %w", err)
	}
	return requireRow(res, "recharge", r.ID)
}

func (s queries) RechargesByUser(ctx context.Context, userID ledger.UserID) ([]ledger.Recharge, error) {
	return s.queryRecharges(ctx, `SELECT `+rechargeColumns+` FROM recharges WHERE user_id = ? ORDER BY created_at, id`, userID)
}

func (s queries) queryRecharges(ctx context.Context, query string, args ...any) ([]ledger.Recharge, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recharges: %w", err)
	}
	defer rows.Close()

	var out []ledger.Recharge
	for rows.Next() {
		var (
			r                     ledger.Recharge
			id, amount, createdAt string
			approvedBy, completed sql.NullString
		)
		if err := rows.Scan(&id, &r.UserID, &amount, &r.Status, &approvedBy, &createdAt, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan recharge: %w", err)
		}
		var dp decimalParser
		r.ID = dp.uuid(id)
		r.Amount = dp.parse(amount)
		r.ApprovedBy = approvedBy.String
		r.CreatedAt = parseTime(createdAt)
		r.CompletedAt = parseNullTime(completed)
		if dp.err != nil {
			return nil, dp.err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

const withdrawalColumns = `id, user_id, amount, status, processed_by, rejection_reason, created_at, completed_at`

func (s queries) CreateWithdrawal(ctx context.Context, w ledger.Withdrawal) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO withdrawals (`+withdrawalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID.String(), w.UserID, w.Amount.String(), w.Status, nullString(w.ProcessedBy),
		nullString(w.RejectionReason), formatTime(w.CreatedAt), nullTime(w.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create withdrawal: %w", err)
	}
	return nil
}

func (s queries) GetWithdrawal(ctx context.Context, id uuid.UUID) (ledger.Withdrawal, error) {
	out, err := s.queryWithdrawals(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, id.String())
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	if len(out) == 0 {
		return ledger.Withdrawal{}, ledger.NotFound("withdrawal", id)
	}
	return out[0], nil
}

func (s queries) UpdateWithdrawal(ctx context.Context, w ledger.Withdrawal) error {
	res, err := s.q.ExecContext(ctx, `UPDATE withdrawals SET status = ?, processed_by = ?, rejection_reason = ?, completed_at = ?
		WHERE id = ?`,
		w.Status, nullString(w.ProcessedBy), nullString(w.RejectionReason), nullTime(w.CompletedAt), w.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update withdrawal: %w", err)
	}
	return requireRow(res, "withdrawal", w.ID)
}

func (s queries) WithdrawalsByUser(ctx context.Context, userID ledger.UserID) ([]ledger.Withdrawal, error) {
	return s.queryWithdrawals(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE user_id = ? ORDER BY created_at, id`, userID)
}

func (s queries) queryWithdrawals(ctx context.Context, query string, args ...any) ([]ledger.Withdrawal, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawals: %w", err)
	}
	defer rows.Close()

	var out []ledger.Withdrawal
	for rows.Next() {
		var (
			w                                ledger.Withdrawal
			id, amount, createdAt            string
			processedBy, reason, completedAt sql.NullString
		)
		if err := rows.Scan(&id, &w.UserID, &amount, &w.Status, &processedBy, &reason, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal: %w", err)
		}
		var dp decimalParser
		w.ID = dp.uuid(id)
		w.Amount = dp.parse(amount)
		w.ProcessedBy = processedBy.String
		w.RejectionReason = reason.String
		w.CreatedAt = parseTime(createdAt)
		w.CompletedAt = parseNullTime(completedAt)
		if dp.err != nil {
			return nil, dp.err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTION RECORDS
// =============================================================================

func (s queries) AppendRecord(ctx context.Context, r ledger.TransactionRecord) error {
	_, err := s.q.ExecContext(ctx, `INSERT INTO transaction_records
		(id, kind, parent_id, user_id, status, transaction_time) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Kind, r.ParentID.String(), r.UserID, r.Status, formatTime(r.TransactionTime))
	if err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

func (s queries) CompleteRecord(ctx context.Context, kind ledger.RecordKind, parentID uuid.UUID, status ledger.Status, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `UPDATE transaction_records SET status = ?, transaction_time = ?
		WHERE rowid = (SELECT rowid FROM transaction_records WHERE kind = ? AND parent_id = ? ORDER BY rowid DESC LIMIT 1)`,
		status, formatTime(at), kind, parentID.String())
	if err != nil {
		return fmt.Errorf("failed to complete record: %w", err)
	}
	return requireRow(res, string(kind)+" record", parentID)
}

func (s queries) Records(ctx context.Context, kind ledger.RecordKind, parentID uuid.UUID) ([]ledger.TransactionRecord, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, kind, parent_id, user_id, status, transaction_time
		FROM transaction_records WHERE kind = ? AND parent_id = ? ORDER BY rowid`, kind, parentID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []ledger.TransactionRecord
	for rows.Next() {
		var (
			r                    ledger.TransactionRecord
			id, parent, recorded string
		)
		if err := rows.Scan(&id, &r.Kind, &parent, &r.UserID, &r.Status, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var dp decimalParser
		r.ID = dp.uuid(id)
		r.ParentID = dp.uuid(parent)
		r.TransactionTime = parseTime(recorded)
		if dp.err != nil {
			return nil, dp.err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT LOG (audit.Store interface)
// =============================================================================

func (s queries) AppendAudit(ctx context.Context, e audit.Entry) error {
	var details sql.NullString
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.q.ExecContext(ctx, `INSERT INTO audit_log (id, actor, action, target_user, details_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Actor, e.Action, nullString(string(e.TargetUser)), details, formatTime(e.Timestamp))
	if err != nil {
		if isUniqueConstraintError(err) {
			// redelivered queue task
			return nil
		}
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// QueryAudit returns matching entries, newest first.
func (s queries) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.TargetUser != "" {
		where = append(where, "target_user = ?")
		args = append(args, f.TargetUser)
	}
	if len(f.Actions) > 0 {
		marks := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			marks[i] = "?"
			args = append(args, a)
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT id, actor, action, target_user, details_json, timestamp FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, rowid DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e                   audit.Entry
			id, timestamp       string
			target, detailsJSON sql.NullString
		)
		if err := rows.Scan(&id, &e.Actor, &e.Action, &target, &detailsJSON, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		var dp decimalParser
		e.ID = dp.uuid(id)
		e.TargetUser = ledger.UserID(target.String)
		e.Timestamp = parseTime(timestamp)
		if detailsJSON.Valid {
			if err := json.Unmarshal([]byte(detailsJSON.String), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		if dp.err != nil {
			return nil, dp.err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ ledger.Store   = queries{}
	_ audit.Store    = (*Store)(nil)
)

// =============================================================================
// HELPERS
// =============================================================================

// decimalParser collects the first parse error over several columns.
type decimalParser struct {
	err error
}

func (p *decimalParser) parse(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("bad decimal %q: %w", s, err)
	}
	return v
}

func (p *decimalParser) uuid(s string) uuid.UUID {
	v, err := uuid.Parse(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("bad uuid %q: %w", s, err)
	}
	return v
}

func (p *decimalParser) nullUUID(s sql.NullString) *uuid.UUID {
	if !s.Valid {
		return nil
	}
	v := p.uuid(s.String)
	return &v
}

// timeLayout is fixed width so that TEXT ordering is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
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

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func requireRow(res sql.Result, entity string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.NotFound(entity, id)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY"))
}
