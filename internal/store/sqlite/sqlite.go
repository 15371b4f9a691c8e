// Package sqlite is the default single-node account store, backed by the pure-Go
// modernc SQLite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	qerrors "github.com/rcourtman/aiquota/internal/errors"
	"github.com/rcourtman/aiquota/internal/store"
	"github.com/rcourtman/aiquota/pkg/quota"
	_ "modernc.org/sqlite"
)

// Store implements store.Store on SQLite.
type Store struct {
	db        *sql.DB
	broadcast *store.Broadcaster
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) aiquota.db in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "aiquota.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open account db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle and ensures the schema exists.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, broadcast: store.NewBroadcaster()}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		account_id         TEXT PRIMARY KEY,
		version            INTEGER NOT NULL,
		status             TEXT NOT NULL DEFAULT '',
		stripe_customer_id TEXT NOT NULL DEFAULT '',
		document           TEXT NOT NULL,
		updated_at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_stripe_customer_id ON accounts(stripe_customer_id);
	CREATE TABLE IF NOT EXISTS usage_log (
		id          TEXT PRIMARY KEY,
		account_id  TEXT NOT NULL,
		action_id   TEXT NOT NULL,
		ts          INTEGER NOT NULL,
		outcome     TEXT NOT NULL DEFAULT '',
		period_key  TEXT NOT NULL DEFAULT '',
		trial       INTEGER NOT NULL DEFAULT 0,
		override    INTEGER NOT NULL DEFAULT 0,
		UNIQUE(account_id, action_id)
	);
	CREATE INDEX IF NOT EXISTS idx_usage_log_ts ON usage_log(ts);
	CREATE TABLE IF NOT EXISTS catalog (
		id       INTEGER PRIMARY KEY CHECK (id = 1),
		version  INTEGER NOT NULL,
		document TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS processed_events (
		event_id     TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL DEFAULT '',
		processed_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init account store schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used by the health check).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes watches and the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.broadcast.Close()
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, accountID string) (quota.Account, error) {
	var (
		version int64
		doc     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, document FROM accounts WHERE account_id = ?`, accountID,
	).Scan(&version, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Account{}, store.ErrNotFound
	}
	if err != nil {
		return quota.Account{}, qerrors.WrapUnavailable("get_account", accountID, err)
	}
	return decodeAccount(doc, version)
}

func decodeAccount(doc string, version int64) (quota.Account, error) {
	var acct quota.Account
	if err := json.Unmarshal([]byte(doc), &acct); err != nil {
		return quota.Account{}, fmt.Errorf("decode account document: %w", err)
	}
	acct.Version = version
	return acct, nil
}

func (s *Store) Update(ctx context.Context, expectedVersion int64, next quota.Account, entries ...store.UsageEntry) (quota.Account, error) {
	stored := next.Clone()
	stored.Version = expectedVersion + 1

	doc, err := json.Marshal(stored)
	if err != nil {
		return quota.Account{}, fmt.Errorf("encode account document: %w", err)
	}
	status, customer := "", ""
	if stored.Subscription != nil {
		status = string(stored.Subscription.Status)
		customer = stored.Subscription.StripeCustomerID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return quota.Account{}, qerrors.WrapUnavailable("update_account", next.AccountID, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Unix()
	var res sql.Result
	if expectedVersion == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO accounts (account_id, version, status, stripe_customer_id, document, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(account_id) DO NOTHING`,
			stored.AccountID, stored.Version, status, customer, string(doc), now)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE accounts SET version = ?, status = ?, stripe_customer_id = ?, document = ?, updated_at = ?
			WHERE account_id = ? AND version = ?`,
			stored.Version, status, customer, string(doc), now, stored.AccountID, expectedVersion)
	}
	if err != nil {
		return quota.Account{}, qerrors.WrapUnavailable("update_account", next.AccountID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return quota.Account{}, qerrors.WrapUnavailable("update_account", next.AccountID, err)
	}
	if affected != 1 {
		return quota.Account{}, store.ErrVersionConflict
	}

	for _, e := range entries {
		if err := insertUsage(ctx, tx, e); err != nil {
			return quota.Account{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return quota.Account{}, qerrors.WrapUnavailable("update_account", next.AccountID, err)
	}

	s.broadcast.Publish(stored)
	return stored, nil
}

func insertUsage(ctx context.Context, tx *sql.Tx, e store.UsageEntry) error {
	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM usage_log WHERE account_id = ? AND action_id = ?`,
		e.AccountID, e.ActionID,
	).Scan(&exists)
	if err != nil {
		return qerrors.WrapUnavailable("append_usage", e.AccountID, err)
	}
	if exists > 0 {
		return store.ErrDuplicateAction
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_log (id, account_id, action_id, ts, outcome, period_key, trial, override)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.ActionID, e.Timestamp.UTC().UnixNano(), e.Outcome, e.PeriodKey,
		boolToInt(e.Trial), boolToInt(e.Override),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return store.ErrDuplicateAction
		}
		return qerrors.WrapUnavailable("append_usage", e.AccountID, err)
	}
	return nil
}

func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id FROM accounts ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) FindByStripeCustomer(ctx context.Context, customerID string) (string, error) {
	if strings.TrimSpace(customerID) == "" {
		return "", store.ErrNotFound
	}
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id FROM accounts WHERE stripe_customer_id = ? LIMIT 1`, customerID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find account by stripe customer: %w", err)
	}
	return id, nil
}

func (s *Store) FindUsage(ctx context.Context, accountID, actionID string) (store.UsageEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, action_id, ts, outcome, period_key, trial, override
		FROM usage_log WHERE account_id = ? AND action_id = ?`, accountID, actionID)
	e, err := scanUsage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.UsageEntry{}, false, nil
	}
	if err != nil {
		return store.UsageEntry{}, false, qerrors.WrapUnavailable("find_usage", accountID, err)
	}
	return e, true, nil
}

func (s *Store) ListUsage(ctx context.Context, filter store.UsageFilter) (store.UsagePage, error) {
	limit := store.NormalizeLimit(filter.Limit)

	var (
		clauses []string
		args    []any
	)
	if filter.AccountID != "" {
		clauses = append(clauses, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, filter.From.UTC().UnixNano())
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "ts < ?")
		args = append(args, filter.To.UTC().UnixNano())
	}
	if filter.Cursor != "" {
		clauses = append(clauses, "id > ?")
		args = append(args, filter.Cursor)
	}

	query := `SELECT id, account_id, action_id, ts, outcome, period_key, trial, override FROM usage_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return store.UsagePage{}, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	entries := make([]store.UsageEntry, 0, limit+1)
	for rows.Next() {
		e, err := scanUsage(rows)
		if err != nil {
			return store.UsagePage{}, fmt.Errorf("scan usage: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return store.UsagePage{}, fmt.Errorf("iterate usage: %w", err)
	}
	return store.Paginate(entries, limit), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUsage(row scanner) (store.UsageEntry, error) {
	var (
		e               store.UsageEntry
		ts              int64
		trial, override int
	)
	if err := row.Scan(&e.ID, &e.AccountID, &e.ActionID, &ts, &e.Outcome, &e.PeriodKey, &trial, &override); err != nil {
		return store.UsageEntry{}, err
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	e.Trial = trial != 0
	e.Override = override != 0
	return e, nil
}

func (s *Store) LoadCatalog(ctx context.Context) (quota.Catalog, error) {
	var (
		version int64
		doc     string
	)
	err := s.db.QueryRowContext(ctx, `SELECT version, document FROM catalog WHERE id = 1`).Scan(&version, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return quota.Catalog{}, store.ErrNotFound
	}
	if err != nil {
		return quota.Catalog{}, qerrors.WrapUnavailable("load_catalog", "", err)
	}
	var cat quota.Catalog
	if err := json.Unmarshal([]byte(doc), &cat); err != nil {
		return quota.Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	cat.Version = version
	return cat, nil
}

func (s *Store) SaveCatalog(ctx context.Context, expectedVersion int64, cat quota.Catalog) (quota.Catalog, error) {
	saved := cat.Clone()
	saved.Version = expectedVersion + 1
	doc, err := json.Marshal(saved)
	if err != nil {
		return quota.Catalog{}, fmt.Errorf("encode catalog: %w", err)
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO catalog (id, version, document) VALUES (1, ?, ?) ON CONFLICT(id) DO NOTHING`,
			saved.Version, string(doc))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE catalog SET version = ?, document = ? WHERE id = 1 AND version = ?`,
			saved.Version, string(doc), expectedVersion)
	}
	if err != nil {
		return quota.Catalog{}, fmt.Errorf("save catalog: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return quota.Catalog{}, fmt.Errorf("save catalog: %w", err)
	}
	if affected != 1 {
		return quota.Catalog{}, store.ErrVersionConflict
	}
	return saved, nil
}

func (s *Store) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM processed_events WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return n > 0, nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, processed_at) VALUES (?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET processed_at = excluded.processed_at`,
		eventID, eventType, at.UTC().Unix())
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

func (s *Store) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("purge processed events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge processed events: %w", err)
	}
	return int(n), nil
}

func (s *Store) Watch(ctx context.Context, accountID string) (*store.Watch, error) {
	return s.broadcast.Subscribe(ctx, accountID), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
