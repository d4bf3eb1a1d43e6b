package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pagewatch/pkg/notifier"

	"github.com/codeGROOVE-dev/retry"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	// DefaultMaxOpenConns is the default maximum number of open connections
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns is the default maximum number of idle connections
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime is the default maximum connection lifetime
	DefaultConnMaxLifetime = 5 * time.Minute
	// DefaultPingTimeout is the default timeout for ping operations
	DefaultPingTimeout = 5 * time.Second
)

// SQLOptions tunes the connection pool and transaction retries.
type SQLOptions struct {
	MaxOpenConns  int
	RetryAttempts uint
	RetryDelay    time.Duration
}

func (o SQLOptions) withDefaults() SQLOptions {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = DefaultMaxOpenConns
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
	return o
}

// SQLStore keeps tracking records in three SQL tables.
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
	opts   SQLOptions
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sqlx.DB, opts SQLOptions, logger *slog.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: logger,
		now:    time.Now,
		opts:   opts.withDefaults(),
	}
}

// OpenPostgres connects to a PostgreSQL database and creates the tables.
func OpenPostgres(ctx context.Context, dsn string, opts SQLOptions, logger *slog.Logger) (*SQLStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	opts = opts.withDefaults()
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(min(DefaultMaxIdleConns, opts.MaxOpenConns))
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	return open(ctx, db, opts, logger)
}

// OpenSQLite opens (creating if needed) a SQLite database file and creates the tables.
func OpenSQLite(ctx context.Context, path string, opts SQLOptions, logger *slog.Logger) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// WAL + busy timeout to avoid "database is locked"
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway
	db.SetMaxOpenConns(1)

	return open(ctx, db, opts, logger)
}

func open(ctx context.Context, db *sqlx.DB, opts SQLOptions, logger *slog.Logger) (*SQLStore, error) {
	pingCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewSQLStore(db, opts, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS registration_tracking (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		email TEXT NOT NULL,
		last_known_status TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_registration_tracking_email ON registration_tracking(email)`,
	`CREATE TABLE IF NOT EXISTS repo_tracking (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		email TEXT NOT NULL,
		repo_url TEXT NOT NULL,
		last_open_count INTEGER NOT NULL DEFAULT 0,
		last_closed_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (email, repo_url)
	)`,
	`CREATE TABLE IF NOT EXISTS job_tracking (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		email TEXT NOT NULL,
		site_url TEXT NOT NULL,
		last_job_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_tracking_email ON job_tracking(email)`,
}

// Migrate creates the tracking tables when they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create database tables: %w", err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// tableSQL holds the per-collection statements. Placeholders are written
// as ? and rebound for the driver.
type tableSQL struct {
	selectAll  string
	insert     string
	insertArgs func(t *notifier.Target) []any
	update     string
	updateArgs func(st notifier.State) []any
	exists     string
	existsArgs func(email, targetURL string) []any
	name       string
}

var tables = map[notifier.SourceType]tableSQL{
	notifier.SourceRegistration: {
		name:      "registration_tracking",
		selectAll: `SELECT id, owner_id, email, last_known_status, created_at, updated_at FROM registration_tracking ORDER BY created_at, id`,
		insert:    `INSERT INTO registration_tracking (id, owner_id, email, last_known_status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		insertArgs: func(t *notifier.Target) []any {
			return []any{t.ID, t.OwnerID, t.Email, nullString(t.State.Status), t.CreatedAt, t.UpdatedAt}
		},
		update: `UPDATE registration_tracking SET last_known_status = ?, updated_at = ? WHERE id = ?`,
		updateArgs: func(st notifier.State) []any {
			return []any{nullString(st.Status)}
		},
		exists: `SELECT COUNT(*) FROM registration_tracking WHERE email = ?`,
		existsArgs: func(email, _ string) []any {
			return []any{email}
		},
	},
	notifier.SourceRepoIssues: {
		name:      "repo_tracking",
		selectAll: `SELECT id, owner_id, email, repo_url AS url, last_open_count, last_closed_count, created_at, updated_at FROM repo_tracking ORDER BY created_at, id`,
		insert:    `INSERT INTO repo_tracking (id, owner_id, email, repo_url, last_open_count, last_closed_count, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		insertArgs: func(t *notifier.Target) []any {
			return []any{t.ID, t.OwnerID, t.Email, t.URL, t.State.Open, t.State.Closed, t.CreatedAt, t.UpdatedAt}
		},
		update: `UPDATE repo_tracking SET last_open_count = ?, last_closed_count = ?, updated_at = ? WHERE id = ?`,
		updateArgs: func(st notifier.State) []any {
			return []any{st.Open, st.Closed}
		},
		exists: `SELECT COUNT(*) FROM repo_tracking WHERE email = ? AND repo_url = ?`,
		existsArgs: func(email, targetURL string) []any {
			return []any{email, targetURL}
		},
	},
	notifier.SourceJobBoard: {
		name:      "job_tracking",
		selectAll: `SELECT id, owner_id, email, site_url AS url, last_job_count, created_at, updated_at FROM job_tracking ORDER BY created_at, id`,
		insert:    `INSERT INTO job_tracking (id, owner_id, email, site_url, last_job_count, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		insertArgs: func(t *notifier.Target) []any {
			return []any{t.ID, t.OwnerID, t.Email, t.URL, t.State.Count, t.CreatedAt, t.UpdatedAt}
		},
		update: `UPDATE job_tracking SET last_job_count = ?, updated_at = ? WHERE id = ?`,
		updateArgs: func(st notifier.State) []any {
			return []any{st.Count}
		},
		exists: `SELECT COUNT(*) FROM job_tracking WHERE email = ? AND site_url = ?`,
		existsArgs: func(email, targetURL string) []any {
			return []any{email, targetURL}
		},
	},
}

func tableFor(src notifier.SourceType) (tableSQL, error) {
	t, ok := tables[src]
	if !ok {
		return tableSQL{}, fmt.Errorf("%w: unknown tracking type %q", notifier.ErrInvalid, src)
	}
	return t, nil
}

// trackingRow is the union of the three table layouts.
type trackingRow struct {
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
	Status    sql.NullString `db:"last_known_status"`
	ID        string         `db:"id"`
	OwnerID   string         `db:"owner_id"`
	Email     string         `db:"email"`
	URL       string         `db:"url"`
	Open      int            `db:"last_open_count"`
	Closed    int            `db:"last_closed_count"`
	Count     int            `db:"last_job_count"`
}

func (r trackingRow) target(src notifier.SourceType) *notifier.Target {
	t := &notifier.Target{
		ID:        r.ID,
		Source:    src,
		OwnerID:   r.OwnerID,
		Email:     r.Email,
		URL:       r.URL,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	switch src {
	case notifier.SourceRegistration:
		if r.Status.Valid {
			status := r.Status.String
			t.State.Status = &status
		}
	case notifier.SourceRepoIssues:
		t.State.Open, t.State.Closed = r.Open, r.Closed
	case notifier.SourceJobBoard:
		t.State.Count = r.Count
	}
	return t
}

// Insert stores a new record, assigning its id and timestamps.
// Returns notifier.ErrConflict for a duplicate repository subscription.
func (s *SQLStore) Insert(ctx context.Context, t *notifier.Target) error {
	if err := prepare(t, s.now()); err != nil {
		return err
	}
	q, err := tableFor(t.Source)
	if err != nil {
		return err
	}

	err = s.withTx(ctx, "insert", func(tx *sqlx.Tx) error {
		if conflictChecked(t.Source) {
			var n int
			if err := tx.GetContext(ctx, &n, tx.Rebind(q.exists), q.existsArgs(t.Email, t.URL)...); err != nil {
				return fmt.Errorf("check duplicate: %w", err)
			}
			if n > 0 {
				return notifier.ErrConflict
			}
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(q.insert), q.insertArgs(t)...); err != nil {
			if uniqueViolation(err) {
				return notifier.ErrConflict
			}
			return fmt.Errorf("insert into %s: %w", q.name, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Tracking record created", "type", t.Source, "id", t.ID, "email", t.Email, "url", t.URL)
	return nil
}

// List returns every record of a source type, oldest first.
func (s *SQLStore) List(ctx context.Context, src notifier.SourceType) ([]*notifier.Target, error) {
	q, err := tableFor(src)
	if err != nil {
		return nil, err
	}

	var rows []trackingRow
	err = s.withTx(ctx, "list", func(tx *sqlx.Tx) error {
		rows = rows[:0]
		if err := tx.SelectContext(ctx, &rows, q.selectAll); err != nil {
			return fmt.Errorf("select from %s: %w", q.name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	targets := make([]*notifier.Target, 0, len(rows))
	for _, r := range rows {
		targets = append(targets, r.target(src))
	}
	return targets, nil
}

// UpdateState stores the last observed state of one record.
func (s *SQLStore) UpdateState(ctx context.Context, src notifier.SourceType, id string, st notifier.State) error {
	q, err := tableFor(src)
	if err != nil {
		return err
	}
	args := append(q.updateArgs(st), s.now().UTC(), id)

	return s.withTx(ctx, "update", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(q.update), args...)
		if err != nil {
			return fmt.Errorf("update %s: %w", q.name, err)
		}
		return requireRows(res)
	})
}

// Exists reports whether email already tracks targetURL. For registration
// records targetURL is ignored.
func (s *SQLStore) Exists(ctx context.Context, src notifier.SourceType, email, targetURL string) (bool, error) {
	q, err := tableFor(src)
	if err != nil {
		return false, err
	}

	var n int
	err = s.withTx(ctx, "exists", func(tx *sqlx.Tx) error {
		return tx.GetContext(ctx, &n, tx.Rebind(q.exists), q.existsArgs(notifier.NormalizeEmail(email), targetURL)...)
	})
	return n > 0, err
}

// DeleteByEmail removes every record of src owned by email and returns how many went.
func (s *SQLStore) DeleteByEmail(ctx context.Context, src notifier.SourceType, email string) (int64, error) {
	q, err := tableFor(src)
	if err != nil {
		return 0, err
	}
	email = notifier.NormalizeEmail(email)

	var n int64
	err = s.withTx(ctx, "delete", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM `+q.name+` WHERE email = ?`), email)
		if err != nil {
			return fmt.Errorf("delete from %s: %w", q.name, err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("Tracking records deleted", "type", src, "email", email, "count", n)
	return n, nil
}

// Delete removes one record by id when it belongs to email. Returns
// notifier.ErrNotFound when absent or owned by another address.
func (s *SQLStore) Delete(ctx context.Context, src notifier.SourceType, id, email string) error {
	q, err := tableFor(src)
	if err != nil {
		return err
	}

	err = s.withTx(ctx, "delete", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM `+q.name+` WHERE id = ? AND email = ?`), id, notifier.NormalizeEmail(email))
		if err != nil {
			return fmt.Errorf("delete from %s: %w", q.name, err)
		}
		return requireRows(res)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Tracking record deleted", "type", src, "id", id)
	return nil
}

// withTx runs fn inside one transaction, retrying the whole transaction on
// transient failures. The transaction is always rolled back unless committed.
func (s *SQLStore) withTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	var lastErr error
	var attempts uint

	err := retry.Do(
		func() error {
			attempts++
			lastErr = s.runTx(ctx, fn)
			return lastErr
		},
		retry.Attempts(s.opts.RetryAttempts),
		retry.Delay(s.opts.RetryDelay),
		retry.MaxDelay(2*time.Second),
		retry.MaxJitter(s.opts.RetryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying transaction after error", "attempt", n, "op", op, "error", err)
		}),
		retry.RetryIf(transient),
	)
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}
	if transient(lastErr) {
		return &notifier.TransientStoreError{Err: lastErr, Op: op, Attempts: attempts}
	}
	return lastErr
}

func (s *SQLStore) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// No-op after a successful commit
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// transient reports whether a failed transaction may succeed when re-run.
func transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		return pqErr.Code.Class() == "08" // connection_exception
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

func uniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE")
	}
	return false
}

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notifier.ErrNotFound
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
