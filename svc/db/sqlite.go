package db

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"runbin/metrics"
	"runbin/pkg/domain"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

var (
	ErrCircuitOpen   = errors.New("database circuit breaker open")
	ErrIDTaken       = errors.New("paste id already taken")
	ErrStoreConflict = errors.New("concurrent update conflict")
)

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 16
	defaultMaxIdleConns = 4
	defaultQueryTimeout = 5 * time.Second
	maxUpdateAttempts   = 32
	conflictBackoff     = 2 * time.Millisecond
)

// SQLite owns paste records and credential digests.
type SQLite struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// pragmas go in the DSN so they apply to every pooled connection.
func dsn(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL&_foreign_keys=on&_txlock=immediate", path)
}

func (s *SQLite) checkCircuit() error {
	switch atomic.LoadInt32(&s.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (s *SQLite) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrIDTaken) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		original_name TEXT NOT NULL,
		stored_name TEXT NOT NULL UNIQUE,
		visibility TEXT NOT NULL CHECK (visibility IN ('public', 'private')),
		has_credential INTEGER NOT NULL DEFAULT 0,
		size_bytes INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_visibility ON pastes(visibility);
	CREATE TABLE IF NOT EXISTS credentials (
		id TEXT PRIMARY KEY,
		digest TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(query)
	return err
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

const pasteColumns = `id, original_name, stored_name, visibility, has_credential, size_bytes, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaste(row rowScanner) (*domain.Paste, error) {
	var p domain.Paste
	var vis string
	if err := row.Scan(&p.ID, &p.OriginalName, &p.StoredName, &vis, &p.HasCredential,
		&p.SizeBytes, &p.CreatedAt, &p.UpdatedAt, &p.Version); err != nil {
		return nil, err
	}
	p.Visibility = domain.Visibility(vis)
	return &p, nil
}

// Create inserts p. A primary key collision returns ErrIDTaken.
func (s *SQLite) Create(ctx context.Context, p *domain.Paste) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	if p.Version == 0 {
		p.Version = 1
	}
	q := `INSERT INTO pastes (` + pasteColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(queryCtx, q,
		p.ID, p.OriginalName, p.StoredName, string(p.Visibility), p.HasCredential,
		p.SizeBytes, p.CreatedAt.UTC(), p.UpdatedAt.UTC(), p.Version,
	)
	if isUniqueViolation(err) {
		err = ErrIDTaken
	}
	s.recordError(err)
	return errors.Wrap(err, "db create")
}

func (s *SQLite) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, `SELECT `+pasteColumns+` FROM pastes WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	return p, nil
}

func (s *SQLite) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE id = ? LIMIT 1`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

// Update applies mutate to the current record and persists it with a
// compare-and-swap on version. On conflict the record is reloaded and mutate
// runs again, so mutate must depend only on the record it is given. Identity,
// visibility and credential state are restored after mutate runs.
func (s *SQLite) Update(ctx context.Context, id string, mutate func(*domain.Paste) error) (*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		if err := mutate(next); err != nil {
			return nil, err
		}
		next.ID = cur.ID
		next.CreatedAt = cur.CreatedAt
		next.Visibility = cur.Visibility
		next.HasCredential = cur.HasCredential
		next.Version = cur.Version + 1

		err = s.compareAndSwap(ctx, cur.Version, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrStoreConflict) {
			return nil, err
		}
		metrics.StoreConflicts.Inc()
		if err := sleepCtx(ctx, backoff(attempt)); err != nil {
			return nil, err
		}
	}
	return nil, errors.Wrapf(ErrStoreConflict, "update %s: retries exhausted", id)
}

func (s *SQLite) compareAndSwap(ctx context.Context, version int64, p *domain.Paste) error {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	UPDATE pastes
	SET original_name = ?, stored_name = ?, size_bytes = ?, updated_at = ?, version = ?
	WHERE id = ? AND version = ?
	`
	res, err := s.db.ExecContext(queryCtx, q,
		p.OriginalName, p.StoredName, p.SizeBytes, p.UpdatedAt.UTC(), p.Version, p.ID, version,
	)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "db update")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrStoreConflict
	}
	return nil
}

func backoff(attempt int) time.Duration {
	max := conflictBackoff << min(attempt, 6)
	return max/2 + time.Duration(rand.Int64N(int64(max/2)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *SQLite) List(ctx context.Context) ([]*domain.Paste, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `SELECT `+pasteColumns+` FROM pastes ORDER BY created_at, id`)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db list")
	}
	defer rows.Close()
	var out []*domain.Paste
	for rows.Next() {
		p, err := scanPaste(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan paste")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate pastes")
}

func (s *SQLite) Counts(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	if err := s.checkCircuit(); err != nil {
		return st, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `
	SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN visibility = 'public' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN visibility = 'private' THEN 1 ELSE 0 END), 0)
	FROM pastes
	`
	err := s.db.QueryRowContext(queryCtx, q).Scan(&st.Total, &st.Public, &st.Private)
	s.recordError(err)
	return st, errors.Wrap(err, "db counts")
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, `DELETE FROM pastes WHERE id = ?`, id)
	s.recordError(err)
	return errors.Wrap(err, "delete paste")
}

// Ping answers readiness checks. It reports an open circuit without
// touching the database.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.checkCircuit(); err != nil {
		return err
	}
	var one int
	return errors.Wrap(s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one), "ping")
}

// CheckFile confirms an existing store answers, opening it read-only. It
// never creates the file or runs migrations, so a wrong path fails instead
// of leaving an empty database behind.
func CheckFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return errors.Wrap(err, "database file")
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path))
	if err != nil {
		return errors.Wrap(err, "failed to open db")
	}
	defer db.Close()
	var n int
	err = db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'pastes'").Scan(&n)
	if err != nil {
		return errors.Wrap(err, "read schema")
	}
	if n == 0 {
		return errors.New("database has no pastes table")
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
