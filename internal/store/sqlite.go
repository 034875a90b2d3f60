package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "coursebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetStatus(ctx context.Context, courseID, accountID string) (Status, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM course_status WHERE course_id = ? AND account_id = ?`,
		courseID, accountID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusAvailable, nil
	}
	if err != nil {
		return "", err
	}
	return ParseStatus(raw)
}

func (s *sqliteStore) SetStatus(ctx context.Context, courseID, accountID string, expect, next Status) (bool, error) {
	if err := checkTransition(expect, next); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	// Materialize the default so the conditional update below can match
	// pairs that never had an explicit record.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO course_status(course_id, account_id, status, updated_at) VALUES(?,?,?,?)`,
		courseID, accountID, string(StatusAvailable), time.Now().Format(time.RFC3339Nano),
	); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE course_status SET status = ?, updated_at = ?
		 WHERE course_id = ? AND account_id = ? AND status = ?`,
		string(next), time.Now().Format(time.RFC3339Nano),
		courseID, accountID, string(expect),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) Exclude(ctx context.Context, courseID, accountID string) (Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	prev := StatusAvailable
	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM course_status WHERE course_id = ? AND account_id = ?`,
		courseID, accountID,
	).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return "", err
	default:
		prev, err = ParseStatus(raw)
		if err != nil {
			return "", err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO course_status(course_id, account_id, status, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(course_id, account_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		courseID, accountID, string(StatusExcluded), time.Now().Format(time.RFC3339Nano),
	); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return prev, nil
}

func (s *sqliteStore) ListStatuses(ctx context.Context) ([]StatusRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT course_id, account_id, status, updated_at FROM course_status ORDER BY course_id, account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusRecord
	for rows.Next() {
		var rec StatusRecord
		var raw, at string
		if err := rows.Scan(&rec.CourseID, &rec.AccountID, &raw, &at); err != nil {
			return nil, err
		}
		if rec.Status, err = ParseStatus(raw); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			rec.UpdatedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(id, at, account_id, course_id, action, status, message)
		 VALUES(?,?,?,?,?,?,?)`,
		e.ID, e.At.Format(time.RFC3339Nano), e.AccountID, nullStr(e.CourseID),
		e.Action, e.Status, nullStr(e.Message),
	)
	return err
}

func (s *sqliteStore) RecentAudit(ctx context.Context, n int) ([]AuditEntry, error) {
	if n <= 0 {
		n = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, account_id, course_id, action, status, message
		 FROM audit ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var at string
		var courseID, message sql.NullString
		if err := rows.Scan(&e.ID, &at, &e.AccountID, &courseID, &e.Action, &e.Status, &message); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			e.At = t
		}
		e.CourseID = courseID.String
		e.Message = message.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
