package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "coursebot/pkg/logx"
)

// Store is the persistence API for pair statuses and the audit log.
//
// Status semantics:
//   - GetStatus defaults to StatusAvailable when no record exists.
//   - SetStatus is a compare-and-set: it writes next only when the current
//     status equals expect, and reports whether the swap happened. Trying
//     to move a terminal status to a different terminal value fails with
//     ErrInvalidTransition; the administrative path is Exclude.
//   - Exclude is the explicit administrative override: it marks a pair
//     Excluded regardless of its current status and returns the previous
//     status.
//
// Audit semantics: AppendAudit is append-only and must be durable before
// the caller treats the producing step as complete. RecentAudit returns a
// newest-first snapshot, independent per call.
type Store interface {
	GetStatus(ctx context.Context, courseID, accountID string) (Status, error)
	SetStatus(ctx context.Context, courseID, accountID string, expect, next Status) (bool, error)
	Exclude(ctx context.Context, courseID, accountID string) (Status, error)
	ListStatuses(ctx context.Context) ([]StatusRecord, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	RecentAudit(ctx context.Context, n int) ([]AuditEntry, error)

	// Dedup state for the alert notifier (suppress repeats across restarts).
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

// checkTransition enforces the shared CAS precondition.
func checkTransition(expect, next Status) error {
	if _, err := ParseStatus(string(expect)); err != nil {
		return err
	}
	if _, err := ParseStatus(string(next)); err != nil {
		return err
	}
	if expect.Terminal() && next != expect {
		return ErrInvalidTransition
	}
	return nil
}
