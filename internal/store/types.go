package store

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition is returned when a caller tries to overwrite a
	// terminal status with a different terminal value through the regular
	// compare-and-set path. Administrative overrides go through Exclude.
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrDisabled = errors.New("storage disabled")
)

// Status is the registration state of one (course, account) pair.
//
// Registered and Excluded are terminal: once a pair reaches either, no
// further automated attempts are scheduled for it.
type Status string

const (
	StatusAvailable  Status = "available"
	StatusRegistered Status = "registered"
	StatusExcluded   Status = "excluded"
)

// Terminal reports whether no further automated attempts may run for a
// pair in this status.
func (s Status) Terminal() bool {
	return s == StatusRegistered || s == StatusExcluded
}

// ParseStatus validates a raw status value. The status set is closed;
// anything else is rejected rather than falling through to a default.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusAvailable, StatusRegistered, StatusExcluded:
		return Status(raw), nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// StatusRecord is one materialized (course, account) status row.
type StatusRecord struct {
	CourseID  string    `json:"course_id"`
	AccountID string    `json:"account_id"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Audit entry severities shown on the dashboard.
const (
	AuditSuccess = "success"
	AuditError   = "error"
	AuditInfo    = "info"
)

// Audit action names.
const (
	ActionRegister = "register"
	ActionSkip     = "skip"
	ActionExclude  = "exclude"
)

// AuditEntry records one attempted action. Append-only; once written,
// entries are never mutated or deleted.
type AuditEntry struct {
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	AccountID string    `json:"account_id"`
	CourseID  string    `json:"course_id,omitempty"`
	Action    string    `json:"action"`
	Status    string    `json:"status"` // success | error | info
	Message   string    `json:"message,omitempty"`
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (preferred)
//   - "file":   dependency-free file backend (jsonl + snapshot)
//   - "memory": volatile in-memory store
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
