package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a volatile in-memory store. It backs tests and dry runs and is
// the reference implementation for the Store semantics.
type Memory struct {
	mu       sync.Mutex
	statuses map[pairKey]StatusRecord
	audit    []AuditEntry
	dedup    map[string]time.Time
}

type pairKey struct{ course, account string }

func NewMemory() *Memory {
	return &Memory{
		statuses: map[pairKey]StatusRecord{},
		dedup:    map[string]time.Time{},
	}
}

func (m *Memory) GetStatus(_ context.Context, courseID, accountID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.statuses[pairKey{courseID, accountID}]; ok {
		return rec.Status, nil
	}
	return StatusAvailable, nil
}

func (m *Memory) SetStatus(_ context.Context, courseID, accountID string, expect, next Status) (bool, error) {
	if err := checkTransition(expect, next); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey{courseID, accountID}
	cur := StatusAvailable
	if rec, ok := m.statuses[key]; ok {
		cur = rec.Status
	}
	if cur != expect {
		return false, nil
	}
	m.statuses[key] = StatusRecord{
		CourseID:  courseID,
		AccountID: accountID,
		Status:    next,
		UpdatedAt: time.Now(),
	}
	return true, nil
}

func (m *Memory) Exclude(_ context.Context, courseID, accountID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey{courseID, accountID}
	prev := StatusAvailable
	if rec, ok := m.statuses[key]; ok {
		prev = rec.Status
	}
	m.statuses[key] = StatusRecord{
		CourseID:  courseID,
		AccountID: accountID,
		Status:    StatusExcluded,
		UpdatedAt: time.Now(),
	}
	return prev, nil
}

func (m *Memory) ListStatuses(_ context.Context) ([]StatusRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]StatusRecord, 0, len(m.statuses))
	for _, rec := range m.statuses {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CourseID != out[j].CourseID {
			return out[i].CourseID < out[j].CourseID
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecentAudit(_ context.Context, n int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > len(m.audit) {
		n = len(m.audit)
	}
	out := make([]AuditEntry, 0, n)
	for i := len(m.audit) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}

func (m *Memory) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	m.dedup[key] = until
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.dedup[key]
	return until, ok, nil
}

func (m *Memory) Close() error { return nil }
