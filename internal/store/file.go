package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "coursebot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl   (append-only JSON Lines)
//   - <prefix>.status.json   (full snapshot, replaced atomically via rename)
//   - <prefix>.dedup.json    (full snapshot, replaced atomically via rename)
//
// The status set is small and bounded (courses x accounts), so rewriting
// the snapshot on every mutation is cheap and gives atomic updates for free.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File
	auditPath string
	// auditTail keeps the most recent entries in memory so RecentAudit does
	// not re-read the whole log on every dashboard render.
	auditTail []AuditEntry

	statusPath string
	statuses   map[pairKey]StatusRecord

	dedupPath string
	dedup     map[string]int64 // unix milli
}

const auditTailMax = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:        log,
		auditPath:  prefix + ".audit.jsonl",
		statusPath: prefix + ".status.json",
		dedupPath:  prefix + ".dedup.json",
		statuses:   map[pairKey]StatusRecord{},
		dedup:      map[string]int64{},
	}

	if err := s.loadStatuses(); err != nil {
		return nil, err
	}
	if err := s.loadDedup(); err != nil {
		return nil, err
	}
	if err := s.loadAuditTail(); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = af
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile != nil {
		err := s.auditFile.Close()
		s.auditFile = nil
		return err
	}
	return nil
}

// ---- status ----

func (s *fileStore) loadStatuses() error {
	b, err := os.ReadFile(s.statusPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var recs []StatusRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		return err
	}
	for _, rec := range recs {
		if _, err := ParseStatus(string(rec.Status)); err != nil {
			return err
		}
		s.statuses[pairKey{rec.CourseID, rec.AccountID}] = rec
	}
	return nil
}

// persistStatusesLocked writes the full status snapshot via temp file +
// rename so readers never observe a torn write.
func (s *fileStore) persistStatusesLocked() error {
	recs := make([]StatusRecord, 0, len(s.statuses))
	for _, rec := range s.statuses {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CourseID != recs[j].CourseID {
			return recs[i].CourseID < recs[j].CourseID
		}
		return recs[i].AccountID < recs[j].AccountID
	})
	return writeFileAtomic(s.statusPath, recs)
}

func (s *fileStore) GetStatus(_ context.Context, courseID, accountID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.statuses[pairKey{courseID, accountID}]; ok {
		return rec.Status, nil
	}
	return StatusAvailable, nil
}

func (s *fileStore) SetStatus(_ context.Context, courseID, accountID string, expect, next Status) (bool, error) {
	if err := checkTransition(expect, next); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{courseID, accountID}
	cur := StatusAvailable
	if rec, ok := s.statuses[key]; ok {
		cur = rec.Status
	}
	if cur != expect {
		return false, nil
	}
	prev, hadPrev := s.statuses[key]
	s.statuses[key] = StatusRecord{CourseID: courseID, AccountID: accountID, Status: next, UpdatedAt: time.Now()}
	if err := s.persistStatusesLocked(); err != nil {
		// Roll back the in-memory view so memory and disk stay consistent.
		if hadPrev {
			s.statuses[key] = prev
		} else {
			delete(s.statuses, key)
		}
		return false, err
	}
	return true, nil
}

func (s *fileStore) Exclude(_ context.Context, courseID, accountID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{courseID, accountID}
	prevStatus := StatusAvailable
	prev, hadPrev := s.statuses[key]
	if hadPrev {
		prevStatus = prev.Status
	}
	s.statuses[key] = StatusRecord{CourseID: courseID, AccountID: accountID, Status: StatusExcluded, UpdatedAt: time.Now()}
	if err := s.persistStatusesLocked(); err != nil {
		if hadPrev {
			s.statuses[key] = prev
		} else {
			delete(s.statuses, key)
		}
		return "", err
	}
	return prevStatus, nil
}

func (s *fileStore) ListStatuses(_ context.Context) ([]StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StatusRecord, 0, len(s.statuses))
	for _, rec := range s.statuses {
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

// ---- audit ----

func (s *fileStore) loadAuditTail() error {
	f, err := os.Open(s.auditPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// Tolerate a torn trailing line from a crash; stop there.
			if !s.log.IsZero() {
				s.log.Warn("skipping malformed audit line", logx.Err(err))
			}
			continue
		}
		s.auditTail = append(s.auditTail, e)
		if len(s.auditTail) > auditTailMax {
			s.auditTail = s.auditTail[len(s.auditTail)-auditTailMax:]
		}
	}
	return sc.Err()
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrDisabled
	}
	if _, err := s.auditFile.Write(b); err != nil {
		return err
	}
	// Audit integrity: the entry must survive a crash of this process.
	if err := s.auditFile.Sync(); err != nil {
		return err
	}
	s.auditTail = append(s.auditTail, e)
	if len(s.auditTail) > auditTailMax {
		s.auditTail = s.auditTail[len(s.auditTail)-auditTailMax:]
	}
	return nil
}

func (s *fileStore) RecentAudit(_ context.Context, n int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.auditTail) {
		n = len(s.auditTail)
	}
	out := make([]AuditEntry, 0, n)
	for i := len(s.auditTail) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.auditTail[i])
	}
	return out, nil
}

// ---- dedup ----

func (s *fileStore) loadDedup() error {
	b, err := os.ReadFile(s.dedupPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, &s.dedup); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for k, until := range s.dedup {
		if until < now {
			delete(s.dedup, k)
		}
	}
	return nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until.UnixMilli()
	return writeFileAtomic(s.dedupPath, s.dedup)
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func writeFileAtomic(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
