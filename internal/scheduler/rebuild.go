package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"coursebot/internal/catalog"
	"coursebot/internal/eventbus"
	"coursebot/internal/store"
	logx "coursebot/pkg/logx"
)

// Rebuild reconciles the pending queue with the current catalog: it
// applies roster exclusions, schedules the next occurrence for every
// open pair, and drops jobs whose pair left the catalog. Safe to call
// repeatedly; it is driven at startup, on config reload, and nightly.
func (s *Scheduler) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	cat := s.catalog
	s.mu.Unlock()
	if cat == nil {
		return fmt.Errorf("rebuild: no catalog loaded")
	}

	now := s.opts.Now().In(s.opts.Location)
	var scheduled, skipped int

	for _, account := range cat.Accounts() {
		for _, course := range cat.Courses() {
			if account.ExcludesCourse(course.ID) {
				status, err := s.st.GetStatus(ctx, course.ID, account.ID)
				if err != nil {
					return fmt.Errorf("rebuild: read status: %w", err)
				}
				if status != store.StatusExcluded {
					if _, err := s.ExcludePair(ctx, course.ID, account.ID, "excluded by roster"); err != nil {
						return fmt.Errorf("rebuild: exclude %s/%s: %w", course.ID, account.ID, err)
					}
				}
				continue
			}

			status, err := s.st.GetStatus(ctx, course.ID, account.ID)
			if err != nil {
				return fmt.Errorf("rebuild: read status: %w", err)
			}
			if status.Terminal() {
				skipped++
				continue
			}
			if course.JustStarted(now, s.opts.StartedGrace) {
				// The session is running or about to; leave this occurrence
				// alone and let the nightly rebuild pick up the next one.
				skipped++
				continue
			}

			start := course.NextOccurrence(now)
			openAt := catalog.RegistrationOpenAt(start, s.opts.RegistrationLead)
			fireAt := openAt
			if fireAt.Before(now) {
				fireAt = now
			}
			if s.upsert(course.ID, account.ID, course.Seq, fireAt, openAt) {
				scheduled++
			}
		}
	}

	s.dropStale(cat)
	s.kick()
	s.log.Info("schedule rebuilt",
		logx.Int("scheduled", scheduled),
		logx.Int("skipped", skipped),
		logx.Int("pending", len(s.PendingJobs())))
	return nil
}

// upsert ensures a pending job for the pair targeting the given
// occurrence. An existing job for the same occurrence keeps its attempt
// count and fire time; a job for an older occurrence is replaced.
func (s *Scheduler) upsert(courseID, accountID string, seq int, fireAt, openAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{courseID, accountID}
	if old := s.byPair[key]; old != nil {
		if old.OpenAt.Equal(openAt) {
			return false
		}
		if !old.running {
			s.queue.remove(old)
		}
		delete(s.byPair, key)
	}

	j := &Job{
		ID:        uuid.NewString(),
		CourseID:  courseID,
		AccountID: accountID,
		FireAt:    fireAt,
		OpenAt:    openAt,
		CourseSeq: seq,
	}
	s.byPair[key] = j
	heap.Push(&s.queue, j)

	s.publish(eventbus.JobScheduled, j)
	return true
}

// ExcludePair marks the pair excluded in the store, cancels any pending
// job, and records the override in the audit log. It returns the previous
// status. A job already handed to a worker is left to finish; the status
// compare-and-set makes its outcome moot.
func (s *Scheduler) ExcludePair(ctx context.Context, courseID, accountID, reason string) (store.Status, error) {
	prev, err := s.st.Exclude(ctx, courseID, accountID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	key := pairKey{courseID, accountID}
	if j := s.byPair[key]; j != nil && !j.running {
		s.queue.remove(j)
		delete(s.byPair, key)
	}
	s.mu.Unlock()

	if err := s.st.AppendAudit(ctx, store.AuditEntry{
		ID:        uuid.NewString(),
		At:        s.opts.Now(),
		AccountID: accountID,
		CourseID:  courseID,
		Action:    store.ActionExclude,
		Status:    store.AuditInfo,
		Message:   reason,
	}); err != nil {
		return prev, fmt.Errorf("audit exclusion: %w", err)
	}
	s.log.Info("pair excluded",
		logx.String("course", courseID),
		logx.String("account", accountID),
		logx.String("previous", string(prev)))
	return prev, nil
}

// RunNow pulls the pair's pending job forward to fire immediately.
func (s *Scheduler) RunNow(courseID, accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := s.byPair[pairKey{courseID, accountID}]
	if j == nil || j.running {
		return false
	}
	s.queue.remove(j)
	j.FireAt = s.opts.Now()
	heap.Push(&s.queue, j)
	s.kick()
	return true
}

// dropStale removes jobs whose course or account is gone from the catalog.
func (s *Scheduler) dropStale(cat *catalog.Catalog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, j := range s.byPair {
		_, okC := cat.Course(key.courseID)
		_, okA := cat.Account(key.accountID)
		if okC && okA {
			continue
		}
		if !j.running {
			s.queue.remove(j)
		}
		delete(s.byPair, key)
	}
}

func sortJobViews(views []JobView) {
	sort.Slice(views, func(i, k int) bool {
		if !views[i].FireAt.Equal(views[k].FireAt) {
			return views[i].FireAt.Before(views[k].FireAt)
		}
		if views[i].CourseID != views[k].CourseID {
			return views[i].CourseID < views[k].CourseID
		}
		return views[i].AccountID < views[k].AccountID
	})
}
