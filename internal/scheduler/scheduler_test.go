package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coursebot/internal/catalog"
	"coursebot/internal/config"
	"coursebot/internal/eventbus"
	"coursebot/internal/executor"
	"coursebot/internal/store"
	logx "coursebot/pkg/logx"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptExec returns one scripted outcome per Attempt call.
type scriptExec struct {
	mu       sync.Mutex
	outcomes []executor.Outcome
	calls    int
	hook     func() // runs during Attempt, before returning
}

func (e *scriptExec) Attempt(context.Context, catalog.Course, catalog.Account) executor.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hook != nil {
		e.hook()
	}
	out := executor.Transient("script exhausted")
	if e.calls < len(e.outcomes) {
		out = e.outcomes[e.calls]
	}
	e.calls++
	return out
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Load(
		[]config.CourseConfig{
			{ID: "100", Name: "Badminton", Day: "mon", Start: "18:00"},
			{ID: "200", Name: "Climbing", Day: "wed", Start: "19:30"},
		},
		[]config.AccountConfig{
			{ID: "anna", Email: "anna@example.com", CredentialRef: "anna"},
			{ID: "ben", Email: "ben@example.com", CredentialRef: "ben"},
		},
	)
	if err != nil {
		t.Fatalf("catalog.Load: %v", err)
	}
	return cat
}

func newTestScheduler(t *testing.T, exec executor.Executor, clk *fakeClock) (*Scheduler, store.Store) {
	t.Helper()
	st := store.NewMemory()
	return newSchedulerWithStore(t, st, exec, clk), st
}

func newSchedulerWithStore(t *testing.T, st store.Store, exec executor.Executor, clk *fakeClock) *Scheduler {
	t.Helper()
	s := New(st, exec, eventbus.New(), logx.Nop(), Options{
		Workers:          1,
		RegistrationLead: 7 * time.Minute,
		WindowRetryDelay: 20 * time.Second,
		RetryMax:         5,
		RetryBase:        30 * time.Second,
		RetryMaxDelay:    10 * time.Minute,
		RetryJitter:      0, // deterministic fire times
		StartedGrace:     40 * time.Minute,
		Location:         time.UTC,
		Now:              clk.Now,
	})
	s.SetCatalog(testCatalog(t))
	return s
}

// flakyStore injects write failures into an otherwise working store.
type flakyStore struct {
	store.Store
	auditErr  error
	statusErr error
}

func (f *flakyStore) AppendAudit(ctx context.Context, e store.AuditEntry) error {
	if f.auditErr != nil {
		return f.auditErr
	}
	return f.Store.AppendAudit(ctx, e)
}

func (f *flakyStore) SetStatus(ctx context.Context, courseID, accountID string, expect, next store.Status) (bool, error) {
	if f.statusErr != nil {
		return false, f.statusErr
	}
	return f.Store.SetStatus(ctx, courseID, accountID, expect, next)
}

// monday returns a fixed Monday 10:00 UTC.
func monday() time.Time {
	return time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
}

func auditByAction(t *testing.T, st store.Store, action string) []store.AuditEntry {
	t.Helper()
	all, err := st.RecentAudit(context.Background(), 100)
	if err != nil {
		t.Fatalf("RecentAudit: %v", err)
	}
	var out []store.AuditEntry
	for _, e := range all {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func TestJobHeapOrdering(t *testing.T) {
	t.Parallel()

	at := monday()
	var h jobHeap
	push := func(course string, seq int, account string, fire time.Time) {
		heap.Push(&h, &Job{CourseID: course, CourseSeq: seq, AccountID: account, FireAt: fire})
	}
	push("200", 1, "anna", at.Add(time.Minute))
	push("100", 0, "ben", at)
	push("100", 0, "anna", at)
	push("200", 1, "zoe", at)

	var got []string
	for h.Len() > 0 {
		j := heap.Pop(&h).(*Job)
		got = append(got, j.CourseID+"/"+j.AccountID)
	}
	want := []string{"100/anna", "100/ben", "200/zoe", "200/anna"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pop order = %v, want %v", got, want)
		}
	}
}

func TestProcessSuccess(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: monday()}
	exec := &scriptExec{outcomes: []executor.Outcome{executor.Success("registration confirmed")}}
	s, st := newTestScheduler(t, exec, clk)

	open := clk.Now()
	s.upsert("100", "anna", 0, open, open)
	j := s.popDue(clk.Now())
	if j == nil {
		t.Fatal("no due job")
	}
	if err := s.process(context.Background(), j); err != nil {
		t.Fatalf("process: %v", err)
	}

	status, err := st.GetStatus(context.Background(), "100", "anna")
	if err != nil {
		t.Fatal(err)
	}
	if status != store.StatusRegistered {
		t.Fatalf("status = %s, want registered", status)
	}
	if got := len(s.PendingJobs()); got != 0 {
		t.Fatalf("pending jobs = %d, want 0", got)
	}
	entries := auditByAction(t, st, store.ActionRegister)
	if len(entries) != 1 || entries[0].Status != store.AuditSuccess {
		t.Fatalf("register audit = %+v, want one success entry", entries)
	}
}

func TestTransientRetriesBackOffFromOpenInstant(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: monday()}
	exec := &scriptExec{outcomes: []executor.Outcome{
		executor.Transient("HTTP 502"),
		executor.Transient("HTTP 502"),
		executor.Success("registration confirmed"),
	}}
	s, st := newTestScheduler(t, exec, clk)

	open := clk.Now()
	s.upsert("100", "anna", 0, open, open)

	var fireTimes []time.Time
	for attempt := 0; attempt < 3; attempt++ {
		j := s.popDue(clk.Now())
		if j == nil {
			t.Fatalf("attempt %d: no due job at %s", attempt+1, clk.Now())
		}
		fireTimes = append(fireTimes, j.FireAt)
		if err := s.process(context.Background(), j); err != nil {
			t.Fatalf("process: %v", err)
		}
		if attempt < 2 {
			pending := s.PendingJobs()
			if len(pending) != 1 {
				t.Fatalf("attempt %d: pending = %d, want 1", attempt+1, len(pending))
			}
			clk.Advance(pending[0].FireAt.Sub(clk.Now()))
		}
	}

	// Backoff is anchored on the open instant: 30s, then 60s after open.
	if want := open.Add(30 * time.Second); !fireTimes[1].Equal(want) {
		t.Fatalf("second fire at %s, want %s", fireTimes[1], want)
	}
	if want := open.Add(90 * time.Second); !fireTimes[2].Equal(want) {
		t.Fatalf("third fire at %s, want %s", fireTimes[2], want)
	}
	for i := 1; i < len(fireTimes); i++ {
		if !fireTimes[i].After(fireTimes[i-1]) {
			t.Fatalf("fire times not strictly increasing: %v", fireTimes)
		}
	}

	status, _ := st.GetStatus(context.Background(), "100", "anna")
	if status != store.StatusRegistered {
		t.Fatalf("status = %s, want registered", status)
	}
	// One register entry per attempt: two transient info, one success.
	entries := auditByAction(t, st, store.ActionRegister)
	if len(entries) != 3 {
		t.Fatalf("register audit entries = %d, want 3", len(entries))
	}
}

func TestRetryCeilingSettlesFailedOnce(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: monday()}
	exec := &scriptExec{} // always transient
	s, st := newTestScheduler(t, exec, clk)
	s.opts.RetryMax = 3

	open := clk.Now()
	s.upsert("100", "anna", 0, open, open)

	for i := 0; i < 3; i++ {
		j := s.popDue(clk.Now())
		if j == nil {
			t.Fatalf("attempt %d: no due job", i+1)
		}
		if err := s.process(context.Background(), j); err != nil {
			t.Fatalf("process: %v", err)
		}
		if pending := s.PendingJobs(); len(pending) == 1 {
			clk.Advance(pending[0].FireAt.Sub(clk.Now()))
		}
	}

	if got := len(s.PendingJobs()); got != 0 {
		t.Fatalf("pending jobs = %d, want 0 after retry ceiling", got)
	}
	var errs int
	for _, e := range auditByAction(t, st, store.ActionRegister) {
		if e.Status == store.AuditError {
			errs++
		}
	}
	if errs != 1 {
		t.Fatalf("error audit entries = %d, want exactly 1", errs)
	}
	status, _ := st.GetStatus(context.Background(), "100", "anna")
	if status != store.StatusAvailable {
		t.Fatalf("status = %s, want available (failed pairs stay retryable next occurrence)", status)
	}
}

func TestWindowNotOpenUsesFixedDelay(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: monday()}
	exec := &scriptExec{outcomes: []executor.Outcome{executor.WindowNotOpen("noch nicht buchbar")}}
	s, _ := newTestScheduler(t, exec, clk)

	open := clk.Now()
	s.upsert("100", "anna", 0, open, open)
	j := s.popDue(clk.Now())
	if err := s.process(context.Background(), j); err != nil {
		t.Fatalf("process: %v", err)
	}

	pending := s.PendingJobs()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if want := clk.Now().Add(20 * time.Second); !pending[0].FireAt.Equal(want) {
		t.Fatalf("fire at %s, want %s", pending[0].FireAt, want)
	}
}

func TestPermanentFailureSettlesWithErrorAudit(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: monday()}
	exec := &scriptExec{outcomes: []executor.Outcome{executor.AlreadyFull("ausgebucht")}}
	s, st := newTestScheduler(t, exec, clk)

	open := clk.Now()
	s.upsert("100", "anna", 0, open, open)
	j := s.popDue(clk.Now())
	if err := s.process(context.Background(), j); err != nil {
		t.Fatalf("process: %v", err)
	}

	if got := len(s.PendingJobs()); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
	entries := auditByAction(t, st, store.ActionRegister)
	if len(entries) != 1 || entries[0].Status != store.AuditError {
		t.Fatalf("register audit = %+v, want one error entry", entries)
	}
}

func TestExcludePairCancelsPendingJob(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: monday()}
	s, st := newTestScheduler(t, &scriptExec{}, clk)

	open := clk.Now().Add(time.Hour)
	s.upsert("100", "anna", 0, open, open)

	prev, err := s.ExcludePair(context.Background(), "100", "anna", "requested by operator")
	if err != nil {
		t.Fatalf("ExcludePair: %v", err)
	}
	if prev != store.StatusAvailable {
		t.Fatalf("previous status = %s, want available", prev)
	}
	if got := len(s.PendingJobs()); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
	status, _ := st.GetStatus(context.Background(), "100", "anna")
	if status != store.StatusExcluded {
		t.Fatalf("status = %s, want excluded", status)
	}
	if entries := auditByAction(t, st, store.ActionExclude); len(entries) != 1 {
		t.Fatalf("exclude audit entries = %d, want 1", len(entries))
	}
}

func TestExclusionWinsRaceAgainstInFlightSuccess(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: monday()}
	st := store.NewMemory()
	exec := &scriptExec{outcomes: []executor.Outcome{executor.Success("registration confirmed")}}
	// Exclude the pair while the attempt is in flight.
	exec.hook = func() {
		if _, err := st.Exclude(context.Background(), "100", "anna"); err != nil {
			t.Errorf("Exclude: %v", err)
		}
	}
	s := New(st, exec, eventbus.New(), logx.Nop(), Options{
		Workers: 1, RetryJitter: 0, Location: time.UTC, Now: clk.Now,
	})
	s.SetCatalog(testCatalog(t))

	open := clk.Now()
	s.upsert("100", "anna", 0, open, open)
	j := s.popDue(clk.Now())
	if err := s.process(context.Background(), j); err != nil {
		t.Fatalf("process: %v", err)
	}

	status, _ := st.GetStatus(context.Background(), "100", "anna")
	if status != store.StatusExcluded {
		t.Fatalf("status = %s, want excluded (exclusion won the race)", status)
	}
	if got := len(s.PendingJobs()); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
	entries := auditByAction(t, st, store.ActionRegister)
	if len(entries) != 1 || entries[0].Status != store.AuditInfo {
		t.Fatalf("register audit = %+v, want one info entry about the discard", entries)
	}
}

func TestTerminalPairDiscardedBeforeAttempt(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: monday()}
	exec := &scriptExec{}
	s, st := newTestScheduler(t, exec, clk)

	if _, err := st.SetStatus(context.Background(), "100", "anna",
		store.StatusAvailable, store.StatusRegistered); err != nil {
		t.Fatal(err)
	}
	open := clk.Now()
	s.upsert("100", "anna", 0, open, open)
	j := s.popDue(clk.Now())
	if err := s.process(context.Background(), j); err != nil {
		t.Fatalf("process: %v", err)
	}

	if exec.calls != 0 {
		t.Fatalf("executor called %d times for a terminal pair, want 0", exec.calls)
	}
	if entries := auditByAction(t, st, store.ActionSkip); len(entries) != 1 {
		t.Fatalf("skip audit entries = %d, want 1", len(entries))
	}
}

func TestRebuildSchedulesOpenPairsAndAppliesRosterExclusions(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: monday()}
	st := store.NewMemory()
	s := New(st, &scriptExec{}, eventbus.New(), logx.Nop(), Options{
		RegistrationLead: 7 * time.Minute,
		StartedGrace:     40 * time.Minute,
		Location:         time.UTC,
		Now:              clk.Now,
	})

	cat, err := catalog.Load(
		[]config.CourseConfig{
			{ID: "100", Name: "Badminton", Day: "mon", Start: "18:00"},
			{ID: "200", Name: "Climbing", Day: "wed", Start: "19:30"},
		},
		[]config.AccountConfig{
			{ID: "anna", Email: "anna@example.com", CredentialRef: "anna", Exclude: []string{"200"}},
			{ID: "ben", Email: "ben@example.com", CredentialRef: "ben"},
		},
	)
	if err != nil {
		t.Fatalf("catalog.Load: %v", err)
	}
	s.SetCatalog(cat)

	// ben already holds course 100.
	if _, err := st.SetStatus(context.Background(), "100", "ben",
		store.StatusAvailable, store.StatusRegistered); err != nil {
		t.Fatal(err)
	}

	if err := s.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	pending := s.PendingJobs()
	want := map[string]bool{"100/anna": true, "200/ben": true}
	if len(pending) != len(want) {
		t.Fatalf("pending = %+v, want pairs %v", pending, want)
	}
	for _, j := range pending {
		if !want[j.CourseID+"/"+j.AccountID] {
			t.Fatalf("unexpected pending pair %s/%s", j.CourseID, j.AccountID)
		}
		course, _ := cat.Course(j.CourseID)
		wantOpen := course.NextOccurrence(clk.Now()).Add(-7 * time.Minute)
		if !j.OpenAt.Equal(wantOpen) {
			t.Fatalf("%s/%s open at %s, want %s", j.CourseID, j.AccountID, j.OpenAt, wantOpen)
		}
	}

	status, _ := st.GetStatus(context.Background(), "200", "anna")
	if status != store.StatusExcluded {
		t.Fatalf("roster exclusion not applied: status = %s", status)
	}

	// A second rebuild changes nothing: same occurrences, same jobs.
	if err := s.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild (again): %v", err)
	}
	again := s.PendingJobs()
	if len(again) != len(pending) {
		t.Fatalf("second rebuild changed queue size: %d -> %d", len(pending), len(again))
	}
	for i := range pending {
		if again[i].ID != pending[i].ID {
			t.Fatalf("second rebuild replaced job %s/%s", pending[i].CourseID, pending[i].AccountID)
		}
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	t.Parallel()

	base, max := 30*time.Second, 2*time.Minute
	want := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 2 * time.Minute}
	for i, w := range want {
		if got := backoffDelay(i+1, base, max, 0); got != w {
			t.Fatalf("backoffDelay(%d) = %s, want %s", i+1, got, w)
		}
	}

	for i := 0; i < 50; i++ {
		got := backoffDelay(2, base, max, 0.2)
		if got < 48*time.Second || got > 72*time.Second {
			t.Fatalf("jittered delay %s outside ±20%% of 60s", got)
		}
	}
}

func TestRunFiresDueJobs(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: monday()}
	exec := &scriptExec{outcomes: []executor.Outcome{executor.Success("registration confirmed")}}
	s, st := newTestScheduler(t, exec, clk)

	open := clk.Now()
	s.upsert("100", "anna", 0, open, open)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		status, err := st.GetStatus(context.Background(), "100", "anna")
		if err != nil {
			t.Fatal(err)
		}
		if status == store.StatusRegistered {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestAuditWriteFailureStopsRun(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: monday()}
	exec := &scriptExec{outcomes: []executor.Outcome{executor.Success("registration confirmed")}}
	errAudit := errors.New("audit log write failed")
	st := &flakyStore{Store: store.NewMemory(), auditErr: errAudit}
	s := newSchedulerWithStore(t, st, exec, clk)

	open := clk.Now()
	s.upsert("100", "anna", 0, open, open)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Run(ctx)
	if !errors.Is(err, errAudit) {
		t.Fatalf("Run returned %v, want the audit write error", err)
	}

	// The job is neither settled nor rescheduled: a step whose record
	// could not be written must not be treated as done.
	s.mu.Lock()
	_, live := s.byPair[pairKey{"100", "anna"}]
	s.mu.Unlock()
	if !live {
		t.Fatal("job settled despite the failed audit write")
	}
}

func TestStatusWriteFailureAuditsAttemptAndEscalates(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: monday()}
	exec := &scriptExec{outcomes: []executor.Outcome{executor.Success("registration confirmed")}}
	errStatus := errors.New("status write failed")
	st := &flakyStore{Store: store.NewMemory(), statusErr: errStatus}
	s := newSchedulerWithStore(t, st, exec, clk)

	open := clk.Now()
	s.upsert("100", "anna", 0, open, open)
	j := s.popDue(clk.Now())
	if j == nil {
		t.Fatal("no due job")
	}

	err := s.process(context.Background(), j)
	if !errors.Is(err, errStatus) {
		t.Fatalf("process returned %v, want the status write error", err)
	}

	// The external attempt happened, so it must show up in the audit log
	// even though the status could not be persisted.
	entries := auditByAction(t, st, store.ActionRegister)
	if len(entries) != 1 || entries[0].Status != store.AuditError {
		t.Fatalf("register audit = %+v, want one error entry", entries)
	}
}

func TestPendingJobsExcludesRunningJobs(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: monday()}
	s, _ := newTestScheduler(t, &scriptExec{}, clk)

	open := clk.Now()
	s.upsert("100", "anna", 0, open, open)
	s.upsert("200", "anna", 1, open.Add(time.Hour), open.Add(time.Hour))

	if got := len(s.PendingJobs()); got != 2 {
		t.Fatalf("pending jobs = %d, want 2", got)
	}
	if j := s.popDue(clk.Now()); j == nil {
		t.Fatal("no due job")
	}
	views := s.PendingJobs()
	if len(views) != 1 || views[0].CourseID != "200" {
		t.Fatalf("pending jobs = %+v, want only the queued 200/anna job", views)
	}
}

func TestPendingJobsConcurrentWithRun(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: monday()}
	exec := &scriptExec{outcomes: []executor.Outcome{
		executor.Transient("surface hiccup"),
		executor.Transient("surface hiccup"),
		executor.Success("registration confirmed"),
	}}
	s, _ := newTestScheduler(t, exec, clk)

	open := clk.Now()
	s.upsert("100", "anna", 0, open, open)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Hammer the read path while workers mutate jobs; the race detector
	// flags any unsynchronized access to queued job fields.
	stop := time.After(100 * time.Millisecond)
	for looping := true; looping; {
		s.PendingJobs()
		clk.Advance(time.Minute)
		s.kick()
		select {
		case <-stop:
			looping = false
		default:
		}
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}
