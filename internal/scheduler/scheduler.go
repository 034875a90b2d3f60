package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"coursebot/internal/catalog"
	"coursebot/internal/eventbus"
	"coursebot/internal/executor"
	"coursebot/internal/store"
	logx "coursebot/pkg/logx"
)

// Options tunes the registration scheduler. Zero values fall back to the
// documented defaults.
type Options struct {
	Workers int

	// RegistrationLead is how long before a course occurrence its
	// registration window opens; the open instant is the initial fire time.
	RegistrationLead time.Duration

	// WindowRetryDelay is the short fixed delay after an attempt that ran
	// before the external window actually opened.
	WindowRetryDelay time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64

	// StartedGrace suppresses scheduling for occurrences whose start lies
	// within this window of now.
	StartedGrace time.Duration

	Location *time.Location

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.RegistrationLead <= 0 {
		o.RegistrationLead = 7 * time.Minute
	}
	if o.WindowRetryDelay <= 0 {
		o.WindowRetryDelay = 20 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 30 * time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 10 * time.Minute
	}
	if o.RetryJitter < 0 {
		o.RetryJitter = 0
	}
	if o.StartedGrace <= 0 {
		o.StartedGrace = 40 * time.Minute
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Scheduler owns the pending-job queue and drives registration attempts.
//
// One live job per (course, account) pair. Jobs fire in (fire time,
// catalog order, account id) order; a bounded worker pool runs attempts.
// Every settlement and reschedule writes an audit entry first; a failed
// audit write stops the scheduler, since an engine that cannot record
// what it did must not keep acting.
type Scheduler struct {
	st   store.Store
	exec executor.Executor
	bus  eventbus.Bus
	log  logx.Logger
	opts Options

	mu      sync.Mutex
	queue   jobHeap
	byPair  map[pairKey]*Job
	catalog *catalog.Catalog

	wake  chan struct{}
	fatal chan error
}

func New(st store.Store, exec executor.Executor, bus eventbus.Bus, log logx.Logger, opts Options) *Scheduler {
	opts.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		st:     st,
		exec:   exec,
		bus:    bus,
		log:    log.With(logx.String("component", "scheduler")),
		opts:   opts,
		byPair: map[pairKey]*Job{},
		wake:   make(chan struct{}, 1),
		fatal:  make(chan error, 1),
	}
}

// SetCatalog swaps the active catalog. Call Rebuild afterwards to bring
// the queue in line with it.
func (s *Scheduler) SetCatalog(c *catalog.Catalog) {
	s.mu.Lock()
	s.catalog = c
	s.mu.Unlock()
}

// Run drives the queue until ctx is canceled or a store write the engine
// cannot proceed without fails.
func (s *Scheduler) Run(ctx context.Context) error {
	sem := make(chan struct{}, s.opts.Workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := s.opts.Now()
		for {
			j := s.popDue(now)
			if j == nil {
				break
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				s.requeue(j)
				return ctx.Err()
			}
			wg.Add(1)
			go func(j *Job) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := s.process(ctx, j); err != nil {
					select {
					case s.fatal <- err:
					default:
					}
				}
			}(j)
		}

		wait := s.untilNext(now)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.fatal:
			s.log.Error("stopping: store write failed", logx.Err(err))
			return err
		case <-timer.C:
		case <-s.wake:
		}
	}
}

// popDue removes and returns the most urgent due job, or nil.
func (s *Scheduler) popDue(now time.Time) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.queue[0].FireAt.After(now) {
		return nil
	}
	j := heap.Pop(&s.queue).(*Job)
	j.running = true
	return j
}

func (s *Scheduler) requeue(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byPair[j.key()] == j {
		j.running = false
		heap.Push(&s.queue, j)
	}
}

func (s *Scheduler) untilNext(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return time.Hour
	}
	d := s.queue[0].FireAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return d
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// process runs one due job to a settlement or a reschedule. The returned
// error is fatal: an audit entry or a settled status could not be written.
func (s *Scheduler) process(ctx context.Context, j *Job) error {
	now := s.opts.Now()
	log := s.log.With(
		logx.String("job", j.ID),
		logx.String("course", j.CourseID),
		logx.String("account", j.AccountID),
		logx.Int("attempt", j.Attempt+1),
	)

	s.mu.Lock()
	cat := s.catalog
	s.mu.Unlock()
	course, okC := cat.Course(j.CourseID)
	account, okA := cat.Account(j.AccountID)
	if !okC || !okA {
		// Catalog reload removed the course or account under the job.
		log.Info("dropping job: no longer in catalog")
		s.settle(j)
		s.publish(eventbus.JobDiscarded, j)
		return nil
	}

	// Re-check right before acting: an exclusion or an out-of-band
	// registration since scheduling makes the attempt moot.
	status, err := s.st.GetStatus(ctx, j.CourseID, j.AccountID)
	if err != nil {
		log.Warn("status read failed, retrying shortly", logx.Err(err))
		s.reschedule(j, now.Add(s.opts.WindowRetryDelay))
		return nil
	}
	if status.Terminal() {
		if err := s.audit(ctx, j, store.ActionSkip, store.AuditInfo,
			fmt.Sprintf("skipped: pair is %s", status)); err != nil {
			return err
		}
		log.Info("dropping job: pair in terminal state", logx.String("status", string(status)))
		s.settle(j)
		s.publish(eventbus.JobDiscarded, j)
		return nil
	}

	s.publish(eventbus.JobFired, j)
	out := s.exec.Attempt(ctx, course, account)
	// The job stays indexed in byPair while it runs; PendingJobs may read
	// it concurrently, so the counter is mutated under the queue lock.
	s.mu.Lock()
	j.Attempt++
	s.mu.Unlock()
	log.Info("attempt finished",
		logx.String("outcome", out.Kind.String()),
		logx.String("reason", out.Reason))

	switch out.Kind {
	case executor.OutcomeSuccess:
		return s.settleSuccess(ctx, j, out)
	case executor.OutcomeAlreadyFull, executor.OutcomePermanentFailure:
		return s.settleFailed(ctx, j, out.Reason)
	case executor.OutcomeWindowNotOpen:
		return s.retry(ctx, j, now.Add(s.opts.WindowRetryDelay),
			fmt.Sprintf("window not open: %s", out.Reason))
	default: // transient
		fireAt := j.OpenAt.Add(backoffDelay(j.Attempt, s.opts.RetryBase, s.opts.RetryMaxDelay, s.opts.RetryJitter))
		if min := now.Add(time.Second); fireAt.Before(min) {
			fireAt = min
		}
		return s.retry(ctx, j, fireAt,
			fmt.Sprintf("transient failure: %s", out.Reason))
	}
}

func (s *Scheduler) settleSuccess(ctx context.Context, j *Job, out executor.Outcome) error {
	swapped, err := s.st.SetStatus(ctx, j.CourseID, j.AccountID, store.StatusAvailable, store.StatusRegistered)
	if err != nil {
		// The attempt succeeded externally but the store cannot record it.
		// The attempt still gets its audit entry, then the write failure
		// escalates like a failed audit write: the engine must not keep
		// acting on state it cannot persist.
		s.log.Error("status write failed after successful attempt", logx.Err(err))
		if aerr := s.audit(ctx, j, store.ActionRegister, store.AuditError,
			fmt.Sprintf("registered externally but status write failed: %v", err)); aerr != nil {
			return aerr
		}
		return fmt.Errorf("persist registered status for %s/%s: %w", j.CourseID, j.AccountID, err)
	}
	if !swapped {
		// An exclusion won the race while the attempt was in flight. The
		// terminal state stands; record what happened and settle.
		if err := s.audit(ctx, j, store.ActionRegister, store.AuditInfo,
			"attempt succeeded but pair was excluded meanwhile; keeping exclusion"); err != nil {
			return err
		}
		s.settle(j)
		s.publish(eventbus.JobDiscarded, j)
		return nil
	}
	if err := s.audit(ctx, j, store.ActionRegister, store.AuditSuccess, out.Reason); err != nil {
		return err
	}
	s.settle(j)
	s.publish(eventbus.JobRegistered, j)
	return nil
}

func (s *Scheduler) settleFailed(ctx context.Context, j *Job, reason string) error {
	if err := s.audit(ctx, j, store.ActionRegister, store.AuditError, reason); err != nil {
		return err
	}
	s.settle(j)
	s.publish(eventbus.JobFailed, j)
	return nil
}

// retry reschedules the job at fireAt unless the attempt budget is gone,
// in which case it settles as failed with a single error entry.
func (s *Scheduler) retry(ctx context.Context, j *Job, fireAt time.Time, reason string) error {
	if j.Attempt >= s.opts.RetryMax {
		return s.settleFailed(ctx, j,
			fmt.Sprintf("giving up after %d attempts: %s", j.Attempt, reason))
	}
	if err := s.audit(ctx, j, store.ActionRegister, store.AuditInfo, reason); err != nil {
		return err
	}
	s.reschedule(j, fireAt)
	s.publish(eventbus.JobRescheduled, j)
	return nil
}

func (s *Scheduler) audit(ctx context.Context, j *Job, action, status, msg string) error {
	return s.st.AppendAudit(ctx, store.AuditEntry{
		ID:        uuid.NewString(),
		At:        s.opts.Now(),
		AccountID: j.AccountID,
		CourseID:  j.CourseID,
		Action:    action,
		Status:    status,
		Message:   msg,
	})
}

// settle removes the job from the pair index; it is already off the heap.
func (s *Scheduler) settle(j *Job) {
	s.mu.Lock()
	if s.byPair[j.key()] == j {
		delete(s.byPair, j.key())
	}
	s.mu.Unlock()
}

func (s *Scheduler) reschedule(j *Job, fireAt time.Time) {
	s.mu.Lock()
	if s.byPair[j.key()] == j {
		j.FireAt = fireAt
		j.running = false
		heap.Push(&s.queue, j)
	}
	s.mu.Unlock()
	s.kick()
}

func (s *Scheduler) publish(typ string, j *Job) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: JobView{
		ID:        j.ID,
		CourseID:  j.CourseID,
		AccountID: j.AccountID,
		FireAt:    j.FireAt,
		OpenAt:    j.OpenAt,
		Attempt:   j.Attempt,
	}})
}

// JobView is an immutable snapshot of a pending job.
type JobView struct {
	ID        string    `json:"id"`
	CourseID  string    `json:"course_id"`
	AccountID string    `json:"account_id"`
	FireAt    time.Time `json:"fire_at"`
	OpenAt    time.Time `json:"open_at"`
	Attempt   int       `json:"attempt"`
}

// PendingJobs returns the queue in fire order. Jobs currently handed to
// a worker are excluded; they are no longer waiting to fire.
func (s *Scheduler) PendingJobs() []JobView {
	s.mu.Lock()
	views := make([]JobView, 0, len(s.byPair))
	for _, j := range s.byPair {
		if j.running {
			continue
		}
		views = append(views, JobView{
			ID:        j.ID,
			CourseID:  j.CourseID,
			AccountID: j.AccountID,
			FireAt:    j.FireAt,
			OpenAt:    j.OpenAt,
			Attempt:   j.Attempt,
		})
	}
	s.mu.Unlock()

	sortJobViews(views)
	return views
}
