// Package notifier delivers operator alerts for registration jobs that
// settled failed and need human attention. Delivery is asynchronous:
// queue + workers + rate limit + retry + dedup.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"coursebot/internal/eventbus"
	"coursebot/internal/scheduler"
	"coursebot/internal/store"
	logx "coursebot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Sender delivers one alert message to the operator channel.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// DedupWindow suppresses a repeated identical alert within the window.
	// Suppression survives restarts via the store. Zero disables dedup.
	DedupWindow time.Duration
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
}

type alert struct {
	text     string
	dedupKey string
}

// Service is the alert pipeline. Safe for concurrent use.
type Service struct {
	cfg     Config
	sender  Sender
	st      store.Store
	log     logx.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	queue     chan alert
	accepting bool
	wg        sync.WaitGroup

	dmu   sync.Mutex
	dedup map[string]time.Time
}

func New(cfg Config, sender Sender, st store.Store, log logx.Logger) *Service {
	cfg.defaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		sender:  sender,
		st:      st,
		log:     log.With(logx.String("component", "notifier")),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled && s.sender != nil }

// Start launches the worker pool. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan alert, s.cfg.QueueSize)
	s.accepting = true
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.workerLoop(ctx, q)
		}()
	}
}

// Stop blocks intake, drains the queue, and waits for workers until ctx
// expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	close(q)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Notify enqueues one alert. Duplicate alerts within the dedup window
// are dropped silently.
func (s *Service) Notify(ctx context.Context, text string) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	s.mu.Lock()
	q := s.queue
	accepting := s.accepting
	s.mu.Unlock()
	if q == nil || !accepting {
		return ErrStopped
	}

	key := dedupKey(text)
	if s.cfg.DedupWindow > 0 && !s.allow(ctx, key) {
		s.log.Debug("alert suppressed by dedup", logx.String("key", key))
		return nil
	}

	select {
	case q <- alert{text: text, dedupKey: key}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Watch forwards failed-job events from the bus as operator alerts until
// ctx is canceled.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) {
	if !s.Enabled() || bus == nil {
		return
	}
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Type != eventbus.JobFailed {
				continue
			}
			text := formatFailure(e)
			if err := s.Notify(ctx, text); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Warn("alert not enqueued", logx.Err(err))
			}
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, a)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, a alert) {
	attempts := 1 + s.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.SendText(callCtx, a.text)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		s.log.Debug("alert send failed",
			logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt >= attempts {
			break
		}
		t := time.NewTimer(retryDelay(s.cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		}
	}
	s.log.Error("alert dropped after retries", logx.Err(lastErr))
}

// allow checks the in-memory cache, then the store for cross-restart
// suppression, and records the new window when the alert passes.
func (s *Service) allow(ctx context.Context, key string) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	if s.st != nil {
		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		until, ok, err := s.st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(s.cfg.DedupWindow)
	s.dmu.Lock()
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = until
	s.dmu.Unlock()

	if s.st != nil {
		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		_ = s.st.PutDedup(cctx, key, until) // best-effort
		cancel()
	}
	return true
}

func formatFailure(e eventbus.Event) string {
	if j, ok := e.Data.(scheduler.JobView); ok {
		return fmt.Sprintf("⚠️ registration failed: course %s, account %s (attempt %d)",
			j.CourseID, j.AccountID, j.Attempt)
	}
	return fmt.Sprintf("⚠️ registration failed: %+v", e.Data)
}

func dedupKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("notify:%x", h.Sum64())
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3 so synchronized retries spread out.
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
