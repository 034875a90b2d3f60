package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"coursebot/internal/eventbus"
	"coursebot/internal/scheduler"
	"coursebot/internal/store"
	logx "coursebot/pkg/logx"
)

type captureSender struct {
	mu    sync.Mutex
	sent  []string
	fails int // fail this many sends before succeeding
}

func (c *captureSender) SendText(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails > 0 {
		c.fails--
		return errors.New("send failed")
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *captureSender) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never met")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNotifyDelivers(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	s := New(Config{Enabled: true, RatePerSec: 100}, sender, store.NewMemory(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if err := s.Notify(ctx, "hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return len(sender.snapshot()) == 1 })
	s.Stop(context.Background())
}

func TestNotifyRetriesTransientSendFailures(t *testing.T) {
	t.Parallel()

	sender := &captureSender{fails: 2}
	s := New(Config{
		Enabled:       true,
		RatePerSec:    100,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}, sender, store.NewMemory(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if err := s.Notify(ctx, "flaky"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return len(sender.snapshot()) == 1 })
	s.Stop(context.Background())
}

func TestDedupSuppressesRepeatsAcrossRestart(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	sender := &captureSender{}
	cfg := Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(cfg, sender, st, logx.Nop())
	s.Start(ctx)
	if err := s.Notify(ctx, "same alert"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := s.Notify(ctx, "same alert"); err != nil {
		t.Fatalf("Notify (repeat): %v", err)
	}
	s.Stop(context.Background())

	// A fresh instance sharing the store keeps the suppression.
	s2 := New(cfg, sender, st, logx.Nop())
	s2.Start(ctx)
	if err := s2.Notify(ctx, "same alert"); err != nil {
		t.Fatalf("Notify (after restart): %v", err)
	}
	s2.Stop(context.Background())

	if got := sender.snapshot(); len(got) != 1 {
		t.Fatalf("sent %d alerts, want 1: %v", len(got), got)
	}
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false}, &captureSender{}, store.NewMemory(), logx.Nop())
	if err := s.Notify(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Notify = %v, want ErrDisabled", err)
	}
}

func TestWatchForwardsFailedJobs(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	s := New(Config{Enabled: true, RatePerSec: 100}, sender, store.NewMemory(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	bus := eventbus.New()
	go s.Watch(ctx, bus)
	time.Sleep(20 * time.Millisecond) // let Watch subscribe

	bus.Publish(eventbus.Event{Type: eventbus.JobRegistered,
		Data: scheduler.JobView{CourseID: "100", AccountID: "anna"}})
	bus.Publish(eventbus.Event{Type: eventbus.JobFailed,
		Data: scheduler.JobView{CourseID: "200", AccountID: "ben", Attempt: 5}})

	waitFor(t, func() bool { return len(sender.snapshot()) == 1 })
	got := sender.snapshot()[0]
	if want := "course 200, account ben"; !strings.Contains(got, want) {
		t.Fatalf("alert %q does not mention %q", got, want)
	}
}
