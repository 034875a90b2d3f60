package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coursebot/internal/catalog"
	"coursebot/internal/config"
	"coursebot/internal/executor"
	"coursebot/internal/notifier"
	"coursebot/internal/scheduler"
)

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	timeout, err := config.ParseDurationOrDefault("executor.timeout", cfg.Executor.Timeout, 30*time.Second)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		BaseURL:    cfg.Executor.BaseURL,
		Timeout:    timeout,
		RatePerSec: cfg.Executor.RatePerSec,
	}, nil
}

func mapSchedulerOptions(cfg *config.Config) (scheduler.Options, error) {
	s := cfg.Scheduler
	lead, err := config.ParseDurationOrDefault("scheduler.registration_lead", s.RegistrationLead, 7*time.Minute)
	if err != nil {
		return scheduler.Options{}, err
	}
	windowDelay, err := config.ParseDurationOrDefault("scheduler.window_retry_delay", s.WindowRetryDelay, 20*time.Second)
	if err != nil {
		return scheduler.Options{}, err
	}
	retryBase, err := config.ParseDurationOrDefault("scheduler.retry_base", s.RetryBase, 30*time.Second)
	if err != nil {
		return scheduler.Options{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("scheduler.retry_max_delay", s.RetryMaxDelay, 10*time.Minute)
	if err != nil {
		return scheduler.Options{}, err
	}
	grace, err := config.ParseDurationOrDefault("scheduler.started_grace", s.StartedGrace, 40*time.Minute)
	if err != nil {
		return scheduler.Options{}, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return scheduler.Options{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Options{
		Workers:          s.Workers,
		RegistrationLead: lead,
		WindowRetryDelay: windowDelay,
		RetryMax:         s.RetryMax,
		RetryBase:        retryBase,
		RetryMaxDelay:    retryMaxDelay,
		RetryJitter:      s.RetryJitter,
		StartedGrace:     grace,
		Location:         loc,
	}, nil
}

func mapNotifierConfig(nc *config.NotifierConfig) (notifier.Config, error) {
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, time.Hour)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       nc.Enabled,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		DedupWindow:   dedup,
	}, nil
}

// validateConfig rejects a hot-reload before commit. Anything that would
// crash or silently misbehave at apply time is caught here.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if cfg.Scheduler.RetryMax < 0 {
		return fmt.Errorf("scheduler.retry_max must be >= 0")
	}
	if cfg.Scheduler.RetryJitter < 0 || cfg.Scheduler.RetryJitter > 1 {
		return fmt.Errorf("scheduler.retry_jitter must be within [0, 1]")
	}
	if _, err := mapSchedulerOptions(cfg); err != nil {
		return err
	}
	if _, err := mapExecutorConfig(cfg); err != nil {
		return err
	}
	if cfg.Scheduler.Enabled && strings.TrimSpace(cfg.Executor.BaseURL) == "" {
		return fmt.Errorf("executor.base_url is required while the scheduler is enabled")
	}
	if nc := cfg.Notifier; nc != nil {
		if nc.Enabled && strings.TrimSpace(nc.Token) == "" {
			return fmt.Errorf("notifier.token is required while the notifier is enabled")
		}
		if _, err := mapNotifierConfig(nc); err != nil {
			return err
		}
	}
	if _, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("api.read_timeout", cfg.API.ReadTimeout, 0); err != nil {
		return err
	}
	if _, err := config.ParseDurationOrDefault("api.write_timeout", cfg.API.WriteTimeout, 0); err != nil {
		return err
	}
	if _, err := catalog.Load(cfg.Catalog, cfg.Accounts); err != nil {
		return err
	}
	return nil
}

// mustDuration parses a duration that validation already accepted.
func mustDuration(raw string) time.Duration {
	d, err := config.ParseDurationOrDefault("", raw, 0)
	if err != nil {
		return 0
	}
	return d
}
