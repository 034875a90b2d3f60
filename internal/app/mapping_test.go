package app

import (
	"context"
	"testing"
	"time"

	"coursebot/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{Enabled: true, Workers: 2},
		Executor:  config.ExecutorConfig{BaseURL: "https://buchung.example.de"},
		Catalog: []config.CourseConfig{
			{ID: "100", Name: "Badminton", Day: "mon", Start: "18:00"},
		},
		Accounts: []config.AccountConfig{
			{ID: "anna", Email: "anna@example.com"},
		},
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{"valid", func(*config.Config) {}, false},
		{"negative workers", func(c *config.Config) { c.Scheduler.Workers = -1 }, true},
		{"jitter out of range", func(c *config.Config) { c.Scheduler.RetryJitter = 1.5 }, true},
		{"bad duration", func(c *config.Config) { c.Scheduler.RetryBase = "soon" }, true},
		{"bad timezone", func(c *config.Config) { c.Scheduler.Timezone = "Mars/Olympus" }, true},
		{"missing base url", func(c *config.Config) { c.Executor.BaseURL = " " }, true},
		{"base url optional when disabled", func(c *config.Config) {
			c.Scheduler.Enabled = false
			c.Executor.BaseURL = ""
		}, false},
		{"notifier without token", func(c *config.Config) {
			c.Notifier = &config.NotifierConfig{Enabled: true}
		}, true},
		{"exclusion of unknown course", func(c *config.Config) {
			c.Accounts[0].Exclude = []string{"999"}
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tc.mutate(cfg)
			err := validateConfig(context.Background(), cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("validateConfig err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestMapSchedulerOptionsDefaults(t *testing.T) {
	t.Parallel()

	opts, err := mapSchedulerOptions(baseConfig())
	if err != nil {
		t.Fatalf("mapSchedulerOptions: %v", err)
	}
	if opts.RegistrationLead != 7*time.Minute {
		t.Fatalf("lead = %s, want 7m", opts.RegistrationLead)
	}
	if opts.WindowRetryDelay != 20*time.Second {
		t.Fatalf("window delay = %s, want 20s", opts.WindowRetryDelay)
	}
	if opts.StartedGrace != 40*time.Minute {
		t.Fatalf("grace = %s, want 40m", opts.StartedGrace)
	}
}
