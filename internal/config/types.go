package config

// Config is the root configuration document.
//
// It is decoded strictly (unknown fields are rejected) from JSON or YAML.
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	API       APIConfig       `json:"api"`

	// Catalog is the course catalog: the set of bookable courses with their
	// weekly slot. Order matters; it is the dashboard display order and the
	// scheduler tie-break order.
	Catalog []CourseConfig `json:"catalog"`

	// Accounts is the account roster. Exclusions listed per account are
	// applied as administrative exclusions on startup and on reload.
	Accounts []AccountConfig `json:"accounts"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the persistence layer backing the status store
// and the audit log.
//
// Driver values:
//   - "sqlite": SQLite database file (preferred)
//   - "file":   dependency-free file backend (jsonl + snapshot)
//   - "memory": volatile in-memory store (tests, dry runs)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls registration job scheduling and retries.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - registration_lead: "7m"
//   - window_retry_delay: "20s"
//   - retry_max: 5
//   - retry_base: "30s"
//   - retry_max_delay: "10m"
//   - retry_jitter: 0.2
//   - rebuild_cron: "5 0 * * *"
//   - started_grace: "40m"
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Workers  int    `json:"workers,omitempty"`
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Europe/Berlin"

	// RegistrationLead is how long before a course's start the registration
	// window opens (the fire time of the job).
	RegistrationLead string `json:"registration_lead,omitempty"`

	// WindowRetryDelay is the short fixed delay applied when an attempt ran
	// before the external window actually opened.
	WindowRetryDelay string `json:"window_retry_delay,omitempty"`

	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"` // 0.2 = 20%

	// RebuildCron is the cron spec for the nightly schedule rebuild.
	RebuildCron string `json:"rebuild_cron,omitempty"`

	// StartedGrace suppresses scheduling for a course whose start time is
	// within this window around now (it already started or is about to).
	StartedGrace string `json:"started_grace,omitempty"`
}

// ExecutorConfig controls the registration surface client.
type ExecutorConfig struct {
	BaseURL        string `json:"base_url"`
	Timeout        string `json:"timeout,omitempty"`      // per-attempt HTTP budget
	RatePerSec     int    `json:"rate_per_sec,omitempty"` // attempts/sec against the surface
	CredentialsDir string `json:"credentials_dir,omitempty"`
}

// NotifierConfig controls operator alerts for jobs needing human attention.
// If the whole section is omitted, the notifier is disabled.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token"`
	ChatID        int64  `json:"chat_id"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

// APIConfig controls the read-only dashboard HTTP API.
type APIConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// CourseConfig describes one bookable course and its weekly slot.
type CourseConfig struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Location   string `json:"location,omitempty"`
	Timeframe  string `json:"timeframe,omitempty"`
	Instructor string `json:"instructor,omitempty"`
	Level      string `json:"level,omitempty"`

	// Day is the English weekday name ("Monday".."Sunday").
	Day string `json:"day"`
	// Start is the local course start time as "HH:MM".
	Start string `json:"start"`
}

// AccountConfig describes one account in the roster.
//
// CredentialRef is opaque to the engine; the credential source resolves it
// (for the file source it is a file name under executor.credentials_dir).
type AccountConfig struct {
	ID            string   `json:"id"`
	Email         string   `json:"email"`
	CredentialRef string   `json:"credential_ref"`
	Exclude       []string `json:"exclude,omitempty"` // course IDs never auto-registered
}
