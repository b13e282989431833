package config

import (
	"time"

	redisclient "github.com/vietddude/intake/internal/infra/redis"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Business     BusinessConfig     `yaml:"business"`
	Conversation ConversationConfig `yaml:"conversation"`
	Dependencies DependenciesConfig `yaml:"dependencies"`
	Retry        RetryConfig        `yaml:"retry"`
	Redis        redisclient.Config `yaml:"redis"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	SideEffects  SideEffectsConfig  `yaml:"side_effects"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, text
	File       string `yaml:"file"`   // optional rotating file output
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// BusinessConfig describes when bookings may take place.
type BusinessConfig struct {
	Timezone         string          `yaml:"timezone"`
	OpenHour         int             `yaml:"open_hour"`
	CloseHour        int             `yaml:"close_hour"`
	Weekdays         []string        `yaml:"weekdays"` // e.g. monday..friday
	AllowedDurations []time.Duration `yaml:"allowed_durations"`
}

// ConversationConfig holds session lifecycle settings.
type ConversationConfig struct {
	SessionTTL   time.Duration `yaml:"session_ttl"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// DependencyConfig holds the resilience settings shared by every dependency.
type DependencyConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	RateLimit        float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst            int           `yaml:"burst"`
}

// LLMConfig configures the language model client.
type LLMConfig struct {
	DependencyConfig `yaml:",inline"`
	APIKey           string `yaml:"api_key"`
	Model            string `yaml:"model"`
}

// CalendarConfig configures the calendar client.
type CalendarConfig struct {
	DependencyConfig `yaml:",inline"`
	CredentialsFile  string `yaml:"credentials_file"`
	CalendarID       string `yaml:"calendar_id"`
	CreateMeetLink   bool   `yaml:"create_meet_link"`
}

// CRMConfig configures the CRM client.
type CRMConfig struct {
	DependencyConfig `yaml:",inline"`
	BaseURL          string `yaml:"base_url"`
	APIKey           string `yaml:"api_key"`
}

// DependenciesConfig groups the external collaborators.
type DependenciesConfig struct {
	LLM      LLMConfig      `yaml:"llm"`
	Calendar CalendarConfig `yaml:"calendar"`
	CRM      CRMConfig      `yaml:"crm"`
}

// PolicyConfig is one retry policy.
type PolicyConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	Jitter      float64       `yaml:"jitter"`
}

// RetryConfig holds the default policy and per-kind overrides keyed by
// error kind (e.g. RATE_LIMIT).
type RetryConfig struct {
	Default  PolicyConfig            `yaml:"default"`
	Policies map[string]PolicyConfig `yaml:"policies"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// SideEffectsConfig controls calendar/CRM execution after a commit.
type SideEffectsConfig struct {
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
	ReplayInterval time.Duration `yaml:"replay_interval"`
	ReplayBatch    int           `yaml:"replay_batch"`
	MaxAttempts    int           `yaml:"max_attempts"`
}
