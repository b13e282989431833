package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML content, expanding ${ENV} references and applying defaults.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}

	b := &cfg.Business
	if b.Timezone == "" {
		b.Timezone = "UTC"
	}
	if b.OpenHour == 0 && b.CloseHour == 0 {
		b.OpenHour, b.CloseHour = 9, 17
	}
	if len(b.Weekdays) == 0 {
		b.Weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday"}
	}
	if len(b.AllowedDurations) == 0 {
		b.AllowedDurations = []time.Duration{
			15 * time.Minute, 30 * time.Minute, 45 * time.Minute, 60 * time.Minute,
		}
	}

	if cfg.Conversation.SessionTTL == 0 {
		cfg.Conversation.SessionTTL = time.Hour
	}
	if cfg.Conversation.ReapInterval == 0 {
		cfg.Conversation.ReapInterval = time.Minute
	}

	dependencyDefaults(&cfg.Dependencies.LLM.DependencyConfig, 10*time.Second)
	dependencyDefaults(&cfg.Dependencies.Calendar.DependencyConfig, 15*time.Second)
	dependencyDefaults(&cfg.Dependencies.CRM.DependencyConfig, 10*time.Second)
	if cfg.Dependencies.LLM.Model == "" {
		cfg.Dependencies.LLM.Model = "gemini-1.5-flash"
	}
	if cfg.Dependencies.Calendar.CalendarID == "" {
		cfg.Dependencies.Calendar.CalendarID = "primary"
	}

	if cfg.Retry.Default.MaxAttempts == 0 {
		cfg.Retry.Default = PolicyConfig{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Multiplier:  2.0,
			Jitter:      0.2,
		}
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "intake"
	}

	se := &cfg.SideEffects
	if se.WaitTimeout == 0 {
		se.WaitTimeout = 20 * time.Second
	}
	if se.ReplayInterval == 0 {
		se.ReplayInterval = 30 * time.Second
	}
	if se.ReplayBatch == 0 {
		se.ReplayBatch = 20
	}
	if se.MaxAttempts == 0 {
		se.MaxAttempts = 10
	}
}

func dependencyDefaults(d *DependencyConfig, timeout time.Duration) {
	if d.Timeout == 0 {
		d.Timeout = timeout
	}
	if d.FailureThreshold == 0 {
		d.FailureThreshold = 5
	}
	if d.Cooldown == 0 {
		d.Cooldown = 30 * time.Second
	}
	if d.RateLimit > 0 && d.Burst == 0 {
		d.Burst = 1
	}
}

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Validate checks values that have no sensible default.
func (c *AppConfig) Validate() error {
	if _, err := c.Business.Location(); err != nil {
		return err
	}
	if _, err := c.Business.BusinessDays(); err != nil {
		return err
	}
	b := c.Business
	if b.OpenHour < 0 || b.CloseHour > 24 || b.OpenHour >= b.CloseHour {
		return fmt.Errorf("invalid business hours: %d-%d", b.OpenHour, b.CloseHour)
	}
	for _, d := range b.AllowedDurations {
		if d <= 0 {
			return fmt.Errorf("invalid allowed duration: %s", d)
		}
	}
	for kind := range c.Retry.Policies {
		if strings.ToUpper(kind) != kind {
			return fmt.Errorf("retry policy key %q must be an upper-case error kind", kind)
		}
	}
	return nil
}

// Location loads the business timezone.
func (b BusinessConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid business timezone %q: %w", b.Timezone, err)
	}
	return loc, nil
}

// BusinessDays parses the configured weekday names.
func (b BusinessConfig) BusinessDays() ([]time.Weekday, error) {
	days := make([]time.Weekday, 0, len(b.Weekdays))
	for _, name := range b.Weekdays {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("invalid business weekday %q", name)
		}
		days = append(days, d)
	}
	return days, nil
}
