// Package config holds the typed application configuration and its loader.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration tree.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Run       RunConfig       `mapstructure:"run"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Publish   PublishConfig   `mapstructure:"publish"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Record    RecordConfig    `mapstructure:"record"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Server    ServerConfig    `mapstructure:"server"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Agents    AgentsConfig    `mapstructure:"agents"`
}

// AgentConfig describes one exec-based collaborator command.
type AgentConfig struct {
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	WorkDir string        `mapstructure:"work_dir"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

// AgentsConfig configures the collector and composer collaborators.
type AgentsConfig struct {
	Collector AgentConfig `mapstructure:"collector"`
	Composer  AgentConfig `mapstructure:"composer"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LedgerConfig configures the durable run ledger.
type LedgerConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// RunConfig bounds the run lifecycle.
type RunConfig struct {
	RevisionCap    int           `mapstructure:"revision_cap"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	LeaseDuration  time.Duration `mapstructure:"lease_duration"`
	CollectionDays int           `mapstructure:"collection_days"`
}

// ScheduleConfig configures the weekly trigger.
type ScheduleConfig struct {
	Day      string `mapstructure:"day"` // mon..sun
	Hour     int    `mapstructure:"hour"`
	Timezone string `mapstructure:"timezone"`
}

// PublishConfig configures the broadcast publisher.
type PublishConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	AudienceID string `mapstructure:"audience_id"`
	FromEmail  string `mapstructure:"from_email"`
	DryRun     bool   `mapstructure:"dry_run"`
}

// NotifyConfig configures the review-channel notifier.
type NotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// RecordConfig configures the permanent record store.
type RecordConfig struct {
	FilePath string `mapstructure:"file_path"`
}

// BackupConfig configures snapshots.
type BackupConfig struct {
	Dir string `mapstructure:"dir"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// HeartbeatConfig configures the liveness heartbeat in serve mode.
type HeartbeatConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

var validDays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

// Weekday resolves the configured schedule day.
func (s ScheduleConfig) Weekday() (time.Weekday, error) {
	day, ok := validDays[s.Day]
	if !ok {
		return 0, fmt.Errorf("invalid schedule day: %q", s.Day)
	}
	return day, nil
}

// Validate checks invariants the orchestrator depends on.
func (c *Config) Validate() error {
	if c.Run.RevisionCap < 1 {
		return fmt.Errorf("run.revision_cap must be >= 1, got %d", c.Run.RevisionCap)
	}
	if c.Run.StaleAfter <= 0 {
		return fmt.Errorf("run.stale_after must be positive, got %s", c.Run.StaleAfter)
	}
	if c.Run.LeaseDuration < time.Minute {
		return fmt.Errorf("run.lease_duration must be at least 1m, got %s", c.Run.LeaseDuration)
	}
	if c.Ledger.DBPath == "" {
		return fmt.Errorf("ledger.db_path is required")
	}
	if _, err := c.Schedule.Weekday(); err != nil {
		return err
	}
	if c.Schedule.Hour < 0 || c.Schedule.Hour > 23 {
		return fmt.Errorf("schedule.hour must be 0-23, got %d", c.Schedule.Hour)
	}
	return nil
}
