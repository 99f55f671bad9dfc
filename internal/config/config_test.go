package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWithoutConfigFile(t)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Run.RevisionCap)
	assert.Equal(t, 48*time.Hour, cfg.Run.StaleAfter)
	assert.Equal(t, 30*time.Minute, cfg.Run.LeaseDuration)
	assert.Equal(t, 7, cfg.Run.CollectionDays)
	assert.Equal(t, "fri", cfg.Schedule.Day)
	assert.Equal(t, 9, cfg.Schedule.Hour)
	assert.Equal(t, "UTC", cfg.Schedule.Timezone)
	assert.Equal(t, "https://api.resend.com", cfg.Publish.BaseURL)
	assert.Equal(t, ".newsagent/run_state.db", cfg.Ledger.DBPath)
	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Addr)
	assert.Equal(t, 10*time.Minute, cfg.Agents.Composer.Timeout)
	assert.Equal(t, 2, cfg.Agents.Collector.Retries)

	assert.NoError(t, cfg.Validate())
}

func loadWithoutConfigFile(t *testing.T) (*Config, error) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return NewLoader().Load()
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
run:
  revision_cap: 3
  stale_after: 24h
schedule:
  day: mon
  hour: 7
  timezone: Europe/Paris
publish:
  dry_run: true
`), 0o640))

	cfg, err := NewLoader().WithConfigFile(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Run.RevisionCap)
	assert.Equal(t, 24*time.Hour, cfg.Run.StaleAfter)
	assert.Equal(t, "mon", cfg.Schedule.Day)
	assert.Equal(t, 7, cfg.Schedule.Hour)
	assert.Equal(t, "Europe/Paris", cfg.Schedule.Timezone)
	assert.True(t, cfg.Publish.DryRun)
	assert.Equal(t, 30*time.Minute, cfg.Run.LeaseDuration, "untouched keys keep their defaults")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Ledger: LedgerConfig{DBPath: "state.db"},
			Run: RunConfig{
				RevisionCap:   5,
				StaleAfter:    48 * time.Hour,
				LeaseDuration: 30 * time.Minute,
			},
			Schedule: ScheduleConfig{Day: "fri", Hour: 9, Timezone: "UTC"},
		}
	}

	assert.NoError(t, base().Validate())

	c := base()
	c.Run.RevisionCap = 0
	assert.ErrorContains(t, c.Validate(), "revision_cap")

	c = base()
	c.Run.StaleAfter = 0
	assert.ErrorContains(t, c.Validate(), "stale_after")

	c = base()
	c.Run.LeaseDuration = 30 * time.Second
	assert.ErrorContains(t, c.Validate(), "lease_duration")

	c = base()
	c.Ledger.DBPath = ""
	assert.ErrorContains(t, c.Validate(), "db_path")

	c = base()
	c.Schedule.Day = "friday"
	assert.ErrorContains(t, c.Validate(), "schedule day")

	c = base()
	c.Schedule.Hour = 24
	assert.ErrorContains(t, c.Validate(), "schedule.hour")
}

func TestScheduleWeekday(t *testing.T) {
	for day, want := range map[string]time.Weekday{
		"sun": time.Sunday, "mon": time.Monday, "fri": time.Friday,
	} {
		got, err := ScheduleConfig{Day: day}.Weekday()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ScheduleConfig{Day: "someday"}.Weekday()
	assert.Error(t, err)
}
