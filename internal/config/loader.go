package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "NEWSAGENT",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "NEWSAGENT",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Environment variables (NEWSAGENT_*)
// 3. Project config (.newsagent.yaml in current directory)
// 4. User config (~/.config/newsagent/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName(".newsagent")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "newsagent"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the config file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("ledger.db_path", ".newsagent/run_state.db")

	l.v.SetDefault("run.revision_cap", 5)
	l.v.SetDefault("run.stale_after", "48h")
	l.v.SetDefault("run.lease_duration", "30m")
	l.v.SetDefault("run.collection_days", 7)

	l.v.SetDefault("schedule.day", "fri")
	l.v.SetDefault("schedule.hour", 9)
	l.v.SetDefault("schedule.timezone", "UTC")

	l.v.SetDefault("publish.base_url", "https://api.resend.com")
	l.v.SetDefault("publish.dry_run", false)

	l.v.SetDefault("record.file_path", ".newsagent/published_stories.md")
	l.v.SetDefault("backup.dir", ".newsagent/archive")

	l.v.SetDefault("server.addr", "127.0.0.1:8787")
	l.v.SetDefault("server.allowed_origins", []string{})

	l.v.SetDefault("heartbeat.enabled", false)
	l.v.SetDefault("heartbeat.interval", "1h")

	l.v.SetDefault("agents.collector.timeout", "10m")
	l.v.SetDefault("agents.collector.retries", 2)
	l.v.SetDefault("agents.composer.timeout", "10m")
	l.v.SetDefault("agents.composer.retries", 2)
}
