// Package config loads the daemon's JSON configuration file with viper,
// applying defaults and environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/jsdrews/procpoold/pkg/types"
)

// EnvPathVar names the environment variable that carries the config
// file path when no explicit path is passed on the command line.
const EnvPathVar = "PROC_POOL_CONFIG"

// Config is the top-level daemon configuration, matching the JSON shape
// described in SPEC_FULL.md §6.1.
type Config struct {
	Startup StartupConfig `mapstructure:"startup"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
}

// StartupConfig holds settings fixed for the life of the process.
type StartupConfig struct {
	DB                    DBConfig  `mapstructure:"db"`
	Concurrency           int       `mapstructure:"concurrency"`
	Log                   LogConfig `mapstructure:"log"`
	ShutdownGraceSeconds  int       `mapstructure:"shutdown_grace_period_seconds"`
}

// DBConfig names the durable store's connection details.
type DBConfig struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
}

// LogConfig controls the daemon's own log sink and verbosity.
type LogConfig struct {
	Path  string `mapstructure:"path"`
	Level string `mapstructure:"level"`
}

// RuntimeConfig holds settings the task engine and HTTP facade read.
type RuntimeConfig struct {
	Task RuntimeTaskConfig `mapstructure:"task"`
	App  RuntimeAppConfig  `mapstructure:"app"`
}

// RuntimeTaskConfig configures task lifecycle vocabulary and defaults.
type RuntimeTaskConfig struct {
	States             types.StateSet           `mapstructure:"states"`
	Actions            map[string]types.Action  `mapstructure:"actions"`
	Log                string                   `mapstructure:"log"`
	ExtraFields        []string                 `mapstructure:"extra_fields"`
	FormattableFields  []string                 `mapstructure:"formattable_fields"`
	FinishedTaskLog    string                   `mapstructure:"finished_task_log"`
}

// RuntimeAppConfig configures the HTTP facade.
type RuntimeAppConfig struct {
	Addr      string            `mapstructure:"addr"`
	Endpoints map[string]string `mapstructure:"endpoints"`
}

// Load reads the config file at path (or $PROC_POOL_CONFIG if path is
// empty), applies defaults, and validates the keys the core requires.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPathVar)
	}
	if path == "" {
		return nil, fmt.Errorf("config: no path given and %s is not set", EnvPathVar)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("startup.concurrency", 1)
	v.SetDefault("startup.log.path", "/tmp/procpool.log")
	v.SetDefault("startup.log.level", "debug")
	v.SetDefault("runtime.task.log", "")
	v.SetDefault("runtime.app.addr", ":8080")
	v.SetDefault("startup.shutdown_grace_period_seconds", 30)
}

// validate enforces the required keys the reference implementation
// asserts on load (lib/__init__.py): db.url, db.name, log path, the
// finished-task-log sink, the state vocabulary, and the endpoint map.
func (c *Config) validate() error {
	var missing []string

	if c.Startup.DB.URL == "" {
		missing = append(missing, "startup.db.url")
	}
	if c.Startup.DB.Name == "" {
		missing = append(missing, "startup.db.name")
	}
	if c.Startup.Log.Path == "" {
		missing = append(missing, "startup.log.path")
	}
	if c.Runtime.Task.FinishedTaskLog == "" {
		missing = append(missing, "runtime.task.finished_task_log")
	}
	if len(c.Runtime.Task.States.Complete) == 0 {
		missing = append(missing, "runtime.task.states")
	}
	if len(c.Runtime.App.Endpoints) == 0 {
		missing = append(missing, "runtime.app.endpoints")
	}

	if len(missing) > 0 {
		return fmt.Errorf("config: missing required keys: %s", strings.Join(missing, ", "))
	}

	if c.Startup.Concurrency <= 0 {
		c.Startup.Concurrency = 1
	}
	if c.Startup.ShutdownGraceSeconds <= 0 {
		c.Startup.ShutdownGraceSeconds = 30
	}

	return nil
}
