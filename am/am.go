// Package am loads the agent configuration from chronos.toml files and
// CHRONOS_* environment variables.
package am

import (
	"time"

	"github.com/teranos/chronos/notify"
	"github.com/teranos/chronos/pulse/payload"
)

// Config represents the Chronos agent and CLI configuration
type Config struct {
	Database    DatabaseConfig         `mapstructure:"database"`
	Agent       AgentConfig            `mapstructure:"agent"`
	Script      ScriptConfig           `mapstructure:"script"`
	Report      ReportConfig           `mapstructure:"report"`
	Mail        notify.Config          `mapstructure:"mail"`
	Drivers     []payload.DriverConfig `mapstructure:"drivers"`
	Server      ServerConfig           `mapstructure:"server"`
	Definitions DefinitionsConfig      `mapstructure:"definitions"`
	Log         LogConfig              `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite job store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// AgentConfig sizes the worker pools and the two coordinator intervals
type AgentConfig struct {
	Workers           int           `mapstructure:"workers"`            // primary pool slots
	RetryWorkers      int           `mapstructure:"retry_workers"`      // retry pool slots
	MaxRetries        int           `mapstructure:"max_retries"`        // retries after the first attempt, per-job override wins
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval"` // how often schedules are evaluated
	ExecutorInterval  time.Duration `mapstructure:"executor_interval"`  // how often the queue is drained
	HistorySize       int           `mapstructure:"history_size"`       // runs kept in memory for the status API
	StopTimeout       time.Duration `mapstructure:"stop_timeout"`       // grace period for running payloads on shutdown
}

// ScriptConfig configures script jobs
type ScriptConfig struct {
	Shell string `mapstructure:"shell"` // command line the code is appended to, e.g. "/bin/bash -c"
	Dir   string `mapstructure:"dir"`   // working directory, empty = agent's cwd
}

// ReportConfig configures TSV reports written by query jobs
type ReportConfig struct {
	Root string `mapstructure:"root"` // empty disables report files
}

// ServerConfig configures the status API
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// DefinitionsConfig lists job definition files synced when the agent starts
type DefinitionsConfig struct {
	Paths    []string `mapstructure:"paths"`     // local paths or go-getter URLs
	Watch    bool     `mapstructure:"watch"`     // resync local files on change
	CacheDir string   `mapstructure:"cache_dir"` // where remote files are fetched to
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON      bool `mapstructure:"json"`
	Verbosity int  `mapstructure:"verbosity"`
}

// Defaults
const (
	DefaultDatabasePath  = "chronos.db"
	DefaultServerAddress = "127.0.0.1:8787"
	DefaultConfigName    = "chronos.toml"
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
