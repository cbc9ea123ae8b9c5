package am

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	// Agent defaults
	v.SetDefault("agent.workers", 5)
	v.SetDefault("agent.retry_workers", 2)
	v.SetDefault("agent.max_retries", 5)
	v.SetDefault("agent.scheduler_interval", "10s")
	v.SetDefault("agent.executor_interval", "1s")
	v.SetDefault("agent.history_size", 1000)
	v.SetDefault("agent.stop_timeout", "30s")

	v.SetDefault("script.shell", "/bin/sh -c")
	v.SetDefault("script.dir", "")

	v.SetDefault("report.root", "")

	// Mail is disabled until mail.host is set
	v.SetDefault("mail.host", "")
	v.SetDefault("mail.port", 25)
	v.SetDefault("mail.from", "chronos@localhost")
	v.SetDefault("mail.send_failure_reports", true)
	v.SetDefault("mail.max_per_minute", 60)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.address", DefaultServerAddress)

	v.SetDefault("definitions.paths", []string{})
	v.SetDefault("definitions.watch", false)
	v.SetDefault("definitions.cache_dir", defaultCacheDir())

	v.SetDefault("log.json", false)
	v.SetDefault("log.verbosity", 0)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("mail.username", "CHRONOS_MAIL_USERNAME")
	v.BindEnv("mail.password", "CHRONOS_MAIL_PASSWORD")
	v.BindEnv("database.path", "CHRONOS_DATABASE_PATH")
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "chronos", "definitions")
	}
	return filepath.Join(home, ".chronos", "definitions")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// GetServerAddress returns the status API address
func (c *Config) GetServerAddress() string {
	if c.Server.Address == "" {
		return DefaultServerAddress
	}
	return c.Server.Address
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Agent: {Workers: %d, RetryWorkers: %d}, Drivers: %d, Mail: %t}",
		c.Database.Path, c.Agent.Workers, c.Agent.RetryWorkers, len(c.Drivers), c.Mail.Host != "")
}
