package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/chronos/pulse/payload"
)

func TestLoad_Defaults(t *testing.T) {
	// Create isolated viper instance without loading user/system config
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}

	if cfg.Database.Path != DefaultDatabasePath {
		t.Errorf("expected default database path %q, got %q", DefaultDatabasePath, cfg.Database.Path)
	}
	if cfg.Agent.Workers != 5 {
		t.Errorf("expected default workers 5, got %d", cfg.Agent.Workers)
	}
	if cfg.Agent.RetryWorkers != 2 {
		t.Errorf("expected default retry workers 2, got %d", cfg.Agent.RetryWorkers)
	}
	if cfg.Agent.SchedulerInterval != 10*time.Second {
		t.Errorf("expected scheduler interval 10s, got %s", cfg.Agent.SchedulerInterval)
	}
	if cfg.Agent.ExecutorInterval != time.Second {
		t.Errorf("expected executor interval 1s, got %s", cfg.Agent.ExecutorInterval)
	}
	if cfg.Agent.StopTimeout != 30*time.Second {
		t.Errorf("expected stop timeout 30s, got %s", cfg.Agent.StopTimeout)
	}
	if cfg.Mail.Host != "" {
		t.Errorf("mail should be disabled by default, got host %q", cfg.Mail.Host)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	tests := []struct {
		key      string
		expected interface{}
	}{
		{"database.path", DefaultDatabasePath},
		{"agent.workers", 5},
		{"agent.retry_workers", 2},
		{"agent.max_retries", 5},
		{"agent.history_size", 1000},
		{"script.shell", "/bin/sh -c"},
		{"server.enabled", true},
		{"server.address", DefaultServerAddress},
		{"mail.send_failure_reports", true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := v.Get(tt.key)
			if got != tt.expected {
				t.Errorf("default %s = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func driver(name, drv string) payload.DriverConfig {
	return payload.DriverConfig{Name: name, Driver: drv, DSN: "file::memory:"}
}

func validConfig() Config {
	v := viper.New()
	SetDefaults(v)
	cfg, _ := LoadWithViper(v)
	return *cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero workers", func(c *Config) { c.Agent.Workers = 0 }, true},
		{"negative retry workers", func(c *Config) { c.Agent.RetryWorkers = -1 }, true},
		{"retries disabled without retry pool", func(c *Config) { c.Agent.RetryWorkers = 0; c.Agent.MaxRetries = 0 }, false},
		{"retries without retry pool", func(c *Config) { c.Agent.RetryWorkers = 0 }, true},
		{"zero scheduler interval", func(c *Config) { c.Agent.SchedulerInterval = 0 }, true},
		{"zero history", func(c *Config) { c.Agent.HistorySize = 0 }, true},
		{"unbalanced shell quote", func(c *Config) { c.Script.Shell = `/bin/sh -c "` }, true},
		{"mail without from", func(c *Config) { c.Mail.Host = "smtp.local"; c.Mail.From = "" }, true},
		{"driver without name", func(c *Config) { c.Drivers = append(c.Drivers, driver("", "sqlite3")) }, true},
		{"duplicate driver", func(c *Config) {
			c.Drivers = append(c.Drivers, driver("dwh", "sqlite3"), driver("dwh", "sqlite3"))
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("walks up to chronos.toml", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test1", "a", "b")
		require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "test1", DefaultConfigName), nil, DefaultFilePermissions))
		chdir(t, subDir)

		result := findProjectConfig()
		if !filepath.IsAbs(result) {
			t.Errorf("expected absolute path, got %q", result)
		}
		if filepath.Base(result) != DefaultConfigName {
			t.Errorf("expected %s, got %s", DefaultConfigName, filepath.Base(result))
		}
	})

	t.Run("no config found", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "test2", "subdir")
		require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))
		chdir(t, subDir)

		if result := findProjectConfig(); result != "" {
			t.Errorf("expected empty string, got %s", result)
		}
	})
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigName)
	writeFile(t, path, `
[agent]
workers = 3
scheduler_interval = "30s"

[mail]
host = "smtp.example.com"
from = "chronos@example.com"

[[drivers]]
name = "warehouse"
driver = "postgres"
dsn = "postgres://localhost/dwh"

[[drivers]]
name = "local"
driver = "sqlite3"
dsn = "file:local.db"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Agent.Workers)
	assert.Equal(t, 30*time.Second, cfg.Agent.SchedulerInterval)
	assert.Equal(t, 2, cfg.Agent.RetryWorkers, "unset keys keep their defaults")
	assert.Equal(t, "smtp.example.com", cfg.Mail.Host)
	assert.Equal(t, 25, cfg.Mail.Port)
	require.Len(t, cfg.Drivers, 2)
	assert.Equal(t, "warehouse", cfg.Drivers[0].Name)
	assert.Equal(t, "postgres", cfg.Drivers[0].Driver)
	assert.Equal(t, "file:local.db", cfg.Drivers[1].DSN)
	assert.NoError(t, cfg.Validate())

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoadFromFile_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigName)
	writeFile(t, path, "[agent]\nworkers = 3\n")
	t.Setenv("CHRONOS_AGENT_WORKERS", "9")
	t.Setenv("CHRONOS_MAIL_PASSWORD", "hunter2")

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Agent.Workers)
	assert.Equal(t, "hunter2", cfg.Mail.Password)
}

func TestLoad_MergesUserAndProject(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeFile(t, filepath.Join(home, ".chronos", DefaultConfigName), `
[agent]
workers = 7
retry_workers = 4

[mail]
host = "smtp.user.local"
`)

	project := filepath.Join(t.TempDir(), "project")
	writeFile(t, filepath.Join(project, DefaultConfigName), "[agent]\nworkers = 8\n")
	chdir(t, project)

	t.Setenv("CHRONOS_MAIL_PASSWORD", "secret")

	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Agent.Workers, "project overrides user")
	assert.Equal(t, 4, cfg.Agent.RetryWorkers, "user keys survive the project merge")
	assert.Equal(t, "smtp.user.local", cfg.Mail.Host)
	assert.Equal(t, 1000, cfg.Agent.HistorySize)

	assert.Equal(t, SourceProject, ConfigSources["agent.workers"].Source)
	assert.Equal(t, SourceUser, ConfigSources["agent.retry_workers"].Source)
	assert.Contains(t, ConfigSources["mail.host"].Path, ".chronos")

	intro := GetConfigIntrospection()
	settings := map[string]SettingInfo{}
	for _, s := range intro.Settings {
		settings[s.Key] = s
	}
	assert.Equal(t, SourceProject, settings["agent.workers"].Source)
	assert.Equal(t, SourceDefault, settings["agent.history_size"].Source)
	assert.Equal(t, SourceEnvironment, settings["mail.password"].Source)
	assert.Equal(t, "********", settings["mail.password"].Value)
	assert.Equal(t, filepath.Join(project, DefaultConfigName), intro.ConfigFile)
	assert.Positive(t, intro.CountBySource()[SourceDefault])
}

func TestWriteDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", DefaultConfigName)
	require.NoError(t, WriteDefaults(path))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Agent.Workers)
	assert.Equal(t, 10*time.Second, cfg.Agent.SchedulerInterval)

	require.NoError(t, WriteDefaults(path))
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err, "rewriting keeps a backup")
}

func TestSetFileValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigName)
	writeFile(t, path, "[mail]\nhost = \"smtp.local\"\n")

	require.NoError(t, SetFileValue(path, "agent.workers", 12))
	require.NoError(t, SetFileValue(path, "report.root", "/var/chronos"))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Agent.Workers)
	assert.Equal(t, "/var/chronos", cfg.Report.Root)
	assert.Equal(t, "smtp.local", cfg.Mail.Host)

	assert.Error(t, SetFileValue(path, "agent..workers", 1))
}

func TestGetDatabasePath(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, DefaultDatabasePath, cfg.GetDatabasePath())
	cfg.Database.Path = "/var/lib/chronos.db"
	assert.Equal(t, "/var/lib/chronos.db", cfg.GetDatabasePath())
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	oldWd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(oldWd) })
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), DefaultDirPermissions))
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))
}
