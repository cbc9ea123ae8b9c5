package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/chronos/errors"
)

var (
	globalConfig  *Config
	viperInstance *viper.Viper

	// ConfigSources records which file set each key during the last merge
	ConfigSources   = map[string]SourceInfo{}
	configSourcesMu sync.Mutex
)

// Load reads the configuration using Viper. The result is cached until Reset.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	config, err := LoadWithViper(initViper())
	if err != nil {
		return nil, err
	}

	globalConfig = config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	return initViper()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path, on top of the
// defaults. Environment variables still override the file.
func LoadFromFile(configPath string) (*Config, error) {
	v, err := ViperFromFile(configPath)
	if err != nil {
		return nil, err
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load config from %s", configPath)
	}
	return config, nil
}

// ViperFromFile returns a Viper instance holding the defaults, one config
// file and the environment.
func ViperFromFile(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	bindEnv(v)
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	return v, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viperInstance = nil
	configSourcesMu.Lock()
	ConfigSources = map[string]SourceInfo{}
	configSourcesMu.Unlock()
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("CHRONOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	bindEnv(v)
	SetDefaults(v)

	// Merge configs in precedence order: system -> user -> project -> env vars
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// ProjectConfigPath returns the chronos.toml found walking up from the
// working directory, or "".
func ProjectConfigPath() string {
	return findProjectConfig()
}

// findProjectConfig searches for chronos.toml by walking up the directory tree
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, DefaultConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

type configFile struct {
	path   string
	source ConfigSource
}

// configPaths lists candidate files, lowest precedence first.
func configPaths() []configFile {
	paths := []configFile{
		{filepath.Join("/etc", "chronos", DefaultConfigName), SourceSystem},
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, configFile{filepath.Join(home, ".chronos", DefaultConfigName), SourceUser})
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, configFile{project, SourceProject})
	}
	return paths
}

// CandidateFiles lists the config files Load considers, lowest precedence
// first, whether or not they exist.
func CandidateFiles() []SourceInfo {
	candidates := configPaths()
	out := make([]SourceInfo, len(candidates))
	for i, c := range candidates {
		out[i] = SourceInfo{Source: c.source, Path: c.path}
	}
	return out
}

// mergeConfigFiles deep-merges configuration files so a later file only
// overrides the leaves it sets.
// Precedence (lowest to highest): system < user < project < env vars
func mergeConfigFiles(v *viper.Viper) {
	configSourcesMu.Lock()
	defer configSourcesMu.Unlock()

	for _, candidate := range configPaths() {
		if _, err := os.Stat(candidate.path); err != nil {
			continue
		}

		tempViper := viper.New()
		tempViper.SetConfigFile(candidate.path)
		tempViper.SetConfigType("toml")
		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}

		settings := tempViper.AllSettings()
		if err := v.MergeConfigMap(settings); err != nil {
			continue
		}
		for key := range flatten(settings, "") {
			ConfigSources[key] = SourceInfo{Source: candidate.source, Path: candidate.path}
		}
		// highest-precedence file wins
		v.SetConfigFile(candidate.path)
	}
}

// flatten turns nested tables into dotted keys. Arrays (e.g. [[drivers]]) are leaves.
func flatten(settings map[string]interface{}, prefix string) map[string]interface{} {
	out := make(map[string]interface{})
	for key, value := range settings {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			for k, nv := range flatten(nested, fullKey) {
				out[k] = nv
			}
			continue
		}
		out[fullKey] = value
	}
	return out
}
