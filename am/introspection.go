package am

import (
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/chronos/chronos.toml
	SourceUser        ConfigSource = "user"        // ~/.chronos/chronos.toml
	SourceProject     ConfigSource = "project"     // chronos.toml found walking up from cwd
	SourceEnvironment ConfigSource = "environment" // CHRONOS_* env vars
)

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource
	Path   string // File path or environment variable name
}

// SettingInfo contains metadata about a configuration setting
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
}

// ConfigIntrospection provides metadata about the active configuration
type ConfigIntrospection struct {
	ConfigFile string        `json:"config_file"`
	Settings   []SettingInfo `json:"settings"`
}

// secretKeys are reported but never printed
var secretKeys = map[string]bool{
	"mail.password": true,
}

// GetConfigIntrospection lists every effective setting with the source that set it.
func GetConfigIntrospection() *ConfigIntrospection {
	v := GetViper()

	configSourcesMu.Lock()
	sources := make(map[string]SourceInfo, len(ConfigSources))
	for k, s := range ConfigSources {
		sources[k] = s
	}
	configSourcesMu.Unlock()

	return introspect(v, sources)
}

func introspect(v *viper.Viper, sources map[string]SourceInfo) *ConfigIntrospection {
	settings := flatten(v.AllSettings(), "")
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := &ConfigIntrospection{
		ConfigFile: v.ConfigFileUsed(),
		Settings:   make([]SettingInfo, 0, len(keys)),
	}
	for _, key := range keys {
		info := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if si, ok := sources[key]; ok {
			info = si
		}

		envKey := "CHRONOS_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if _, set := os.LookupEnv(envKey); set {
			info = SourceInfo{Source: SourceEnvironment, Path: envKey}
		}

		value := settings[key]
		if secretKeys[key] && value != "" {
			value = "********"
		}

		result.Settings = append(result.Settings, SettingInfo{
			Key:        key,
			Value:      value,
			Source:     info.Source,
			SourcePath: info.Path,
		})
	}
	return result
}

// CountBySource summarizes how many settings each source contributed
func (ci *ConfigIntrospection) CountBySource() map[ConfigSource]int {
	counts := make(map[ConfigSource]int)
	for _, s := range ci.Settings {
		counts[s.Source]++
	}
	return counts
}
