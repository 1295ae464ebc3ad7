package am

import (
	"os"
	"sort"
	"strings"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/polar/am.toml
	SourceUser        ConfigSource = "user"        // ~/.polar/am.toml
	SourceProject     ConfigSource = "project"     // am.toml found walking up from cwd
	SourceEnvironment ConfigSource = "environment" // POLAR_* env vars
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

// ConfigIntrospection describes the active configuration
type ConfigIntrospection struct {
	Files    []string      `json:"files"`
	Settings []SettingInfo `json:"settings"`
}

// GetConfigIntrospection returns every setting with the source that won.
func GetConfigIntrospection() *ConfigIntrospection {
	v := GetViper()

	loadMu.Lock()
	sources := make(map[string]SourceInfo, len(configSources))
	for k, si := range configSources {
		sources[k] = si
	}
	files := append([]string(nil), loadedFiles...)
	loadMu.Unlock()

	keys := v.AllKeys()
	sort.Strings(keys)

	out := &ConfigIntrospection{Files: files}
	for _, key := range keys {
		si, ok := sources[key]
		if !ok {
			si = SourceInfo{Source: SourceDefault, Path: "built-in default"}
		}
		if envKey, ok := envOverride(key); ok {
			si = SourceInfo{Source: SourceEnvironment, Path: envKey}
		}
		out.Settings = append(out.Settings, SettingInfo{
			Key:        key,
			Value:      v.Get(key),
			Source:     si.Source,
			SourcePath: si.Path,
		})
	}
	return out
}

// envOverride reports the environment variable overriding key, if any.
func envOverride(key string) (string, bool) {
	candidates := []string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}
	if explicit, ok := explicitEnv[key]; ok {
		candidates = append([]string{explicit}, candidates...)
	}
	for _, name := range candidates {
		if val, ok := os.LookupEnv(name); ok && val != "" {
			return name, true
		}
	}
	return "", false
}
