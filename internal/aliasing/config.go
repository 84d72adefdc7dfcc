// Package aliasing maps producer-specific explicit reference names to canonical ones.
//
// Different parsers name the same physical entity differently (a datastrip seen
// by the acquisition parser and by the processing parser, an orbit with or
// without mission prefix). Aliases let every operation attach its events and
// annotations to the same explicit reference row.
package aliasing

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/eboa-io/eboa/internal/config"
)

type (
	// Config holds explicit reference alias configuration loaded from .eboa.yaml.
	Config struct {
		// ExplicitRefAliases maps an exact name to its canonical name.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		ExplicitRefAliases map[string]string `yaml:"explicit_reference_aliases"`

		// ExplicitRefPatterns rewrite names matching a pattern. Evaluated after
		// the exact aliases, in order; the first match wins.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		ExplicitRefPatterns []Pattern `yaml:"explicit_reference_patterns"`
	}

	// Pattern is one rewrite rule.
	//
	// {var} captures one underscore-delimited segment, {var*} captures the rest
	// of the name including underscores.
	Pattern struct {
		Pattern   string `yaml:"pattern"`
		Canonical string `yaml:"canonical"`
	}
)

// DefaultConfigFile is the configuration file name looked up under the resources path.
const DefaultConfigFile = ".eboa.yaml"

// ConfigPathEnvVar is the environment variable name for custom config path.
const ConfigPathEnvVar = "EBOA_CONFIG_PATH"

// LoadConfig loads alias configuration from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if file doesn't exist - aliases are optional
//   - Returns empty config + logs warning if YAML is invalid (graceful degradation)
//   - Returns populated config on success
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		ExplicitRefAliases: make(map[string]string),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, continuing without aliases",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read config file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse config file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{ExplicitRefAliases: make(map[string]string)}, nil
	}

	if cfg.ExplicitRefAliases == nil {
		cfg.ExplicitRefAliases = make(map[string]string)
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from EBOA_CONFIG_PATH. When unset, the file
// is looked up as .eboa.yaml under the resources path (EBOA_RESOURCES_PATH),
// or in the current directory when no resources path is configured.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, "")
	if path == "" {
		path = filepath.Join(config.GetEnvStr(config.ResourcesPathEnvVar, "."), DefaultConfigFile)
	}

	return LoadConfig(path)
}
