// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// LoaderOptions configures the configuration loader.
type LoaderOptions struct {
	// ConfigDir is the directory searched for a config file (default: ./config).
	ConfigDir string
	// ConfigName overrides the base file name tried before default.yaml/config.yaml.
	ConfigName string
	// SkipEnvSubstitution disables ${VAR} substitution in string fields.
	SkipEnvSubstitution bool
	// SkipEnvOverrides disables the HAPPY_* environment variable overrides.
	SkipEnvOverrides bool
}

// DefaultLoaderOptions returns default loader options.
func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{ConfigDir: "config"}
}

// Load loads a ClientConfig from the first config file found in
// opts.ConfigDir ({ConfigName}.yaml, then default.yaml, then config.yaml),
// falling back to compiled-in defaults. Environment variable overrides
// (HAPPY_SERVER_URL, HAPPY_HOME_DIR, ...) are applied last and always win.
func Load(opts ...LoaderOptions) (*ClientConfig, error) {
	options := DefaultLoaderOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	var cfg *ClientConfig
	candidates := []string{}
	if options.ConfigName != "" {
		candidates = append(candidates, filepath.Join(options.ConfigDir, options.ConfigName+".yaml"))
	}
	candidates = append(candidates,
		filepath.Join(options.ConfigDir, "default.yaml"),
		filepath.Join(options.ConfigDir, "config.yaml"),
	)

	for _, path := range candidates {
		found, loaded, err := loadConfigFile(path)
		if err != nil {
			return nil, err
		}
		if found {
			cfg = loaded
			break
		}
	}
	if cfg == nil {
		cfg = Default()
	}

	setDefaults(cfg)

	if !options.SkipEnvSubstitution {
		SubstituteEnvVarsInConfig(cfg)
	}

	if !options.SkipEnvOverrides {
		applyEnvironmentOverrides(cfg)
	}

	setDefaults(cfg)
	return cfg, nil
}

// loadConfigFile loads a single config file. found is false (with a nil
// error) when the path does not exist, letting the caller fall through to
// the next candidate; a file that exists but fails to parse is a real error.
func loadConfigFile(path string) (found bool, cfg *ClientConfig, err error) {
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return false, nil, nil
	}
	cfg, err = LoadFromFile(path)
	if err != nil {
		return true, nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return true, cfg, nil
}

// applyEnvironmentOverrides applies the spec's HAPPY_* environment
// variables, which take priority over any file-loaded value.
func applyEnvironmentOverrides(cfg *ClientConfig) {
	if url := os.Getenv("HAPPY_SERVER_URL"); url != "" {
		cfg.ServerURL = url
	}
	if home := os.Getenv("HAPPY_HOME_DIR"); home != "" {
		cfg.HomeDir = home
	}

	if level := os.Getenv("HAPPY_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("HAPPY_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	if os.Getenv("HAPPY_METRICS_ENABLED") == "true" {
		cfg.Metrics.Enabled = true
	}
	if os.Getenv("HAPPY_METRICS_ENABLED") == "false" {
		cfg.Metrics.Enabled = false
	}

	if trace := os.Getenv("HAPPY_TOOL_TRACE"); trace != "" {
		cfg.Diagnostics.ToolTraceEnabled = trace == "true"
		cfg.Diagnostics.ToolTraceSink = trace
	}
}

// MustLoad loads configuration or panics on error.
func MustLoad(opts ...LoaderOptions) *ClientConfig {
	cfg, err := Load(opts...)
	if err != nil {
		panic(fmt.Sprintf("config: failed to load configuration: %v", err))
	}
	return cfg
}
