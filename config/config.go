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

// Package config is the client's ambient configuration surface, adapted
// from the teacher's config.Config (yaml.v3 + encoding/json dual-tagged
// struct, LoadFromFile/env-override split): ServerURL and HomeDir per
// spec.md §6, plus the logging/metrics/diagnostics sections the teacher
// always carries alongside its domain-specific config blocks.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultServerURL = "https://api.cluster-fluster.com"

// ClientConfig is the root configuration structure for a happyagent
// client process.
type ClientConfig struct {
	// ServerURL is the base URL of the sync/bootstrap server (env
	// HAPPY_SERVER_URL). Trailing slashes are stripped.
	ServerURL string `yaml:"serverUrl" json:"serverUrl"`
	// HomeDir holds the credentials file and any local state (env
	// HAPPY_HOME_DIR, default $HOME/.happy).
	HomeDir string `yaml:"homeDir" json:"homeDir"`

	Diagnostics *DiagnosticsConfig `yaml:"diagnostics" json:"diagnostics"`
	Logging     *LoggingConfig     `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig     `yaml:"metrics" json:"metrics"`
}

// DiagnosticsConfig toggles the tool-trace sinks spec.md §6 describes as
// an "on/off enumeration" — never load-bearing for protocol correctness.
type DiagnosticsConfig struct {
	ToolTraceEnabled bool   `yaml:"toolTraceEnabled" json:"toolTraceEnabled"`
	ToolTraceSink    string `yaml:"toolTraceSink" json:"toolTraceSink"` // stdout, file, off
}

// LoggingConfig mirrors the teacher's config.LoggingConfig, feeding
// internal/logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig toggles the Prometheus metrics server in internal/metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// Default returns a ClientConfig with every field set to its documented
// default, before any file or environment override is applied.
func Default() *ClientConfig {
	home, _ := os.UserHomeDir()
	return &ClientConfig{
		ServerURL:   defaultServerURL,
		HomeDir:     home + "/.happy",
		Diagnostics: &DiagnosticsConfig{ToolTraceEnabled: false, ToolTraceSink: "off"},
		Logging:     &LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		Metrics:     &MetricsConfig{Enabled: false, Port: 9090, Path: "/metrics"},
	}
}

// LoadFromFile loads a ClientConfig from path, trying YAML then JSON,
// exactly as the teacher's config.LoadFromFile does.
func LoadFromFile(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := &ClientConfig{}
	if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return nil, fmt.Errorf("config: parse file (tried YAML and JSON): %w", yamlErr)
		}
	}
	setDefaults(cfg)
	return cfg, nil
}

// SaveToFile writes cfg to path, choosing YAML or JSON by extension.
func SaveToFile(cfg *ClientConfig, path string) error {
	var data []byte
	var err error
	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// setDefaults fills in any field left zero after file/env loading.
func setDefaults(cfg *ClientConfig) {
	defaults := Default()
	if cfg.ServerURL == "" {
		cfg.ServerURL = defaults.ServerURL
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	if cfg.HomeDir == "" {
		cfg.HomeDir = defaults.HomeDir
	}

	if cfg.Diagnostics == nil {
		cfg.Diagnostics = defaults.Diagnostics
	}

	if cfg.Logging == nil {
		cfg.Logging = defaults.Logging
	} else {
		if cfg.Logging.Level == "" {
			cfg.Logging.Level = defaults.Logging.Level
		}
		if cfg.Logging.Format == "" {
			cfg.Logging.Format = defaults.Logging.Format
		}
		if cfg.Logging.Output == "" {
			cfg.Logging.Output = defaults.Logging.Output
		}
	}

	if cfg.Metrics == nil {
		cfg.Metrics = defaults.Metrics
	} else {
		if cfg.Metrics.Port == 0 {
			cfg.Metrics.Port = defaults.Metrics.Port
		}
		if cfg.Metrics.Path == "" {
			cfg.Metrics.Path = defaults.Metrics.Path
		}
	}
}