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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLoaderOptions(t *testing.T) {
	opts := DefaultLoaderOptions()
	assert.Equal(t, "config", opts.ConfigDir)
	assert.False(t, opts.SkipEnvSubstitution)
	assert.False(t, opts.SkipEnvOverrides)
}

func TestLoadFallsBackToDefaultsWhenNoFileExists(t *testing.T) {
	cfg, err := Load(LoaderOptions{ConfigDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, defaultServerURL, cfg.ServerURL)
}

func TestLoadPicksConfigYAMLOverDefault(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("serverUrl: https://from-config-yaml.example.com\n"), 0644))

	cfg, err := Load(LoaderOptions{ConfigDir: dir})
	require.NoError(t, err)
	assert.Equal(t, "https://from-config-yaml.example.com", cfg.ServerURL)
}

func TestLoadPicksDefaultYAMLOverConfigYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.yaml"), []byte("serverUrl: https://from-default-yaml.example.com\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("serverUrl: https://from-config-yaml.example.com\n"), 0644))

	cfg, err := Load(LoaderOptions{ConfigDir: dir})
	require.NoError(t, err)
	assert.Equal(t, "https://from-default-yaml.example.com", cfg.ServerURL)
}

func TestLoadEnvironmentOverridesTakePriority(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("serverUrl: https://from-file.example.com\n"), 0644))

	os.Setenv("HAPPY_SERVER_URL", "https://from-env.example.com")
	os.Setenv("HAPPY_LOG_LEVEL", "debug")
	defer os.Unsetenv("HAPPY_SERVER_URL")
	defer os.Unsetenv("HAPPY_LOG_LEVEL")

	cfg, err := Load(LoaderOptions{ConfigDir: dir})
	require.NoError(t, err)
	assert.Equal(t, "https://from-env.example.com", cfg.ServerURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadSkipEnvOverrides(t *testing.T) {
	os.Setenv("HAPPY_SERVER_URL", "https://from-env.example.com")
	defer os.Unsetenv("HAPPY_SERVER_URL")

	cfg, err := Load(LoaderOptions{ConfigDir: t.TempDir(), SkipEnvOverrides: true})
	require.NoError(t, err)
	assert.Equal(t, defaultServerURL, cfg.ServerURL)
}

func TestMustLoadPanicsOnUnreadableFile(t *testing.T) {
	dir := t.TempDir()
	badPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.Mkdir(badPath, 0755)) // a directory, not a file: os.ReadFile will error

	assert.Panics(t, func() {
		MustLoad(LoaderOptions{ConfigDir: dir})
	})
}
