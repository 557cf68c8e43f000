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

// Package credentials loads and persists the process-wide bearer token and
// account secret, and resolves the per-scope EncryptionContext used by
// sessions and machines (spec.md §3 "Credentials", §4.2).
package credentials

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sage-x-project/happyagent/pkg/envelope"
)

var (
	ErrNotFound        = errors.New("credentials: file not found")
	ErrInvalidSecret   = errors.New("credentials: accountSecret must be 32 bytes")
	ErrInvalidMachine  = errors.New("credentials: machineKey must be 32 bytes when present")
	ErrMissingToken    = errors.New("credentials: token must not be empty")
)

// Credentials is the process-wide identity: the bearer token used against
// the HTTP bootstrap API, the account secret every content key derives
// from, and (for the dataKey variant only) the stable per-device machine
// key. The content public key is never stored — it is always re-derived
// from AccountSecret.
type Credentials struct {
	Token         string
	AccountSecret [32]byte
	Variant       envelope.Variant
	MachineKey    [32]byte // meaningful only when Variant == VariantDataKey
}

// fileSchema is the on-disk JSON shape: spec.md §6 specifies only
// {token, secret} for the legacy file; variant and machineKey are an
// additive, omitempty extension for dataKey accounts, stored alongside the
// secret exactly as spec.md §4.2 describes ("a stable per-device 32-byte
// key stored alongside the account secret").
type fileSchema struct {
	Token      string `json:"token"`
	Secret     string `json:"secret"`
	Variant    string `json:"variant,omitempty"`
	MachineKey string `json:"machineKey,omitempty"`
}

// ContentKeyPair re-derives the deterministic content keypair from the
// account secret (spec.md §4.1). Callers needing only the public half
// should prefer this over caching a derived value.
func (c Credentials) ContentKeyPair() (envelope.ContentKeyPair, error) {
	return envelope.DeriveContentKeyPair(c.AccountSecret[:])
}

// Path resolves the credentials file location: $HAPPY_HOME_DIR/agent.key,
// defaulting $HAPPY_HOME_DIR to $HOME/.happy.
func Path() (string, error) {
	dir := os.Getenv("HAPPY_HOME_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("credentials: resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".happy")
	}
	return filepath.Join(dir, "agent.key"), nil
}

// Load reads and parses the credentials file at Path().
func Load() (Credentials, error) {
	path, err := Path()
	if err != nil {
		return Credentials{}, err
	}
	return LoadFrom(path)
}

// LoadFrom reads and parses the credentials file at an explicit path.
func LoadFrom(path string) (Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, ErrNotFound
		}
		return Credentials{}, fmt.Errorf("credentials: read %s: %w", path, err)
	}

	var fs fileSchema
	if err := json.Unmarshal(raw, &fs); err != nil {
		return Credentials{}, fmt.Errorf("credentials: parse %s: %w", path, err)
	}
	return fromFileSchema(fs)
}

func fromFileSchema(fs fileSchema) (Credentials, error) {
	if fs.Token == "" {
		return Credentials{}, ErrMissingToken
	}
	secret, err := base64.StdEncoding.DecodeString(fs.Secret)
	if err != nil || len(secret) != 32 {
		return Credentials{}, ErrInvalidSecret
	}

	creds := Credentials{Token: fs.Token, Variant: envelope.VariantLegacy}
	copy(creds.AccountSecret[:], secret)

	if fs.Variant != "" {
		creds.Variant = envelope.Variant(fs.Variant)
	}
	if creds.Variant == envelope.VariantDataKey {
		if fs.MachineKey == "" {
			return Credentials{}, ErrInvalidMachine
		}
		machineKey, err := base64.StdEncoding.DecodeString(fs.MachineKey)
		if err != nil || len(machineKey) != 32 {
			return Credentials{}, ErrInvalidMachine
		}
		copy(creds.MachineKey[:], machineKey)
	}
	return creds, nil
}

// Save persists creds to Path(), creating the parent directory with mode
// 0700 and writing the file with mode 0600 — modeled on the teacher's
// FileVault permission discipline (os.MkdirAll(basePath, 0700) then
// os.WriteFile(path, data, 0600)).
func Save(creds Credentials) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveTo(path, creds)
}

// SaveTo persists creds to an explicit path.
func SaveTo(path string, creds Credentials) error {
	if creds.Token == "" {
		return ErrMissingToken
	}

	fs := fileSchema{
		Token:  creds.Token,
		Secret: base64.StdEncoding.EncodeToString(creds.AccountSecret[:]),
	}
	if creds.Variant == envelope.VariantDataKey {
		fs.Variant = string(envelope.VariantDataKey)
		fs.MachineKey = base64.StdEncoding.EncodeToString(creds.MachineKey[:])
	}

	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return fmt.Errorf("credentials: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("credentials: create %s: %w", dir, err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("credentials: write %s: %w", path, err)
	}
	return nil
}
