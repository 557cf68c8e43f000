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

package machine

import (
	"encoding/json"
	"errors"

	"github.com/sage-x-project/happyagent/pkg/rpc"
)

// Sentinel validation errors for the daemon-control RPC methods (spec.md
// §4.7: "return a typed error record — do not throw across the RPC
// boundary"), mirroring the teacher's crypto/vault sentinel-error style
// (ErrKeyNotFound and friends).
var (
	ErrMissingDirectory     = errors.New("machine: directory must not be empty")
	ErrMissingSessionID     = errors.New("machine: sessionId must not be empty")
	ErrMissingEncryptionKey = errors.New("machine: sessionEncryptionKeyBase64 must be present")
	ErrBadEncryptionVariant = errors.New("machine: sessionEncryptionVariant must be dataKey")
)

// ResumeSession carries the extra fields required when spawn-happy-session
// asks to resume an existing session rather than start a fresh one
// (spec.md §4.7).
type ResumeSession struct {
	SessionID                  string `json:"sessionId"`
	SessionEncryptionKeyBase64 string `json:"sessionEncryptionKeyBase64"`
	SessionEncryptionVariant   string `json:"sessionEncryptionVariant"`
}

// SpawnSessionParams is the decrypted params of a spawn-happy-session RPC
// request.
type SpawnSessionParams struct {
	Directory     string         `json:"directory"`
	ResumeSession *ResumeSession `json:"resumeSession,omitempty"`
}

// Validate implements spec.md §4.7's validation requirements prior to
// delegation: directory non-empty; for a resume-session request, sessionId
// non-empty, sessionEncryptionKeyBase64 present, and
// sessionEncryptionVariant = dataKey.
func (p SpawnSessionParams) Validate() *rpc.ValidationError {
	if p.Directory == "" {
		return &rpc.ValidationError{Field: "directory", Reason: ErrMissingDirectory.Error()}
	}
	if p.ResumeSession == nil {
		return nil
	}
	r := p.ResumeSession
	if r.SessionID == "" {
		return &rpc.ValidationError{Field: "resumeSession.sessionId", Reason: ErrMissingSessionID.Error()}
	}
	if r.SessionEncryptionKeyBase64 == "" {
		return &rpc.ValidationError{Field: "resumeSession.sessionEncryptionKeyBase64", Reason: ErrMissingEncryptionKey.Error()}
	}
	if r.SessionEncryptionVariant != "dataKey" {
		return &rpc.ValidationError{Field: "resumeSession.sessionEncryptionVariant", Reason: ErrBadEncryptionVariant.Error()}
	}
	return nil
}

// StopSessionParams is the decrypted params of a stop-session RPC request.
type StopSessionParams struct {
	SessionID string `json:"sessionId"`
}

// Validate requires a non-empty sessionId.
func (p StopSessionParams) Validate() *rpc.ValidationError {
	if p.SessionID == "" {
		return &rpc.ValidationError{Field: "sessionId", Reason: ErrMissingSessionID.Error()}
	}
	return nil
}

// StopDaemonParams is the decrypted params of a stop-daemon RPC request; it
// carries no required fields.
type StopDaemonParams struct {
	Source string `json:"source,omitempty"`
}

// SpawnSessionHandler, StopSessionHandler and StopDaemonHandler are the
// caller-provided delegates spec.md §4.7's three RPC methods dispatch to
// once validation passes.
type (
	SpawnSessionHandler func(SpawnSessionParams) (json.RawMessage, error)
	StopSessionHandler  func(StopSessionParams) (json.RawMessage, error)
	StopDaemonHandler   func(StopDaemonParams) (json.RawMessage, error)
)

// RegisterSpawnHandler validates params before delegating to fn, wrapping
// validation failures as the typed *rpc.ValidationError record rather than
// throwing across the RPC boundary. raw is already plaintext: handleRPCRequest
// decrypts the wire params before calling c.dispatcher.Dispatch.
func (c *Client) RegisterSpawnHandler(fn SpawnSessionHandler) error {
	return c.dispatcher.Register("spawn-happy-session", func(raw json.RawMessage) (json.RawMessage, error) {
		var params SpawnSessionParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &rpc.ValidationError{Field: "params", Reason: err.Error()}
		}
		if verr := params.Validate(); verr != nil {
			return nil, verr
		}
		return fn(params)
	}, c.socket)
}

// RegisterStopSessionHandler is RegisterSpawnHandler's stop-session
// counterpart; raw is already plaintext for the same reason.
func (c *Client) RegisterStopSessionHandler(fn StopSessionHandler) error {
	return c.dispatcher.Register("stop-session", func(raw json.RawMessage) (json.RawMessage, error) {
		var params StopSessionParams
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &rpc.ValidationError{Field: "params", Reason: err.Error()}
		}
		if verr := params.Validate(); verr != nil {
			return nil, verr
		}
		return fn(params)
	}, c.socket)
}

// RegisterStopDaemonHandler is RegisterSpawnHandler's stop-daemon
// counterpart; StopDaemonParams has no required fields, so no validation
// step runs before delegation. raw is already plaintext for the same
// reason as RegisterSpawnHandler.
func (c *Client) RegisterStopDaemonHandler(fn StopDaemonHandler) error {
	return c.dispatcher.Register("stop-daemon", func(raw json.RawMessage) (json.RawMessage, error) {
		var params StopDaemonParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, &rpc.ValidationError{Field: "params", Reason: err.Error()}
			}
		}
		return fn(params)
	}, c.socket)
}
