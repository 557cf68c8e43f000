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

// Package machine implements the machine sync client (C7): a single
// machine-scoped socket driving the same optimistic-concurrency update
// protocol as pkg/session, plus periodic liveness and the RPC entry point
// for daemon control.
package machine

import (
	"encoding/json"
	"time"
)

// DaemonStatus is one of DaemonState's recognized status values (spec.md
// §3 "Machine").
type DaemonStatus string

const (
	DaemonStatusRunning      DaemonStatus = "running"
	DaemonStatusShuttingDown DaemonStatus = "shutting-down"
)

// DaemonState is the decrypted daemonState record: the current daemon
// generation's liveness and shutdown bookkeeping. On every `connect` it is
// force-overwritten with status=running, the current pid, and a fresh
// startedAt, so a stale record from a previous daemon generation never
// lingers (spec.md §4.7).
type DaemonState struct {
	Status              DaemonStatus `json:"status"`
	PID                 int          `json:"pid"`
	HTTPPort            int          `json:"httpPort,omitempty"`
	StartedAt           string       `json:"startedAt"`
	ShutdownRequestedAt string       `json:"shutdownRequestedAt,omitempty"`
	ShutdownSource      string       `json:"shutdownSource,omitempty"`
}

// MachineMetadata is the decrypted, opaque machine-metadata payload: the
// client never interprets its shape beyond version-gating it, mirroring
// pkg/session.AgentState.
type MachineMetadata struct {
	Raw json.RawMessage
}

func (m MachineMetadata) MarshalJSON() ([]byte, error) {
	if len(m.Raw) == 0 {
		return []byte("null"), nil
	}
	return m.Raw, nil
}

func (m *MachineMetadata) UnmarshalJSON(data []byte) error {
	m.Raw = append([]byte(nil), data...)
	return nil
}

// Update is the server->client envelope for the `update` event on the
// machine-scoped socket (spec.md §3, §6).
type Update struct {
	ID        string     `json:"id"`
	Seq       int64      `json:"seq"`
	CreatedAt string     `json:"createdAt"`
	Body      updateBody `json:"body"`
}

// updateBody mirrors pkg/session's discriminated union, scoped to
// `update-machine`; any other body.t received on this socket is logged and
// dropped (symmetric to pkg/session's treatment of update-machine).
type updateBody struct {
	T                  string `json:"t"`
	MachineID          string `json:"machineId,omitempty"`
	MetadataVersion    int64  `json:"metadataVersion,omitempty"`
	DaemonStateVersion int64  `json:"daemonStateVersion,omitempty"`
	Metadata           string `json:"metadata,omitempty"`    // base64 ciphertext
	DaemonState        string `json:"daemonState,omitempty"` // base64 ciphertext
}

const bodyUpdateMachine = "update-machine"

// aliveFrame is the client->server payload for `machine-alive` (spec.md
// §4.7: "every 20s emit machine-alive with {machineId, time}").
type aliveFrame struct {
	MachineID string `json:"machineId"`
	Time      string `json:"time"`
}

// updateFieldRequest is the client->server payload for
// `machine-update-metadata`/`machine-update-state`.
type updateFieldRequest struct {
	MachineID       string `json:"machineId"`
	ExpectedVersion int64  `json:"expectedVersion"`
	Metadata        string `json:"metadata,omitempty"`
	DaemonState     string `json:"daemonState,omitempty"`
}

// updateFieldAck is the ack payload for the two machine-update-* events;
// Result is one of "success", "version-mismatch", "error".
type updateFieldAck struct {
	Result      string `json:"result"`
	Version     int64  `json:"version"`
	Metadata    string `json:"metadata,omitempty"`
	DaemonState string `json:"daemonState,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Ack result values, shared with pkg/session's wire contract.
const (
	ackResultSuccess         = "success"
	ackResultVersionMismatch = "version-mismatch"
	ackResultError           = "error"
)

// livenessInterval is the machine-alive emission cadence (spec.md §4.7).
const livenessInterval = 20 * time.Second
