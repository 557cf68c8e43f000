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

// Package session implements the session sync client (C6): two concurrent
// sockets (session-scoped primary, user-scoped observer), snapshot sync,
// the pending-message materializer, and outbound message wrapping.
package session

import (
	"encoding/json"
	"time"

	"github.com/sage-x-project/happyagent/pkg/queue"
)

// Lifecycle is one of the session client's states (spec.md §4.6).
type Lifecycle int

const (
	LifecycleNew Lifecycle = iota
	LifecycleConnecting
	LifecycleConnected
	LifecycleReconnecting
	LifecycleClosed
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleNew:
		return "new"
	case LifecycleConnecting:
		return "connecting"
	case LifecycleConnected:
		return "connected"
	case LifecycleReconnecting:
		return "reconnecting"
	case LifecycleClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Metadata is the decrypted shape of a session's metadata field: the
// pending-message queue, the suppressed-id history, and an open bag of
// agent-defined fields the client never interprets.
type Metadata struct {
	Queue                          queue.Queue     `json:"messageQueueV1"`
	QueueDiscarded                 []queue.DiscardedItem `json:"messageQueueV1Discarded,omitempty"`
	DiscardedCommittedMessageIDs   []string        `json:"discardedCommittedMessageLocalIds,omitempty"`
	Extra                          json.RawMessage `json:"extra,omitempty"`
}

// AgentState is the decrypted, opaque agent-state payload: the client
// never interprets its shape, only version-gates it.
type AgentState struct {
	Raw json.RawMessage
}

func (s AgentState) MarshalJSON() ([]byte, error) {
	if len(s.Raw) == 0 {
		return []byte("null"), nil
	}
	return s.Raw, nil
}

func (s *AgentState) UnmarshalJSON(data []byte) error {
	s.Raw = append([]byte(nil), data...)
	return nil
}

// Message is the common outbound/inbound wire shape for user and agent
// messages (spec.md §4.6 "Extra operations").
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Meta    MessageMeta     `json:"meta"`
}

// MessageMeta carries routing metadata alongside a Message.
type MessageMeta struct {
	SentFrom string `json:"sentFrom,omitempty"`
}

// Roles recognized in Message.Role.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Update is the server->client envelope for the `update` event (spec.md
// §3, §6): `Update = {id, seq, createdAt, body}`.
type Update struct {
	ID        string     `json:"id"`
	Seq       int64      `json:"seq"`
	CreatedAt string     `json:"createdAt"`
	Body      updateBody `json:"body"`
}

// updateBody is the discriminated union carried by Update.Body: body.t
// selects which of the optional fields apply.
type updateBody struct {
	T                 string          `json:"t"`
	SessionID         string          `json:"sid,omitempty"`
	ID2               string          `json:"id,omitempty"` // legacy alias for sid (spec.md §9)
	MachineID         string          `json:"machineId,omitempty"`
	MetadataVersion   int64           `json:"metadataVersion,omitempty"`
	AgentStateVersion int64           `json:"agentStateVersion,omitempty"`
	Metadata          string          `json:"metadata,omitempty"`   // base64 ciphertext
	AgentState        string          `json:"agentState,omitempty"` // base64 ciphertext
	Message           *newMessageBody `json:"message,omitempty"`
}

// sid returns the session id carried by an update-session/update body,
// accepting either `sid` or the legacy `id` alias (spec.md §9 Open
// Question: "treat either as authoritative when the other is absent, but
// do not require both").
func (b updateBody) sid() string {
	if b.SessionID != "" {
		return b.SessionID
	}
	return b.ID2
}

// newMessageBody is body.message for a new-message update (spec.md §3).
type newMessageBody struct {
	ID      string       `json:"id"`
	Seq     int64        `json:"seq"`
	LocalID string       `json:"localId,omitempty"`
	Content encryptedRef `json:"content"`
}

// encryptedRef is the {t:"encrypted", c:base64} wire shape for inline
// ciphertext references.
type encryptedRef struct {
	T string `json:"t"`
	C string `json:"c"`
}

// Update-body discriminants (spec.md §4.6, §4.7).
const (
	bodyNewMessage    = "new-message"
	bodyUpdateSession = "update-session"
	bodyUpdateMachine = "update-machine"
)

// messageFrame is the client->server payload for the session socket's
// `message` event (spec.md §6, §4.6 step 6 of popPendingMessage).
type messageFrame struct {
	SID     string `json:"sid"`
	Message string `json:"message"` // base64 ciphertext
	LocalID string `json:"localId,omitempty"`
}

// aliveFrame is the client->server payload for `session-alive` (spec.md
// §6: `{sid, time, thinking, mode}`).
type aliveFrame struct {
	SID      string `json:"sid"`
	Time     string `json:"time"`
	Thinking bool   `json:"thinking"`
	Mode     string `json:"mode"`
}

// endFrame is the client->server payload for `session-end` (spec.md §6:
// `{sid, time}`).
type endFrame struct {
	SID  string `json:"sid"`
	Time string `json:"time"`
}

// updateFieldRequest is the client->server payload for `update-metadata`
// and `update-state` (spec.md §6): a field is either metadata or
// agentState ciphertext, never both on the same request.
type updateFieldRequest struct {
	SID             string `json:"sid"`
	ExpectedVersion int64  `json:"expectedVersion"`
	Metadata        string `json:"metadata,omitempty"`
	AgentState      string `json:"agentState,omitempty"`
}

// updateFieldAck is the ack payload for `update-metadata`/`update-state`:
// Result is one of "success", "version-mismatch", "error".
type updateFieldAck struct {
	Result     string `json:"result"`
	Version    int64  `json:"version"`
	Metadata   string `json:"metadata,omitempty"`
	AgentState string `json:"agentState,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Ack result values (spec.md §6).
const (
	ackResultSuccess         = "success"
	ackResultVersionMismatch = "version-mismatch"
	ackResultError           = "error"
)

// recoveryTimerDelay is the ~500ms delay before the first transcript
// recovery attempt (spec.md §4.6 step 7).
const recoveryTimerDelay = 500 * time.Millisecond

// recoveryPollWindow bounds transcript recovery polling (spec.md §4.6
// step 7: "poll history up to ~7.5 s").
const recoveryPollWindow = 7500 * time.Millisecond

// userSocketIdleGrace is how long the user-scoped socket is kept open
// after the pendingMaterialized set drains (spec.md §4.6, "Handlers on the
// user-scoped socket").
const userSocketIdleGrace = 2 * time.Second
