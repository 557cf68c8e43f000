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

// Package wsclient is the event-multiplexed websocket transport shared by
// the session-scoped, user-scoped and machine-scoped sync clients. It
// generalizes the teacher's request/response-by-message-ID transport
// (pkg/agent/transport/websocket) into a named-frame event bus: the wire
// carries `update`, `rpc-request`, `message`, `rpc-registered`,
// `rpc-unregistered` and `rpc-error` frames rather than a single reply per
// request.
package wsclient

import "encoding/json"

// Frame is the wire envelope for every message exchanged over a client
// socket. Event names the logical channel ("update", "rpc-request", ...);
// Data is the event's encoded payload, left raw so callers decrypt and
// decode it themselves. AckID is set on frames that expect a reply frame
// carrying the same AckID (EmitWithAck); it is empty on fire-and-forget
// frames.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// ackEvent is the Event of the reply a peer sends back for a Frame
// carrying an AckID; the reply's ackPayload has Err set when the remote
// side wants to reject the request instead of answering it.
const ackEvent = "ack"

type ackPayload struct {
	Data json.RawMessage `json:"data,omitempty"`
	Err  string          `json:"err,omitempty"`
}
