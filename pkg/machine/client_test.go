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
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/happyagent/pkg/connstate"
	"github.com/sage-x-project/happyagent/pkg/credentials"
	"github.com/sage-x-project/happyagent/pkg/envelope"
)

var testWSUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func newTestEncCtx(t *testing.T) envelope.Context {
	t.Helper()
	var key [32]byte
	_, err := rand.Read(key[:])
	require.NoError(t, err)
	return envelope.Context{Key: key, Variant: envelope.VariantLegacy}
}

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

type wireAck struct {
	Data json.RawMessage `json:"data,omitempty"`
	Err  string          `json:"err,omitempty"`
}

// scriptedSocketServer is a minimal machine-scoped socket peer: it acks
// machine-update-metadata/machine-update-state with success and records
// every frame it receives for assertions.
type scriptedSocketServer struct {
	t        *testing.T
	srv      *httptest.Server
	url      string
	mu       sync.Mutex
	conn     *websocket.Conn
	connCh   chan *websocket.Conn
	received []wireFrame
}

func newScriptedSocketServer(t *testing.T) *scriptedSocketServer {
	t.Helper()
	s := &scriptedSocketServer{t: t, connCh: make(chan *websocket.Conn, 4)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testWSUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.connCh <- conn
		for {
			var f wireFrame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, f)
			s.mu.Unlock()

			switch f.Event {
			case "machine-update-metadata":
				s.ackField(conn, f, "metadata")
			case "machine-update-state":
				s.ackField(conn, f, "daemonState")
			}
		}
	}))
	s.url = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	return s
}

func (s *scriptedSocketServer) ackField(conn *websocket.Conn, f wireFrame, field string) {
	var req updateFieldRequest
	_ = json.Unmarshal(f.Data, &req)
	ack := updateFieldAck{Result: ackResultSuccess, Version: req.ExpectedVersion + 1}
	if field == "daemonState" {
		ack.DaemonState = req.DaemonState
	} else {
		ack.Metadata = req.Metadata
	}
	data, _ := json.Marshal(ack)
	payload, _ := json.Marshal(wireAck{Data: data})
	_ = conn.WriteJSON(wireFrame{Event: "ack", AckID: f.AckID, Data: payload})
}

func (s *scriptedSocketServer) close() { s.srv.Close() }

func (s *scriptedSocketServer) framesNamed(event string) []wireFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wireFrame
	for _, f := range s.received {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (s *scriptedSocketServer) pushUpdate(t *testing.T, upd Update) {
	t.Helper()
	data, err := json.Marshal(upd)
	require.NoError(t, err)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteJSON(wireFrame{Event: "update", Data: data}))
}

// rpcRequestFrame mirrors the {method, params, ackId} shape handleRPCRequest
// decodes (spec.md §4.3).
type rpcRequestFrame struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	AckID  string          `json:"ackId"`
}

// pushRPCRequest sends an rpc-request frame whose params is the base64
// wire string for already-encrypted argsJson (empty encryptedParams means
// no params field, matching a method that takes none).
func (s *scriptedSocketServer) pushRPCRequest(t *testing.T, method, ackID, encryptedParams string) {
	t.Helper()
	req := rpcRequestFrame{Method: method, AckID: ackID}
	if encryptedParams != "" {
		raw, err := json.Marshal(encryptedParams)
		require.NoError(t, err)
		req.Params = raw
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteJSON(wireFrame{Event: "rpc-request", Data: data}))
}

// ackFor returns the ack frame carrying ackID, if one has arrived yet.
func (s *scriptedSocketServer) ackFor(ackID string) (wireFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.received {
		if f.Event == "ack" && f.AckID == ackID {
			return f, true
		}
	}
	return wireFrame{}, false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func newConnectedTestClient(t *testing.T, machineID string, metadataVersion, daemonStateVersion int64) (*Client, *scriptedSocketServer, func()) {
	t.Helper()
	encCtx := newTestEncCtx(t)
	sock := newScriptedSocketServer(t)

	creds := credentials.Credentials{Token: "tok", Variant: envelope.VariantLegacy}
	conn := connstate.NewMachine()

	c := New(creds, encCtx, conn, machineID, metadataVersion, daemonStateVersion)
	require.NoError(t, c.Connect(context.Background(), sock.url, nil))
	require.True(t, waitFor(t, 2*time.Second, c.socket.Connected))

	cleanup := func() {
		_ = c.Close()
		sock.close()
	}
	return c, sock, cleanup
}

func TestConnectForcesDaemonStateToRunning(t *testing.T) {
	c, _, cleanup := newConnectedTestClient(t, "machine-1", 0, 0)
	defer cleanup()

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		_, state := c.Snapshot()
		return state.Status == DaemonStatusRunning
	}))

	_, state := c.Snapshot()
	assert.Equal(t, os.Getpid(), state.PID)
	assert.NotEmpty(t, state.StartedAt)
	assert.Empty(t, state.ShutdownRequestedAt)
}

func TestUpdateMetadataRoundTrips(t *testing.T) {
	c, _, cleanup := newConnectedTestClient(t, "machine-1", 0, 0)
	defer cleanup()

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		_, state := c.Snapshot()
		return state.Status == DaemonStatusRunning
	}))

	err := c.UpdateMetadata(context.Background(), func(current MachineMetadata) (MachineMetadata, error) {
		return MachineMetadata{Raw: json.RawMessage(`{"label":"bench-1"}`)}, nil
	})
	require.NoError(t, err)

	meta, _ := c.Snapshot()
	assert.JSONEq(t, `{"label":"bench-1"}`, string(meta.Raw))
}

func TestHandleUpdateAdoptsNewerMetadataVersion(t *testing.T) {
	c, sock, cleanup := newConnectedTestClient(t, "machine-1", 5, 0)
	defer cleanup()

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		_, state := c.Snapshot()
		return state.Status == DaemonStatusRunning
	}))

	encCtx := c.encCtx
	raw, err := encCtx.Encrypt(MachineMetadata{Raw: json.RawMessage(`{"label":"remote"}`)})
	require.NoError(t, err)

	sock.pushUpdate(t, Update{
		ID: "u1",
		Body: updateBody{
			T:               bodyUpdateMachine,
			MachineID:       "machine-1",
			MetadataVersion: 6,
			Metadata:        encodeB64(raw),
		},
	})

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		meta, _ := c.Snapshot()
		return string(meta.Raw) == `{"label":"remote"}`
	}))
	assert.Equal(t, int64(6), c.metadataUpdater.Current().Version)
}

func TestHandleUpdateDropsStaleMetadataVersion(t *testing.T) {
	c, sock, cleanup := newConnectedTestClient(t, "machine-1", 5, 0)
	defer cleanup()

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		_, state := c.Snapshot()
		return state.Status == DaemonStatusRunning
	}))

	raw, err := c.encCtx.Encrypt(MachineMetadata{Raw: json.RawMessage(`{"label":"stale"}`)})
	require.NoError(t, err)

	sock.pushUpdate(t, Update{
		ID: "u2",
		Body: updateBody{
			T:               bodyUpdateMachine,
			MachineID:       "machine-1",
			MetadataVersion: 5, // not > current (5)
			Metadata:        encodeB64(raw),
		},
	})

	time.Sleep(100 * time.Millisecond)
	meta, _ := c.Snapshot()
	assert.NotEqual(t, `{"label":"stale"}`, string(meta.Raw))
	assert.Equal(t, int64(5), c.metadataUpdater.Current().Version)
}

func TestHandleUpdateIgnoresOtherMachineID(t *testing.T) {
	c, sock, cleanup := newConnectedTestClient(t, "machine-1", 5, 0)
	defer cleanup()

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		_, state := c.Snapshot()
		return state.Status == DaemonStatusRunning
	}))

	raw, err := c.encCtx.Encrypt(MachineMetadata{Raw: json.RawMessage(`{"label":"other"}`)})
	require.NoError(t, err)

	sock.pushUpdate(t, Update{
		ID: "u3",
		Body: updateBody{
			T:               bodyUpdateMachine,
			MachineID:       "machine-2",
			MetadataVersion: 99,
			Metadata:        encodeB64(raw),
		},
	})

	time.Sleep(100 * time.Millisecond)
	meta, _ := c.Snapshot()
	assert.NotEqual(t, `{"label":"other"}`, string(meta.Raw))
}

func TestCloseIsIdempotent(t *testing.T) {
	c, _, cleanup := newConnectedTestClient(t, "machine-1", 0, 0)
	defer cleanup()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestSpawnSessionParamsValidateRequiresDirectory(t *testing.T) {
	p := SpawnSessionParams{}
	verr := p.Validate()
	require.NotNil(t, verr)
	assert.Equal(t, "directory", verr.Field)
}

func TestSpawnSessionParamsValidateAllowsNoResume(t *testing.T) {
	p := SpawnSessionParams{Directory: "/tmp/work"}
	assert.Nil(t, p.Validate())
}

func TestSpawnSessionParamsValidateResumeRequiresSessionID(t *testing.T) {
	p := SpawnSessionParams{Directory: "/tmp/work", ResumeSession: &ResumeSession{
		SessionEncryptionKeyBase64: "a2V5",
		SessionEncryptionVariant:   "dataKey",
	}}
	verr := p.Validate()
	require.NotNil(t, verr)
	assert.Equal(t, "resumeSession.sessionId", verr.Field)
}

func TestSpawnSessionParamsValidateResumeRequiresEncryptionKey(t *testing.T) {
	p := SpawnSessionParams{Directory: "/tmp/work", ResumeSession: &ResumeSession{
		SessionID:                "sess-1",
		SessionEncryptionVariant: "dataKey",
	}}
	verr := p.Validate()
	require.NotNil(t, verr)
	assert.Equal(t, "resumeSession.sessionEncryptionKeyBase64", verr.Field)
}

func TestSpawnSessionParamsValidateResumeRequiresDataKeyVariant(t *testing.T) {
	p := SpawnSessionParams{Directory: "/tmp/work", ResumeSession: &ResumeSession{
		SessionID:                  "sess-1",
		SessionEncryptionKeyBase64: "a2V5",
		SessionEncryptionVariant:   "legacy",
	}}
	verr := p.Validate()
	require.NotNil(t, verr)
	assert.Equal(t, "resumeSession.sessionEncryptionVariant", verr.Field)
}

func TestSpawnSessionParamsValidateResumeAcceptsCompleteRequest(t *testing.T) {
	p := SpawnSessionParams{Directory: "/tmp/work", ResumeSession: &ResumeSession{
		SessionID:                  "sess-1",
		SessionEncryptionKeyBase64: "a2V5",
		SessionEncryptionVariant:   "dataKey",
	}}
	assert.Nil(t, p.Validate())
}

func TestStopSessionParamsValidateRequiresSessionID(t *testing.T) {
	p := StopSessionParams{}
	verr := p.Validate()
	require.NotNil(t, verr)
	assert.Equal(t, "sessionId", verr.Field)
}

func TestRegisterSpawnHandlerDelegatesOnValidParams(t *testing.T) {
	c, _, cleanup := newConnectedTestClient(t, "machine-1", 0, 0)
	defer cleanup()

	var gotDirectory string
	require.NoError(t, c.RegisterSpawnHandler(func(p SpawnSessionParams) (json.RawMessage, error) {
		gotDirectory = p.Directory
		return json.RawMessage(`{"ok":true}`), nil
	}))

	params, _ := json.Marshal(SpawnSessionParams{Directory: "/tmp/work"})
	result, err := c.dispatcher.Dispatch(c.dispatcher.WireMethod("spawn-happy-session"), params)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/work", gotDirectory)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

// TestHandleRPCRequestDecryptsParamsAndEncryptsResult covers Comment 1 of
// the maintainer review: an inbound rpc-request's params must be decrypted
// before dispatch, and the handler's result must be encrypted before the
// ack goes back over the wire (spec.md §4.3).
func TestHandleRPCRequestDecryptsParamsAndEncryptsResult(t *testing.T) {
	c, sock, cleanup := newConnectedTestClient(t, "machine-1", 0, 0)
	defer cleanup()

	var gotDirectory string
	require.NoError(t, c.RegisterSpawnHandler(func(p SpawnSessionParams) (json.RawMessage, error) {
		gotDirectory = p.Directory
		return json.Marshal(map[string]bool{"ok": true})
	}))

	encodedParams, err := c.encCtx.EncryptToString(SpawnSessionParams{Directory: "/tmp/work"})
	require.NoError(t, err)

	ackID := "rid-1"
	sock.pushRPCRequest(t, c.dispatcher.WireMethod("spawn-happy-session"), ackID, encodedParams)

	require.True(t, waitFor(t, time.Second, func() bool {
		_, ok := sock.ackFor(ackID)
		return ok
	}))
	assert.Equal(t, "/tmp/work", gotDirectory)

	frame, ok := sock.ackFor(ackID)
	require.True(t, ok)
	var ack wireAck
	require.NoError(t, json.Unmarshal(frame.Data, &ack))
	require.Empty(t, ack.Err)

	var encodedResult string
	require.NoError(t, json.Unmarshal(ack.Data, &encodedResult))
	assert.NotEqual(t, `{"ok":true}`, encodedResult) // must not be plaintext on the wire

	var result map[string]bool
	require.True(t, c.encCtx.DecryptString(encodedResult, &result))
	assert.True(t, result["ok"])
}

// TestHandleRPCRequestWithNoParamsField covers stop-daemon, whose params
// carry no required fields and may be absent from the wire frame entirely.
func TestHandleRPCRequestWithNoParamsField(t *testing.T) {
	c, sock, cleanup := newConnectedTestClient(t, "machine-1", 0, 0)
	defer cleanup()

	called := false
	require.NoError(t, c.RegisterStopDaemonHandler(func(p StopDaemonParams) (json.RawMessage, error) {
		called = true
		return nil, nil
	}))

	ackID := "rid-2"
	sock.pushRPCRequest(t, c.dispatcher.WireMethod("stop-daemon"), ackID, "")

	require.True(t, waitFor(t, time.Second, func() bool { return called }))
	require.True(t, waitFor(t, time.Second, func() bool {
		_, ok := sock.ackFor(ackID)
		return ok
	}))
}

func TestRegisterSpawnHandlerRejectsInvalidParams(t *testing.T) {
	c, _, cleanup := newConnectedTestClient(t, "machine-1", 0, 0)
	defer cleanup()

	called := false
	require.NoError(t, c.RegisterSpawnHandler(func(p SpawnSessionParams) (json.RawMessage, error) {
		called = true
		return nil, nil
	}))

	params, _ := json.Marshal(SpawnSessionParams{})
	_, err := c.dispatcher.Dispatch(c.dispatcher.WireMethod("spawn-happy-session"), params)
	require.Error(t, err)
	assert.False(t, called)
}
