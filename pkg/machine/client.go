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
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sage-x-project/happyagent/internal/logger"
	"github.com/sage-x-project/happyagent/pkg/connstate"
	"github.com/sage-x-project/happyagent/pkg/credentials"
	"github.com/sage-x-project/happyagent/pkg/envelope"
	"github.com/sage-x-project/happyagent/pkg/rpc"
	"github.com/sage-x-project/happyagent/pkg/transport/wsclient"
	"github.com/sage-x-project/happyagent/pkg/update"
)

// Client is the machine sync client (spec.md §4.7): one socket, two C5
// updaters (MachineMetadata, DaemonState), a liveness ticker, and the
// daemon-control RPC surface.
type Client struct {
	creds  credentials.Credentials
	encCtx envelope.Context
	conn   *connstate.Machine
	log    logger.Logger

	machineID  string
	socket     *wsclient.Client
	dispatcher *rpc.Dispatcher

	metadataUpdater    *update.Updater
	daemonStateUpdater *update.Updater

	mu          sync.RWMutex
	lifecycle   machineLifecycle
	metadata    MachineMetadata
	daemonState DaemonState

	livenessStop chan struct{}
	livenessOnce sync.Once

	onUpdate func()

	initMetadataCiphertext    []byte
	initDaemonStateCiphertext []byte
}

// machineLifecycle mirrors pkg/session.Lifecycle for the single
// machine-scoped socket.
type machineLifecycle int

const (
	lifecycleNew machineLifecycle = iota
	lifecycleConnected
	lifecycleReconnecting
	lifecycleClosed
)

func (l machineLifecycle) String() string {
	switch l {
	case lifecycleNew:
		return "new"
	case lifecycleConnected:
		return "connected"
	case lifecycleReconnecting:
		return "reconnecting"
	case lifecycleClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger overrides the package default logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithOnUpdate installs a callback fired whenever an adopted
// `update-machine` frame or a local C5 write changes metadata or
// daemonState.
func WithOnUpdate(fn func()) Option {
	return func(c *Client) { c.onUpdate = fn }
}

// WithInitialMetadata seeds the metadata updater with a ciphertext already
// known from registration, sparing the first update from looking unknown.
func WithInitialMetadata(ciphertext []byte) Option {
	return func(c *Client) { c.initMetadataCiphertext = ciphertext }
}

// WithInitialDaemonState is WithInitialMetadata's daemon-state counterpart.
func WithInitialDaemonState(ciphertext []byte) Option {
	return func(c *Client) { c.initDaemonStateCiphertext = ciphertext }
}

// noSnapshotSyncer answers every sync with "still unknown": machines have
// no list endpoint to resync from (unlike sessions' GET /v1/sessions), so
// an unexpectedly-unknown version simply stays unknown until the next
// adopted update or local write supplies one (update.Updater treats this
// as a silent skip, not an error).
type noSnapshotSyncer struct{}

func (noSnapshotSyncer) SyncSnapshot(ctx context.Context) (update.State, error) {
	return update.State{Version: -1}, nil
}

// New wires a Client around an already-registered machine record (the
// result of httpClient.RegisterMachine). metadataVersion/daemonStateVersion
// of -1 mean "unknown" but should not normally occur, since registration
// always returns a starting version.
func New(creds credentials.Credentials, encCtx envelope.Context, conn *connstate.Machine, machineID string, metadataVersion, daemonStateVersion int64, opts ...Option) *Client {
	c := &Client{
		creds:      creds,
		encCtx:     encCtx,
		conn:       conn,
		log:        logger.GetDefaultLogger(),
		machineID:  machineID,
		dispatcher: rpc.New(machineID),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.metadataUpdater = update.New("machine-metadata", &fieldSender{client: c, field: "metadata"}, noSnapshotSyncer{},
		update.WithInitialState(update.State{Version: metadataVersion, Ciphertext: c.initMetadataCiphertext}), update.WithLogger(c.log))
	c.daemonStateUpdater = update.New("daemon-state", &fieldSender{client: c, field: "daemonState"}, noSnapshotSyncer{},
		update.WithInitialState(update.State{Version: daemonStateVersion, Ciphertext: c.initDaemonStateCiphertext}), update.WithLogger(c.log))
	return c
}

// MachineID returns the machine identifier this client is bound to.
func (c *Client) MachineID() string { return c.machineID }

func (c *Client) setLifecycle(l machineLifecycle) {
	c.mu.Lock()
	c.lifecycle = l
	c.mu.Unlock()
	c.log.Debug("machine: lifecycle transition", logger.MachineID(c.machineID), logger.ConnState(l))
}

// Connect dials the machine-scoped socket and wires its handlers, then
// starts the 20s liveness ticker (spec.md §4.7).
func (c *Client) Connect(ctx context.Context, serverURL string, header map[string][]string) error {
	url := socketURL(serverURL, "machine-scoped", c.machineID)
	c.socket = wsclient.New(url, wsclient.WithHeader(toHTTPHeader(header, c.creds.Token)))
	c.registerHandlers()
	if err := c.socket.Connect(ctx); err != nil {
		return fmt.Errorf("machine: connect: %w", err)
	}
	c.startLiveness()
	return nil
}

func (c *Client) registerHandlers() {
	c.socket.On("connect", func(json.RawMessage) {
		c.setLifecycle(lifecycleConnected)
		if err := c.dispatcher.ReregisterAll(c.socket); err != nil {
			c.log.Debug("machine: reregister RPC methods failed", logger.Error(err))
		}
		c.forceRunningState()
	})
	c.socket.On("disconnect", func(json.RawMessage) {
		c.mu.RLock()
		closed := c.lifecycle == lifecycleClosed
		c.mu.RUnlock()
		if !closed {
			c.setLifecycle(lifecycleReconnecting)
		}
	})
	c.socket.On("connect_error", func(data json.RawMessage) {
		c.log.Debug("machine: connect error", logger.Any("payload", data))
	})
	c.socket.On("update", func(data json.RawMessage) {
		var upd Update
		if err := json.Unmarshal(data, &upd); err != nil {
			c.log.Debug("machine: malformed update frame", logger.Error(err))
			return
		}
		c.handleUpdate(upd)
	})
	c.socket.On("rpc-request", func(data json.RawMessage) {
		c.handleRPCRequest(data)
	})
}

// forceRunningState implements spec.md §4.7's "on connect, forces
// status=running, pid=currentPid, startedAt=now to overwrite any stale
// record from a previous daemon generation."
func (c *Client) forceRunningState() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.daemonStateUpdater.Update(ctx, func(current update.State) (update.State, error) {
		var state DaemonState
		_ = c.encCtx.Decrypt(current.Ciphertext, &state) // zero-value state on failure is fine: we overwrite below
		state.Status = DaemonStatusRunning
		state.PID = os.Getpid()
		state.StartedAt = time.Now().UTC().Format(time.RFC3339)
		state.ShutdownRequestedAt = ""
		state.ShutdownSource = ""
		raw, err := c.encCtx.Encrypt(state)
		if err != nil {
			return current, err
		}
		return update.State{Ciphertext: raw}, nil
	})
	if err != nil {
		c.log.Debug("machine: force-running daemon state write failed", logger.Error(err))
		return
	}
	c.mu.Lock()
	_ = c.encCtx.Decrypt(c.daemonStateUpdater.Current().Ciphertext, &c.daemonState)
	c.mu.Unlock()
	if c.onUpdate != nil {
		c.onUpdate()
	}
}

func (c *Client) handleUpdate(upd Update) {
	if upd.Body.T != bodyUpdateMachine {
		c.log.Debug("machine: ignoring non update-machine body on machine socket", logger.BodyType(upd.Body.T))
		return
	}
	if upd.Body.MachineID != "" && upd.Body.MachineID != c.machineID {
		return
	}
	adopted := false
	if upd.Body.MetadataVersion > c.metadataUpdater.Current().Version && upd.Body.Metadata != "" {
		if raw, err := decodeB64(upd.Body.Metadata); err == nil {
			c.metadataUpdater.Adopt(update.State{Version: upd.Body.MetadataVersion, Ciphertext: raw})
			var meta MachineMetadata
			if c.encCtx.Decrypt(raw, &meta) {
				c.mu.Lock()
				c.metadata = meta
				c.mu.Unlock()
			}
			adopted = true
		}
	}
	if upd.Body.DaemonStateVersion > c.daemonStateUpdater.Current().Version && upd.Body.DaemonState != "" {
		if raw, err := decodeB64(upd.Body.DaemonState); err == nil {
			c.daemonStateUpdater.Adopt(update.State{Version: upd.Body.DaemonStateVersion, Ciphertext: raw})
			var state DaemonState
			if c.encCtx.Decrypt(raw, &state) {
				c.mu.Lock()
				c.daemonState = state
				c.mu.Unlock()
			}
			adopted = true
		}
	}
	if adopted && c.onUpdate != nil {
		c.onUpdate()
	}
}

// handleRPCRequest implements spec.md §4.3's inbound half: params arrive as
// base64(encrypted(argsJson)) and must be decrypted before dispatch, and
// the handler's result is encrypted back to base64(encrypted(resultJson))
// before the ack — RPC traffic stays opaque to the server like every other
// field this client writes.
func (c *Client) handleRPCRequest(data json.RawMessage) {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		AckID  string          `json:"ackId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		c.log.Debug("machine: malformed rpc-request frame", logger.Error(err))
		return
	}

	params, err := c.decryptRPCParams(req.Params)
	if err != nil {
		c.replyRPCError(req.AckID, req.Method, err)
		return
	}

	result, err := c.dispatcher.Dispatch(req.Method, params)
	if req.AckID == "" {
		return
	}
	if err != nil {
		c.replyRPCError(req.AckID, req.Method, err)
		return
	}
	encResult, err := c.encCtx.EncryptToString(result)
	if err != nil {
		c.replyRPCError(req.AckID, req.Method, fmt.Errorf("machine: encrypt rpc result: %w", err))
		return
	}
	if replyErr := c.socket.Reply(req.AckID, encResult, nil); replyErr != nil {
		c.log.Debug("machine: rpc reply failed", logger.String("method", req.Method), logger.Error(replyErr))
	}
}

// decryptRPCParams decodes and decrypts the base64(encrypted(argsJson))
// wire string into plaintext params JSON. An absent params field decrypts
// to nil, matching methods (e.g. stop-daemon) that take none.
func (c *Client) decryptRPCParams(wire json.RawMessage) (json.RawMessage, error) {
	if len(wire) == 0 {
		return nil, nil
	}
	var encoded string
	if err := json.Unmarshal(wire, &encoded); err != nil {
		return nil, fmt.Errorf("machine: rpc params not a base64 string: %w", err)
	}
	if encoded == "" {
		return nil, nil
	}
	var plain json.RawMessage
	if !c.encCtx.DecryptString(encoded, &plain) {
		return nil, errors.New("machine: decrypt rpc params failed")
	}
	return plain, nil
}

// replyRPCError acks a failed rpc-request with a plaintext error message
// (the typed error code, not content, so it is not encrypted).
func (c *Client) replyRPCError(ackID, method string, err error) {
	if ackID == "" {
		c.log.Debug("machine: rpc-request failed with no ackId", logger.String("method", method), logger.Error(err))
		return
	}
	if replyErr := c.socket.Reply(ackID, nil, err); replyErr != nil {
		c.log.Debug("machine: rpc reply failed", logger.String("method", method), logger.Error(replyErr))
	}
}

// UpdateMetadata runs transform under the metadata C5 lock (spec.md §4.7
// "updateMachineMetadata").
func (c *Client) UpdateMetadata(ctx context.Context, transform func(MachineMetadata) (MachineMetadata, error)) error {
	err := c.metadataUpdater.Update(ctx, func(current update.State) (update.State, error) {
		var meta MachineMetadata
		_ = c.encCtx.Decrypt(current.Ciphertext, &meta)
		next, err := transform(meta)
		if err != nil {
			return current, err
		}
		raw, err := c.encCtx.Encrypt(next)
		if err != nil {
			return current, err
		}
		return update.State{Ciphertext: raw}, nil
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	_ = c.encCtx.Decrypt(c.metadataUpdater.Current().Ciphertext, &c.metadata)
	c.mu.Unlock()
	if c.onUpdate != nil {
		c.onUpdate()
	}
	return nil
}

// UpdateDaemonState runs transform under the daemonState C5 lock (spec.md
// §4.7 "updateDaemonState").
func (c *Client) UpdateDaemonState(ctx context.Context, transform func(DaemonState) (DaemonState, error)) error {
	err := c.daemonStateUpdater.Update(ctx, func(current update.State) (update.State, error) {
		var state DaemonState
		_ = c.encCtx.Decrypt(current.Ciphertext, &state)
		next, err := transform(state)
		if err != nil {
			return current, err
		}
		raw, err := c.encCtx.Encrypt(next)
		if err != nil {
			return current, err
		}
		return update.State{Ciphertext: raw}, nil
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	_ = c.encCtx.Decrypt(c.daemonStateUpdater.Current().Ciphertext, &c.daemonState)
	c.mu.Unlock()
	if c.onUpdate != nil {
		c.onUpdate()
	}
	return nil
}

// Snapshot returns the current in-memory (metadata, daemonState) tuple.
func (c *Client) Snapshot() (MachineMetadata, DaemonState) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadata, c.daemonState
}

func (c *Client) startLiveness() {
	c.livenessOnce.Do(func() {
		c.livenessStop = make(chan struct{})
		go c.livenessLoop()
	})
}

func (c *Client) livenessLoop() {
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.livenessStop:
			return
		case <-ticker.C:
			if c.socket != nil && c.socket.Connected() {
				_ = c.socket.Emit("machine-alive", aliveFrame{MachineID: c.machineID, Time: time.Now().UTC().Format(time.RFC3339)})
			}
		}
	}
}

// Close stops the liveness ticker and closes the socket. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.lifecycle == lifecycleClosed {
		c.mu.Unlock()
		return nil
	}
	c.lifecycle = lifecycleClosed
	c.mu.Unlock()

	if c.livenessStop != nil {
		close(c.livenessStop)
	}
	if c.socket != nil {
		return c.socket.Close()
	}
	return nil
}

const updatesPath = "/v1/updates"

func socketURL(serverURL, clientType, machineID string) string {
	base := strings.TrimRight(serverURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + updatesPath + "?clientType=" + clientType + "&machineId=" + machineID
}

func toHTTPHeader(extra map[string][]string, token string) map[string][]string {
	h := make(map[string][]string, len(extra)+1)
	for k, v := range extra {
		h[k] = v
	}
	if token != "" {
		h["Authorization"] = []string{"Bearer " + token}
	}
	return h
}

func decodeB64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func encodeB64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// fieldSender implements update.Sender over the machine-scoped socket.
type fieldSender struct {
	client *Client
	field  string // "metadata" | "daemonState"
}

func (s *fieldSender) SendUpdate(ctx context.Context, expectedVersion int64, ciphertext []byte) (update.Ack, error) {
	req := updateFieldRequest{MachineID: s.client.machineID, ExpectedVersion: expectedVersion}
	event := "machine-update-metadata"
	if s.field == "daemonState" {
		event = "machine-update-state"
		req.DaemonState = encodeB64(ciphertext)
	} else {
		req.Metadata = encodeB64(ciphertext)
	}

	var ack updateFieldAck
	if err := s.client.socket.EmitWithAck(ctx, event, req, &ack); err != nil {
		return update.Ack{}, err
	}

	field := ack.Metadata
	if s.field == "daemonState" {
		field = ack.DaemonState
	}
	raw, _ := decodeB64(field)
	switch ack.Result {
	case ackResultSuccess:
		return update.Ack{Status: update.AckSuccess, Version: ack.Version, Ciphertext: raw}, nil
	case ackResultVersionMismatch:
		return update.Ack{Status: update.AckVersionMismatch, Version: ack.Version, Ciphertext: raw}, nil
	case ackResultError:
		return update.Ack{Status: update.AckError, Err: fmt.Errorf("machine: %s update rejected: %s", s.field, ack.Error)}, nil
	default:
		return update.Ack{Status: update.AckError, Err: fmt.Errorf("machine: unknown ack result %q", ack.Result)}, nil
	}
}
