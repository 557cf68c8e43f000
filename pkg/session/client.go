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

package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sage-x-project/happyagent/internal/logger"
	"github.com/sage-x-project/happyagent/pkg/connstate"
	"github.com/sage-x-project/happyagent/pkg/credentials"
	"github.com/sage-x-project/happyagent/pkg/envelope"
	"github.com/sage-x-project/happyagent/pkg/httpapi"
	"github.com/sage-x-project/happyagent/pkg/queue"
	"github.com/sage-x-project/happyagent/pkg/rpc"
	"github.com/sage-x-project/happyagent/pkg/transport/wsclient"
	"github.com/sage-x-project/happyagent/pkg/update"
)

const updatesPath = "/v1/updates"

// Client is the session sync client (spec.md §4.6): two sockets, two C5
// updaters, an RPC dispatcher, and the pending-message materializer.
type Client struct {
	http   *httpapi.Client
	creds  credentials.Credentials
	encCtx envelope.Context
	conn   *connstate.Machine
	log    logger.Logger

	serverURL string
	header    map[string][]string

	sessionSocket *wsclient.Client
	dispatcher    *rpc.Dispatcher

	metadataUpdater   *update.Updater
	agentStateUpdater *update.Updater
	syncer            *snapshotSyncer

	userSocketMu  sync.Mutex
	userSocket    *wsclient.Client
	userIdleTimer *time.Timer

	mu         sync.RWMutex
	lifecycle  Lifecycle
	sessionID  string
	metadata   Metadata
	agentState AgentState

	pendingMu                   sync.Mutex
	pendingMaterializedLocalIds map[string]struct{}
	recoveryTimers              map[string]*time.Timer

	onUserMessage     func(Message)
	onRawMessage      func(json.RawMessage)
	onMetadataUpdated func()

	bufferedMessages []Message

	initMetadataCiphertext   []byte
	initAgentStateCiphertext []byte
}

// maxBufferedUserMessages bounds bufferedMessages by tail-retention, the
// same cap-and-drop-oldest idiom as pkg/queue's discarded-id lists, for
// messages that arrive before a user-message callback is ever registered.
const maxBufferedUserMessages = 200

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger overrides the package default logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithOnUserMessage installs the callback fed every materialized message
// that parses as a Message (spec.md §4.6, session-socket `update` handler).
func WithOnUserMessage(fn func(Message)) Option {
	return func(c *Client) { c.onUserMessage = fn }
}

// WithOnRawMessage installs the callback fed a new-message payload that
// decrypted successfully but did not parse as a Message envelope (spec.md
// §4.6: "If it doesn't parse: emit as a generic 'message' event").
func WithOnRawMessage(fn func(json.RawMessage)) Option {
	return func(c *Client) { c.onRawMessage = fn }
}

// WithOnMetadataUpdated installs the callback fired after an adopted
// `update-session` frame or a snapshot sync. Local C5 writes made through
// this client's updaters do not fire it.
func WithOnMetadataUpdated(fn func()) Option {
	return func(c *Client) { c.onMetadataUpdated = fn }
}

// WithInitialMetadata seeds the metadata updater with a ciphertext already
// known at construction time (e.g. the session-creation response), so the
// first write need not pay for a snapshot sync.
func WithInitialMetadata(ciphertext []byte) Option {
	return func(c *Client) { c.initMetadataCiphertext = ciphertext }
}

// WithInitialAgentState is WithInitialMetadata's agent-state counterpart.
func WithInitialAgentState(ciphertext []byte) Option {
	return func(c *Client) { c.initAgentStateCiphertext = ciphertext }
}

// New wires a Client around an already-created session record (e.g. the
// result of httpClient.CreateSession, or a resumed session whose id is
// already known). metadataVersion/agentStateVersion of -1 mean "unknown,
// sync first" (spec.md §3).
func New(httpClient *httpapi.Client, creds credentials.Credentials, encCtx envelope.Context, conn *connstate.Machine, sessionID string, metadataVersion, agentStateVersion int64, opts ...Option) *Client {
	c := &Client{
		http:                        httpClient,
		creds:                       creds,
		encCtx:                      encCtx,
		conn:                        conn,
		log:                         logger.GetDefaultLogger(),
		lifecycle:                   LifecycleNew,
		sessionID:                   sessionID,
		dispatcher:                  rpc.New(sessionID),
		pendingMaterializedLocalIds: make(map[string]struct{}),
		recoveryTimers:              make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.syncer = newSnapshotSyncer(httpClient, encCtx, sessionID)
	c.metadataUpdater = update.New("metadata", &fieldSender{client: c, field: "metadata"}, c.syncer.forField("metadata"),
		update.WithInitialState(update.State{Version: metadataVersion, Ciphertext: c.initMetadataCiphertext}), update.WithLogger(c.log))
	c.agentStateUpdater = update.New("agent-state", &fieldSender{client: c, field: "agentState"}, c.syncer.forField("agentState"),
		update.WithInitialState(update.State{Version: agentStateVersion, Ciphertext: c.initAgentStateCiphertext}), update.WithLogger(c.log))
	return c
}

// SessionID returns the session identifier this client is bound to.
func (c *Client) SessionID() string { return c.sessionID }

// Lifecycle returns the client's current lifecycle state.
func (c *Client) Lifecycle() Lifecycle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lifecycle
}

func (c *Client) setLifecycle(l Lifecycle) {
	c.mu.Lock()
	c.lifecycle = l
	c.mu.Unlock()
	c.log.Debug("session: lifecycle transition", logger.SessionID(c.sessionID), logger.ConnState(l))
}

// Connect dials the session-scoped socket and wires its handlers. The
// user-scoped socket is opened lazily by the materializer.
func (c *Client) Connect(ctx context.Context, serverURL string, header map[string][]string) error {
	c.setLifecycle(LifecycleConnecting)
	c.serverURL = serverURL
	c.header = header
	url := socketURL(serverURL, "session-scoped", c.sessionID)
	c.sessionSocket = wsclient.New(url, wsclient.WithHeader(toHTTPHeader(header, c.creds.Token)))
	c.registerSessionHandlers()
	if err := c.sessionSocket.Connect(ctx); err != nil {
		c.setLifecycle(LifecycleClosed)
		return fmt.Errorf("session: connect session socket: %w", err)
	}
	return nil
}

func (c *Client) registerSessionHandlers() {
	c.sessionSocket.On("connect", func(json.RawMessage) {
		c.setLifecycle(LifecycleConnected)
		if err := c.dispatcher.ReregisterAll(c.sessionSocket); err != nil {
			c.log.Warn("session: reregister rpc methods failed", logger.Error(err))
		}
		needsSync := c.metadataUpdater.Current().Version < 0 || c.agentStateUpdater.Current().Version < 0
		if needsSync {
			go c.syncNow(context.Background())
		}
	})
	c.sessionSocket.On("disconnect", func(json.RawMessage) {
		c.setLifecycle(LifecycleReconnecting)
	})
	c.sessionSocket.On("connect_error", func(data json.RawMessage) {
		c.log.Debug("session: connect_error on session socket", logger.Any("data", data))
	})
	c.sessionSocket.On("update", func(data json.RawMessage) {
		var upd Update
		if err := json.Unmarshal(data, &upd); err != nil {
			c.log.Debug("session: drop malformed update frame", logger.Error(err))
			return
		}
		c.handleUpdate(upd, false)
	})
	c.sessionSocket.On("rpc-request", func(data json.RawMessage) {
		c.handleRPCRequest(data)
	})
}

// handleUpdate applies an Update frame. fromUserSocket selects the
// user-scoped dedup path (spec.md §4.6 "Handlers on the user-scoped
// socket"); false means the session-scoped decode pipeline.
func (c *Client) handleUpdate(upd Update, fromUserSocket bool) {
	switch upd.Body.T {
	case bodyNewMessage:
		c.handleNewMessage(upd.Body, fromUserSocket)
	case bodyUpdateSession:
		if fromUserSocket {
			return
		}
		c.handleUpdateSession(upd.Body)
	case bodyUpdateMachine:
		c.log.Debug("session: ignoring update-machine on session socket")
	default:
		c.log.Debug("session: unknown update body type", logger.BodyType(upd.Body.T))
	}
}

func (c *Client) handleNewMessage(body updateBody, fromUserSocket bool) {
	if body.Message == nil {
		return
	}
	localID := body.Message.LocalID

	if fromUserSocket {
		if localID == "" || !c.consumePendingMaterialized(localID) {
			return // not ours to materialize, or a duplicate echo
		}
		c.releaseUserSocketIfDrained()
	}

	var raw json.RawMessage
	if !c.encCtx.DecryptString(body.Message.Content.C, &raw) {
		c.log.Debug("session: decrypt failure on new-message", logger.String("id", body.Message.ID))
		return
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		if localID != "" {
			go c.bestEffortClearInFlight(localID)
		}
		c.deliverRawMessage(raw)
		return
	}

	if localID != "" {
		go c.bestEffortClearInFlight(localID)
	}
	c.deliverUserMessage(msg)
}

// deliverUserMessage hands msg to the user-message callback, or buffers it
// (spec.md §4.6: "or enqueue if no callback registered") when none is
// registered yet.
func (c *Client) deliverUserMessage(msg Message) {
	if c.onUserMessage != nil {
		c.onUserMessage(msg)
		return
	}
	c.mu.Lock()
	c.bufferedMessages = append(c.bufferedMessages, msg)
	if len(c.bufferedMessages) > maxBufferedUserMessages {
		c.bufferedMessages = c.bufferedMessages[len(c.bufferedMessages)-maxBufferedUserMessages:]
	}
	c.mu.Unlock()
}

// deliverRawMessage handles a new-message payload that decrypted but did
// not parse as a Message envelope (spec.md §4.6: "emit as a generic
// 'message' event").
func (c *Client) deliverRawMessage(raw json.RawMessage) {
	if c.onRawMessage != nil {
		c.onRawMessage(raw)
		return
	}
	c.log.Debug("session: new-message payload did not parse as a Message envelope")
}

// DrainBufferedMessages returns and clears any user messages that arrived
// before WithOnUserMessage was ever configured.
func (c *Client) DrainBufferedMessages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.bufferedMessages
	c.bufferedMessages = nil
	return out
}

func (c *Client) handleUpdateSession(body updateBody) {
	if body.sid() != "" && body.sid() != c.sessionID {
		return
	}
	adopted := false
	if body.MetadataVersion > c.metadataUpdater.Current().Version && body.Metadata != "" {
		raw, err := decodeB64(body.Metadata)
		if err == nil {
			c.metadataUpdater.Adopt(update.State{Version: body.MetadataVersion, Ciphertext: raw})
			var meta Metadata
			if c.encCtx.Decrypt(raw, &meta) {
				c.mu.Lock()
				c.metadata = meta
				c.mu.Unlock()
			}
			adopted = true
		}
	}
	if body.AgentStateVersion > c.agentStateUpdater.Current().Version && body.AgentState != "" {
		raw, err := decodeB64(body.AgentState)
		if err == nil {
			c.agentStateUpdater.Adopt(update.State{Version: body.AgentStateVersion, Ciphertext: raw})
			var state AgentState
			if c.encCtx.Decrypt(raw, &state) {
				c.mu.Lock()
				c.agentState = state
				c.mu.Unlock()
			}
			adopted = true
		}
	}
	if adopted && c.onMetadataUpdated != nil {
		c.onMetadataUpdated()
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
		c.replyRPCError(req.AckID, req.Method, fmt.Errorf("session: encrypt rpc result: %w", err))
		return
	}
	_ = c.sessionSocket.Reply(req.AckID, encResult, nil)
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
		return nil, fmt.Errorf("session: rpc params not a base64 string: %w", err)
	}
	if encoded == "" {
		return nil, nil
	}
	var plain json.RawMessage
	if !c.encCtx.DecryptString(encoded, &plain) {
		return nil, errors.New("session: decrypt rpc params failed")
	}
	return plain, nil
}

// replyRPCError acks a failed rpc-request with a plaintext error message
// (the typed error code, not content, so it is not encrypted).
func (c *Client) replyRPCError(ackID, method string, err error) {
	if ackID == "" {
		c.log.Debug("session: rpc-request failed with no ackId", logger.String("method", method), logger.Error(err))
		return
	}
	if replyErr := c.sessionSocket.Reply(ackID, nil, err); replyErr != nil {
		c.log.Debug("session: rpc reply failed", logger.String("method", method), logger.Error(replyErr))
	}
}

// Register installs handler under method, re-registering on every
// reconnect (spec.md §4.3).
func (c *Client) Register(method string, handler rpc.Handler) error {
	return c.dispatcher.Register(method, handler, c.sessionSocket)
}

// bestEffortClearInFlight clears a materialized localId from the pending
// queue via C5. Failures are logged, never surfaced (spec.md §4.6).
func (c *Client) bestEffortClearInFlight(localID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.metadataUpdater.Update(ctx, func(current update.State) (update.State, error) {
		var meta Metadata
		if !c.encCtx.Decrypt(current.Ciphertext, &meta) {
			return current, fmt.Errorf("session: decrypt metadata for clearInFlight")
		}
		meta.Queue = queue.ClearInFlight(meta.Queue, localID)
		raw, err := c.encCtx.Encrypt(meta)
		if err != nil {
			return current, err
		}
		return update.State{Ciphertext: raw}, nil
	})
	if err != nil {
		c.log.Debug("session: clearInFlight failed", logger.LocalID(localID), logger.Error(err))
	}
}

func (c *Client) consumePendingMaterialized(localID string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, ok := c.pendingMaterializedLocalIds[localID]; !ok {
		return false
	}
	delete(c.pendingMaterializedLocalIds, localID)
	if t, ok := c.recoveryTimers[localID]; ok {
		t.Stop()
		delete(c.recoveryTimers, localID)
	}
	return true
}

// SendAlive emits a volatile `session-alive` frame, dropped silently if
// disconnected (spec.md §4.6 "Keep-alive").
func (c *Client) SendAlive(thinking bool, mode string) {
	if c.sessionSocket == nil || !c.sessionSocket.Connected() {
		return
	}
	_ = c.sessionSocket.Emit("session-alive", aliveFrame{SID: c.sessionID, Time: time.Now().UTC().Format(time.RFC3339), Thinking: thinking, Mode: mode})
}

// End emits `session-end`.
func (c *Client) End() error {
	if c.sessionSocket == nil {
		return nil
	}
	return c.sessionSocket.Emit("session-end", endFrame{SID: c.sessionID, Time: time.Now().UTC().Format(time.RFC3339)})
}

// EnqueueUserText wraps text as a user Message, encrypts it, and appends
// it to the pending queue as a fresh Item with a generated localId
// (spec.md §4.6 "Extra operations", "outbound send operations"). The
// message is materialized later by popPendingMessage (materializer.go).
func (c *Client) EnqueueUserText(ctx context.Context, text string) (string, error) {
	content, err := json.Marshal(text)
	if err != nil {
		return "", err
	}
	return c.enqueueMessage(ctx, Message{Role: RoleUser, Content: content, Meta: MessageMeta{SentFrom: "cli"}})
}

// EnqueueAgentMessage wraps an already-encoded ACP content envelope as an
// agent-role Message and enqueues it, normalizing a best-effort
// tool-result `isError` flag the way spec.md §4.6 describes.
func (c *Client) EnqueueAgentMessage(ctx context.Context, content json.RawMessage) (string, error) {
	content = normalizeToolResultError(content)
	return c.enqueueMessage(ctx, Message{Role: RoleAgent, Content: content, Meta: MessageMeta{SentFrom: "cli"}})
}

func (c *Client) enqueueMessage(ctx context.Context, msg Message) (string, error) {
	ciphertext, err := c.encCtx.Encrypt(msg)
	if err != nil {
		return "", fmt.Errorf("session: encrypt outbound message: %w", err)
	}
	localID := uuid.NewString()
	now := time.Now()
	item := queue.Item{
		LocalID:   localID,
		Message:   base64.StdEncoding.EncodeToString(ciphertext),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = c.metadataUpdater.Update(ctx, func(current update.State) (update.State, error) {
		var meta Metadata
		if !c.encCtx.Decrypt(current.Ciphertext, &meta) {
			return current, fmt.Errorf("session: decrypt metadata for enqueue")
		}
		meta.Queue.Items = append(meta.Queue.Items, item)
		raw, err := c.encCtx.Encrypt(meta)
		if err != nil {
			return current, err
		}
		return update.State{Ciphertext: raw}, nil
	})
	if err != nil {
		return "", err
	}
	return localID, nil
}

// normalizeToolResultError sets `content.isError = true` when a
// tool-result envelope's nested output shows a failed/error status, a
// best-effort inference (spec.md §4.6).
func normalizeToolResultError(content json.RawMessage) json.RawMessage {
	var probe struct {
		Type   string `json:"type"`
		Output struct {
			Status string `json:"status"`
		} `json:"output"`
	}
	if err := json.Unmarshal(content, &probe); err != nil {
		return content
	}
	if probe.Type != "tool-result" {
		return content
	}
	status := strings.ToLower(probe.Output.Status)
	if status != "error" && status != "failed" {
		return content
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(content, &fields); err != nil {
		return content
	}
	fields["isError"] = json.RawMessage("true")
	out, err := json.Marshal(fields)
	if err != nil {
		return content
	}
	return out
}

// Close idempotently tears down both sockets, cancels pending timers, and
// clears the pending-materialized set (spec.md §4.6).
func (c *Client) Close() error {
	c.setLifecycle(LifecycleClosed)

	c.pendingMu.Lock()
	for _, t := range c.recoveryTimers {
		t.Stop()
	}
	c.recoveryTimers = make(map[string]*time.Timer)
	c.pendingMaterializedLocalIds = make(map[string]struct{})
	c.pendingMu.Unlock()

	c.userSocketMu.Lock()
	if c.userIdleTimer != nil {
		c.userIdleTimer.Stop()
	}
	userSocket := c.userSocket
	c.userSocket = nil
	c.userSocketMu.Unlock()
	if userSocket != nil {
		_ = userSocket.Close()
	}

	if c.sessionSocket != nil {
		return c.sessionSocket.Close()
	}
	return nil
}

func socketURL(serverURL, clientType, sessionID string) string {
	base := strings.TrimRight(serverURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	url := base + updatesPath + "?clientType=" + clientType
	if sessionID != "" {
		url += "&sessionId=" + sessionID
	}
	return url
}

func toHTTPHeader(extra map[string][]string, token string) map[string][]string {
	h := map[string][]string{}
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

// fieldSender implements update.Sender for one field ("metadata" or
// "agentState") over the session socket's update-metadata/update-state
// wire events (spec.md §6).
type fieldSender struct {
	client *Client
	field  string
}

func (s *fieldSender) SendUpdate(ctx context.Context, expectedVersion int64, ciphertext []byte) (update.Ack, error) {
	req := updateFieldRequest{SID: s.client.sessionID, ExpectedVersion: expectedVersion}
	event := "update-metadata"
	if s.field == "agentState" {
		event = "update-state"
		req.AgentState = base64.StdEncoding.EncodeToString(ciphertext)
	} else {
		req.Metadata = base64.StdEncoding.EncodeToString(ciphertext)
	}

	var ack updateFieldAck
	if err := s.client.sessionSocket.EmitWithAck(ctx, event, req, &ack); err != nil {
		return update.Ack{}, err
	}

	field := ack.Metadata
	if s.field == "agentState" {
		field = ack.AgentState
	}
	raw, _ := decodeB64(field)

	switch ack.Result {
	case ackResultSuccess:
		return update.Ack{Status: update.AckSuccess, Version: ack.Version, Ciphertext: raw}, nil
	case ackResultVersionMismatch:
		return update.Ack{Status: update.AckVersionMismatch, Version: ack.Version, Ciphertext: raw}, nil
	case ackResultError:
		return update.Ack{Status: update.AckError, Err: fmt.Errorf("session: %s update rejected: %s", s.field, ack.Error)}, nil
	default:
		return update.Ack{Status: update.AckError, Err: fmt.Errorf("session: unknown ack result %q", ack.Result)}, nil
	}
}
