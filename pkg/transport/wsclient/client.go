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

package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// reconnectMinDelay and reconnectMaxDelay bound the randomized delay
	// between redial attempts (spec: "infinite attempts, 1-5 s delay").
	reconnectMinDelay = 1 * time.Second
	reconnectMaxDelay = 5 * time.Second
)

// ErrClosed is returned by Emit/EmitWithAck once the client has been
// closed.
var ErrClosed = errors.New("wsclient: closed")

// ErrAckTimeout is returned by EmitWithAck when no ack frame arrives
// before the context is done.
var ErrAckTimeout = errors.New("wsclient: ack timeout")

// Handler receives the raw Data payload of every frame emitted under the
// event it was registered for.
type Handler func(data json.RawMessage)

// Client is a single reconnecting websocket socket carrying named event
// frames. It generalizes the teacher's WSTransport dial/read-loop/deadline
// idioms (pkg/agent/transport/websocket/client.go) from per-message
// request/response correlation to an always-on event bus: handlers
// registered via On fire for every inbound frame matching their event,
// and the socket redials forever on disconnect rather than surfacing a
// single request failure.
type Client struct {
	url          string
	header       http.Header
	dialTimeout  time.Duration
	writeTimeout time.Duration

	writeMu sync.Mutex
	conn    *websocket.Conn

	connMu    sync.RWMutex
	connected bool

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	pendingMu sync.Mutex
	pending   map[string]chan ackPayload

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
	started   bool
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithHeader attaches an HTTP header (e.g. bearer auth) to the dial
// handshake.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithDialTimeout overrides the default handshake timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithWriteTimeout overrides the default per-frame write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

// New returns a Client for url that has not yet dialed.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:          url,
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		handlers:     make(map[string][]Handler),
		pending:      make(map[string]chan ackPayload),
		closeCh:      make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// On registers handler to run on every inbound frame whose Event matches.
// Multiple handlers may share an event; all run, in registration order.
func (c *Client) On(event string, handler Handler) {
	c.handlersMu.Lock()
	c.handlers[event] = append(c.handlers[event], handler)
	c.handlersMu.Unlock()
}

// Connect dials once and, once connected, starts the background
// supervisor that keeps the socket alive: on any read error it emits
// "disconnect", waits a randomized 1-5s delay, and redials forever until
// Close is called. ctx only bounds the initial dial; the reconnect loop
// outlives it.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		c.emit("connect_error", errPayload(err))
		return fmt.Errorf("wsclient: dial %s: %w", c.url, err)
	}
	c.setConn(conn)
	c.setConnected(true)
	c.emit("connect", nil)

	c.connMu.Lock()
	c.started = true
	c.connMu.Unlock()
	go c.supervise()
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// supervise owns the socket's lifetime after the first successful dial:
// it reads frames until the connection breaks, then redials forever.
func (c *Client) supervise() {
	defer close(c.doneCh)
	for {
		c.readLoop()
		c.setConnected(false)
		c.emit("disconnect", nil)

		select {
		case <-c.closeCh:
			return
		default:
		}

		delay := reconnectMinDelay + time.Duration(rand.Int63n(int64(reconnectMaxDelay-reconnectMinDelay)))
		select {
		case <-c.closeCh:
			return
		case <-time.After(delay):
		}

		conn, err := c.dial(context.Background())
		if err != nil {
			c.emit("connect_error", errPayload(err))
			// retry again after the same randomized delay
			select {
			case <-c.closeCh:
				return
			case <-time.After(delay):
			}
			continue
		}
		c.setConn(conn)
		c.setConnected(true)
		c.emit("connect", nil)
	}
}

func (c *Client) readLoop() {
	for {
		conn := c.getConn()
		if conn == nil {
			return
		}
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame Frame) {
	if frame.Event == ackEvent {
		c.deliverAck(frame)
		return
	}
	c.handlersMu.RLock()
	handlers := append([]Handler(nil), c.handlers[frame.Event]...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(frame.Data)
	}
}

func (c *Client) deliverAck(frame Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[frame.AckID]
	if ok {
		delete(c.pending, frame.AckID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	var payload ackPayload
	_ = json.Unmarshal(frame.Data, &payload)
	ch <- payload
}

// Emit sends a fire-and-forget frame for event.
func (c *Client) Emit(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsclient: marshal %s payload: %w", event, err)
	}
	return c.writeFrame(Frame{Event: event, Data: data})
}

// EmitWithAck sends a frame for event and blocks for a matching ack
// frame, unmarshaling its data into out (when out is non-nil). It returns
// the remote error if the peer acked with a failure, ErrAckTimeout if ctx
// is done first, or ErrClosed if the client has been closed.
func (c *Client) EmitWithAck(ctx context.Context, event string, v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsclient: marshal %s payload: %w", event, err)
	}
	ackID := uuid.NewString()
	ch := make(chan ackPayload, 1)

	c.pendingMu.Lock()
	c.pending[ackID] = ch
	c.pendingMu.Unlock()

	if err := c.writeFrame(Frame{Event: event, Data: data, AckID: ackID}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, ackID)
		c.pendingMu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, ackID)
		c.pendingMu.Unlock()
		return ErrAckTimeout
	case <-c.closeCh:
		return ErrClosed
	case payload := <-ch:
		if payload.Err != "" {
			return errors.New(payload.Err)
		}
		if out != nil && len(payload.Data) > 0 {
			return json.Unmarshal(payload.Data, out)
		}
		return nil
	}
}

// Reply answers an inbound frame that carried ackID with either result or
// replyErr (never both meaningfully set). Used by rpc-request handlers to
// send their response back over the same socket.
func (c *Client) Reply(ackID string, result any, replyErr error) error {
	payload := ackPayload{}
	if replyErr != nil {
		payload.Err = replyErr.Error()
	} else if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("wsclient: marshal ack result: %w", err)
		}
		payload.Data = data
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wsclient: marshal ack payload: %w", err)
	}
	return c.writeFrame(Frame{Event: ackEvent, AckID: ackID, Data: data})
}

// RegisterMethod satisfies pkg/rpc.Registerer: it tells the server this
// socket now answers wireMethod. Re-run on every "connect" event because
// the server forgets registrations per connection (spec.md §4.3).
func (c *Client) RegisterMethod(wireMethod string) error {
	return c.Emit("rpc-register", map[string]string{"method": wireMethod})
}

// UnregisterMethod satisfies pkg/rpc.Registerer.
func (c *Client) UnregisterMethod(wireMethod string) error {
	return c.Emit("rpc-unregister", map[string]string{"method": wireMethod})
}

func (c *Client) writeFrame(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closeCh:
		return ErrClosed
	default:
	}

	conn := c.getConn()
	if conn == nil {
		return ErrClosed
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return conn.WriteJSON(frame)
}

func (c *Client) emit(event string, data json.RawMessage) {
	c.handlersMu.RLock()
	handlers := append([]Handler(nil), c.handlers[event]...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(data)
	}
}

func errPayload(err error) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return data
}

func (c *Client) getConn() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

// Connected reports whether the socket currently believes itself to be
// connected.
func (c *Client) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Close tears down the socket and stops the reconnect supervisor. It is
// idempotent.
func (c *Client) Close() error {
	c.connMu.RLock()
	started := c.started
	c.connMu.RUnlock()

	c.closeOnce.Do(func() {
		close(c.closeCh)
		if conn := c.getConn(); conn != nil {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		}
	})
	if started {
		<-c.doneCh
	}
	return nil
}
