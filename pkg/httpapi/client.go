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

// Package httpapi is the HTTP bootstrap client wrapped by the offline
// classifier (C8): session/machine registration, snapshot-sync listing
// and transcript recovery. Every response with status 400 or above comes back as a
// *connstate.HTTPStatusError so callers can feed it straight into
// connstate.Classify.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sage-x-project/happyagent/pkg/connstate"
)

// Per-operation timeouts, mirroring the ACP-style "no shared client
// timeout, per-call context" discipline: a slow snapshot sync must not
// block a fast liveness call sharing the same *http.Client.
const (
	timeoutCreateSession   = 10 * time.Second
	timeoutRegisterMachine = 10 * time.Second
	timeoutList            = 10 * time.Second
	timeoutVendorRelay     = 15 * time.Second
)

// maxResponseBytes caps response bodies read into memory.
const maxResponseBytes = 4 << 20 // 4 MiB (transcript pages can be larger than a status blob)

// Client is the HTTP bootstrap client for one server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New returns a Client targeting baseURL (trailing slash stripped) and
// authenticating every request with token as a bearer credential.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{}, // no global timeout; every call sets its own
	}
}

// CreateSession calls POST /v1/sessions.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutCreateSession)
	defer cancel()
	var out SessionRecord
	if err := c.post(ctx, "create-session", "/v1/sessions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterMachine calls POST /v1/machines.
func (c *Client) RegisterMachine(ctx context.Context, req RegisterMachineRequest) (*MachineRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutRegisterMachine)
	defer cancel()
	var out MachineRecord
	if err := c.post(ctx, "register-machine", "/v1/machines", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions calls GET /v1/sessions, used for snapshot sync.
func (c *Client) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutList)
	defer cancel()
	var out []SessionRecord
	if err := c.get(ctx, "list-sessions", "/v1/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages calls GET /v1/sessions/{id}/messages, used for transcript
// recovery.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]MessageRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutList)
	defer cancel()
	var out []MessageRecord
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/messages"
	if err := c.get(ctx, "list-messages", path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConnectVendorRegister calls POST /v1/connect/{vendor}/register, an
// opaque passthrough whose body and reply this client never inspects.
func (c *Client) ConnectVendorRegister(ctx context.Context, vendor string, body json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutVendorRelay)
	defer cancel()
	var out json.RawMessage
	path := "/v1/connect/" + url.PathEscape(vendor) + "/register"
	if err := c.post(ctx, "connect-vendor-register", path, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConnectVendorToken calls GET /v1/connect/{vendor}/token.
func (c *Client) ConnectVendorToken(ctx context.Context, vendor string) (*VendorToken, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutVendorRelay)
	defer cancel()
	var out VendorToken
	path := "/v1/connect/" + url.PathEscape(vendor) + "/token"
	if err := c.get(ctx, "connect-vendor-token", path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setCommonHeaders(req)
	return c.do(op, req, out)
}

func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("httpapi: marshal %s request: %w", op, err)
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setCommonHeaders(req)
	return c.do(op, req, out)
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) do(op string, req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("httpapi: %s %s %s: %w", op, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("httpapi: %s read body: %w", op, err)
	}

	if resp.StatusCode >= 400 {
		return &connstate.HTTPStatusError{Op: op, StatusCode: resp.StatusCode}
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("httpapi: %s unmarshal response: %w", op, err)
		}
	}
	return nil
}
