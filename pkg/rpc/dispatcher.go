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

// Package rpc implements the scope-prefixed RPC method registry shared by
// the session and machine sync clients (C3): callers register handlers
// under a plain method name, the dispatcher exposes them to the server
// under scopeID-prefixed wire names, and re-registers everything on every
// reconnect because the server forgets registrations per connection.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrMethodNotFound is returned by Dispatch when no handler is registered
// for the incoming wire method.
var ErrMethodNotFound = errors.New("rpc: method not found")

// Handler processes a single RPC request's raw JSON params and returns a
// raw JSON result or a structured error. Handlers never panic across the
// RPC boundary; a validation failure is returned as an error value, not a
// thrown exception (spec.md §4.7, "return a typed error record — do not
// throw across the RPC boundary").
type Handler func(params json.RawMessage) (json.RawMessage, error)

// Registerer is the minimal transport surface the dispatcher needs:
// emit an rpc-register/rpc-unregister frame for method under its
// scope-prefixed wire name. Implemented by pkg/transport/wsclient.
type Registerer interface {
	RegisterMethod(wireMethod string) error
	UnregisterMethod(wireMethod string) error
}

// Dispatcher is a mutex-guarded method registry, mirroring the teacher's
// DID registry's `map[Chain]*RegistryConfig` guarded by `mu sync.RWMutex`
// (did/manager.go), generalized to an RPC method table.
type Dispatcher struct {
	scopeID string

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns a Dispatcher whose wire method names are prefixed with
// scopeID + ":".
func New(scopeID string) *Dispatcher {
	return &Dispatcher{scopeID: scopeID, handlers: make(map[string]Handler)}
}

// WireMethod builds the scope-prefixed wire name for method.
func (d *Dispatcher) WireMethod(method string) string {
	return d.scopeID + ":" + method
}

// Register adds or replaces the handler for method and, if reg is
// non-nil, immediately registers it on the wire.
func (d *Dispatcher) Register(method string, handler Handler, reg Registerer) error {
	d.mu.Lock()
	d.handlers[method] = handler
	d.mu.Unlock()

	if reg == nil {
		return nil
	}
	return reg.RegisterMethod(d.WireMethod(method))
}

// Unregister removes the handler for method and, if reg is non-nil,
// unregisters it on the wire.
func (d *Dispatcher) Unregister(method string, reg Registerer) error {
	d.mu.Lock()
	delete(d.handlers, method)
	d.mu.Unlock()

	if reg == nil {
		return nil
	}
	return reg.UnregisterMethod(d.WireMethod(method))
}

// ReregisterAll re-registers every currently held method on the wire: the
// server forgets registrations per connection, so this must run on every
// `connect` event.
func (d *Dispatcher) ReregisterAll(reg Registerer) error {
	d.mu.RLock()
	methods := make([]string, 0, len(d.handlers))
	for method := range d.handlers {
		methods = append(methods, method)
	}
	d.mu.RUnlock()

	for _, method := range methods {
		if err := reg.RegisterMethod(d.WireMethod(method)); err != nil {
			return fmt.Errorf("rpc: reregister %s: %w", method, err)
		}
	}
	return nil
}

// Dispatch looks up the handler for a scope-prefixed wireMethod and
// invokes it. It strips the scopeID prefix itself so callers can route
// directly from the wire frame's method field.
func (d *Dispatcher) Dispatch(wireMethod string, params json.RawMessage) (json.RawMessage, error) {
	prefix := d.scopeID + ":"
	method := wireMethod
	if len(wireMethod) > len(prefix) && wireMethod[:len(prefix)] == prefix {
		method = wireMethod[len(prefix):]
	}

	d.mu.RLock()
	handler, ok := d.handlers[method]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, wireMethod)
	}
	return handler(params)
}
