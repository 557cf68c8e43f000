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

// Package update implements the concurrency-controlled state updater (C5)
// shared, unmodified in shape, by Metadata, AgentState, MachineMetadata
// and DaemonState (spec.md §4.5): acquire a per-field single-holder lock,
// resync if the local version is unknown, compute the next ciphertext
// with a pure transformer, send an acked update frame, and adopt
// whatever (version, ciphertext) the server hands back since it is the
// arbiter of both.
package update

import (
	"context"
	"errors"
	"sync"

	"github.com/sage-x-project/happyagent/internal/logger"
	"github.com/sage-x-project/happyagent/internal/metrics"
	"github.com/sage-x-project/happyagent/pkg/asyncutil"
)

// ErrVersionUnknown names the case where a snapshot sync left the version
// still unknown, so the caller's transform is not safe to apply blind
// (spec.md §4.5 step 2). Update does not return it: in that case Update
// skips the transform and returns nil.
var ErrVersionUnknown = errors.New("update: version still unknown after snapshot sync")

// AckStatus discriminates the server's reply to an update frame.
type AckStatus int

const (
	AckSuccess AckStatus = iota
	AckVersionMismatch
	AckError
)

// String implements fmt.Stringer so an AckStatus can be passed to
// internal/logger's AckResult field constructor.
func (s AckStatus) String() string {
	switch s {
	case AckSuccess:
		return "success"
	case AckVersionMismatch:
		return "version-mismatch"
	case AckError:
		return "error"
	default:
		return "unknown"
	}
}

// Ack is the server's reply to a single update attempt.
type Ack struct {
	Status     AckStatus
	Version    int64
	Ciphertext []byte
	Err        error // set when Status == AckError
}

// State is the authoritative (version, ciphertext) pair for one field. A
// negative Version means "unknown" — never observed from the server yet.
type State struct {
	Version    int64
	Ciphertext []byte
}

// Transformer computes the next ciphertext from the current state. It
// must be pure: the updater may invoke it more than once per Update call
// if the server's ack forces a retry with fresher state.
type Transformer func(current State) (next State, err error)

// Sender delivers one acked update frame and returns the server's ack.
// Implemented by pkg/session and pkg/machine over pkg/transport/wsclient.
type Sender interface {
	SendUpdate(ctx context.Context, expectedVersion int64, ciphertext []byte) (Ack, error)
}

// SnapshotSyncer fetches the authoritative current state when the local
// version is unknown. Implemented by pkg/session's singleflight-backed
// snapshot sync (C6).
type SnapshotSyncer interface {
	SyncSnapshot(ctx context.Context) (State, error)
}

// Updater drives one field's update lifecycle.
type Updater struct {
	field   string
	sender  Sender
	syncer  SnapshotSyncer
	lock    *asyncutil.AsyncLock
	backoff asyncutil.Backoff

	mu      sync.RWMutex
	current State
	log     logger.Logger
}

// Option configures an Updater at construction time.
type Option func(*Updater)

// WithBackoff overrides the default retry profile.
func WithBackoff(b asyncutil.Backoff) Option {
	return func(u *Updater) { u.backoff = b }
}

// WithInitialState seeds the locally-held state, e.g. from a freshly
// loaded credentials/metadata file. Defaults to Version: -1 (unknown).
func WithInitialState(s State) Option {
	return func(u *Updater) { u.current = s }
}

// WithLogger overrides the package default logger.
func WithLogger(l logger.Logger) Option {
	return func(u *Updater) { u.log = l }
}

// New returns an Updater for field (used only as a metrics label and log
// tag — "metadata", "agent-state", "machine-metadata", "daemon-state").
func New(field string, sender Sender, syncer SnapshotSyncer, opts ...Option) *Updater {
	u := &Updater{
		field:   field,
		sender:  sender,
		syncer:  syncer,
		lock:    asyncutil.NewAsyncLock(),
		backoff: asyncutil.DefaultBackoff(),
		current: State{Version: -1},
		log:     logger.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Current returns the locally-held (version, ciphertext) without
// triggering a sync.
func (u *Updater) Current() State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.current
}

// Adopt overwrites the locally-held state, e.g. when an `update-session`
// frame carries a newer version than ours (spec.md §4.6). Stale updates
// (incomingVersion <= ours) must be filtered by the caller before calling
// Adopt; Adopt itself does not compare versions.
func (u *Updater) Adopt(s State) {
	u.mu.Lock()
	u.current = s
	u.mu.Unlock()
}

// Update acquires the field's lock and drives transform through the
// retry algorithm in spec.md §4.5. It returns nil once the server has
// acked success, or the terminal error once the backoff budget is
// exhausted or the server sends a hard error ack.
func (u *Updater) Update(ctx context.Context, transform Transformer) error {
	metrics.UpdateRetryBacklog.WithLabelValues(u.field).Inc()
	if err := u.lock.Acquire(ctx); err != nil {
		metrics.UpdateRetryBacklog.WithLabelValues(u.field).Dec()
		return err
	}
	metrics.UpdateRetryBacklog.WithLabelValues(u.field).Dec()
	defer u.lock.Release()

	err := u.backoff.Run(ctx, func(attempt int) error {
		err := u.attempt(ctx, transform)
		if errors.Is(err, errVersionMismatch) {
			metrics.UpdateAttempts.WithLabelValues(u.field, "version_mismatch").Inc()
		}
		return err
	})
	outcome := "success"
	switch {
	case errors.Is(err, asyncutil.ErrAttemptsExhausted):
		outcome = "exhausted"
	case err != nil:
		outcome = "error"
	}
	metrics.UpdateAttempts.WithLabelValues(u.field, outcome).Inc()
	return err
}

func (u *Updater) attempt(ctx context.Context, transform Transformer) error {
	current := u.Current()

	if current.Version < 0 {
		snap, err := u.syncer.SyncSnapshot(ctx)
		if err != nil {
			return err
		}
		u.Adopt(snap)
		current = snap
		if current.Version < 0 {
			// Still unknown: the caller's transform is not safe to apply
			// blind. Stop without error — there is nothing more retrying
			// will accomplish until a snapshot actually lands.
			return asyncutil.Permanent(nil)
		}
	}

	next, err := transform(current)
	if err != nil {
		return asyncutil.Permanent(err)
	}

	ack, err := u.sender.SendUpdate(ctx, current.Version, next.Ciphertext)
	if err != nil {
		return err
	}

	switch ack.Status {
	case AckSuccess:
		u.Adopt(State{Version: ack.Version, Ciphertext: ack.Ciphertext})
		return nil
	case AckVersionMismatch:
		if ack.Version > current.Version {
			u.Adopt(State{Version: ack.Version, Ciphertext: ack.Ciphertext})
		}
		u.log.Debug("update: version mismatch, retrying", logger.String("field", u.field), logger.AckResult(ack.Status), logger.Version(ack.Version))
		return errVersionMismatch
	case AckError:
		return asyncutil.Permanent(ack.Err)
	default:
		return asyncutil.Permanent(errors.New("update: unknown ack status"))
	}
}

var errVersionMismatch = errors.New("update: version mismatch, retrying with fresh state")
