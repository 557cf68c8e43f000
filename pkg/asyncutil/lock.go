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

package asyncutil

import "context"

// AsyncLock is a single-holder, FIFO mutual-exclusion primitive: callers
// queue on a buffered channel acting as a ticket, so the first caller to
// call Acquire is the first to be granted the lock once it is free. Unlike
// sync.Mutex, Acquire is cancelable via context and is never reentrant —
// calling Acquire twice from the same goroutine without an intervening
// Release deadlocks, by design, matching spec.md §5's single-holder update
// lock (one field update in flight at a time).
type AsyncLock struct {
	ch chan struct{}
}

// NewAsyncLock returns a ready-to-use, unlocked AsyncLock.
func NewAsyncLock() *AsyncLock {
	l := &AsyncLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// Acquire blocks until the lock is free or ctx is done, queueing behind
// any earlier callers in arrival order.
func (l *AsyncLock) Acquire(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns the lock to the next queued caller. Calling Release
// without a matching Acquire blocks on the full channel until some other
// caller acquires the lock.
func (l *AsyncLock) Release() {
	l.ch <- struct{}{}
}

// WithLock acquires the lock, runs fn, and releases it unconditionally.
func (l *AsyncLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
