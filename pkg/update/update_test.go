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

package update

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/happyagent/pkg/asyncutil"
)

type fakeSender struct {
	mu    sync.Mutex
	calls int
	acks  []Ack // consumed in order, last one repeats
	err   error
}

func (f *fakeSender) SendUpdate(ctx context.Context, expectedVersion int64, ciphertext []byte) (Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Ack{}, f.err
	}
	idx := f.calls - 1
	if idx >= len(f.acks) {
		idx = len(f.acks) - 1
	}
	return f.acks[idx], nil
}

type fakeSyncer struct {
	state State
	err   error
	calls int
}

func (f *fakeSyncer) SyncSnapshot(ctx context.Context) (State, error) {
	f.calls++
	return f.state, f.err
}

func fastBackoff() asyncutil.Backoff {
	return asyncutil.Backoff{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 5}
}

func TestUpdateSucceedsOnFirstAck(t *testing.T) {
	sender := &fakeSender{acks: []Ack{{Status: AckSuccess, Version: 2, Ciphertext: []byte("c2")}}}
	u := New("metadata", sender, nil, WithInitialState(State{Version: 1, Ciphertext: []byte("c1")}), WithBackoff(fastBackoff()))

	err := u.Update(context.Background(), func(current State) (State, error) {
		assert.Equal(t, int64(1), current.Version)
		return State{Ciphertext: []byte("next")}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.Current().Version)
	assert.Equal(t, 1, sender.calls)
}

func TestUpdateSyncsSnapshotWhenVersionUnknown(t *testing.T) {
	syncer := &fakeSyncer{state: State{Version: 5, Ciphertext: []byte("snap")}}
	sender := &fakeSender{acks: []Ack{{Status: AckSuccess, Version: 6, Ciphertext: []byte("c6")}}}
	u := New("metadata", sender, syncer, WithBackoff(fastBackoff()))

	err := u.Update(context.Background(), func(current State) (State, error) {
		assert.Equal(t, int64(5), current.Version)
		return State{Ciphertext: []byte("next")}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, syncer.calls)
	assert.Equal(t, int64(6), u.Current().Version)
}

func TestUpdateSkipsSilentlyWhenSnapshotStillUnknown(t *testing.T) {
	syncer := &fakeSyncer{state: State{Version: -1}}
	sender := &fakeSender{}
	u := New("metadata", sender, syncer, WithBackoff(fastBackoff()))

	err := u.Update(context.Background(), func(current State) (State, error) {
		t.Fatal("transform must not run when version is still unknown")
		return State{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, sender.calls)
}

func TestUpdateRetriesOnVersionMismatchThenSucceeds(t *testing.T) {
	sender := &fakeSender{acks: []Ack{
		{Status: AckVersionMismatch, Version: 3, Ciphertext: []byte("c3")},
		{Status: AckSuccess, Version: 4, Ciphertext: []byte("c4")},
	}}
	u := New("metadata", sender, nil, WithInitialState(State{Version: 1}), WithBackoff(fastBackoff()))

	var seenVersions []int64
	err := u.Update(context.Background(), func(current State) (State, error) {
		seenVersions = append(seenVersions, current.Version)
		return State{Ciphertext: []byte("next")}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, seenVersions)
	assert.Equal(t, int64(4), u.Current().Version)
	assert.Equal(t, 2, sender.calls)
}

func TestUpdateStopsImmediatelyOnHardAckError(t *testing.T) {
	hardErr := errors.New("rejected")
	sender := &fakeSender{acks: []Ack{{Status: AckError, Err: hardErr}}}
	u := New("metadata", sender, nil, WithInitialState(State{Version: 1, Ciphertext: []byte("c1")}), WithBackoff(fastBackoff()))

	err := u.Update(context.Background(), func(current State) (State, error) {
		return State{Ciphertext: []byte("next")}, nil
	})
	assert.ErrorIs(t, err, hardErr)
	assert.Equal(t, 1, sender.calls)
	// local view untouched on hard error
	assert.Equal(t, int64(1), u.Current().Version)
}

func TestUpdateExhaustsAttemptsOnRepeatedSendFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("network down")}
	u := New("metadata", sender, nil, WithInitialState(State{Version: 1}), WithBackoff(fastBackoff()))

	err := u.Update(context.Background(), func(current State) (State, error) {
		return State{Ciphertext: []byte("next")}, nil
	})
	assert.ErrorIs(t, err, asyncutil.ErrAttemptsExhausted)
	assert.Equal(t, 5, sender.calls)
}

func TestUpdateSerializesConcurrentCallsOnSameField(t *testing.T) {
	sender := &fakeSender{acks: []Ack{{Status: AckSuccess, Version: 2}}}
	u := New("metadata", sender, nil, WithInitialState(State{Version: 1}), WithBackoff(fastBackoff()))

	var maxActive, active int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = u.Update(context.Background(), func(current State) (State, error) {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return State{Ciphertext: []byte("next")}, nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
}
