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

package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itemAt(localID string, at time.Time) Item {
	return Item{LocalID: localID, Message: "ciphertext", CreatedAt: at, UpdatedAt: at}
}

func TestClaimNextEmptyQueue(t *testing.T) {
	_, _, mutated, ok := ClaimNext(Empty(), time.Now())
	assert.False(t, ok)
	assert.False(t, mutated)
}

func TestClaimNextPopsHead(t *testing.T) {
	now := time.Now()
	q := Queue{V: 1, Items: []Item{itemAt("L1", now), itemAt("L2", now)}}

	next, claimed, mutated, ok := ClaimNext(q, now)
	require.True(t, ok)
	assert.True(t, mutated)
	assert.Equal(t, "L1", claimed.LocalID)
	require.NotNil(t, next.InFlight)
	assert.Equal(t, "L1", next.InFlight.LocalID)
	assert.Equal(t, now, next.InFlight.ClaimedAt)
	require.Len(t, next.Items, 1)
	assert.Equal(t, "L2", next.Items[0].LocalID)
}

func TestClaimNextFreshInFlightNotMutated(t *testing.T) {
	now := time.Now()
	q := Queue{V: 1, InFlight: &InFlight{Item: itemAt("L1", now), ClaimedAt: now}}

	next, claimed, mutated, ok := ClaimNext(q, now.Add(30*time.Second))
	require.True(t, ok)
	assert.False(t, mutated)
	assert.Equal(t, "L1", claimed.LocalID)
	assert.Equal(t, q, next)
}

// TestClaimNextReclaimsStaleInFlight exercises Testable Property 4:
// claimNext with an in-flight older than 60s returns a claim whose
// localId equals the old one and whose claimedAt = now.
func TestClaimNextReclaimsStaleInFlight(t *testing.T) {
	claimedAt := time.Now().Add(-90 * time.Second)
	now := time.Now()
	q := Queue{
		V:        1,
		Items:    []Item{itemAt("L2", now)},
		InFlight: &InFlight{Item: itemAt("L1", claimedAt), ClaimedAt: claimedAt},
	}

	next, claimed, mutated, ok := ClaimNext(q, now)
	require.True(t, ok)
	assert.True(t, mutated)
	assert.Equal(t, "L1", claimed.LocalID)
	assert.Equal(t, now, claimed.ClaimedAt)
	require.NotNil(t, next.InFlight)
	assert.Equal(t, "L1", next.InFlight.LocalID)
	require.Len(t, next.Items, 1)
	assert.Equal(t, "L2", next.Items[0].LocalID)
}

func TestClearInFlightMatchingID(t *testing.T) {
	now := time.Now()
	q := Queue{V: 1, InFlight: &InFlight{Item: itemAt("L1", now), ClaimedAt: now}}

	next := ClearInFlight(q, "L1")
	assert.Nil(t, next.InFlight)
}

func TestClearInFlightMismatchedIDNoOp(t *testing.T) {
	now := time.Now()
	q := Queue{V: 1, InFlight: &InFlight{Item: itemAt("L1", now), ClaimedAt: now}}

	next := ClearInFlight(q, "L2")
	assert.Equal(t, q, next)
}

func TestClearInFlightNoInFlightNoOp(t *testing.T) {
	q := Queue{V: 1}
	assert.Equal(t, q, ClearInFlight(q, "L1"))
}

// TestQueueUniquenessRejectsCollision exercises Testable Property 3: at most one in-flight,
// and its localId never coincides with a queued item.
func TestQueueUniquenessRejectsCollision(t *testing.T) {
	now := time.Now()
	q := Queue{
		V:        1,
		Items:    []Item{itemAt("L1", now)},
		InFlight: &InFlight{Item: itemAt("L1", now), ClaimedAt: now},
	}
	assert.False(t, q.Valid())
}

func TestDiscardAllMovesQueueAndInFlight(t *testing.T) {
	now := time.Now()
	q := Queue{
		V:        1,
		Items:    []Item{itemAt("L2", now)},
		InFlight: &InFlight{Item: itemAt("L1", now), ClaimedAt: now},
	}

	cleared, discarded := DiscardAll(q, now, ReasonManual)
	assert.Nil(t, cleared.InFlight)
	assert.Empty(t, cleared.Items)
	require.Len(t, discarded, 2)
	assert.Equal(t, "L1", discarded[0].LocalID)
	assert.Equal(t, "L2", discarded[1].LocalID)
	for _, d := range discarded {
		assert.Equal(t, ReasonManual, d.Reason)
		assert.Equal(t, now, d.DiscardedAt)
	}
}

// TestAppendDiscardedEnforcesCap exercises Testable Property 6: messageQueueV1Discarded
// length <= 50 after any number of appends, enforced by tail-retention.
func TestAppendDiscardedEnforcesCap(t *testing.T) {
	var history []DiscardedItem
	now := time.Now()
	for i := 0; i < 80; i++ {
		history = AppendDiscarded(history, []DiscardedItem{
			{Item: itemAt("L", now), DiscardedAt: now, Reason: ReasonManual},
		})
	}
	assert.Len(t, history, MaxDiscarded)
}

func TestAppendDiscardedCommittedIDsEnforcesCap(t *testing.T) {
	var ids []string
	for i := 0; i < 600; i++ {
		ids = AppendDiscardedCommittedIDs(ids, []string{"id"})
	}
	assert.Len(t, ids, MaxDiscardedCommittedIDs)
}

func TestParseJSONEmptyIsEmptyQueue(t *testing.T) {
	q, ok := ParseJSON(nil)
	assert.True(t, ok)
	assert.Equal(t, Empty(), q)
}

func TestParseJSONRejectsWrongVersion(t *testing.T) {
	_, ok := ParseJSON([]byte(`{"v":2,"queue":[],"inFlight":null}`))
	assert.False(t, ok)
}

func TestParseJSONRejectsMalformed(t *testing.T) {
	_, ok := ParseJSON([]byte(`not json`))
	assert.False(t, ok)
}

func TestParseJSONRejectsInFlightCollidingWithQueue(t *testing.T) {
	raw := []byte(`{
		"v": 1,
		"queue": [{"localId":"L1","message":"c","createdAt":"2025-01-01T00:00:00Z","updatedAt":"2025-01-01T00:00:00Z"}],
		"inFlight": {"localId":"L1","message":"c","createdAt":"2025-01-01T00:00:00Z","updatedAt":"2025-01-01T00:00:00Z","claimedAt":"2025-01-01T00:00:00Z"}
	}`)
	_, ok := ParseJSON(raw)
	assert.False(t, ok)
}

func TestParseJSONRoundTripsValidQueue(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	q := Queue{V: 1, Items: []Item{itemAt("L1", now)}}

	data, err := json.Marshal(q)
	require.NoError(t, err)

	parsed, ok := ParseJSON(data)
	require.True(t, ok)
	assert.Equal(t, q, parsed)
}
