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

// Package queue implements messageQueueV1 (spec.md §3, §4.4) as pure
// functions over a value type: claim the oldest pending item, reclaim a
// stale in-flight claim, clear an in-flight claim by localId, and discard
// everything into a bounded history. None of these functions perform I/O;
// callers persist the returned Metadata themselves through the C5 updater.
package queue

import "time"

// ReclaimWindow is the single named constant for the stale in-flight
// reclaim window (spec.md §9: "a tuning constant duplicated in a few
// places; treat it as a single named constant").
const ReclaimWindow = 60 * time.Second

// MaxDiscarded bounds messageQueueV1Discarded by tail-retention.
const MaxDiscarded = 50

// SchemaVersion is the only messageQueueV1.v this package accepts.
const SchemaVersion = 1

// Item is a single pending-queue entry: an encrypted, base64 message body
// plus a client-assigned localId used for server-side dedup.
type Item struct {
	LocalID   string    `json:"localId"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// InFlight is an Item currently being materialized, stamped with the time
// it was claimed.
type InFlight struct {
	Item
	ClaimedAt time.Time `json:"claimedAt"`
}

// Queue is the messageQueueV1 value. At most one InFlight may be set; its
// LocalID never coincides with any item in Items.
type Queue struct {
	V        int       `json:"v"`
	Items    []Item    `json:"queue"`
	InFlight *InFlight `json:"inFlight"`
}

// DiscardedItem is a queue or in-flight item moved into
// messageQueueV1Discarded, tagged with when and why.
type DiscardedItem struct {
	Item
	DiscardedAt time.Time `json:"discardedAt"`
	Reason      string    `json:"reason"`
}

// Discard reasons (spec.md §4.4).
const (
	ReasonSwitchToLocal = "switch_to_local"
	ReasonManual        = "manual"
)

// Empty returns a freshly initialized, empty queue.
func Empty() Queue {
	return Queue{V: SchemaVersion}
}

// Valid reports whether q is a structurally valid messageQueueV1: the
// correct schema version, and no in-flight localId collision with a
// queued item. Strict parsing (ParseJSON) relies on this so a corrupted
// queue can never silently swallow messages.
func (q Queue) Valid() bool {
	if q.V != SchemaVersion {
		return false
	}
	if q.InFlight == nil {
		return true
	}
	for _, item := range q.Items {
		if item.LocalID == q.InFlight.LocalID {
			return false
		}
	}
	return true
}

// ClaimNext implements spec.md §4.4's claimNext: it returns the
// (possibly unchanged) queue and the in-flight item to materialize, or
// ok=false if there is nothing to claim.
//
//   - No queue and no in-flight: returns ok=false.
//   - Existing in-flight younger than ReclaimWindow: returned unchanged,
//     without mutating q (mutated=false) — this is the "pre-existing
//     in-flight" case callers use to decide whether a C5 write is needed.
//   - Existing in-flight older than ReclaimWindow: moved back to the front
//     of the queue and re-claimed with ClaimedAt=now (mutated=true).
//   - No in-flight, non-empty queue: pops Items[0] into a new InFlight
//     with ClaimedAt=now (mutated=true).
func ClaimNext(q Queue, now time.Time) (next Queue, claimed InFlight, mutated bool, ok bool) {
	if q.InFlight != nil {
		if now.Sub(q.InFlight.ClaimedAt) < ReclaimWindow {
			return q, *q.InFlight, false, true
		}
		stale := *q.InFlight
		items := make([]Item, 0, len(q.Items)+1)
		items = append(items, stale.Item)
		items = append(items, q.Items...)

		reclaimed := InFlight{Item: stale.Item, ClaimedAt: now}
		next = Queue{V: q.V, Items: items[1:], InFlight: &reclaimed}
		return next, reclaimed, true, true
	}

	if len(q.Items) == 0 {
		return q, InFlight{}, false, false
	}

	head := q.Items[0]
	rest := append([]Item(nil), q.Items[1:]...)
	fresh := InFlight{Item: head, ClaimedAt: now}
	next = Queue{V: q.V, Items: rest, InFlight: &fresh}
	return next, fresh, true, true
}

// ClearInFlight implements spec.md §4.4's clearInFlight: returns q
// unchanged if there is no in-flight or the ids differ; otherwise clears
// InFlight.
func ClearInFlight(q Queue, localID string) Queue {
	if q.InFlight == nil || q.InFlight.LocalID != localID {
		return q
	}
	return Queue{V: q.V, Items: q.Items, InFlight: nil}
}

// DiscardAll implements spec.md §4.4's discardAll: moves every queued and
// in-flight item into a discarded list (tagging each with discardedAt and
// reason), clears the queue, and returns the discarded items so the caller
// can append them to the bounded messageQueueV1Discarded history.
func DiscardAll(q Queue, now time.Time, reason string) (cleared Queue, discarded []DiscardedItem) {
	discarded = make([]DiscardedItem, 0, len(q.Items)+1)
	if q.InFlight != nil {
		discarded = append(discarded, DiscardedItem{Item: q.InFlight.Item, DiscardedAt: now, Reason: reason})
	}
	for _, item := range q.Items {
		discarded = append(discarded, DiscardedItem{Item: item, DiscardedAt: now, Reason: reason})
	}
	cleared = Queue{V: q.V, Items: nil, InFlight: nil}
	return cleared, discarded
}

// AppendDiscarded appends fresh discarded items to an existing history,
// enforcing the MaxDiscarded cap by tail-retention (spec.md §8 Testable
// Property 6: "messageQueueV1Discarded.length <= 50 after any number of
// operations").
func AppendDiscarded(history []DiscardedItem, fresh []DiscardedItem) []DiscardedItem {
	combined := append(append([]DiscardedItem(nil), history...), fresh...)
	if len(combined) <= MaxDiscarded {
		return combined
	}
	return combined[len(combined)-MaxDiscarded:]
}
