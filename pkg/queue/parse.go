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

import "encoding/json"

// ParseJSON strictly parses a messageQueueV1 block. Any structurally
// invalid input — wrong schema version, an in-flight id colliding with a
// queued item, or malformed JSON — returns ok=false rather than a partial
// or best-effort Queue, so a corrupted queue can never silently swallow
// messages (spec.md §4.4).
func ParseJSON(raw []byte) (q Queue, ok bool) {
	if len(raw) == 0 {
		return Empty(), true
	}
	if err := json.Unmarshal(raw, &q); err != nil {
		return Queue{}, false
	}
	if !q.Valid() {
		return Queue{}, false
	}
	return q, true
}
