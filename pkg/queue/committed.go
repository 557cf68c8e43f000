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

// MaxDiscardedCommittedIDs bounds discardedCommittedMessageLocalIds by
// tail-retention (spec.md §8 Testable Property 6).
const MaxDiscardedCommittedIDs = 500

// AppendDiscardedCommittedIDs appends ids used by downstream consumers to
// suppress already-processed messages after a local/remote mode switch,
// enforcing the 500-entry cap.
func AppendDiscardedCommittedIDs(existing []string, ids []string) []string {
	combined := append(append([]string(nil), existing...), ids...)
	if len(combined) <= MaxDiscardedCommittedIDs {
		return combined
	}
	return combined[len(combined)-MaxDiscardedCommittedIDs:]
}
