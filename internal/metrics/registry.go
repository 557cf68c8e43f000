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

// Package metrics instruments the client core with Prometheus gauges and
// counters. Registration is nil-safe: an embedding process that never
// scrapes /metrics still gets a working client, exactly like the teacher's
// internal/metrics package works without anyone wiring a handler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "happyagent"

// Registry is the collector registry every metric in this package attaches
// to. Kept separate from prometheus.DefaultRegisterer so embedding a client
// into another service never collides with that service's own metrics.
var Registry = prometheus.NewRegistry()
