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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpdateAttempts counts C5 updater attempts by field (metadata,
	// agent-state, machine-metadata, daemon-state) and outcome.
	UpdateAttempts = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "attempts_total",
			Help:      "Total concurrency-controlled update attempts",
		},
		[]string{"field", "outcome"}, // success, version_mismatch, error, exhausted
	)

	// UpdateRetryBacklog is the number of in-flight (queued behind the
	// per-field lock) update calls at any instant.
	UpdateRetryBacklog = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "update",
			Name:      "backlog",
			Help:      "In-flight update() calls waiting on the per-field lock",
		},
		[]string{"field"},
	)

	// PendingQueueDepth is the number of queued (not yet in-flight)
	// messageQueueV1 items observed at the last claim/persist.
	PendingQueueDepth = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "messageQueueV1 queued item count per session",
		},
		[]string{"session_id"},
	)

	// QueueDiscarded counts discardAll operations by reason.
	QueueDiscarded = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "discarded_total",
			Help:      "Total pending-queue items discarded",
		},
		[]string{"reason"}, // switch_to_local, manual
	)
)
