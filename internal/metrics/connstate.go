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
	// ConnectionStateTransitions counts connectionState transitions by
	// target state (healthy, failing, recovered).
	ConnectionStateTransitions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connstate",
			Name:      "transitions_total",
			Help:      "Total number of connectionState transitions",
		},
		[]string{"state"},
	)

	// BootstrapCalls tracks HTTP bootstrap calls (session create, machine
	// register, snapshot sync, transcript recovery) by classification.
	BootstrapCalls = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bootstrap",
			Name:      "calls_total",
			Help:      "Total HTTP bootstrap calls by operation and classification",
		},
		[]string{"op", "classification"},
	)
)
