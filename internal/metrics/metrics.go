// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the server's Prometheus collectors. It is a
// leaf package so both internal/server and cmd can depend on it without
// internal/server needing to know anything about HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts every dispatched request, labeled by wire
	// kind and outcome ("ok" or "error").
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rewofs",
		Subsystem: "server",
		Name:      "requests_total",
		Help:      "Total dispatched requests by wire kind and outcome.",
	}, []string{"kind", "outcome"})

	// RequestDuration observes dispatch latency per wire kind.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rewofs",
		Subsystem: "server",
		Name:      "request_duration_seconds",
		Help:      "Dispatch latency by wire kind.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// HandlesOpen tracks the number of currently open file handles
	// across all sessions.
	HandlesOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rewofs",
		Subsystem: "server",
		Name:      "handles_open",
		Help:      "Number of currently open file handles.",
	})

	// WatcherBatchSize observes how many distinct paths the change
	// watcher coalesced into a single invalidation flush.
	WatcherBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rewofs",
		Subsystem: "server",
		Name:      "watcher_batch_size",
		Help:      "Number of paths coalesced into one invalidation flush.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
	})
)
