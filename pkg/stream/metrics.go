// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the streaming core. Registered on the default
// registerer; expose them by mounting promhttp wherever the embedding
// application serves diagnostics.
var (
	metricOperationsBegun = promauto.NewCounter(prometheus.CounterOpts{
		Name: "verina_stream_operations_begun_total",
		Help: "Streaming operations started, including superseding restarts.",
	})

	metricOperationsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "verina_stream_operations_cancelled_total",
		Help: "Streaming operations cancelled explicitly or on teardown.",
	})

	metricOperationsSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "verina_stream_operations_superseded_total",
		Help: "Streaming operations cancelled because a newer one took their key.",
	})

	metricActiveHandles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "verina_stream_active_handles",
		Help: "Live stream handles in the session registry.",
	})

	metricFramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "verina_stream_frames_decoded_total",
		Help: "Complete SSE frames decoded from response bodies.",
	})

	metricFramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verina_stream_frames_dropped_total",
		Help: "Frames dropped without dispatch, by reason.",
	}, []string{"reason"})

	metricEventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "verina_stream_events_dispatched_total",
		Help: "Events delivered to consumer callbacks, by kind.",
	}, []string{"kind"})
)

// Drop reasons for metricFramesDropped.
const (
	dropReasonMalformed  = "malformed"
	dropReasonSuperseded = "superseded"
	dropReasonUnknown    = "unknown_kind"
)
