// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
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

// =============================================================================
// Prometheus Metrics for Push Streams
// =============================================================================

var (
	// streamsOpened counts Open calls that passed validation.
	// Labels: transport (sse, websocket, other)
	streamsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notebookchat",
		Subsystem: "stream",
		Name:      "opened_total",
		Help:      "Total push streams opened",
	}, []string{"transport"})

	// streamEvents counts decoded events by what happened to them.
	// Labels: type (token, citations, done, error), outcome (applied,
	// stale, cancelled)
	streamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notebookchat",
		Subsystem: "stream",
		Name:      "events_total",
		Help:      "Push stream events by type and outcome",
	}, []string{"type", "outcome"})

	// streamTerminals counts how streams ended.
	// Labels: state (done, error, cancelled)
	streamTerminals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notebookchat",
		Subsystem: "stream",
		Name:      "terminal_total",
		Help:      "Push streams by terminal state",
	}, []string{"state"})

	// activeStreams tracks the registry size.
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "notebookchat",
		Subsystem: "stream",
		Name:      "active",
		Help:      "Push streams currently registered",
	})
)

const (
	outcomeApplied   = "applied"
	outcomeStale     = "stale"
	outcomeCancelled = "cancelled"
)

func recordEvent(t EventType, outcome string) {
	streamEvents.WithLabelValues(string(t), outcome).Inc()
}

func recordTerminal(s State) {
	streamTerminals.WithLabelValues(s.String()).Inc()
}

func transportLabel(t Transport) string {
	switch t.(type) {
	case *SSETransport:
		return "sse"
	case *WebSocketTransport:
		return "websocket"
	default:
		return "other"
	}
}
