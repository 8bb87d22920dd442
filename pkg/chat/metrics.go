// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level tracer and meter for session operations.
var (
	tracer = otel.Tracer("notebookchat.chat")
	meter  = otel.Meter("notebookchat.chat")
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	// sendsTotal counts Send calls.
	// Labels: result (accepted, rejected_clearing, rejected_empty, error)
	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notebookchat",
		Subsystem: "chat",
		Name:      "sends_total",
		Help:      "Send attempts by result",
	}, []string{"result"})

	// clearsTotal counts Clear calls.
	// Labels: result (success, failure, rejected)
	clearsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notebookchat",
		Subsystem: "chat",
		Name:      "clears_total",
		Help:      "Conversation clears by result",
	}, []string{"result"})

	// clearDuration measures the backend clear round trip.
	clearDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "notebookchat",
		Subsystem: "chat",
		Name:      "clear_duration_seconds",
		Help:      "Backend clear latency in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// refetchesTotal counts history reloads.
	// Labels: outcome (applied, stale, error)
	refetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notebookchat",
		Subsystem: "chat",
		Name:      "refetches_total",
		Help:      "Message history reloads by outcome",
	}, []string{"outcome"})
)

// =============================================================================
// OpenTelemetry Metrics
// =============================================================================

var (
	answersCompleted metric.Int64Counter
	answerTokens     metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		answersCompleted, err = meter.Int64Counter(
			"chat_answers_total",
			metric.WithDescription("Answers that reached a terminal event"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		answerTokens, err = meter.Int64Histogram(
			"chat_answer_tokens",
			metric.WithDescription("Token events applied per answer"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordAnswer records the terminal state of one answer.
func recordAnswer(ctx context.Context, state string, tokens int) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("state", state))
	answersCompleted.Add(ctx, 1, attrs)
	answerTokens.Record(ctx, int64(tokens), attrs)
}

func recordClear(result string, d time.Duration) {
	clearsTotal.WithLabelValues(result).Inc()
	if d > 0 {
		clearDuration.Observe(d.Seconds())
	}
}
