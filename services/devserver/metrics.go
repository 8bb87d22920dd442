// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package devserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// streamsServed counts answer streams by how they ended.
	// Labels: transport (sse, websocket), result (done, failed, disconnected)
	streamsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notebookd",
		Subsystem: "chat",
		Name:      "streams_total",
		Help:      "Answer streams served by transport and result",
	}, []string{"transport", "result"})

	// tokensServed counts token frames written.
	tokensServed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "notebookd",
		Subsystem: "chat",
		Name:      "tokens_total",
		Help:      "Token frames written to clients",
	})

	// clearsServed counts conversation clears.
	// Labels: result (success, injected_failure)
	clearsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notebookd",
		Subsystem: "chat",
		Name:      "clears_total",
		Help:      "Conversation clears by result",
	}, []string{"result"})
)
