// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/AleutianAI/notebookchat/pkg/telemetry"
)

// Transport names accepted in BackendConfig.Transport.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

type NotebookChatConfig struct {
	// Backend: where the notebook service lives and how to reach it
	Backend BackendConfig `yaml:"backend"`

	// Chat: defaults applied to every session
	Chat ChatConfig `yaml:"chat"`

	// Logging: level and optional JSON file sink
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry: trace and metric exporters
	Telemetry telemetry.Config `yaml:"telemetry"`

	// DevServer: settings for `notebookchat serve`
	DevServer DevServerConfig `yaml:"dev_server"`
}

type BackendConfig struct {
	BaseURL   string        `yaml:"base_url" validate:"required,url"`
	Transport string        `yaml:"transport" validate:"oneof=sse websocket"`
	Timeout   time.Duration `yaml:"timeout"`

	// RequestsPerSecond paces REST calls, 0 disables pacing
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

type ChatConfig struct {
	Notebook           string `yaml:"notebook,omitempty"` // default notebook id
	TopicMode          string `yaml:"topic_mode,omitempty"`
	Provider           string `yaml:"provider,omitempty"`
	Model              string `yaml:"model,omitempty"`
	KeepPartialOnError bool   `yaml:"keep_partial_on_error"`
	Personality        string `yaml:"personality,omitempty" validate:"omitempty,oneof=full minimal machine"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	LogDir string `yaml:"log_dir,omitempty"`
	JSON   bool   `yaml:"json"`
}

type DevServerConfig struct {
	Addr              string        `yaml:"addr" validate:"required"`
	TokenDelay        time.Duration `yaml:"token_delay"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	Seed              []string      `yaml:"seed,omitempty"` // filenames of a seeded demo notebook
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() NotebookChatConfig {
	return NotebookChatConfig{
		Backend: BackendConfig{
			BaseURL:   "http://localhost:8080",
			Transport: TransportSSE,
			Timeout:   30 * time.Second,
		},
		Chat: ChatConfig{
			KeepPartialOnError: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			LogDir: "~/.notebookchat/logs",
		},
		Telemetry: telemetry.Config{
			ServiceName:    "notebookchat",
			ServiceVersion: "0.1.0",
			Environment:    "development",
			TraceExporter:  "none",
			MetricExporter: "none",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
		DevServer: DevServerConfig{
			Addr:              ":8080",
			TokenDelay:        40 * time.Millisecond,
			KeepAliveInterval: 15 * time.Second,
			Seed:              []string{"handbook.pdf", "roadmap.docx", "budget.xlsx"},
		},
	}
}
