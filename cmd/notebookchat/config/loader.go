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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file is read.
const (
	EnvConfigPath = "NOTEBOOKCHAT_CONFIG"
	EnvBaseURL    = "NOTEBOOKCHAT_BASE_URL"
	EnvTransport  = "NOTEBOOKCHAT_TRANSPORT"
	EnvLogLevel   = "NOTEBOOKCHAT_LOG_LEVEL"
	EnvNotebook   = "NOTEBOOKCHAT_NOTEBOOK"
)

var (
	// Global is a singleton instance
	Global NotebookChatConfig
	once   sync.Once
)

// Load ensures the config is loaded into the Global variable
func Load() error {
	var err error
	once.Do(func() {
		path, pathErr := DefaultPath()
		if pathErr != nil {
			err = pathErr
			return
		}
		Global, err = LoadFile(path)
	})
	return err
}

// DefaultPath returns $NOTEBOOKCHAT_CONFIG, or
// ~/.notebookchat/notebookchat.yaml.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".notebookchat", "notebookchat.yaml"), nil
}

// LoadFile reads the config at path, creating it with defaults if it does
// not exist, then applies environment overrides and validates the result.
func LoadFile(path string) (NotebookChatConfig, error) {
	// create it if it doesn't exist
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return NotebookChatConfig{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return NotebookChatConfig{}, fmt.Errorf("failed to read the config file %w", err)
	}

	// fields missing from the file keep their defaults
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return NotebookChatConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return NotebookChatConfig{}, err
	}
	return cfg, nil
}

// Validate checks the struct tags of every section.
func Validate(cfg NotebookChatConfig) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *NotebookChatConfig) {
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv(EnvTransport); v != "" {
		cfg.Backend.Transport = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvNotebook); v != "" {
		cfg.Chat.Notebook = v
	}
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
