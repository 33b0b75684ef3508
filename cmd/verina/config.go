// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the CLI configuration, loaded from a YAML file with environment
// and flag overrides layered on top (flags win, then env, then file).
type Config struct {
	Backend BackendConfig `yaml:"backend" validate:"required"`
	Logging LoggingConfig `yaml:"logging"`
	Stream  StreamConfig  `yaml:"stream"`
}

// BackendConfig locates the Verina server.
type BackendConfig struct {
	// URL of the backend, no trailing slash.
	URL string `yaml:"url" validate:"required,url"`
}

// LoggingConfig mirrors pkg/logging's Config in file form.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Dir enables file logging when set. Supports ~ expansion.
	Dir string `yaml:"dir"`

	// JSON switches stderr logs to JSON format.
	JSON bool `yaml:"json"`
}

// StreamConfig tunes the streaming layer.
type StreamConfig struct {
	// IdleTimeoutSeconds cancels a stream when no bytes arrive for this
	// long. 0 disables the watchdog.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds" validate:"gte=0"`
}

// defaultConfig returns the configuration used when no file exists.
func defaultConfig() Config {
	return Config{
		Backend: BackendConfig{URL: "http://localhost:8000"},
		Logging: LoggingConfig{Level: "info"},
		Stream:  StreamConfig{IdleTimeoutSeconds: 120},
	}
}

// loadConfig reads path (or the default locations when path is empty),
// applies environment overrides, and validates the result.
//
// Environment overrides:
//
//	VERINA_BACKEND_URL  backend.url
//	VERINA_LOG_LEVEL    logging.level
//	VERINA_LOG_DIR      logging.dir
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	resolved, explicit := resolveConfigPath(path)
	if resolved != "" {
		data, err := os.ReadFile(resolved)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", resolved, err)
			}
		case explicit:
			// A path the user named must exist; a default location may not.
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if v := os.Getenv("VERINA_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("VERINA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VERINA_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// resolveConfigPath picks the config file to read. Returns the path and
// whether the user named it explicitly.
func resolveConfigPath(path string) (string, bool) {
	if path != "" {
		return path, true
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".verina", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, false
		}
	}
	if _, err := os.Stat("verina.yaml"); err == nil {
		return "verina.yaml", false
	}
	return "", false
}
