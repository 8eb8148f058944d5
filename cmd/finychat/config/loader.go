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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file is read.
const (
	EnvBaseURL  = "FINYCHAT_BASE_URL"
	EnvToken    = "FINYCHAT_TOKEN"
	EnvLogLevel = "FINYCHAT_LOG_LEVEL"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultPath is ~/.finychat/finychat.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".finychat", "finychat.yaml"), nil
}

// Load reads the config at path, creating it with defaults if missing,
// then applies environment overrides and validates the result.
func Load(path string) (FinychatConfig, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookupEnv func(string) (string, bool)) (FinychatConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return FinychatConfig{}, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return FinychatConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}

	// Fields missing from the file keep their defaults.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FinychatConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	applyEnv(&cfg, lookupEnv)

	if err := cfg.Validate(); err != nil {
		return FinychatConfig{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *FinychatConfig, lookupEnv func(string) (string, bool)) {
	if v, ok := lookupEnv(EnvBaseURL); ok && v != "" {
		cfg.BaseURL = v
	}
	if v, ok := lookupEnv(EnvToken); ok && v != "" {
		cfg.Token = v
	}
	if v, ok := lookupEnv(EnvLogLevel); ok && v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks field constraints.
func (c FinychatConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// createDefault writes DefaultConfig to path. The file may later hold a
// token, so it is private to the user.
func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
