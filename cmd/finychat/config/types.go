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

	"github.com/AleutianAI/finychat/pkg/sse"
)

type FinychatConfig struct {
	// BaseURL is the backend origin, e.g. http://localhost:8000
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// Token is the bearer token. Prefer FINYCHAT_TOKEN over storing it here.
	Token string `yaml:"token,omitempty"`

	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout" validate:"gt=0"`

	// MaxLineBytes caps a single stream line
	MaxLineBytes int `yaml:"max_line_bytes" validate:"gte=1024"`

	Log            LogConfig            `yaml:"log"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Tracing        TracingConfig        `yaml:"tracing"`
	ErrorReporting ErrorReportingConfig `yaml:"error_reporting"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir,omitempty"` // e.g. ~/.finychat/logs
	JSON  bool   `yaml:"json"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. 127.0.0.1:9464
	Addr string `yaml:"addr,omitempty" validate:"omitempty,hostname_port"`
}

type TracingConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file,omitempty" validate:"required_if=Enabled true"`
}

type ErrorReportingConfig struct {
	Enabled   bool `yaml:"enabled"`
	PerMinute int  `yaml:"per_minute" validate:"gte=0"`
}

// DefaultConfig is written on first run.
func DefaultConfig() FinychatConfig {
	return FinychatConfig{
		BaseURL:        "http://localhost:8000",
		RequestTimeout: 30 * time.Second,
		RefreshTimeout: 10 * time.Second,
		MaxLineBytes:   sse.DefaultMaxLineBytes,
		Log: LogConfig{
			Level: "warn",
		},
		ErrorReporting: ErrorReportingConfig{
			Enabled:   true,
			PerMinute: 6,
		},
	}
}

// ReportsPerMinute is the api client limit; 0 when reporting is off.
func (c FinychatConfig) ReportsPerMinute() int {
	if !c.ErrorReporting.Enabled {
		return 0
	}
	return c.ErrorReporting.PerMinute
}
