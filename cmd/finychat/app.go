// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/finychat/cmd/finychat/config"
	"github.com/AleutianAI/finychat/pkg/api"
	"github.com/AleutianAI/finychat/pkg/conversations"
	"github.com/AleutianAI/finychat/pkg/logging"
	"github.com/AleutianAI/finychat/pkg/observability"
	"github.com/AleutianAI/finychat/pkg/session"
	"github.com/AleutianAI/finychat/pkg/ux"
)

const shutdownTimeout = 5 * time.Second

// app holds the wired client stack for one command invocation.
type app struct {
	logger  *logging.Logger
	metrics *observability.ClientMetrics
	client  *api.Client
	index   *conversations.Index
	session *session.Controller
	printer *ux.Printer

	closers []func(context.Context) error
}

// newApp builds logger, metrics, tracing, API client, index and session
// from cfg. The caller must Close the app.
func newApp(cfg config.FinychatConfig, out io.Writer, conversationID string) (*app, error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: "finychat",
		JSON:    cfg.Log.JSON,
	})

	a := &app{logger: logger}
	a.closers = append(a.closers, func(context.Context) error { return logger.Close() })

	a.printer = ux.NewPrinter(out, ux.DetectModeFor(out, plainOutput))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if a.metrics, err = observability.NewClientMetrics(reg); err != nil {
		a.Close()
		return nil, err
	}
	if cfg.Metrics.Addr != "" {
		if err := a.serveMetrics(cfg.Metrics.Addr, reg); err != nil {
			a.Close()
			return nil, err
		}
	}

	if cfg.Tracing.Enabled {
		if err := a.installTracing(cfg.Tracing.File); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.client, err = api.NewClient(api.Config{
		BaseURL:               cfg.BaseURL,
		Token:                 cfg.Token,
		RequestTimeout:        cfg.RequestTimeout,
		ErrorReportsPerMinute: cfg.ReportsPerMinute(),
		Logger:                logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.index = conversations.NewIndex(a.client,
		conversations.WithLogger(logger),
		conversations.WithMetrics(a.metrics),
	)

	a.session, err = session.New(session.Config{
		Streamer:       a.client,
		History:        a.client,
		Index:          a.index,
		Reporter:       a.client,
		ConversationID: conversationID,
		RefreshTimeout: cfg.RefreshTimeout,
		MaxLineBytes:   cfg.MaxLineBytes,
		Logger:         logger,
		Metrics:        a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return a.session.Close() })
	return a, nil
}

func (a *app) serveMetrics(addr string, reg *prometheus.Registry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server stopped", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())
	a.closers = append(a.closers, srv.Shutdown)
	return nil
}

func (a *app) installTracing(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	shutdown, err := observability.InstallTracing(observability.TracingConfig{
		ServiceName: "finychat",
		Output:      f,
	})
	if err != nil {
		_ = f.Close()
		return err
	}
	a.closers = append(a.closers, func(ctx context.Context) error {
		return errors.Join(shutdown(ctx), f.Close())
	})
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
