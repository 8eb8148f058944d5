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
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/finychat/internal/mockserver"
	"github.com/AleutianAI/finychat/pkg/logging"
	"github.com/AleutianAI/finychat/pkg/ux"
)

func runMockServer(cmd *cobra.Command, _ []string) error {
	delay, err := time.ParseDuration(mockDelay)
	if err != nil {
		return fmt.Errorf("invalid --event-delay: %w", err)
	}
	levelName := logLevelFlag
	if levelName == "" {
		levelName = "info"
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{Level: level, Service: "finychat-mock"})
	defer logger.Close()

	if level == logging.LevelDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := mockserver.New(
		mockserver.WithToken(mockToken),
		mockserver.WithEventDelay(delay),
		mockserver.WithLogger(logger),
	)

	ln, err := net.Listen("tcp", mockAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", mockAddr, err)
	}
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printer := ux.NewPrinter(cmd.OutOrStdout(), ux.DetectModeFor(cmd.OutOrStdout(), plainOutput))
	printer.Success(fmt.Sprintf("Mock backend listening on http://%s", ln.Addr()))
	if mockToken != "" {
		printer.Muted("Requests must send: Authorization: Bearer " + mockToken)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("mock server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down mock backend")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
