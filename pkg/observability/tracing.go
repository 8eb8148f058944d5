// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used by finychat packages.
const InstrumentationName = "github.com/AleutianAI/finychat"

// Tracer returns the finychat tracer from the global provider. Without
// InstallTracing it is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// TracingConfig configures InstallTracing.
type TracingConfig struct {
	// ServiceName is recorded as service.name. Default: "finychat".
	ServiceName string

	// Output receives one JSON document per finished span.
	Output io.Writer

	// Pretty indents the JSON output.
	Pretty bool
}

// InstallTracing sets a global tracer provider that writes spans to
// config.Output and a W3C trace-context propagator for outbound requests.
//
// # Outputs
//
//   - shutdown: flushes and stops the provider. Call before exit.
//   - error: exporter or resource construction failure.
//
// # Limitations
//
//   - Spans are exported synchronously; intended for local diagnostics.
func InstallTracing(config TracingConfig) (shutdown func(context.Context) error, err error) {
	if config.Output == nil {
		return nil, fmt.Errorf("tracing output is required")
	}
	if config.ServiceName == "" {
		config.ServiceName = "finychat"
	}

	opts := []stdouttrace.Option{stdouttrace.WithWriter(config.Output)}
	if config.Pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", config.ServiceName))

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSyncer(exporter),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Shutdown, nil
}
