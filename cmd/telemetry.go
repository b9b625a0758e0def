package cmd

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/nextlevelbuilder/switchboard/internal/config"
)

// initTelemetry wires OTLP trace export when enabled. The returned func
// flushes and shuts the provider down.
func initTelemetry(ctx context.Context, cfg *config.Config, logger *slog.Logger) func() {
	if !cfg.Telemetry.Enabled {
		return func() {}
	}

	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch cfg.Telemetry.Protocol {
	case "http":
		opts := []otlptracehttp.Option{}
		if cfg.Telemetry.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Telemetry.Endpoint))
		}
		if cfg.Telemetry.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		opts := []otlptracegrpc.Option{}
		if cfg.Telemetry.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Telemetry.Endpoint))
		}
		if cfg.Telemetry.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		logger.Warn("telemetry disabled: exporter init failed", "error", err)
		return func() {}
	}

	name := cfg.Telemetry.ServiceName
	if name == "" {
		name = "switchboard"
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", name),
			attribute.String("service.version", Version),
		)),
	)
	otel.SetTracerProvider(tp)
	logger.Info("telemetry enabled", "protocol", cfg.Telemetry.Protocol, "endpoint", cfg.Telemetry.Endpoint)

	return func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
}
