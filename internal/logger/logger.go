// Package logger configures the process-wide slog logger: JSON to stdout by
// default, or bridged into OpenTelemetry when OTEL_ENABLED=true. Warnings
// and errors are sampled to bound log volume under dispatch storms while
// aggregate counters stay exact.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

var (
	programLevel = new(slog.LevelVar)
	sampleRate   int32 = 1 // 1 = log everything; N = log 1 out of N warns/errors
	shutdownFunc func(context.Context) error
)

// Aggregate counters, incremented regardless of sampling.
var (
	TotalErrors   atomic.Int64
	TotalWarnings atomic.Int64
)

// Init configures the default slog logger from the environment
// (LOG_LEVEL, ERROR_SAMPLE_RATE, OTEL_ENABLED, OTEL_SERVICE_NAME) and
// returns it.
func Init(ctx context.Context) *slog.Logger {
	level, err := ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = slog.LevelInfo
	}
	programLevel.Set(level)

	if rateStr := os.Getenv("ERROR_SAMPLE_RATE"); rateStr != "" {
		if rate, err := strconv.Atoi(rateStr); err == nil && rate > 0 {
			atomic.StoreInt32(&sampleRate, int32(rate))
		}
	}

	var log *slog.Logger
	if strings.EqualFold(os.Getenv("OTEL_ENABLED"), "true") {
		serviceName := os.Getenv("OTEL_SERVICE_NAME")
		if serviceName == "" {
			serviceName = "automation-engine"
		}
		otelLogger, shutdown, err := setupOTEL(ctx, serviceName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "otel logging setup failed, falling back to JSON: %v\n", err)
			log = jsonLogger()
		} else {
			shutdownFunc = shutdown
			log = otelLogger
		}
	} else {
		log = jsonLogger()
	}

	slog.SetDefault(log)
	return log
}

func jsonLogger() *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: programLevel})
	return slog.New(&samplingHandler{handler: handler})
}

func setupOTEL(ctx context.Context, serviceName string) (*slog.Logger, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	handler := otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider))
	wrapped := &samplingHandler{handler: &levelHandler{level: programLevel, handler: handler}}
	return slog.New(wrapped), provider.Shutdown, nil
}

// Shutdown flushes the OTel pipeline when one is active.
func Shutdown(ctx context.Context) error {
	if shutdownFunc != nil {
		return shutdownFunc(ctx)
	}
	return nil
}

// SetLevel adjusts the minimum log level at runtime.
func SetLevel(level slog.Level) {
	programLevel.Set(level)
}

// ParseLevel converts a level name to slog.Level. Empty input means Info.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(levelStr) {
	case "", "INFO":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", levelStr)
	}
}

func shouldSample() bool {
	rate := atomic.LoadInt32(&sampleRate)
	if rate <= 1 {
		return true
	}
	return rand.Intn(int(rate)) == 0
}

// samplingHandler counts warn/error records and drops the unsampled ones.
type samplingHandler struct {
	handler slog.Handler
}

func (h *samplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *samplingHandler) Handle(ctx context.Context, r slog.Record) error {
	switch {
	case r.Level >= slog.LevelError:
		TotalErrors.Add(1)
	case r.Level >= slog.LevelWarn:
		TotalWarnings.Add(1)
	}
	if r.Level >= slog.LevelWarn && !shouldSample() {
		return nil
	}
	return h.handler.Handle(ctx, r)
}

func (h *samplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &samplingHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *samplingHandler) WithGroup(name string) slog.Handler {
	return &samplingHandler{handler: h.handler.WithGroup(name)}
}

// levelHandler filters records below the configured level before they reach
// the OTel bridge, which has no level knob of its own.
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}
