package trace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"assetweaver/internal/logging"
)

const instrumentationName = "assetweaver/pipeline"

// Tracer returns the tracer used for cycle and stage spans. Without Setup it
// is the global no-op tracer.
func Tracer() oteltrace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Setup installs a tracer provider that writes spans as JSON lines to path.
// An empty path leaves tracing disabled. The returned function flushes and
// closes the exporter.
func Setup(ctx context.Context, path, version string, log *logging.Logger) (func(context.Context) error, error) {
	log = logging.OrNop(log)
	if path == "" {
		return func(context.Context) error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("span file directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening span file: %w", err)
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating span exporter: %w", err)
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", "assetweaver"),
		attribute.String("service.version", version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	log.Debug("span export enabled", "path", path)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}
