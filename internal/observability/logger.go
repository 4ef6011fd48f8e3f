// Package observability wires structured logging and prometheus metrics.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// LoggerConfig controls where process logs go.
type LoggerConfig struct {
	ServiceName string
	// Enabled switches on the OTLP/HTTP export pipeline. When false
	// logs go to stderr as text, which suits CLI invocations.
	Enabled  bool
	Endpoint string
	Headers  string
	Insecure bool
	Level    slog.Level
}

// InitLogger builds the process logger. The returned provider is nil
// when export is disabled; callers shut it down on exit otherwise.
func InitLogger(ctx context.Context, cfg LoggerConfig) (*log.LoggerProvider, *slog.Logger, error) {
	if !cfg.Enabled {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level})
		return nil, slog.New(handler), nil
	}

	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, nil, err
	}

	opts := []otlploghttp.Option{
		otlploghttp.WithTimeout(10 * time.Second),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, otlploghttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlploghttp.WithInsecure())
	}
	if headers := parseOTLPHeaders(cfg.Headers); headers != nil {
		opts = append(opts, otlploghttp.WithHeaders(headers))
	}

	// Exporter creation uses context.Background() to avoid hanging on
	// shutdown.
	exporter, err := otlploghttp.New(context.Background(), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create log exporter: %w", err)
	}

	provider := log.NewLoggerProvider(
		log.WithProcessor(log.NewBatchProcessor(exporter,
			log.WithExportTimeout(5*time.Second),
		)),
		log.WithResource(res),
	)

	logger := otelslog.NewLogger(cfg.ServiceName, otelslog.WithLoggerProvider(provider))
	return provider, logger, nil
}

// parseOTLPHeaders parses a comma separated k=v header list, URL-decoding
// values. Some vendors hand out headers in URL-encoded form and the SDK
// does not always decode them.
func parseOTLPHeaders(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			key := strings.TrimSpace(kv[0])
			value, err := url.QueryUnescape(kv[1])
			if err != nil {
				value = kv[1]
			}
			headers[key] = value
		}
	}
	return headers
}

// newResource merges service metadata with the SDK defaults. Partial
// resource errors are non-fatal.
func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	serviceResource, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
		resource.WithSchemaURL(semconv.SchemaURL),
	)
	if err != nil {
		return nil, fmt.Errorf("create service resource: %w", err)
	}

	res, err := resource.Merge(resource.Default(), serviceResource)
	if err != nil {
		if errors.Is(err, resource.ErrPartialResource) || errors.Is(err, resource.ErrSchemaURLConflict) {
			return res, nil
		}
		return nil, fmt.Errorf("merge resources: %w", err)
	}
	return res, nil
}
