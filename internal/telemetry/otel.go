// Package telemetry wires OpenTelemetry tracing for the HTTP server
// and the query service.
package telemetry

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const defaultEndpoint = "127.0.0.1:4318"

var enabled atomic.Bool

// Options controls tracing setup.
type Options struct {
	ServiceName string
	Version     string
	// Enabled turns export on. OTEL_SDK_DISABLED=true overrides it.
	Enabled bool
	// Endpoint is host:port or a full URL. Empty falls back to
	// OTEL_EXPORTER_OTLP_ENDPOINT, then 127.0.0.1:4318.
	Endpoint string
}

// Init installs a global tracer provider exporting over OTLP/HTTP
// and returns its shutdown function. When tracing is off the
// global no-op provider stays in place.
func Init(opts Options) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !opts.Enabled || strings.EqualFold(
		strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")), "true",
	) {
		enabled.Store(false)
		return noop, nil
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(opts.ServiceName),
	}
	if opts.Version != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(opts.Version))
	}
	r, err := resource.New(
		context.Background(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return noop, err
	}

	exporter, err := newOTLPHTTPExporter(opts.Endpoint)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
		),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	enabled.Store(true)
	return tp.Shutdown, nil
}

func newOTLPHTTPExporter(raw string) (*otlptrace.Exporter, error) {
	if strings.TrimSpace(raw) == "" {
		raw = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	endpoint, urlPath, insecure := normalizeOTLPEndpoint(raw)
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if urlPath != "" && urlPath != "/" {
		opts = append(opts, otlptracehttp.WithURLPath(urlPath))
	}
	return otlptracehttp.New(context.Background(), opts...)
}

func normalizeOTLPEndpoint(raw string) (endpoint string, urlPath string, insecure bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultEndpoint, "", true
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err == nil {
			insecure = u.Scheme == "http"
			if strings.TrimSpace(u.Host) != "" {
				endpoint = u.Host
			}
			urlPath = u.EscapedPath()
		} else {
			log.Warnf("failed to parse OTLP endpoint URL %q, treating as host:port: %v", raw, err)
		}
	}
	if endpoint == "" {
		endpoint = raw
		insecure = true
	}
	return endpoint, urlPath, insecure
}

// Enabled reports whether a real tracer provider is installed.
func Enabled() bool {
	return enabled.Load()
}

// Middleware wraps h with server spans named after operation.
func Middleware(h http.Handler, operation string) http.Handler {
	if !Enabled() {
		return h
	}
	return otelhttp.NewHandler(h, operation)
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
