package tracing

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/repoindex/repoindex/internal/common/logctx"
)

type Config struct {
	// "stdout" prints spans; anything else leaves tracing disabled.
	ExportStrategy string
	ServiceName    string
}

func newProvider(c Config, r *resource.Resource) (trace.TracerProvider, error) {
	switch c.ExportStrategy {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout), stdouttrace.WithoutTimestamps())
		if err != nil {
			return nil, errors.Wrap(err, "creating stdout trace exporter")
		}
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(r)), nil
	default:
		return tracenoop.NewTracerProvider(), nil
	}
}

// LoadTracing installs the configured tracer provider globally. The returned closer flushes and shuts it down.
func LoadTracing(ctx *logctx.Context, c Config) (func(context.Context) error, error) {
	r, err := NewResource(c.ServiceName)
	if err != nil {
		return nil, err
	}
	tp, err := newProvider(c, r)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		ctx.Log.WithError(err).Warn("otel error")
	}))

	return func(ctx context.Context) error {
		if p, ok := tp.(*sdktrace.TracerProvider); ok {
			return p.Shutdown(ctx)
		}
		return nil
	}, nil
}

// NewResource returns a resource describing this application.
func NewResource(serviceName string) (*resource.Resource, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating resource")
	}
	return r, nil
}
