package platform

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Tracing installs the global tracer provider for service. exporter is
// "stdout" or "none"; with "none" spans are still created so scopes carry
// trace ids in their logs, but nothing is exported.
func Tracing(service, exporter string) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", service))),
	}
	switch exporter {
	case "", "none":
	case "stdout":
		exp, err := stdouttrace.New()
		if err != nil {
			return nil, errors.Wrap(err, "stdout trace exporter")
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		return nil, errors.Errorf("unknown trace exporter %q", exporter)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp, nil
}

// ShutdownTracing flushes pending spans.
func ShutdownTracing(ctx context.Context, tp *sdktrace.TracerProvider) error {
	return errors.Wrap(tp.Shutdown(ctx), "shutdown tracer provider")
}
