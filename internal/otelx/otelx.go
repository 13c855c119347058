// Package otelx installs the global tracer provider and propagators.
package otelx

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/xerrors"
)

const defaultDialTimeout = 3 * time.Second

type Options struct {
	Enabled bool
	// Endpoint is host:port; an http:// scheme implies Insecure.
	Endpoint  string
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string

	// Attributes are added to the resource, e.g. store backend and key prefix.
	Attributes map[string]string

	DialTimeout time.Duration
}

// Init sets the global tracer provider. Disabled still installs an SDK
// provider so spans carry valid ids for log correlation. The returned
// shutdown flushes pending spans and is safe to call more than once.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	endpoint, insecure := splitEndpoint(o.Endpoint)
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure || o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	dial := o.DialTimeout
	if dial <= 0 {
		dial = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "otlp exporter for %s", endpoint)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName(o.Service, o.Component)),
		semconv.ServiceVersionKey.String(o.Version),
	}
	for k, v := range o.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
	if err != nil && res == nil {
		return nil, xerrors.Wrap(err, "otel resource")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampSample(o.Sample)))),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	var once sync.Once
	var shutdownErr error
	return func(sctx context.Context) error {
		once.Do(func() { shutdownErr = tp.Shutdown(sctx) })
		return shutdownErr
	}, nil
}

func splitEndpoint(ep string) (hostport string, insecure bool) {
	switch {
	case strings.HasPrefix(ep, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(ep, "http://"), "/"), true
	case strings.HasPrefix(ep, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(ep, "https://"), "/"), false
	}
	return ep, false
}

func serviceName(service, component string) string {
	switch {
	case service == "":
		return component
	case component == "":
		return service
	}
	return service + "." + component
}

func clampSample(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
