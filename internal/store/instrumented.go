package store

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/keithlinneman/linnemanlabs-denylist/internal/store"

// OpMetrics is implemented by the metrics package.
type OpMetrics interface {
	ObserveStoreOp(backend, op, result string, seconds float64)
}

// Instrumented decorates a Store with per-operation latency metrics and
// spans. It forwards MaxValueSizer and Pinger when the inner store has them.
type Instrumented struct {
	inner   Store
	backend string
	metrics OpMetrics
	tracer  trace.Tracer
}

func NewInstrumented(inner Store, backend string, m OpMetrics) *Instrumented {
	return &Instrumented{
		inner:   inner,
		backend: backend,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}
}

// Unwrap returns the decorated store.
func (s *Instrumented) Unwrap() Store { return s.inner }

func (s *Instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, done := s.start(ctx, "get", key)
	v, err := s.inner.Get(ctx, key)
	done(err)
	return v, err
}

func (s *Instrumented) Put(ctx context.Context, key string, value []byte) error {
	ctx, done := s.start(ctx, "put", key, attribute.Int("store.value_bytes", len(value)))
	err := s.inner.Put(ctx, key, value)
	done(err)
	return err
}

func (s *Instrumented) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, done := s.start(ctx, "list", prefix)
	keys, err := s.inner.List(ctx, prefix)
	done(err)
	return keys, err
}

func (s *Instrumented) Delete(ctx context.Context, key string) error {
	ctx, done := s.start(ctx, "delete", key)
	err := s.inner.Delete(ctx, key)
	done(err)
	return err
}

func (s *Instrumented) MaxValueSize() int { return MaxValueSize(s.inner) }

func (s *Instrumented) Ping(ctx context.Context) error {
	if p, ok := s.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Instrumented) start(ctx context.Context, op, key string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs,
		attribute.String("store.backend", s.backend),
		attribute.String("store.key", key),
	)
	ctx, span := s.tracer.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
	begin := time.Now()
	return ctx, func(err error) {
		result := "ok"
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound):
			// expected for the pointer before the first publish
			result = "not_found"
		default:
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if s.metrics != nil {
			s.metrics.ObserveStoreOp(s.backend, op, result, time.Since(begin).Seconds())
		}
	}
}
