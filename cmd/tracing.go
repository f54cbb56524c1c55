package main

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sells-group/knowledge-search/internal/config"
)

const tracerName = "github.com/sells-group/knowledge-search"

// initTracing installs an SDK tracer provider when tracing is enabled so
// spans carry real trace ids. Finished spans are logged at debug level.
// With tracing disabled the global no-op provider is used and the
// controller falls back to generated trace ids.
func initTracing(tc config.TracingConfig) (trace.Tracer, func(context.Context) error) {
	if !tc.Enabled {
		return otel.Tracer(tracerName), func(context.Context) error { return nil }
	}

	ratio := tc.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithSpanProcessor(&logSpanProcessor{log: zap.L().Named("trace")}),
	)
	otel.SetTracerProvider(tp)
	return tp.Tracer(tracerName), tp.Shutdown
}

// logSpanProcessor writes each ended span to the logger.
type logSpanProcessor struct {
	log *zap.Logger
}

var _ sdktrace.SpanProcessor = (*logSpanProcessor)(nil)

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	p.log.Debug("span ended",
		zap.String("span", s.Name()),
		zap.String("trace_id", s.SpanContext().TraceID().String()),
		zap.String("span_id", s.SpanContext().SpanID().String()),
		zap.Duration("duration", s.EndTime().Sub(s.StartTime())),
		zap.String("status", s.Status().Code.String()),
	)
}

func (p *logSpanProcessor) Shutdown(context.Context) error { return nil }

func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }
