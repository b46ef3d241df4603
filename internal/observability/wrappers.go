package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sanduku/internal/provider"
)

// InstrumentedProvider wraps a provider.Provider with per-call metrics and
// tracing. Every backend round trip is recorded, so provider latency and
// failure rate are visible independently of the session-level metrics.
type InstrumentedProvider struct {
	inner   provider.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedProvider wraps an execution context provider with
// observability. Both metrics and tracer setup may be nil.
func NewInstrumentedProvider(inner provider.Provider, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

// observe runs one provider call inside a span and records its duration and
// status. The span name is "provider.<op>".
func (p *InstrumentedProvider) observe(ctx context.Context, op string, attrs []attribute.KeyValue, call func(ctx context.Context) error) error {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "provider."+op,
			trace.WithAttributes(attrs...))
		defer span.End()
	}

	start := time.Now()
	err := call(ctx)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.ProviderCallsTotal.WithLabelValues(op, status).Inc()
		p.metrics.ProviderCallDuration.WithLabelValues(op).Observe(duration)
	}

	return err
}

func (p *InstrumentedProvider) CreateContext(ctx context.Context, limits provider.Limits) (provider.Handle, error) {
	var h provider.Handle
	err := p.observe(ctx, "create_context", []attribute.KeyValue{
		attribute.Int("context.memory_mb", limits.MemoryMB),
		attribute.Float64("context.cpu_cores", limits.CPUCores),
	}, func(ctx context.Context) error {
		var err error
		h, err = p.inner.CreateContext(ctx, limits)
		return err
	})
	return h, err
}

func (p *InstrumentedProvider) RunCommand(ctx context.Context, h provider.Handle, command string, timeout time.Duration, opts provider.RunOptions) (*provider.RunResult, error) {
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "provider.run_command",
			trace.WithAttributes(
				attribute.String("context.handle", string(h)),
				attribute.Float64("context.timeout_seconds", timeout.Seconds()),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := p.inner.RunCommand(ctx, h, command, timeout, opts)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case result != nil && result.TimedOut:
		status = "timeout"
	case result != nil && result.ExitCode != 0:
		status = "nonzero_exit"
		if p.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.Int("context.exit_code", result.ExitCode))
		}
	}

	if p.metrics != nil {
		p.metrics.ProviderCallsTotal.WithLabelValues("run_command", status).Inc()
		p.metrics.ProviderCallDuration.WithLabelValues("run_command").Observe(duration)
	}

	return result, err
}

func (p *InstrumentedProvider) ReadFile(ctx context.Context, h provider.Handle, path string) ([]byte, error) {
	var content []byte
	err := p.observe(ctx, "read_file", []attribute.KeyValue{
		attribute.String("context.handle", string(h)),
	}, func(ctx context.Context) error {
		var err error
		content, err = p.inner.ReadFile(ctx, h, path)
		return err
	})
	return content, err
}

func (p *InstrumentedProvider) WriteFile(ctx context.Context, h provider.Handle, path string, content []byte) error {
	return p.observe(ctx, "write_file", []attribute.KeyValue{
		attribute.String("context.handle", string(h)),
		attribute.Int("context.bytes", len(content)),
	}, func(ctx context.Context) error {
		return p.inner.WriteFile(ctx, h, path, content)
	})
}

func (p *InstrumentedProvider) DeleteFile(ctx context.Context, h provider.Handle, path string, recursive bool) error {
	return p.observe(ctx, "delete_file", []attribute.KeyValue{
		attribute.String("context.handle", string(h)),
	}, func(ctx context.Context) error {
		return p.inner.DeleteFile(ctx, h, path, recursive)
	})
}

func (p *InstrumentedProvider) ListFiles(ctx context.Context, h provider.Handle, dir string) ([]string, error) {
	var entries []string
	err := p.observe(ctx, "list_files", []attribute.KeyValue{
		attribute.String("context.handle", string(h)),
	}, func(ctx context.Context) error {
		var err error
		entries, err = p.inner.ListFiles(ctx, h, dir)
		return err
	})
	return entries, err
}

func (p *InstrumentedProvider) Stats(ctx context.Context, h provider.Handle) (*provider.ContextStats, error) {
	var stats *provider.ContextStats
	err := p.observe(ctx, "stats", []attribute.KeyValue{
		attribute.String("context.handle", string(h)),
	}, func(ctx context.Context) error {
		var err error
		stats, err = p.inner.Stats(ctx, h)
		return err
	})
	return stats, err
}

func (p *InstrumentedProvider) UpdateLimits(ctx context.Context, h provider.Handle, limits provider.Limits) error {
	return p.observe(ctx, "update_limits", []attribute.KeyValue{
		attribute.String("context.handle", string(h)),
		attribute.Int("context.memory_mb", limits.MemoryMB),
		attribute.Float64("context.cpu_cores", limits.CPUCores),
	}, func(ctx context.Context) error {
		return p.inner.UpdateLimits(ctx, h, limits)
	})
}

func (p *InstrumentedProvider) StopContext(ctx context.Context, h provider.Handle) error {
	return p.observe(ctx, "stop_context", []attribute.KeyValue{
		attribute.String("context.handle", string(h)),
	}, func(ctx context.Context) error {
		return p.inner.StopContext(ctx, h)
	})
}

func (p *InstrumentedProvider) RemoveContext(ctx context.Context, h provider.Handle) error {
	return p.observe(ctx, "remove_context", []attribute.KeyValue{
		attribute.String("context.handle", string(h)),
	}, func(ctx context.Context) error {
		return p.inner.RemoveContext(ctx, h)
	})
}

var _ provider.Provider = (*InstrumentedProvider)(nil)
