package observer

import (
	"context"
	"time"

	"github.com/nevindra/cascade"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps a cascade.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner cascade.Provider
	inst  *Instruments
}

// WrapProvider returns an instrumented provider that emits traces,
// metrics, and logs for every invocation.
func WrapProvider(inner cascade.Provider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

// WrapRegistry returns a registry with every provider wrapped.
func WrapRegistry(registry *cascade.Registry, inst *Instruments) *cascade.Registry {
	wrapped := cascade.NewRegistry()
	for _, tag := range registry.Tags() {
		p, _ := registry.Lookup(tag)
		wrapped.Register(WrapProvider(p, inst))
	}
	return wrapped
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Invoke(ctx context.Context, cc cascade.CheckContext) (cascade.CheckResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "check.invoke",
		trace.WithAttributes(
			AttrCheckID.String(cc.CheckID),
			AttrProvider.String(o.inner.Name()),
			AttrScope.String(cc.Scope.String()),
			AttrEvent.String(cc.Event.Name),
		))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Invoke(ctx, cc)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if result.Failed() {
		status = "failed"
	}

	attrs := metric.WithAttributes(
		AttrCheckID.String(cc.CheckID),
		AttrProvider.String(o.inner.Name()),
		attribute.String("status", status),
	)
	o.inst.CheckExecutions.Add(ctx, 1, attrs)
	if status != "ok" {
		o.inst.CheckFailures.Add(ctx, 1, attrs)
	}
	if n := len(result.Issues); n > 0 {
		o.inst.IssuesReported.Add(ctx, int64(n), metric.WithAttributes(
			AttrCheckID.String(cc.CheckID),
			AttrProvider.String(o.inner.Name()),
		))
		span.SetAttributes(AttrIssueCount.Int(n))
	}
	o.inst.CheckDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("check invocation completed"))
	rec.AddAttributes(
		otellog.String("check.id", cc.CheckID),
		otellog.String("check.provider", o.inner.Name()),
		otellog.String("check.scope", cc.Scope.String()),
		otellog.Int("check.issue_count", len(result.Issues)),
		otellog.Float64("check.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

var _ cascade.Provider = (*ObservedProvider)(nil)
