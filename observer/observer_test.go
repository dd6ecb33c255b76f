package observer

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nevindra/cascade"
)

// testInstruments records spans in memory; metrics and logs go to the
// default no-op globals.
func testInstruments(t *testing.T) (*Instruments, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	inst, err := newInstruments()
	if err != nil {
		t.Fatal(err)
	}
	inst.Tracer = tp.Tracer("test")
	return inst, sr
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (string, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func TestWrapProviderPassthrough(t *testing.T) {
	inst, _ := testInstruments(t)
	inner := cascade.ProviderFunc{Tag: "lint", Fn: func(_ context.Context, _ cascade.CheckContext) (cascade.CheckResult, error) {
		return cascade.CheckResult{
			Content: "done",
			Issues:  []cascade.Issue{{RuleID: "r1", Severity: cascade.SeverityWarning, Message: "m"}},
		}, nil
	}}

	wrapped := WrapProvider(inner, inst)
	if wrapped.Name() != "lint" {
		t.Errorf("Name() = %q, want delegation", wrapped.Name())
	}

	result, err := wrapped.Invoke(context.Background(), cascade.CheckContext{CheckID: "lint"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "done" || len(result.Issues) != 1 {
		t.Errorf("result = %+v, want untouched passthrough", result)
	}
}

func TestWrapProviderSpan(t *testing.T) {
	inst, sr := testInstruments(t)
	inner := cascade.ProviderFunc{Tag: "lint", Fn: func(_ context.Context, _ cascade.CheckContext) (cascade.CheckResult, error) {
		return cascade.CheckResult{Issues: []cascade.Issue{
			{RuleID: "a", Severity: cascade.SeverityError, Message: "m"},
			{RuleID: "b", Severity: cascade.SeverityError, Message: "m"},
		}}, nil
	}}

	_, err := WrapProvider(inner, inst).Invoke(context.Background(), cascade.CheckContext{
		CheckID: "lint",
		Event:   cascade.Event{Name: "pr"},
	})
	if err != nil {
		t.Fatal(err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "check.invoke" {
		t.Errorf("span name = %q", span.Name())
	}
	if v, ok := attrValue(span.Attributes(), AttrCheckID); !ok || v != "lint" {
		t.Errorf("check.id attr = %q/%v", v, ok)
	}
	if v, ok := attrValue(span.Attributes(), AttrEvent); !ok || v != "pr" {
		t.Errorf("check.event attr = %q/%v", v, ok)
	}
	if v, ok := attrValue(span.Attributes(), AttrIssueCount); !ok || v != "2" {
		t.Errorf("issue count attr = %q/%v, want 2", v, ok)
	}
}

func TestWrapProviderError(t *testing.T) {
	inst, sr := testInstruments(t)
	boom := errors.New("provider exploded")
	inner := cascade.ProviderFunc{Tag: "lint", Fn: func(_ context.Context, _ cascade.CheckContext) (cascade.CheckResult, error) {
		return cascade.CheckResult{}, boom
	}}

	_, err := WrapProvider(inner, inst).Invoke(context.Background(), cascade.CheckContext{CheckID: "lint"})
	if err != boom {
		t.Fatalf("err = %v, want the inner error surfaced", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("span status = %v, want error", spans[0].Status().Code)
	}
}

func TestWrapRegistry(t *testing.T) {
	inst, _ := testInstruments(t)
	reg := cascade.NewRegistry(
		cascade.ProviderFunc{Tag: "a", Fn: func(_ context.Context, _ cascade.CheckContext) (cascade.CheckResult, error) {
			return cascade.CheckResult{}, nil
		}},
		cascade.ProviderFunc{Tag: "b", Fn: func(_ context.Context, _ cascade.CheckContext) (cascade.CheckResult, error) {
			return cascade.CheckResult{}, nil
		}},
	)

	wrapped := WrapRegistry(reg, inst)
	for _, tag := range []string{"a", "b"} {
		p, ok := wrapped.Lookup(tag)
		if !ok {
			t.Fatalf("tag %q missing after wrap", tag)
		}
		if _, ok := p.(*ObservedProvider); !ok {
			t.Errorf("tag %q type = %T, want observed wrapper", tag, p)
		}
	}
}

func TestOtelTracerSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	tr := &otelTracer{inner: tp.Tracer("test")}
	_, span := tr.Start(context.Background(), "run", cascade.StringAttr("run.session_id", "sess-1"))
	span.SetAttr(cascade.IntAttr("waves", 3))
	span.Event("wave.start", cascade.IntAttr("wave", 0))
	span.Error(errors.New("run failed"))
	span.End()

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := spans[0]
	if got.Name() != "run" {
		t.Errorf("name = %q", got.Name())
	}
	if v, ok := attrValue(got.Attributes(), "run.session_id"); !ok || v != "sess-1" {
		t.Errorf("session attr = %q/%v", v, ok)
	}
	if v, ok := attrValue(got.Attributes(), "waves"); !ok || v != "3" {
		t.Errorf("waves attr = %q/%v", v, ok)
	}
	var sawWave bool
	for _, ev := range got.Events() {
		if ev.Name == "wave.start" {
			sawWave = true
		}
	}
	if !sawWave {
		t.Errorf("events = %+v, want wave.start recorded", got.Events())
	}
	if got.Status().Code != codes.Error {
		t.Errorf("status = %v, want error after Error()", got.Status().Code)
	}
}

func TestToOTELAttr(t *testing.T) {
	tests := []struct {
		name string
		in   cascade.SpanAttr
		want attribute.KeyValue
	}{
		{"string", cascade.StringAttr("k", "v"), attribute.String("k", "v")},
		{"int", cascade.IntAttr("k", 7), attribute.Int("k", 7)},
		{"int64", cascade.SpanAttr{Key: "k", Value: int64(8)}, attribute.Int64("k", 8)},
		{"float64", cascade.Float64Attr("k", 1.5), attribute.Float64("k", 1.5)},
		{"bool", cascade.BoolAttr("k", true), attribute.Bool("k", true)},
		{"fallback", cascade.SpanAttr{Key: "k", Value: []int{1}}, attribute.String("k", "[1]")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toOTELAttr(tt.in); got != tt.want {
				t.Errorf("toOTELAttr = %v, want %v", got, tt.want)
			}
		})
	}
}
