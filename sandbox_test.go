package cascade

import (
	"errors"
	"testing"
)

func TestTruthy(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want bool
	}{
		{"nil", nil, false},
		{"false", false, false},
		{"true", true, true},
		{"zero int", 0, false},
		{"int", 7, true},
		{"zero float", 0.0, false},
		{"float", 0.5, true},
		{"empty string", "", false},
		{"string", "x", true},
		{"empty list", []any{}, false},
		{"list", []any{1}, true},
		{"empty map", map[string]any{}, false},
		{"map", map[string]any{"k": 1}, true},
		{"struct value", struct{}{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truthy(tt.v); got != tt.want {
				t.Errorf("truthy(%v) = %v, want %v", tt.v, got, tt.want)
			}
		})
	}
}

func TestSandboxEvalBool(t *testing.T) {
	sb := newSandbox()
	env := map[string]any{
		"outputs": map[string]any{"score": 3},
	}

	got, err := sb.evalBool("outputs.score > 2", env)
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("evalBool(outputs.score > 2) = false, want true")
	}

	got, err = sb.evalBool("outputs.score > 5", env)
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("evalBool(outputs.score > 5) = true, want false")
	}
}

func TestSandboxEvalBoolNonBoolean(t *testing.T) {
	sb := newSandbox()

	// Non-boolean results go through truthiness.
	got, err := sb.evalBool(`"text"`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Error("non-empty string should be truthy")
	}
}

func TestSandboxEvalString(t *testing.T) {
	sb := newSandbox()

	got, err := sb.evalString(`"retry_" + "fix"`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "retry_fix" {
		t.Errorf("evalString = %q, want retry_fix", got)
	}

	// Nil is an empty target, not an error.
	got, err = sb.evalString("nil", nil)
	if err != nil || got != "" {
		t.Errorf("evalString(nil) = (%q, %v), want (\"\", nil)", got, err)
	}

	// A number is a type error.
	if _, err := sb.evalString("42", nil); err == nil {
		t.Error("expected type error for numeric goto target")
	}
}

func TestSandboxEvalStringList(t *testing.T) {
	sb := newSandbox()

	got, err := sb.evalStringList(`["lint", "security"]`, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "lint" || got[1] != "security" {
		t.Errorf("evalStringList = %v, want [lint security]", got)
	}

	got, err = sb.evalStringList("nil", nil)
	if err != nil || got != nil {
		t.Errorf("evalStringList(nil) = (%v, %v), want (nil, nil)", got, err)
	}

	if _, err := sb.evalStringList(`[1, 2]`, nil); err == nil {
		t.Error("expected type error for non-string elements")
	}
}

func TestSandboxCompileError(t *testing.T) {
	sb := newSandbox()

	_, err := sb.eval("outputs..", nil)
	if err == nil {
		t.Fatal("expected compile error")
	}
	var exprErr *ErrExpression
	if !errors.As(err, &exprErr) {
		t.Fatalf("error type = %T, want *ErrExpression", err)
	}
}

func TestSandboxCompileCache(t *testing.T) {
	sb := newSandbox()

	p1, err := sb.compile("1 + 1")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := sb.compile("1 + 1")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Error("same source compiled twice, cache miss")
	}
}

func TestExprScopeShape(t *testing.T) {
	j := NewJournal()
	j.Commit(JournalEntry{CheckID: "fetch", Scope: RootScope, Result: CheckResult{Output: map[string]any{"files": 3}}})

	view := NewContextView(j, j.Snapshot(), RootScope, "")
	check := &Check{ID: "parse", Tags: []string{"core"}, Group: "intake"}
	mem := NewMemoryHandle(NewMemory(), "")
	mem.Set("seen", 1.0)

	env := exprScope(view, check, map[string]any{"ok": true}, Event{Name: "manual", Payload: map[string]any{"pr": 7}}, mem)

	sb := newSandbox()
	for _, tt := range []struct {
		expr string
		want bool
	}{
		{`step.id == "parse"`, true},
		{`step.group == "intake"`, true},
		{`outputs.fetch.files == 3`, true},
		{`outputs_raw.fetch.files == 3`, true},
		{`len(outputs_history.fetch) == 1`, true},
		{`output.ok`, true},
		{`event.name == "manual"`, true},
		{`event.payload.pr == 7`, true},
		{`memory.get("seen") == 1.0`, true},
	} {
		got, err := sb.evalBool(tt.expr, env)
		if err != nil {
			t.Errorf("%s: %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s = %v, want %v", tt.expr, got, tt.want)
		}
	}
}
