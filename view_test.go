package cascade

import (
	"reflect"
	"testing"
)

func TestContextViewExactScopeWins(t *testing.T) {
	j := NewJournal()
	scope := RootScope.Child("list", 0)
	j.Commit(JournalEntry{CheckID: "proc", Scope: RootScope, Result: CheckResult{Output: "root"}})
	j.Commit(JournalEntry{CheckID: "proc", Scope: scope, Result: CheckResult{Output: "first"}})
	j.Commit(JournalEntry{CheckID: "proc", Scope: scope, Result: CheckResult{Output: "second"}})

	v := NewContextView(j, j.Snapshot(), scope, "")
	r, ok := v.Get("proc")
	if !ok {
		t.Fatal("Get(proc) not found")
	}
	if r.Output != "second" {
		t.Errorf("Output = %v, want second (latest exact-scope entry)", r.Output)
	}
}

func TestContextViewItemExtraction(t *testing.T) {
	j := NewJournal()
	j.Commit(JournalEntry{CheckID: "list", Scope: RootScope, Result: CheckResult{
		Output:       []any{"x", "y", "z"},
		ForEachItems: []any{"x", "y", "z"},
		IsForEach:    true,
	}})

	v := NewContextView(j, j.Snapshot(), RootScope.Child("list", 1), "")
	r, ok := v.Get("list")
	if !ok {
		t.Fatal("Get(list) not found")
	}
	if r.Output != "y" {
		t.Errorf("Output = %v, want item y for scope list[1]", r.Output)
	}
}

func TestContextViewItemExtractionFromOutputList(t *testing.T) {
	// No ForEachItems recorded; a list output still supports extraction.
	j := NewJournal()
	j.Commit(JournalEntry{CheckID: "list", Scope: RootScope, Result: CheckResult{
		Output: []any{10, 20},
	}})

	v := NewContextView(j, j.Snapshot(), RootScope.Child("list", 0), "")
	r, ok := v.Get("list")
	if !ok {
		t.Fatal("Get(list) not found")
	}
	if r.Output != 10 {
		t.Errorf("Output = %v, want 10", r.Output)
	}
}

func TestContextViewLongestPrefixWins(t *testing.T) {
	j := NewJournal()
	list0 := RootScope.Child("list", 0)
	j.Commit(JournalEntry{CheckID: "cfg", Scope: RootScope, Result: CheckResult{Output: "root"}})
	j.Commit(JournalEntry{CheckID: "cfg", Scope: list0, Result: CheckResult{Output: "item"}})

	v := NewContextView(j, j.Snapshot(), list0.Child("proc", 2), "")
	r, ok := v.Get("cfg")
	if !ok {
		t.Fatal("Get(cfg) not found")
	}
	if r.Output != "item" {
		t.Errorf("Output = %v, want item (deepest ancestor entry)", r.Output)
	}
}

func TestContextViewLatestFallback(t *testing.T) {
	// Entries only at item scopes; a root view falls back to the latest.
	j := NewJournal()
	j.Commit(JournalEntry{CheckID: "proc", Scope: RootScope.Child("list", 0), Result: CheckResult{Output: "a"}})
	j.Commit(JournalEntry{CheckID: "proc", Scope: RootScope.Child("list", 1), Result: CheckResult{Output: "b"}})

	v := NewContextView(j, j.Snapshot(), RootScope, "")
	r, ok := v.Get("proc")
	if !ok {
		t.Fatal("Get(proc) not found")
	}
	if r.Output != "b" {
		t.Errorf("Output = %v, want b (latest visible entry)", r.Output)
	}
}

func TestContextViewGetMissing(t *testing.T) {
	v := NewContextView(NewJournal(), 0, RootScope, "")
	if _, ok := v.Get("ghost"); ok {
		t.Error("Get(ghost) = found, want not found")
	}
	if out := v.Output("ghost"); out != nil {
		t.Errorf("Output(ghost) = %v, want nil", out)
	}
}

func TestContextViewGetRawPrefersShallowest(t *testing.T) {
	j := NewJournal()
	aggregate := []any{"x", "y"}
	j.Commit(JournalEntry{CheckID: "list", Scope: RootScope, Result: CheckResult{
		Output:       aggregate,
		ForEachItems: aggregate,
		IsForEach:    true,
	}})
	j.Commit(JournalEntry{CheckID: "list", Scope: RootScope.Child("list", 0), Result: CheckResult{Output: "x"}})

	v := NewContextView(j, j.Snapshot(), RootScope.Child("list", 0), "")

	// Get resolves to the item, GetRaw to the aggregate.
	r, _ := v.Get("list")
	if r.Output != "x" {
		t.Errorf("Get Output = %v, want x", r.Output)
	}
	raw, ok := v.GetRaw("list")
	if !ok {
		t.Fatal("GetRaw(list) not found")
	}
	if !reflect.DeepEqual(raw.Output, aggregate) {
		t.Errorf("GetRaw Output = %v, want %v", raw.Output, aggregate)
	}
}

func TestContextViewHistory(t *testing.T) {
	j := NewJournal()
	j.Commit(JournalEntry{CheckID: "proc", Scope: RootScope.Child("list", 0), Result: CheckResult{Output: 1}})
	j.Commit(JournalEntry{CheckID: "proc", Scope: RootScope.Child("list", 1), Result: CheckResult{Output: 2}})
	j.Commit(JournalEntry{CheckID: "proc", Scope: RootScope.Child("list", 0), Result: CheckResult{Output: 3}})

	v := NewContextView(j, j.Snapshot(), RootScope, "")
	hist := v.History("proc")
	if len(hist) != 3 {
		t.Fatalf("History = %d results, want 3", len(hist))
	}
	if hist[0].Output != 1 || hist[1].Output != 2 || hist[2].Output != 3 {
		t.Errorf("History out of commit order: %v", hist)
	}
}

func TestContextViewEventFiltering(t *testing.T) {
	j := NewJournal()
	j.Commit(JournalEntry{CheckID: "a", Scope: RootScope, Event: "manual", Result: CheckResult{Output: "m"}})
	j.Commit(JournalEntry{CheckID: "b", Scope: RootScope, Event: "retry", Result: CheckResult{Output: "r"}})

	v := NewContextView(j, j.Snapshot(), RootScope, "manual")
	if _, ok := v.Get("a"); !ok {
		t.Error("same-event entry invisible")
	}
	if _, ok := v.Get("b"); ok {
		t.Error("other-event entry visible at root scope")
	}
}

func TestContextViewEventFilterExemptsAncestors(t *testing.T) {
	// An ancestor-scope entry stays visible across event switches so
	// nested scopes keep their lineage.
	j := NewJournal()
	j.Commit(JournalEntry{CheckID: "list", Scope: RootScope, Event: "manual", Result: CheckResult{
		Output:       []any{"x"},
		ForEachItems: []any{"x"},
		IsForEach:    true,
	}})

	v := NewContextView(j, j.Snapshot(), RootScope.Child("list", 0), "retry")
	r, ok := v.Get("list")
	if !ok {
		t.Fatal("ancestor entry invisible after event switch")
	}
	if r.Output != "x" {
		t.Errorf("Output = %v, want x", r.Output)
	}
}

func TestContextViewCutoffFreezesReads(t *testing.T) {
	j := NewJournal()
	j.Commit(JournalEntry{CheckID: "a", Scope: RootScope, Result: CheckResult{Output: "old"}})
	v := NewContextView(j, j.Snapshot(), RootScope, "")

	// A commit after the view's cutoff never appears in it.
	j.Commit(JournalEntry{CheckID: "a", Scope: RootScope, Result: CheckResult{Output: "new"}})

	r, _ := v.Get("a")
	if r.Output != "old" {
		t.Errorf("Output = %v, want old (view frozen at cutoff)", r.Output)
	}
	if got := len(v.History("a")); got != 1 {
		t.Errorf("History = %d results, want 1", got)
	}
}
