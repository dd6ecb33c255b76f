package cascade

// ContextView is a scoped, read-only projection of the journal. It is
// the single source of truth for what expressions, templates, and
// providers observe under outputs, outputs_raw, and outputs_history.
//
// Resolution for Get(id), in order:
//  1. an entry whose scope exactly equals the view's scope (per-item
//     override),
//  2. the element of a forEach producer named by a frame of the view's
//     scope (item extraction),
//  3. the entry whose scope is the longest strict prefix of the view's
//     scope (ancestor inheritance),
//  4. the latest visible entry (default visibility).
type ContextView struct {
	journal *Journal
	cutoff  uint64
	scope   ScopePath
	event   string
}

// NewContextView builds a view frozen at cutoff, reading as the given
// scope under the given event name. An empty event disables event
// filtering.
func NewContextView(j *Journal, cutoff uint64, scope ScopePath, event string) *ContextView {
	return &ContextView{journal: j, cutoff: cutoff, scope: scope, event: event}
}

// Cutoff returns the snapshot commit id this view reads at.
func (v *ContextView) Cutoff() uint64 { return v.cutoff }

// Scope returns the scope this view resolves under.
func (v *ContextView) Scope() ScopePath { return v.scope }

// visible returns the entries for checkID this view may observe, in
// commit order. The event filter applies to leaf entries only: entries
// committed under an ancestor scope stay visible across event switches
// so nested forEach scopes keep their lineage.
func (v *ContextView) visible(checkID string) []JournalEntry {
	entries := v.journal.entriesFor(checkID, v.cutoff)
	if v.event == "" {
		return entries
	}
	out := entries[:0:0]
	for _, e := range entries {
		if e.Event == v.event || e.Scope.IsStrictPrefixOf(v.scope) {
			out = append(out, e)
		}
	}
	return out
}

// Get resolves checkID under the view's scope per the rules above.
func (v *ContextView) Get(checkID string) (CheckResult, bool) {
	entries := v.visible(checkID)

	// Exact scope match, latest commit wins.
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Scope.Equal(v.scope) {
			return entries[i].Result, true
		}
	}

	// Item extraction: a scope frame naming checkID resolves to that
	// element of the producer's collection.
	for fi := len(v.scope) - 1; fi >= 0; fi-- {
		frame := v.scope[fi]
		if frame.Check != checkID {
			continue
		}
		parentScope := v.scope[:fi]
		for i := len(entries) - 1; i >= 0; i-- {
			if !entries[i].Scope.Equal(parentScope) {
				continue
			}
			if item, ok := itemAt(entries[i].Result, frame.Index); ok {
				return CheckResult{Output: item}, true
			}
			break
		}
	}

	// Longest strict prefix of the view scope.
	best := -1
	bestDepth := -1
	for i, e := range entries {
		if !e.Scope.IsStrictPrefixOf(v.scope) {
			continue
		}
		if len(e.Scope) > bestDepth || (len(e.Scope) == bestDepth && i > best) {
			best, bestDepth = i, len(e.Scope)
		}
	}
	if best >= 0 {
		return entries[best].Result, true
	}

	// Latest visible entry.
	if len(entries) > 0 {
		return entries[len(entries)-1].Result, true
	}
	return CheckResult{}, false
}

// GetRaw returns the shallowest-scope visible entry for checkID: the
// aggregate value of a forEach producer rather than any per-item view.
func (v *ContextView) GetRaw(checkID string) (CheckResult, bool) {
	entries := v.visible(checkID)
	best := -1
	bestDepth := int(^uint(0) >> 1)
	for i, e := range entries {
		if len(e.Scope) < bestDepth || (len(e.Scope) == bestDepth && i > best) {
			best, bestDepth = i, len(e.Scope)
		}
	}
	if best < 0 {
		return CheckResult{}, false
	}
	return entries[best].Result, true
}

// History returns all visible results for checkID in commit order.
func (v *ContextView) History(checkID string) []CheckResult {
	entries := v.visible(checkID)
	out := make([]CheckResult, len(entries))
	for i, e := range entries {
		out[i] = e.Result
	}
	return out
}

// Output returns the resolved output value for checkID, or nil.
func (v *ContextView) Output(checkID string) any {
	r, ok := v.Get(checkID)
	if !ok {
		return nil
	}
	return r.Output
}

// itemAt extracts element idx from a fan-out result's collection.
func itemAt(r CheckResult, idx int) (any, bool) {
	items := r.ForEachItems
	if len(items) == 0 {
		if list, ok := r.Output.([]any); ok {
			items = list
		}
	}
	if idx < 0 || idx >= len(items) {
		return nil, false
	}
	return items[idx], true
}

// --- Expression scope maps ---

// outputsMap materializes outputs[id] for every committed check.
func (v *ContextView) outputsMap() map[string]any {
	out := make(map[string]any)
	for _, id := range v.journal.committedChecks(v.cutoff) {
		if r, ok := v.Get(id); ok {
			out[id] = r.Output
		}
	}
	return out
}

// outputsRawMap materializes outputs_raw[id] for every committed check.
func (v *ContextView) outputsRawMap() map[string]any {
	out := make(map[string]any)
	for _, id := range v.journal.committedChecks(v.cutoff) {
		if r, ok := v.GetRaw(id); ok {
			out[id] = r.Output
		}
	}
	return out
}

// historyMap materializes outputs_history[id] for every committed check.
func (v *ContextView) historyMap() map[string]any {
	out := make(map[string]any)
	for _, id := range v.journal.committedChecks(v.cutoff) {
		results := v.History(id)
		vals := make([]any, len(results))
		for i, r := range results {
			vals[i] = r.Output
		}
		out[id] = vals
	}
	return out
}
