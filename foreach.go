package cascade

import "sort"

// applyForEachResult flags a completed forEach producer: when the check
// is declared forEach and its output is a collection, the items are
// recorded on the result so dependents can fan out over them.
func applyForEachResult(check *Check, result *CheckResult) {
	if !check.ForEach || result.Error != nil {
		return
	}
	items, ok := result.Output.([]any)
	if !ok {
		return
	}
	result.ForEachItems = items
	result.IsForEach = true
}

// fanoutScopes computes the item scopes a map-fanout check expands to,
// one per item of its forEach producer's committed collections. Nested
// producers contribute one set of scopes per committed parent scope, so
// fan-outs compose. Returns nil when no dependency carries items, in
// which case the check runs once at root like any other.
func fanoutScopes(check *Check, journal *Journal, cutoff uint64) []ScopePath {
	if check.Fanout != FanoutMap {
		return nil
	}
	for _, group := range check.depGroups() {
		for _, dep := range group {
			scopes := producerScopes(dep, journal, cutoff)
			if len(scopes) > 0 {
				return scopes
			}
		}
	}
	return nil
}

// producerScopes expands one dependency's fan-out entries: for the
// latest entry per scope that carries items, one child scope per item.
func producerScopes(dep string, journal *Journal, cutoff uint64) []ScopePath {
	entries := journal.entriesFor(dep, cutoff)
	if len(entries) == 0 {
		return nil
	}

	// Latest entry wins per scope.
	latest := make(map[string]JournalEntry)
	var order []string
	for _, e := range entries {
		key := e.Scope.String()
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = e
	}
	sort.Strings(order)

	var out []ScopePath
	for _, key := range order {
		e := latest[key]
		if !e.Result.IsForEach || len(e.Result.ForEachItems) == 0 {
			continue
		}
		for i := range e.Result.ForEachItems {
			out = append(out, e.Scope.Child(dep, i))
		}
	}
	return out
}
