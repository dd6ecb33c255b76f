package cascade

import "sync"

// JournalEntry is one committed check execution. Entries are append-only
// and never mutated after commit; CommitID is strictly monotonic within
// a session.
type JournalEntry struct {
	CommitID  uint64      `json:"commit_id"`
	SessionID string      `json:"session_id"`
	Scope     ScopePath   `json:"scope"`
	CheckID   string      `json:"check_id"`
	Event     string      `json:"event"`
	Result    CheckResult `json:"result"`
}

// Journal is the MVCC-style results store for one run. Commit is the
// linearization point: it atomically assigns the next commit id and
// appends. Readers take a snapshot cutoff first and then only ever see
// the immutable prefix at or below it.
type Journal struct {
	mu         sync.Mutex
	entries    []JournalEntry
	lastCommit uint64
	byCheck    map[string][]int // checkId -> entry indexes, in commit order
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{byCheck: make(map[string][]int)}
}

// Snapshot returns the current maximum commit id. Reads through this
// cutoff see exactly the entries committed before the call.
func (j *Journal) Snapshot() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastCommit
}

// Commit assigns the next commit id to e, appends it, and returns the
// stored entry.
func (j *Journal) Commit(e JournalEntry) JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastCommit++
	e.CommitID = j.lastCommit
	j.entries = append(j.entries, e)
	j.byCheck[e.CheckID] = append(j.byCheck[e.CheckID], len(j.entries)-1)
	return e
}

// Len returns the number of committed entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Visible returns all entries with CommitID <= cutoff, in commit order.
// When event is non-empty, only entries tagged with that event are
// returned.
func (j *Journal) Visible(cutoff uint64, event string) []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JournalEntry, 0, len(j.entries))
	for _, e := range j.entries {
		if e.CommitID > cutoff {
			break
		}
		if event != "" && e.Event != event {
			continue
		}
		out = append(out, e)
	}
	return out
}

// entriesFor returns the entries for one check with CommitID <= cutoff,
// in commit order, without event filtering. The ContextView applies its
// own event policy on top.
func (j *Journal) entriesFor(checkID string, cutoff uint64) []JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	idxs := j.byCheck[checkID]
	out := make([]JournalEntry, 0, len(idxs))
	for _, i := range idxs {
		if j.entries[i].CommitID > cutoff {
			break
		}
		out = append(out, j.entries[i])
	}
	return out
}

// committedChecks returns the ids of all checks with at least one entry
// at or below cutoff.
func (j *Journal) committedChecks(cutoff uint64) []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, 0, len(j.byCheck))
	for id, idxs := range j.byCheck {
		if len(idxs) > 0 && j.entries[idxs[0]].CommitID <= cutoff {
			out = append(out, id)
		}
	}
	return out
}
