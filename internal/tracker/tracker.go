// Package tracker counts the distinct tools consulted within one run and
// enforces the per-run consultation budget.
package tracker

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Unlimited disables budget enforcement.
const Unlimited = 0

// Tracker is the run-scoped set of consulted tools. One instance is shared by
// every concurrent consultation of a run, so all methods are safe for
// concurrent use. It is an explicit handle, never a process-wide singleton;
// a new run gets a new Tracker.
type Tracker struct {
	mu    sync.Mutex
	used  map[string]struct{}
	runID string
}

// New creates an empty tracker for a fresh run.
func New() *Tracker {
	return &Tracker{
		used:  make(map[string]struct{}),
		runID: uuid.NewString(),
	}
}

// RunID identifies the run for log and event correlation.
func (t *Tracker) RunID() string {
	return t.runID
}

// Record marks a tool as consulted. Idempotent: recording an already-used tool
// never changes the count.
func (t *Tracker) Record(toolID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used[toolID] = struct{}{}
}

// CheckLimit reports whether toolID may be consulted under the given budget:
// true if the tool was already used this run (re-use never counts against the
// budget), the limit is Unlimited, or the budget still has headroom.
func (t *Tracker) CheckLimit(toolID string, limit int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checkLocked(toolID, limit)
}

// TryAcquire atomically performs the budget check and, if it passes, records
// the tool. Concurrent callers cannot both slip under the last budget slot
// because check and insert happen under one lock.
func (t *Tracker) TryAcquire(toolID string, limit int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.checkLocked(toolID, limit) {
		return false
	}
	t.used[toolID] = struct{}{}
	return true
}

func (t *Tracker) checkLocked(toolID string, limit int) bool {
	if _, ok := t.used[toolID]; ok {
		return true
	}
	if limit == Unlimited {
		return true
	}
	return len(t.used) < limit
}

// Count returns the number of distinct tools consulted so far.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.used)
}

// ToolsUsed returns the consulted tool ids, sorted for deterministic output.
func (t *Tracker) ToolsUsed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.used))
	for id := range t.used {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset clears the consulted set, starting a fresh budget window.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used = make(map[string]struct{})
}
