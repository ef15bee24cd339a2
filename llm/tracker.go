package llm

import (
	"sort"
	"sync"
)

// Usage purposes recorded by the evaluator.
const (
	PurposeJudge   = "judge"
	PurposeExtract = "extract"
)

// TokenTracker accumulates token usage by purpose. It is safe for
// concurrent use; verifications running in parallel share one tracker.
type TokenTracker struct {
	mu       sync.RWMutex
	purposes map[string]TokenUsage
	calls    map[string]int
	total    TokenUsage
}

// NewTokenTracker creates an empty tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{
		purposes: make(map[string]TokenUsage),
		calls:    make(map[string]int),
	}
}

// Add records one model call and its usage under purpose.
func (t *TokenTracker) Add(purpose string, usage TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.purposes[purpose] = t.purposes[purpose].Add(usage)
	t.calls[purpose]++
	t.total = t.total.Add(usage)
}

// Total returns the aggregate token usage.
func (t *TokenTracker) Total() TokenUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// ByPurpose returns the usage recorded under purpose.
func (t *TokenTracker) ByPurpose(purpose string) TokenUsage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.purposes[purpose]
}

// Calls returns the number of model calls recorded under purpose.
func (t *TokenTracker) Calls(purpose string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.calls[purpose]
}

// Purposes returns the recorded purposes in sorted order.
func (t *TokenTracker) Purposes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.purposes))
	for p := range t.purposes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// UsageSnapshot is a read-only copy of a tracker's state.
type UsageSnapshot struct {
	Purposes map[string]TokenUsage `json:"purposes"`
	Calls    map[string]int        `json:"calls"`
	Total    TokenUsage            `json:"total"`
}

// Snapshot returns a copy of the current usage.
func (t *TokenTracker) Snapshot() UsageSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := UsageSnapshot{
		Purposes: make(map[string]TokenUsage, len(t.purposes)),
		Calls:    make(map[string]int, len(t.calls)),
		Total:    t.total,
	}
	for p, u := range t.purposes {
		s.Purposes[p] = u
	}
	for p, n := range t.calls {
		s.Calls[p] = n
	}
	return s
}
