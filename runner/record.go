package runner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zero-day-ai/rubriceval/evalerr"
	"github.com/zero-day-ai/rubriceval/llm"
	"github.com/zero-day-ai/rubriceval/tree"
)

// Status is the state of one unit of work.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Key identifies a unit of work.
type Key struct {
	Agent    string
	TaskID   string
	AnswerID string
}

// Record is the persisted outcome of one unit.
type Record struct {
	RunID      string              `json:"run_id"`
	Agent      string              `json:"agent"`
	TaskID     string              `json:"task_id"`
	AnswerID   string              `json:"answer_id"`
	Score      float64             `json:"score"`
	Skipped    bool                `json:"skipped,omitempty"`
	Status     Status              `json:"status"`
	Tree       []tree.NodeSnapshot `json:"tree"`
	Error      *RecordError        `json:"error,omitempty"`
	Usage      llm.UsageSnapshot   `json:"usage"`
	JudgeCalls int                 `json:"judge_calls"`
	WordCount  int                 `json:"word_count"`
	DurationMS int64               `json:"duration_ms"`
	Timestamp  time.Time           `json:"timestamp"`
}

// RecordError is the error carried by a failed record.
type RecordError struct {
	Kind    evalerr.Kind `json:"kind"`
	Message string       `json:"message"`
}

// Key returns the unit key of r.
func (r Record) Key() Key {
	return Key{Agent: r.Agent, TaskID: r.TaskID, AnswerID: r.AnswerID}
}

// Sink persists records as units finish. Write may be called concurrently.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

// Results is the run-wide mapping from unit to record. It is safe for
// concurrent use; a record once stored is never removed.
type Results struct {
	mu      sync.RWMutex
	states  map[Key]Status
	records map[Key]Record
}

// NewResults creates an empty result set.
func NewResults() *Results {
	return &Results{
		states:  make(map[Key]Status),
		records: make(map[Key]Record),
	}
}

func (r *Results) setState(k Key, s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[k] = s
}

// State returns the unit's current state.
func (r *Results) State(k Key) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[k]
	return s, ok
}

// Put stores a finished record and moves its unit to the record's status.
func (r *Results) Put(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := rec.Key()
	r.records[k] = rec
	r.states[k] = rec.Status
}

// Get returns the record for k.
func (r *Results) Get(k Key) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[k]
	return rec, ok
}

// Len returns the number of stored records.
func (r *Results) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Records returns all records ordered by agent, task and answer.
func (r *Results) Records() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	SortRecords(out)
	return out
}

// SortRecords orders records by agent, task and answer.
func SortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.Agent != b.Agent {
			return a.Agent < b.Agent
		}
		if a.TaskID != b.TaskID {
			return a.TaskID < b.TaskID
		}
		return a.AnswerID < b.AnswerID
	})
}
