// Package rubric defines how per-task rubric scripts are registered and
// invoked, and provides declarative YAML rubrics.
//
// A rubric script receives a fresh Evaluator for one answer, builds the
// verification tree through the evaluator's Builder, asks for claims to be
// verified, and returns the evaluator's Summary. Scripts are looked up by
// task id in a Registry; Go rubrics register themselves with Register and
// YAML rubrics are loaded with LoadDir.
package rubric

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/zero-day-ai/rubriceval/evalerr"
	"github.com/zero-day-ai/rubriceval/evaluator"
	"github.com/zero-day-ai/rubriceval/limit"
)

// Input is everything a script gets for one unit of work.
type Input struct {
	TaskID   string
	AnswerID string

	// Evaluator is fresh and uninitialized.
	Evaluator *evaluator.Evaluator

	// Answer is the full answer text.
	Answer string

	// Budget is the run-wide page and judge budget.
	Budget *limit.Budget

	// Logger is scoped to the unit.
	Logger *slog.Logger

	// Model names the judging model, for scripts that record it.
	Model string
}

// Script scores one answer for one task.
type Script interface {
	Evaluate(ctx context.Context, in Input) (*evaluator.Summary, error)
}

// ScriptFunc adapts a function to the Script interface.
type ScriptFunc func(ctx context.Context, in Input) (*evaluator.Summary, error)

// Evaluate calls f.
func (f ScriptFunc) Evaluate(ctx context.Context, in Input) (*evaluator.Summary, error) {
	return f(ctx, in)
}

// Registry maps task ids to scripts. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	scripts map[string]Script
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scripts: make(map[string]Script)}
}

// Register adds a script for taskID. Registering a task twice is an error.
func (r *Registry) Register(taskID string, s Script) error {
	const op = "Registry.Register"

	if taskID == "" {
		return evalerr.ScriptLoad(op, "task id must not be empty")
	}
	if s == nil {
		return evalerr.ScriptLoad(op, "script for task %q is nil", taskID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.scripts[taskID]; exists {
		return evalerr.ScriptLoad(op, "task %q already has a script", taskID)
	}
	r.scripts[taskID] = s
	return nil
}

// MustRegister is Register for package init functions. It panics on error.
func (r *Registry) MustRegister(taskID string, s Script) {
	if err := r.Register(taskID, s); err != nil {
		panic(err)
	}
}

// Lookup returns the script for taskID or a script-load error.
func (r *Registry) Lookup(taskID string) (Script, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.scripts[taskID]
	if !ok {
		return nil, evalerr.ScriptLoad("Registry.Lookup", "no rubric script registered for task %q", taskID).
			WithDetails(map[string]any{"task_id": taskID})
	}
	return s, nil
}

// Tasks returns the registered task ids in sorted order.
func (r *Registry) Tasks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.scripts))
	for id := range r.scripts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
