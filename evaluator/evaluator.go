// Package evaluator scores one answer against one rubric.
//
// An Evaluator owns a single verification tree. A rubric script obtains a
// Builder from Initialize, adds nodes through it, and calls Extract, Verify
// and BatchVerify to have claims judged. Summary finalizes the tree and
// returns the serializable outcome. After Summary the evaluator is closed
// and any further mutation is a structural error.
package evaluator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/zero-day-ai/rubriceval/evalerr"
	"github.com/zero-day-ai/rubriceval/judge"
	"github.com/zero-day-ai/rubriceval/limit"
	"github.com/zero-day-ai/rubriceval/llm"
	"github.com/zero-day-ai/rubriceval/tree"
)

const (
	// DefaultTrials is the number of independent judging trials per claim.
	DefaultTrials = 3

	rootID = "root"
)

// Options configures an Evaluator.
type Options struct {
	// TaskID and AnswerID identify the unit of work in logs and spans.
	TaskID   string
	AnswerID string

	// Judge renders verdicts for Verify (required to verify).
	Judge judge.Judge

	// Extractor serves Extract (required to extract).
	Extractor judge.Extractor

	// Budget bounds shared page and judge usage. Nil means unbounded.
	Budget *limit.Budget

	// Policy controls tree aggregation.
	Policy tree.Policy

	// Trials is the number of judging trials per claim (default: 3).
	Trials int

	// ConcurrentTrials runs trials of one claim in parallel. Sequential
	// trials stop as soon as the majority is decided.
	ConcurrentTrials bool

	// TiePasses decides the outcome when an even trial count splits evenly.
	TiePasses bool

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Evaluator scores one answer. It is safe for concurrent use by the
// goroutines of a single rubric script.
type Evaluator struct {
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	tracker *llm.TokenTracker

	judgeCalls atomic.Int64

	mu            sync.Mutex
	tree          *tree.Tree
	builder       *Builder
	verifications []Verification
	summary       *Summary
}

// New creates an evaluator. Nothing is judged until a script calls Verify
// or Extract.
func New(opts Options) *Evaluator {
	if opts.Trials <= 0 {
		opts.Trials = DefaultTrials
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/zero-day-ai/rubriceval/evaluator")
	}

	return &Evaluator{
		opts:    opts,
		logger:  logger.With("task_id", opts.TaskID, "answer_id", opts.AnswerID),
		tracer:  tracer,
		tracker: llm.NewTokenTracker(),
	}
}

// Initialize creates the root node and returns the builder used to grow
// the tree. It may be called once.
func (e *Evaluator) Initialize(description string, strategy tree.Strategy) (*Builder, error) {
	const op = "Evaluator.Initialize"

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.summary != nil {
		return nil, evalerr.Structural(op, "evaluator is closed")
	}
	if e.tree != nil {
		return nil, evalerr.Structural(op, "evaluator already initialized")
	}
	if strategy == "" {
		strategy = tree.StrategyParallel
	}

	root := tree.NewInternal(rootID, description, false, strategy)
	t, err := tree.New(root, e.opts.Policy)
	if err != nil {
		return nil, err
	}

	e.tree = t
	e.builder = &Builder{ev: e, root: root}
	return e.builder, nil
}

// Builder returns the builder created by Initialize, or nil.
func (e *Evaluator) Builder() *Builder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.builder
}

// Policy returns the aggregation policy of the tree.
func (e *Evaluator) Policy() tree.Policy {
	return e.opts.Policy
}

// Usage returns the token usage recorded so far.
func (e *Evaluator) Usage() llm.UsageSnapshot {
	return e.tracker.Snapshot()
}

// JudgeCalls returns the number of judge invocations so far.
func (e *Evaluator) JudgeCalls() int {
	return int(e.judgeCalls.Load())
}

// Snapshot returns the current tree without finalizing it, or nil before
// Initialize. Runners use it to attach partial trees to failure records.
func (e *Evaluator) Snapshot() []tree.NodeSnapshot {
	e.mu.Lock()
	t := e.tree
	e.mu.Unlock()

	if t == nil {
		return nil
	}
	return t.Snapshot()
}

// Summary closes the tree and returns the outcome. It is terminal: repeated
// calls return the same summary, and any later mutation through the builder,
// Verify or the nodes themselves fails with a structural error. A tree whose
// nodes were all skipped scores 0 with Summary.Skipped set.
func (e *Evaluator) Summary() (*Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.summary != nil {
		return e.summary, nil
	}
	if e.tree == nil {
		return nil, evalerr.Structural("Evaluator.Summary", "evaluator was never initialized")
	}

	r := e.tree.Close()
	score := r.Score
	if r.Skipped {
		score = 0
	}

	verifications := make([]Verification, len(e.verifications))
	copy(verifications, e.verifications)

	e.summary = &Summary{
		Score:         score,
		Skipped:       r.Skipped,
		Tree:          e.tree.Snapshot(),
		Usage:         e.tracker.Snapshot(),
		JudgeCalls:    int(e.judgeCalls.Load()),
		Verifications: verifications,
	}

	e.logger.Debug("evaluation finalized", "score", score, "skipped", r.Skipped, "judge_calls", e.summary.JudgeCalls)
	return e.summary, nil
}

// checkOpen returns the tree or a structural error. Callers hold e.mu.
func (e *Evaluator) checkOpen(op string) (*tree.Tree, error) {
	if e.summary != nil {
		return nil, evalerr.Structural(op, "evaluator is closed")
	}
	if e.tree == nil {
		return nil, evalerr.Structural(op, "evaluator is not initialized")
	}
	return e.tree, nil
}

// owns reports whether n is attached to this evaluator's tree.
func owns(t *tree.Tree, n *tree.Node) bool {
	if n == nil {
		return false
	}
	found, ok := t.Node(n.ID())
	return ok && found == n
}

// acquire takes shared resources when a budget is configured.
func (e *Evaluator) acquire(ctx context.Context, res limit.Resource) (func(), error) {
	if e.opts.Budget == nil {
		return func() {}, nil
	}
	return e.opts.Budget.Acquire(ctx, res)
}
