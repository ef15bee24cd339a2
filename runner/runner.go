// Package runner fans rubric evaluation out across tasks and answers.
//
// Every (task, answer) pair is an independent unit of work that moves
// queued → running → completed or failed. A failing unit produces a failed
// record carrying the error kind and any partial tree; it never affects its
// siblings. Concurrency is bounded at four levels: tasks, answers per task,
// and the page and judge budget shared by all units.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zero-day-ai/rubriceval/evalerr"
	"github.com/zero-day-ai/rubriceval/evaluator"
	"github.com/zero-day-ai/rubriceval/judge"
	"github.com/zero-day-ai/rubriceval/limit"
	"github.com/zero-day-ai/rubriceval/rubric"
	"github.com/zero-day-ai/rubriceval/tree"
)

// Task is one task and the answers to score for it.
type Task struct {
	ID      string
	Answers []Answer
}

// Answer is one answer produced by the agent.
type Answer struct {
	ID   string
	Text string
}

// Options configures a Runner.
type Options struct {
	// Registry resolves task ids to rubric scripts (required).
	Registry *rubric.Registry

	Judge     judge.Judge
	Extractor judge.Extractor

	// Limits sizes the four concurrency levels (default: limit.DefaultLimits).
	Limits limit.Limits

	// Evaluator settings applied to every unit.
	Policy           tree.Policy
	Trials           int
	ConcurrentTrials bool
	TiePasses        bool

	// Model is passed through to scripts.
	Model string

	// Sinks receive every record as soon as its unit finishes.
	Sinks []Sink

	// RunID stamps every record (default: a new UUID per Run).
	RunID string

	Logger        *slog.Logger
	Tracer        trace.Tracer
	MeterProvider metric.MeterProvider
}

// Runner executes evaluation runs.
type Runner struct {
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *unitMetrics
}

// New validates opts and creates a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Registry == nil {
		return nil, errors.New("runner: registry is required")
	}
	if opts.Limits == (limit.Limits{}) {
		opts.Limits = limit.DefaultLimits()
	}
	if err := opts.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	mp := opts.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	metrics, err := newUnitMetrics(mp.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}

	return &Runner{opts: opts, logger: logger, tracer: tracer, metrics: metrics}, nil
}

// Run evaluates every answer of every task for agent and returns the merged
// report. Unit failures are reported in the records, not as errors. The
// returned error is non-nil only when ctx ends early or a sink failed; the
// report is returned in either case.
func (r *Runner) Run(ctx context.Context, agent string, tasks []Task) (*Report, error) {
	runID := r.opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	logger := r.logger.With("run_id", runID, "agent", agent)

	budget := limit.NewBudget(r.opts.Limits)
	results := NewResults()
	for _, t := range tasks {
		for _, a := range t.Answers {
			results.setState(Key{Agent: agent, TaskID: t.ID, AnswerID: a.ID}, StatusQueued)
		}
	}

	run := &runState{
		Runner:  r,
		runID:   runID,
		agent:   agent,
		budget:  budget,
		results: results,
		logger:  logger,
	}

	logger.Info("run starting", "tasks", len(tasks), "units", countAnswers(tasks))
	started := time.Now()

	var tg errgroup.Group
	tg.SetLimit(r.opts.Limits.Tasks)
	for _, t := range tasks {
		tg.Go(func() error {
			var ag errgroup.Group
			ag.SetLimit(r.opts.Limits.AnswersPerTask)
			for _, a := range t.Answers {
				ag.Go(func() error {
					run.unit(ctx, t.ID, a)
					return nil
				})
			}
			return ag.Wait()
		})
	}
	_ = tg.Wait()

	report := BuildReport(runID, agent, results.Records())
	report.StartedAt = started
	report.FinishedAt = time.Now()

	stats := budget.Stats()
	logger.Info("run finished",
		"completed", report.Summary.Completed,
		"failed", report.Summary.Failed,
		"peak_pages", stats.PeakPages,
		"peak_judges", stats.PeakJudges,
		"duration", report.FinishedAt.Sub(started),
	)

	return report, errors.Join(ctx.Err(), run.sinkErr())
}

func countAnswers(tasks []Task) int {
	n := 0
	for _, t := range tasks {
		n += len(t.Answers)
	}
	return n
}

// runState is shared by the units of one Run.
type runState struct {
	*Runner
	runID   string
	agent   string
	budget  *limit.Budget
	results *Results
	logger  *slog.Logger

	mu       sync.Mutex
	sinkErrs []error
}

func (s *runState) sinkErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.sinkErrs...)
}

// unit runs one (task, answer) pair to a record. It never panics and never
// returns an error; everything ends up in the record.
func (s *runState) unit(ctx context.Context, taskID string, a Answer) {
	key := Key{Agent: s.agent, TaskID: taskID, AnswerID: a.ID}
	logger := s.logger.With("task_id", taskID, "answer_id", a.ID)
	s.results.setState(key, StatusRunning)

	ctx, span := s.startUnitSpan(ctx, key)
	defer span.End()

	started := time.Now()
	ev := evaluator.New(evaluator.Options{
		TaskID:           taskID,
		AnswerID:         a.ID,
		Judge:            s.opts.Judge,
		Extractor:        s.opts.Extractor,
		Budget:           s.budget,
		Policy:           s.opts.Policy,
		Trials:           s.opts.Trials,
		ConcurrentTrials: s.opts.ConcurrentTrials,
		TiePasses:        s.opts.TiePasses,
		Logger:           logger,
		Tracer:           s.tracer,
	})

	summary, err := s.evaluate(ctx, ev, rubric.Input{
		TaskID:    taskID,
		AnswerID:  a.ID,
		Evaluator: ev,
		Answer:    a.Text,
		Budget:    s.budget,
		Logger:    logger,
		Model:     s.opts.Model,
	})

	rec := Record{
		RunID:     s.runID,
		Agent:     s.agent,
		TaskID:    taskID,
		AnswerID:  a.ID,
		WordCount: len(strings.Fields(a.Text)),
		Timestamp: started,
	}
	if err != nil {
		rec.Status = StatusFailed
		rec.Tree = ev.Snapshot()
		rec.Usage = ev.Usage()
		rec.JudgeCalls = ev.JudgeCalls()
		rec.Error = &RecordError{Kind: evalerr.KindOf(err), Message: err.Error()}
		logger.Error("unit failed", "kind", rec.Error.Kind, "error", err)
	} else {
		rec.Status = StatusCompleted
		rec.Score = summary.Score
		rec.Skipped = summary.Skipped
		rec.Tree = summary.Tree
		rec.Usage = summary.Usage
		rec.JudgeCalls = summary.JudgeCalls
		logger.Info("unit completed", "score", rec.Score, "judge_calls", rec.JudgeCalls)
	}
	rec.DurationMS = time.Since(started).Milliseconds()

	s.results.Put(rec)
	s.finishUnit(ctx, span, rec)

	for _, sink := range s.opts.Sinks {
		if err := sink.Write(context.WithoutCancel(ctx), rec); err != nil {
			logger.Error("failed to write record", "error", err)
			s.mu.Lock()
			s.sinkErrs = append(s.sinkErrs, fmt.Errorf("%s/%s: %w", taskID, a.ID, err))
			s.mu.Unlock()
		}
	}
}

// evaluate looks up and runs the task's script, converting panics into
// internal errors.
func (s *runState) evaluate(ctx context.Context, ev *evaluator.Evaluator, in rubric.Input) (summary *evaluator.Summary, err error) {
	const op = "Runner.evaluate"

	script, err := s.opts.Registry.Lookup(in.TaskID)
	if err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			summary = nil
			err = evalerr.Newf(evalerr.KindInternal, op, "rubric script panicked: %v", p)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	summary, err = script.Evaluate(ctx, in)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		// Scripts that forget to return the summary still get one.
		return ev.Summary()
	}
	return summary, nil
}
