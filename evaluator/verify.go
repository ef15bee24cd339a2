package evaluator

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zero-day-ai/rubriceval/evalerr"
	"github.com/zero-day-ai/rubriceval/judge"
	"github.com/zero-day-ai/rubriceval/limit"
	"github.com/zero-day-ai/rubriceval/llm"
	"github.com/zero-day-ai/rubriceval/tree"
)

// Verify judges a claim and scores the request's leaf with the majority
// outcome of the configured trials.
//
// Judge failures never abort the unit: a failed call counts as a failing
// trial and is recorded on the verification. Only structural problems and
// cancellation are returned as errors.
func (e *Evaluator) Verify(ctx context.Context, req VerifyRequest) (bool, error) {
	const op = "Evaluator.Verify"

	if err := e.checkLeaf(op, req.Leaf); err != nil {
		return false, err
	}
	if e.opts.Judge == nil {
		return false, evalerr.Structural(op, "no judge configured")
	}

	passed, trials := e.vote(ctx, req)
	if err := ctx.Err(); err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.checkOpen(op); err != nil {
		return false, err
	}
	if err := req.Leaf.SetLeafScore(scoreOf(passed)); err != nil {
		return false, err
	}

	e.verifications = append(e.verifications, Verification{
		NodeID:  req.Leaf.ID(),
		Claim:   req.Claim,
		Mode:    judge.ModeFor(req.Sources),
		Sources: req.Sources,
		Passed:  passed,
		Trials:  trials,
	})

	e.logger.Debug("claim verified", "node_id", req.Leaf.ID(), "passed", passed, "trials", len(trials))
	return passed, nil
}

// BatchVerify runs Verify for every request concurrently. Results are in
// request order. The first structural error cancels the rest.
func (e *Evaluator) BatchVerify(ctx context.Context, reqs []VerifyRequest) ([]bool, error) {
	results := make([]bool, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			return evalerr.Safe("Evaluator.BatchVerify", func() error {
				passed, err := e.Verify(gctx, req)
				if err != nil {
					return err
				}
				results[i] = passed
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Extract pulls structured information out of the answer. Failures are
// extraction errors, which end the unit.
func (e *Evaluator) Extract(ctx context.Context, req judge.ExtractRequest) (map[string]any, error) {
	const op = "Evaluator.Extract"

	e.mu.Lock()
	closed := e.summary != nil
	e.mu.Unlock()
	if closed {
		return nil, evalerr.Structural(op, "evaluator is closed")
	}
	if e.opts.Extractor == nil {
		return nil, evalerr.Extraction(op, errors.New("no extractor configured"))
	}

	ctx, span := e.tracer.Start(ctx, "rubriceval.extract", trace.WithAttributes(
		attribute.String("task.id", e.opts.TaskID),
		attribute.String("answer.id", e.opts.AnswerID),
	))
	defer span.End()

	release, err := e.acquire(ctx, limit.Judges)
	if err != nil {
		return nil, err
	}
	defer release()

	e.judgeCalls.Add(1)
	info, usage, err := e.opts.Extractor.Extract(ctx, req)
	e.tracker.Add(llm.PurposeExtract, usage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, evalerr.Extraction(op, err)
	}

	span.SetStatus(codes.Ok, "")
	return info, nil
}

func (e *Evaluator) checkLeaf(op string, leaf *tree.Node) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.checkOpen(op)
	if err != nil {
		return err
	}
	switch {
	case leaf == nil:
		return evalerr.Structural(op, "leaf is nil")
	case !owns(t, leaf):
		return evalerr.Structural(op, "node %q does not belong to this evaluator", leaf.ID())
	case !leaf.IsLeaf():
		return evalerr.Structural(op, "node %q is not a leaf", leaf.ID())
	case leaf.Status() != tree.StatusPending:
		return evalerr.Structural(op, "leaf %q is already %s", leaf.ID(), leaf.Status())
	}
	return nil
}

// vote runs the trials for one claim and returns the majority outcome.
func (e *Evaluator) vote(ctx context.Context, req VerifyRequest) (bool, []Trial) {
	n := e.opts.Trials
	trials := make([]Trial, n)

	if e.opts.ConcurrentTrials && n > 1 {
		var g errgroup.Group
		for i := range trials {
			g.Go(func() error {
				err := evalerr.Safe("Evaluator.trial", func() error {
					trials[i] = e.trial(ctx, req, i)
					return nil
				})
				if err != nil {
					trials[i] = Trial{Error: err.Error()}
				}
				return nil
			})
		}
		_ = g.Wait()
	} else {
		var passes, fails, ran int
		for i := 0; i < n; i++ {
			trials[i] = e.trial(ctx, req, i)
			ran++
			if trials[i].Passed {
				passes++
			} else {
				fails++
			}
			if 2*passes > n || 2*fails > n || ctx.Err() != nil {
				break
			}
		}
		trials = trials[:ran]
	}

	passes := 0
	for _, t := range trials {
		if t.Passed {
			passes++
		}
	}
	return majority(passes, n, e.opts.TiePasses), trials
}

func majority(passes, n int, tiePasses bool) bool {
	switch {
	case 2*passes > n:
		return true
	case 2*passes == n:
		return tiePasses
	default:
		return false
	}
}

// trial performs one judging pass. With several sources each is tried in
// order and the first supporting source wins.
func (e *Evaluator) trial(ctx context.Context, req VerifyRequest, idx int) Trial {
	mode := judge.ModeFor(req.Sources)
	if mode == judge.ModeNone {
		return e.call(ctx, req, mode, nil, idx)
	}

	var last Trial
	for _, src := range req.Sources {
		last = e.call(ctx, req, mode, []string{src}, idx)
		if last.Passed || ctx.Err() != nil {
			break
		}
	}
	return last
}

func (e *Evaluator) call(ctx context.Context, req VerifyRequest, mode judge.EvidenceMode, sources []string, idx int) Trial {
	var source string
	res := limit.Judges
	if len(sources) > 0 {
		source = sources[0]
		res = limit.PageAndJudge
	}

	ctx, span := e.tracer.Start(ctx, "rubriceval.judge", trace.WithAttributes(
		attribute.String("task.id", e.opts.TaskID),
		attribute.String("answer.id", e.opts.AnswerID),
		attribute.String("node.id", req.Leaf.ID()),
		attribute.String("judge.mode", string(mode)),
		attribute.Int("judge.trial", idx),
		attribute.String("judge.source", source),
	))
	defer span.End()

	release, err := e.acquire(ctx, res)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "budget acquire failed")
		return Trial{Source: source, Error: err.Error()}
	}
	defer release()

	e.judgeCalls.Add(1)
	var v judge.Verdict
	err = evalerr.Safe("Evaluator.judge", func() error {
		var jerr error
		v, jerr = e.opts.Judge.Judge(ctx, judge.Request{
			TaskID:      e.opts.TaskID,
			Claim:       req.Claim,
			Mode:        mode,
			Sources:     sources,
			Instruction: req.Instruction,
		})
		return jerr
	})
	e.tracker.Add(llm.PurposeJudge, v.Usage)

	if err != nil {
		e.logger.Warn("judge call failed, counting trial as failed",
			"node_id", req.Leaf.ID(),
			"trial", idx,
			"source", source,
			"kind", evalerr.KindOf(err),
			"error", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "judge call failed")
		return Trial{Source: source, Error: err.Error()}
	}

	span.SetAttributes(attribute.Bool("judge.passed", v.Passed))
	span.SetStatus(codes.Ok, "")

	if v.Source != "" {
		source = v.Source
	}
	return Trial{Passed: v.Passed, Source: source, Reasoning: v.Reasoning}
}
