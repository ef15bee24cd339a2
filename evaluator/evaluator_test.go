package evaluator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zero-day-ai/rubriceval/evalerr"
	"github.com/zero-day-ai/rubriceval/judge"
	"github.com/zero-day-ai/rubriceval/limit"
	"github.com/zero-day-ai/rubriceval/llm"
	"github.com/zero-day-ai/rubriceval/tree"
)

func constJudge(passed bool) judge.Judge {
	return judge.Func(func(ctx context.Context, req judge.Request) (judge.Verdict, error) {
		return judge.Verdict{Passed: passed, Usage: llm.TokenUsage{TotalTokens: 10}}, nil
	})
}

// scriptedJudge returns outcomes in call order; once exhausted it fails.
type scriptedJudge struct {
	mu       sync.Mutex
	outcomes []bool
	requests []judge.Request
}

func (s *scriptedJudge) Judge(ctx context.Context, req judge.Request) (judge.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i >= len(s.outcomes) {
		return judge.Verdict{}, errors.New("script exhausted")
	}
	return judge.Verdict{Passed: s.outcomes[i]}, nil
}

type stubExtractor struct {
	info map[string]any
	err  error
}

func (s stubExtractor) Extract(ctx context.Context, req judge.ExtractRequest) (map[string]any, llm.TokenUsage, error) {
	return s.info, llm.TokenUsage{InputTokens: 40, OutputTokens: 10, TotalTokens: 50}, s.err
}

func TestSummary_CriticalLeavesFailing(t *testing.T) {
	ev := New(Options{Judge: constJudge(false), ConcurrentTrials: true})
	b, err := ev.Initialize("task", tree.StrategyParallel)
	require.NoError(t, err)

	a, err := b.AddLeaf(nil, "a", "first requirement", true)
	require.NoError(t, err)
	c, err := b.AddLeaf(nil, "b", "second requirement", true)
	require.NoError(t, err)

	_, err = ev.BatchVerify(context.Background(), []VerifyRequest{
		{Leaf: a, Claim: "first"},
		{Leaf: c, Claim: "second"},
	})
	require.NoError(t, err)

	s, err := ev.Summary()
	require.NoError(t, err)

	assert.Equal(t, 0.0, s.Score)
	require.Len(t, s.Tree, 3)
	for _, n := range s.Tree[1:] {
		assert.Equal(t, tree.StatusScored, n.Status)
		require.NotNil(t, n.Score)
		assert.Equal(t, 0.0, *n.Score)
	}
	assert.Equal(t, 6, s.JudgeCalls)
	assert.Equal(t, 60, s.Usage.Total.TotalTokens)
}

func TestVerify_MajorityVote(t *testing.T) {
	tests := []struct {
		name      string
		outcomes  []bool
		want      bool
		wantCalls int
	}{
		{name: "two passes decide early", outcomes: []bool{true, true}, want: true, wantCalls: 2},
		{name: "split goes to third trial", outcomes: []bool{true, false, true}, want: true, wantCalls: 3},
		{name: "two failures decide early", outcomes: []bool{false, false}, want: false, wantCalls: 2},
		{name: "judge error counts as failure", outcomes: []bool{true, false}, want: false, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &scriptedJudge{outcomes: tt.outcomes}
			ev := New(Options{Judge: j})
			b, err := ev.Initialize("task", tree.StrategyParallel)
			require.NoError(t, err)
			leaf, err := b.AddLeaf(nil, "", "claim", false)
			require.NoError(t, err)

			got, err := ev.Verify(context.Background(), VerifyRequest{Leaf: leaf, Claim: "claim"})
			require.NoError(t, err)

			assert.Equal(t, tt.want, got)
			assert.Len(t, j.requests, tt.wantCalls)
			score, ok := leaf.Score()
			require.True(t, ok)
			assert.Equal(t, scoreOf(tt.want), score)
		})
	}
}

func TestVerify_TiePolicy(t *testing.T) {
	for _, tiePasses := range []bool{true, false} {
		j := &scriptedJudge{outcomes: []bool{true, false}}
		ev := New(Options{Judge: j, Trials: 2, TiePasses: tiePasses})
		b, err := ev.Initialize("task", tree.StrategyParallel)
		require.NoError(t, err)
		leaf, err := b.AddLeaf(nil, "l", "claim", false)
		require.NoError(t, err)

		got, err := ev.Verify(context.Background(), VerifyRequest{Leaf: leaf, Claim: "claim"})
		require.NoError(t, err)
		assert.Equal(t, tiePasses, got)
	}
}

func TestVerify_MultiSourceFirstSuccess(t *testing.T) {
	var calls atomic.Int32
	j := judge.Func(func(ctx context.Context, req judge.Request) (judge.Verdict, error) {
		calls.Add(1)
		require.Len(t, req.Sources, 1)
		assert.Equal(t, judge.ModeMultiSource, req.Mode)
		return judge.Verdict{Passed: req.Sources[0] == "https://b"}, nil
	})

	ev := New(Options{Judge: j, Trials: 1})
	b, err := ev.Initialize("task", tree.StrategyParallel)
	require.NoError(t, err)
	leaf, err := b.AddLeaf(nil, "l", "claim", false)
	require.NoError(t, err)

	passed, err := ev.Verify(context.Background(), VerifyRequest{
		Leaf:    leaf,
		Claim:   "claim",
		Sources: []string{"https://a", "https://b", "https://c"},
	})
	require.NoError(t, err)

	assert.True(t, passed)
	assert.Equal(t, int32(2), calls.Load())

	s, err := ev.Summary()
	require.NoError(t, err)
	require.Len(t, s.Verifications, 1)
	assert.Equal(t, "https://b", s.Verifications[0].Trials[0].Source)
}

func TestVerify_JudgeFailureIsLeafLevel(t *testing.T) {
	j := judge.Func(func(ctx context.Context, req judge.Request) (judge.Verdict, error) {
		return judge.Verdict{}, evalerr.Judge("LLMJudge.Judge", errors.New("provider down"))
	})
	ev := New(Options{Judge: j, ConcurrentTrials: true})
	b, err := ev.Initialize("task", tree.StrategyParallel)
	require.NoError(t, err)
	leaf, err := b.AddLeaf(nil, "l", "claim", false)
	require.NoError(t, err)
	ok, err := b.AddCustomNode(nil, "c", "always true", false, true)
	require.NoError(t, err)
	require.NotNil(t, ok)

	passed, err := ev.Verify(context.Background(), VerifyRequest{Leaf: leaf, Claim: "claim"})
	require.NoError(t, err)
	assert.False(t, passed)

	s, err := ev.Summary()
	require.NoError(t, err)
	assert.Equal(t, 0.5, s.Score)
	require.Len(t, s.Verifications, 2)
	assert.True(t, s.Verifications[0].Custom)
	for _, tr := range s.Verifications[1].Trials {
		assert.Contains(t, tr.Error, "provider down")
	}
}

func TestBatchVerify_JudgePanicFailsTrial(t *testing.T) {
	j := judge.Func(func(ctx context.Context, req judge.Request) (judge.Verdict, error) {
		if req.Claim == "bad" {
			panic("nil pointer in client")
		}
		return judge.Verdict{Passed: true}, nil
	})

	for _, concurrent := range []bool{false, true} {
		ev := New(Options{Judge: j, ConcurrentTrials: concurrent})
		b, err := ev.Initialize("task", tree.StrategyParallel)
		require.NoError(t, err)
		good, err := b.AddLeaf(nil, "good", "good", false)
		require.NoError(t, err)
		bad, err := b.AddLeaf(nil, "bad", "bad", false)
		require.NoError(t, err)

		results, err := ev.BatchVerify(context.Background(), []VerifyRequest{
			{Leaf: good, Claim: "good"},
			{Leaf: bad, Claim: "bad"},
		})
		require.NoError(t, err)
		assert.Equal(t, []bool{true, false}, results)

		s, err := ev.Summary()
		require.NoError(t, err)
		assert.Equal(t, 0.5, s.Score)
		for _, v := range s.Verifications {
			if v.NodeID != "bad" {
				continue
			}
			require.NotEmpty(t, v.Trials)
			for _, tr := range v.Trials {
				assert.Contains(t, tr.Error, "nil pointer in client")
			}
		}
	}
}

func TestVerify_StructuralErrors(t *testing.T) {
	ev := New(Options{Judge: constJudge(true), Trials: 1})

	_, err := ev.Verify(context.Background(), VerifyRequest{Claim: "x"})
	assert.ErrorIs(t, err, evalerr.ErrStructural, "not initialized")

	b, err := ev.Initialize("task", tree.StrategyParallel)
	require.NoError(t, err)
	_, err = ev.Initialize("again", tree.StrategyParallel)
	assert.ErrorIs(t, err, evalerr.ErrStructural)

	leaf, err := b.AddLeaf(nil, "l", "claim", false)
	require.NoError(t, err)
	_, err = ev.Verify(context.Background(), VerifyRequest{Leaf: leaf, Claim: "claim"})
	require.NoError(t, err)

	_, err = ev.Verify(context.Background(), VerifyRequest{Leaf: leaf, Claim: "claim"})
	assert.ErrorIs(t, err, evalerr.ErrStructural, "scored twice")

	_, err = ev.Verify(context.Background(), VerifyRequest{Leaf: b.Root(), Claim: "claim"})
	assert.ErrorIs(t, err, evalerr.ErrStructural, "internal node")

	foreign := tree.NewLeaf("foreign", "foreign", false)
	_, err = ev.Verify(context.Background(), VerifyRequest{Leaf: foreign, Claim: "claim"})
	assert.ErrorIs(t, err, evalerr.ErrStructural, "foreign leaf")

	_, err = b.AddLeaf(leaf, "child", "under a leaf", false)
	assert.ErrorIs(t, err, evalerr.ErrStructural)

	_, err = b.AddLeaf(nil, "l", "duplicate", false)
	assert.ErrorIs(t, err, evalerr.ErrStructural)
}

func TestSummary_ClosesEvaluator(t *testing.T) {
	ev := New(Options{Judge: constJudge(true), Trials: 1})
	b, err := ev.Initialize("task", tree.StrategySequential)
	require.NoError(t, err)
	leaf, err := b.AddLeaf(nil, "l", "claim", false)
	require.NoError(t, err)

	first, err := ev.Summary()
	require.NoError(t, err)
	second, err := ev.Summary()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 0.0, first.Score)

	_, err = b.AddLeaf(nil, "late", "late", false)
	assert.ErrorIs(t, err, evalerr.ErrStructural)
	_, err = ev.Verify(context.Background(), VerifyRequest{Leaf: leaf, Claim: "claim"})
	assert.ErrorIs(t, err, evalerr.ErrStructural)
	_, err = ev.Extract(context.Background(), judge.ExtractRequest{Prompt: "p"})
	assert.ErrorIs(t, err, evalerr.ErrStructural)

	// Nodes held by the script are frozen too.
	assert.ErrorIs(t, leaf.SetLeafScore(1), evalerr.ErrStructural)
	assert.ErrorIs(t, leaf.MarkSkipped(), evalerr.ErrStructural)
	assert.ErrorIs(t, b.Root().AddChild(tree.NewLeaf("detached", "d", false)), evalerr.ErrStructural)
	assert.Len(t, ev.Snapshot(), 2)
}

func TestSummary_AllSkipped(t *testing.T) {
	ev := New(Options{Judge: constJudge(true), Trials: 1})
	b, err := ev.Initialize("task", tree.StrategyParallel)
	require.NoError(t, err)
	leaf, err := b.AddLeaf(nil, "l", "claim", false)
	require.NoError(t, err)
	require.NoError(t, leaf.MarkSkipped())

	s, err := ev.Summary()
	require.NoError(t, err)
	assert.True(t, s.Skipped)
	assert.Equal(t, 0.0, s.Score)
}

func TestVerify_AfterMidRunCompute(t *testing.T) {
	ev := New(Options{Judge: constJudge(true), Trials: 1})
	b, err := ev.Initialize("task", tree.StrategySequential)
	require.NoError(t, err)
	s1, err := b.AddLeaf(nil, "s1", "first step", false)
	require.NoError(t, err)
	s2, err := b.AddLeaf(nil, "s2", "second step", false)
	require.NoError(t, err)

	progress := b.Root().ComputeScore(true)
	assert.Equal(t, 0.0, progress.Score)
	assert.Equal(t, tree.StatusPending, s2.Status())

	ctx := context.Background()
	for _, leaf := range []*tree.Node{s1, s2} {
		passed, err := ev.Verify(ctx, VerifyRequest{Leaf: leaf, Claim: leaf.Description()})
		require.NoError(t, err)
		assert.True(t, passed)
	}

	s, err := ev.Summary()
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Score)
	assert.False(t, s.Skipped)
}

func TestSummary_RequiresInitialize(t *testing.T) {
	_, err := New(Options{}).Summary()
	assert.ErrorIs(t, err, evalerr.ErrStructural)
	assert.Nil(t, New(Options{}).Snapshot())
}

func TestBuilder_AutoIDsAndNesting(t *testing.T) {
	ev := New(Options{Judge: constJudge(true), Trials: 1})
	b, err := ev.Initialize("task", tree.StrategyParallel)
	require.NoError(t, err)

	steps, err := b.AddSequential(nil, "", "steps", true)
	require.NoError(t, err)
	assert.Equal(t, "root.1", steps.ID())

	first, err := b.AddLeaf(steps, "", "step one", false)
	require.NoError(t, err)
	assert.Equal(t, "root.1.1", first.ID())

	group, err := b.AddParallel(nil, "", "details", false)
	require.NoError(t, err)
	assert.Equal(t, "root.2", group.ID())
	assert.Equal(t, tree.StrategyParallel, group.Strategy())

	snap := ev.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, tree.StatusPending, snap[2].Status)
}

func TestBatchVerify_RespectsBudget(t *testing.T) {
	var inFlight, peak atomic.Int32
	j := judge.Func(func(ctx context.Context, req judge.Request) (judge.Verdict, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return judge.Verdict{Passed: true}, nil
	})

	budget := limit.NewBudget(limit.Limits{Tasks: 1, AnswersPerTask: 1, Pages: 1, Judges: 2})
	ev := New(Options{Judge: j, Budget: budget, ConcurrentTrials: true})
	b, err := ev.Initialize("task", tree.StrategyParallel)
	require.NoError(t, err)

	var reqs []VerifyRequest
	for i := 0; i < 6; i++ {
		leaf, err := b.AddLeaf(nil, "", "claim", false)
		require.NoError(t, err)
		req := VerifyRequest{Leaf: leaf, Claim: "claim"}
		if i%2 == 0 {
			req.Sources = []string{"https://example.com"}
		}
		reqs = append(reqs, req)
	}

	results, err := ev.BatchVerify(context.Background(), reqs)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, true, true, true, true}, results)
	assert.LessOrEqual(t, peak.Load(), int32(2))

	stats := budget.Stats()
	assert.LessOrEqual(t, stats.PeakPages, 1)
	assert.Zero(t, stats.JudgesInUse)

	s, err := ev.Summary()
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Score)
}

func TestBatchVerify_CancelledContext(t *testing.T) {
	ev := New(Options{Judge: constJudge(true)})
	b, err := ev.Initialize("task", tree.StrategyParallel)
	require.NoError(t, err)
	leaf, err := b.AddLeaf(nil, "l", "claim", false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = ev.BatchVerify(ctx, []VerifyRequest{{Leaf: leaf, Claim: "claim"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, tree.StatusPending, leaf.Status())
}

func TestExtract(t *testing.T) {
	ev := New(Options{Extractor: stubExtractor{info: map[string]any{"city": "Lyon"}}})

	info, err := ev.Extract(context.Background(), judge.ExtractRequest{Prompt: "city", Text: "Lyon"})
	require.NoError(t, err)
	assert.Equal(t, "Lyon", info["city"])
	assert.Equal(t, 50, ev.Usage().Purposes[llm.PurposeExtract].TotalTokens)
	assert.Equal(t, 1, ev.JudgeCalls())

	failing := New(Options{Extractor: stubExtractor{err: evalerr.Judge("LLMExtractor.Extract", errors.New("bad json"))}})
	_, err = failing.Extract(context.Background(), judge.ExtractRequest{Prompt: "city"})
	assert.ErrorIs(t, err, evalerr.ErrExtraction)
	assert.Equal(t, evalerr.KindExtraction, evalerr.KindOf(err))

	_, err = New(Options{}).Extract(context.Background(), judge.ExtractRequest{Prompt: "city"})
	assert.ErrorIs(t, err, evalerr.ErrExtraction)
}

func TestVerify_RecordsJudgeSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	ev := New(Options{Judge: constJudge(true), Trials: 3, Tracer: tp.Tracer("test"), TaskID: "t1"})
	b, err := ev.Initialize("task", tree.StrategyParallel)
	require.NoError(t, err)
	leaf, err := b.AddLeaf(nil, "l", "claim", false)
	require.NoError(t, err)

	_, err = ev.Verify(context.Background(), VerifyRequest{Leaf: leaf, Claim: "claim"})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2, "sequential trials stop once two agree")
	for _, s := range spans {
		assert.Equal(t, "rubriceval.judge", s.Name())
	}
}
