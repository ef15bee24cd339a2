package tree

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/rubriceval/evalerr"
)

type leafSpec struct {
	id       string
	critical bool
	score    float64
	pending  bool
}

// buildFlat returns a tree whose root has one leaf per entry, scored as given.
func buildFlat(t *testing.T, strategy Strategy, policy Policy, leaves ...leafSpec) *Tree {
	t.Helper()

	root := NewInternal("root", "root", false, strategy)
	tr, err := New(root, policy)
	require.NoError(t, err)

	for _, l := range leaves {
		leaf := NewLeaf(l.id, l.id, l.critical)
		require.NoError(t, root.AddChild(leaf))
		if !l.pending {
			require.NoError(t, leaf.SetLeafScore(l.score))
		}
	}
	return tr
}

func TestParallel_AveragesSoftChildren(t *testing.T) {
	tr := buildFlat(t, StrategyParallel, DefaultPolicy(),
		leafSpec{id: "c1", critical: true, score: 1},
		leafSpec{id: "c2", critical: true, score: 1},
		leafSpec{id: "s1", score: 1},
		leafSpec{id: "s2", score: 0},
		leafSpec{id: "s3", score: 1},
	)

	r := tr.ComputeScore(false)
	assert.False(t, r.Skipped)
	assert.InDelta(t, 2.0/3.0, r.Score, 1e-9)
}

func TestParallel_NestedAverage(t *testing.T) {
	root := NewInternal("root", "root", false, StrategyParallel)
	tr, err := New(root, DefaultPolicy())
	require.NoError(t, err)

	// Soft children scoring 1.0, 0.5 and 0.6 average to 0.7.
	scores := [][]float64{{1}, {1, 0}, {1, 1, 0, 1, 0}}
	for i, group := range scores {
		child := NewInternal(string(rune('a'+i)), "group", false, StrategyParallel)
		require.NoError(t, root.AddChild(child))
		for j, s := range group {
			leaf := NewLeaf(child.ID()+"."+string(rune('0'+j)), "leaf", false)
			require.NoError(t, child.AddChild(leaf))
			require.NoError(t, leaf.SetLeafScore(s))
		}
	}

	assert.InDelta(t, 0.7, tr.ComputeScore(false).Score, 1e-9)
}

func TestParallel_CriticalFailureGates(t *testing.T) {
	tr := buildFlat(t, StrategyParallel, DefaultPolicy(),
		leafSpec{id: "c1", critical: true, score: 0},
		leafSpec{id: "s1", score: 1},
		leafSpec{id: "s2", score: 1},
	)

	assert.Equal(t, 0.0, tr.ComputeScore(false).Score)
}

func TestParallel_OnlyCriticalChildrenPassing(t *testing.T) {
	tr := buildFlat(t, StrategyParallel, DefaultPolicy(),
		leafSpec{id: "c1", critical: true, score: 1},
		leafSpec{id: "c2", critical: true, score: 1},
	)

	assert.Equal(t, 1.0, tr.ComputeScore(false).Score)
}

func TestZeroChildren_ScoresOne(t *testing.T) {
	for _, s := range []Strategy{StrategyParallel, StrategySequential} {
		t.Run(string(s), func(t *testing.T) {
			tr, err := New(NewInternal("root", "empty", false, s), DefaultPolicy())
			require.NoError(t, err)

			r := tr.ComputeScore(true)
			assert.Equal(t, 1.0, r.Score)
			assert.False(t, r.Skipped)
			assert.Equal(t, StatusScored, tr.Root().Status())
		})
	}
}

func TestSequential_HaltsAtFirstFailure(t *testing.T) {
	tr := buildFlat(t, StrategySequential, DefaultPolicy(),
		leafSpec{id: "s1", score: 1},
		leafSpec{id: "s2", score: 1},
		leafSpec{id: "s3", score: 0},
		leafSpec{id: "s4", pending: true},
	)

	r := tr.ComputeScore(true)
	assert.InDelta(t, 2.0/3.0, r.Score, 1e-9)

	s4, ok := tr.Node("s4")
	require.True(t, ok)
	assert.Equal(t, StatusSkipped, s4.Status())
}

func TestSequential_ScoredLeafAfterHaltIsExcluded(t *testing.T) {
	tr := buildFlat(t, StrategySequential, DefaultPolicy(),
		leafSpec{id: "s1", score: 1},
		leafSpec{id: "s2", score: 1},
		leafSpec{id: "s3", score: 0},
		leafSpec{id: "s4", score: 1},
	)

	r := tr.ComputeScore(true)
	assert.InDelta(t, 2.0/3.0, r.Score, 1e-9)

	s4, _ := tr.Node("s4")
	assert.Equal(t, StatusScored, s4.Status())
	score, ok := s4.Score()
	assert.True(t, ok)
	assert.Equal(t, 1.0, score)
}

func TestSequential_AllPass(t *testing.T) {
	tr := buildFlat(t, StrategySequential, DefaultPolicy(),
		leafSpec{id: "s1", score: 1},
		leafSpec{id: "s2", score: 1},
		leafSpec{id: "s3", score: 1},
	)

	assert.Equal(t, 1.0, tr.ComputeScore(false).Score)
}

func TestSequential_CriticalFailureGates(t *testing.T) {
	tr := buildFlat(t, StrategySequential, DefaultPolicy(),
		leafSpec{id: "s1", score: 1},
		leafSpec{id: "s2", critical: true, score: 0},
	)

	assert.Equal(t, 0.0, tr.ComputeScore(false).Score)
}

func TestSequential_HaltOnCriticalFailureOnly(t *testing.T) {
	policy := Policy{SequentialHalt: HaltOnCriticalFailure}

	t.Run("soft failure continues", func(t *testing.T) {
		tr := buildFlat(t, StrategySequential, policy,
			leafSpec{id: "s1", score: 1},
			leafSpec{id: "s2", score: 0},
			leafSpec{id: "s3", score: 1},
			leafSpec{id: "s4", score: 1},
		)
		assert.InDelta(t, 0.75, tr.ComputeScore(true).Score, 1e-9)
	})

	t.Run("critical failure halts", func(t *testing.T) {
		tr := buildFlat(t, StrategySequential, policy,
			leafSpec{id: "s1", score: 1},
			leafSpec{id: "s2", critical: true, score: 0},
			leafSpec{id: "s3", pending: true},
		)
		assert.Equal(t, 0.0, tr.ComputeScore(true).Score)

		s3, _ := tr.Node("s3")
		assert.Equal(t, StatusSkipped, s3.Status())
	})
}

func TestSkipped_ExcludedFromAverage(t *testing.T) {
	tr := buildFlat(t, StrategyParallel, DefaultPolicy(),
		leafSpec{id: "s1", score: 1},
		leafSpec{id: "s2", pending: true},
	)
	s2, _ := tr.Node("s2")
	require.NoError(t, s2.MarkSkipped())

	assert.Equal(t, 1.0, tr.ComputeScore(false).Score)
}

func TestSkipped_AllChildrenSkippedPropagates(t *testing.T) {
	root := NewInternal("root", "root", false, StrategyParallel)
	tr, err := New(root, DefaultPolicy())
	require.NoError(t, err)

	group := NewInternal("group", "group", false, StrategySequential)
	require.NoError(t, root.AddChild(group))
	for _, id := range []string{"a", "b"} {
		leaf := NewLeaf(id, id, false)
		require.NoError(t, group.AddChild(leaf))
		require.NoError(t, leaf.MarkSkipped())
	}
	other := NewLeaf("other", "other", false)
	require.NoError(t, root.AddChild(other))
	require.NoError(t, other.SetLeafScore(0))

	r := tr.ComputeScore(true)
	assert.Equal(t, 0.0, r.Score)
	assert.Equal(t, StatusSkipped, group.Status())
}

func TestSkipped_InternalMarkSkipsDescendants(t *testing.T) {
	root := NewInternal("root", "root", false, StrategyParallel)
	tr, err := New(root, DefaultPolicy())
	require.NoError(t, err)

	group := NewInternal("group", "group", false, StrategyParallel)
	require.NoError(t, root.AddChild(group))
	leaf := NewLeaf("leaf", "leaf", false)
	require.NoError(t, group.AddChild(leaf))
	passing := NewLeaf("passing", "passing", false)
	require.NoError(t, root.AddChild(passing))
	require.NoError(t, passing.SetLeafScore(1))

	require.NoError(t, group.MarkSkipped())

	r := tr.ComputeScore(true)
	assert.Equal(t, 1.0, r.Score)
	assert.Equal(t, StatusSkipped, leaf.Status())
}

func TestPendingLeaf_CountsAsZero(t *testing.T) {
	tr := buildFlat(t, StrategyParallel, DefaultPolicy(),
		leafSpec{id: "s1", score: 1},
		leafSpec{id: "s2", pending: true},
	)

	r := tr.ComputeScore(true)
	assert.Equal(t, 0.5, r.Score)

	s2, _ := tr.Node("s2")
	assert.Equal(t, StatusPending, s2.Status())
}

func TestSequential_MidRunComputeKeepsLaterStepsOpen(t *testing.T) {
	tr := buildFlat(t, StrategySequential, DefaultPolicy(),
		leafSpec{id: "s1", pending: true},
		leafSpec{id: "s2", pending: true},
	)

	r := tr.ComputeScore(true)
	assert.Equal(t, 0.0, r.Score)
	assert.False(t, r.Skipped)

	s1, _ := tr.Node("s1")
	s2, _ := tr.Node("s2")
	assert.Equal(t, StatusPending, s2.Status())

	require.NoError(t, s1.SetLeafScore(1))
	assert.Equal(t, 0.5, tr.ComputeScore(true).Score)
	require.NoError(t, s2.SetLeafScore(1))
	assert.Equal(t, 1.0, tr.ComputeScore(true).Score)
}

func TestSequential_PendingGroupDoesNotSkipLaterSteps(t *testing.T) {
	root := NewInternal("root", "root", false, StrategySequential)
	tr, err := New(root, DefaultPolicy())
	require.NoError(t, err)

	group := NewInternal("group", "group", false, StrategyParallel)
	require.NoError(t, root.AddChild(group))
	done := NewLeaf("done", "done", false)
	require.NoError(t, group.AddChild(done))
	require.NoError(t, done.SetLeafScore(1))
	open := NewLeaf("open", "open", false)
	require.NoError(t, group.AddChild(open))
	last := NewLeaf("last", "last", false)
	require.NoError(t, root.AddChild(last))

	assert.Equal(t, 0.5, tr.ComputeScore(true).Score)
	assert.Equal(t, StatusPending, last.Status())

	// An internal node scored by a previous pass can still be skipped.
	require.NoError(t, group.MarkSkipped())
	require.NoError(t, last.SetLeafScore(1))
	assert.Equal(t, 1.0, tr.ComputeScore(true).Score)
	assert.Equal(t, StatusSkipped, open.Status())
}

func TestClose(t *testing.T) {
	tr := buildFlat(t, StrategySequential, DefaultPolicy(),
		leafSpec{id: "s1", score: 1},
		leafSpec{id: "s2", pending: true},
		leafSpec{id: "s3", pending: true},
	)

	r := tr.Close()
	assert.Equal(t, 0.5, r.Score)
	assert.True(t, tr.Closed())

	s2, _ := tr.Node("s2")
	s3, _ := tr.Node("s3")
	assert.Equal(t, StatusPending, s2.Status())
	assert.Equal(t, StatusSkipped, s3.Status(), "a pending step halts the chain once closed")

	t.Run("mutations are rejected", func(t *testing.T) {
		assert.ErrorIs(t, s2.SetLeafScore(1), evalerr.ErrStructural)
		assert.ErrorIs(t, s2.MarkSkipped(), evalerr.ErrStructural)
		assert.ErrorIs(t, tr.Root().AddChild(NewLeaf("s4", "s4", false)), evalerr.ErrStructural)
		assert.Equal(t, 3, len(tr.Root().Children()))
	})

	t.Run("scores stay readable", func(t *testing.T) {
		assert.Equal(t, r, tr.Close())
		assert.Equal(t, 0.5, tr.ComputeScore(true).Score)
		assert.Equal(t, StatusPending, s2.Status())
	})
}

func TestComputeScore_Idempotent(t *testing.T) {
	tr := buildFlat(t, StrategySequential, DefaultPolicy(),
		leafSpec{id: "s1", score: 1},
		leafSpec{id: "s2", score: 0},
		leafSpec{id: "s3", pending: true},
	)

	first := tr.ComputeScore(true)
	second := tr.ComputeScore(true)
	assert.Equal(t, first, second)
	assert.Equal(t, first, tr.ComputeScore(false))
}

func TestComputeScore_NonMutatingLeavesStateAlone(t *testing.T) {
	tr := buildFlat(t, StrategySequential, DefaultPolicy(),
		leafSpec{id: "s1", score: 0},
		leafSpec{id: "s2", pending: true},
	)

	tr.ComputeScore(false)

	s2, _ := tr.Node("s2")
	assert.Equal(t, StatusPending, s2.Status())
	assert.Equal(t, StatusPending, tr.Root().Status())
}

func TestSetLeafScore_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) *Node
		value float64
		kind  evalerr.Kind
	}{
		{
			name:  "half score",
			setup: func(t *testing.T) *Node { return NewLeaf("l", "l", false) },
			value: 0.5,
			kind:  evalerr.KindInvalidScore,
		},
		{
			name:  "nan",
			setup: func(t *testing.T) *Node { return NewLeaf("l", "l", false) },
			value: math.NaN(),
			kind:  evalerr.KindInvalidScore,
		},
		{
			name:  "internal node",
			setup: func(t *testing.T) *Node { return NewInternal("n", "n", false, StrategyParallel) },
			value: 1,
			kind:  evalerr.KindStructural,
		},
		{
			name: "scored twice",
			setup: func(t *testing.T) *Node {
				l := NewLeaf("l", "l", false)
				require.NoError(t, l.SetLeafScore(1))
				return l
			},
			value: 1,
			kind:  evalerr.KindStructural,
		},
		{
			name: "skipped leaf",
			setup: func(t *testing.T) *Node {
				l := NewLeaf("l", "l", false)
				require.NoError(t, l.MarkSkipped())
				return l
			},
			value: 0,
			kind:  evalerr.KindStructural,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.setup(t).SetLeafScore(tt.value)
			require.Error(t, err)
			assert.True(t, evalerr.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestMarkSkipped_RequiresPending(t *testing.T) {
	l := NewLeaf("l", "l", false)
	require.NoError(t, l.SetLeafScore(1))

	err := l.MarkSkipped()
	assert.ErrorIs(t, err, evalerr.ErrStructural)
}

func TestAddChild_Errors(t *testing.T) {
	t.Run("leaf parent", func(t *testing.T) {
		err := NewLeaf("a", "a", false).AddChild(NewLeaf("b", "b", false))
		assert.ErrorIs(t, err, evalerr.ErrStructural)
	})

	t.Run("duplicate id", func(t *testing.T) {
		root := NewInternal("root", "root", false, StrategyParallel)
		_, err := New(root, DefaultPolicy())
		require.NoError(t, err)
		require.NoError(t, root.AddChild(NewLeaf("a", "a", false)))

		err = root.AddChild(NewLeaf("a", "again", false))
		assert.ErrorIs(t, err, evalerr.ErrStructural)
		assert.Len(t, root.Children(), 1)
	})

	t.Run("duplicate id in detached subtree", func(t *testing.T) {
		top := NewInternal("top", "top", false, StrategyParallel)
		mid := NewInternal("mid", "mid", false, StrategyParallel)
		require.NoError(t, top.AddChild(mid))

		err := mid.AddChild(NewLeaf("top", "clash", false))
		assert.ErrorIs(t, err, evalerr.ErrStructural)
	})

	t.Run("empty id", func(t *testing.T) {
		root := NewInternal("root", "root", false, StrategyParallel)
		err := root.AddChild(NewLeaf("", "nameless", false))
		assert.ErrorIs(t, err, evalerr.ErrStructural)
	})

	t.Run("already attached", func(t *testing.T) {
		a := NewInternal("a", "a", false, StrategyParallel)
		b := NewInternal("b", "b", false, StrategyParallel)
		leaf := NewLeaf("leaf", "leaf", false)
		require.NoError(t, a.AddChild(leaf))

		err := b.AddChild(leaf)
		assert.ErrorIs(t, err, evalerr.ErrStructural)
	})

	t.Run("ancestor", func(t *testing.T) {
		top := NewInternal("top", "top", false, StrategyParallel)
		mid := NewInternal("mid", "mid", false, StrategyParallel)
		require.NoError(t, top.AddChild(mid))

		err := mid.AddChild(top)
		assert.ErrorIs(t, err, evalerr.ErrStructural)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		root := NewInternal("root", "root", false, StrategyParallel)
		err := root.AddChild(NewInternal("x", "x", false, Strategy("ROUND_ROBIN")))
		assert.ErrorIs(t, err, evalerr.ErrStructural)
	})
}

func TestNew_Errors(t *testing.T) {
	_, err := New(NewLeaf("root", "root", false), DefaultPolicy())
	assert.ErrorIs(t, err, evalerr.ErrStructural)

	root := NewInternal("root", "root", false, StrategyParallel)
	_, err = New(root, DefaultPolicy())
	require.NoError(t, err)
	_, err = New(root, DefaultPolicy())
	assert.ErrorIs(t, err, evalerr.ErrStructural)
}

func TestNew_IndexesPrebuiltSubtree(t *testing.T) {
	root := NewInternal("root", "root", false, StrategyParallel)
	group := NewInternal("group", "group", false, StrategySequential)
	require.NoError(t, root.AddChild(group))
	require.NoError(t, group.AddChild(NewLeaf("leaf", "leaf", true)))

	tr, err := New(root, DefaultPolicy())
	require.NoError(t, err)

	assert.Equal(t, 3, tr.Len())
	leaf, ok := tr.Node("leaf")
	require.True(t, ok)
	assert.Equal(t, group, leaf.Parent())
	assert.Len(t, tr.Leaves(), 1)
}

func TestSnapshot_Preorder(t *testing.T) {
	root := NewInternal("root", "root", false, StrategyParallel)
	tr, err := New(root, DefaultPolicy())
	require.NoError(t, err)

	group := NewInternal("group", "group", true, StrategySequential)
	require.NoError(t, root.AddChild(group))
	a := NewLeaf("a", "first", false)
	require.NoError(t, group.AddChild(a))
	require.NoError(t, a.SetLeafScore(1))
	require.NoError(t, root.AddChild(NewLeaf("b", "second", false)))

	tr.ComputeScore(true)
	snap := tr.Snapshot()

	require.Len(t, snap, 4)
	assert.Equal(t, []string{"root", "group", "a", "b"},
		[]string{snap[0].ID, snap[1].ID, snap[2].ID, snap[3].ID})
	assert.Equal(t, "group", snap[2].ParentID)
	assert.Equal(t, 2, snap[2].Depth)
	assert.True(t, snap[1].Critical)
	require.NotNil(t, snap[1].Score)
	assert.Equal(t, 1.0, *snap[1].Score)
	require.NotNil(t, snap[0].Score)
	assert.Equal(t, 0.0, *snap[0].Score)
	assert.Nil(t, snap[3].Score)
	assert.Equal(t, StatusPending, snap[3].Status)
}

func TestConcurrentLeafScoring(t *testing.T) {
	root := NewInternal("root", "root", false, StrategyParallel)
	tr, err := New(root, DefaultPolicy())
	require.NoError(t, err)

	const n = 32
	leaves := make([]*Node, n)
	for i := range leaves {
		leaves[i] = NewLeaf(string(rune('A'+i)), "leaf", false)
		require.NoError(t, root.AddChild(leaves[i]))
	}

	var wg sync.WaitGroup
	for i, leaf := range leaves {
		wg.Add(1)
		go func(i int, leaf *Node) {
			defer wg.Done()
			_ = leaf.SetLeafScore(float64(i % 2))
			_ = tr.ComputeScore(false)
		}(i, leaf)
	}
	wg.Wait()

	assert.Equal(t, 0.5, tr.ComputeScore(true).Score)
}

func TestParseHaltRule(t *testing.T) {
	r, err := ParseHaltRule("critical")
	require.NoError(t, err)
	assert.Equal(t, HaltOnCriticalFailure, r)

	r, err = ParseHaltRule("")
	require.NoError(t, err)
	assert.Equal(t, HaltOnAnyFailure, r)

	_, err = ParseHaltRule("never")
	assert.Error(t, err)
}
