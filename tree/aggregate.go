package tree

// Result is the outcome of computing a node's score. A skipped result has
// no meaningful score and is excluded by the parent.
type Result struct {
	Score   float64
	Skipped bool

	// pending is set when the score depends on leaves not yet scored.
	pending bool
}

// compute evaluates the subtree rooted at n. Callers hold the tree mutex.
// A final pass treats every remaining pending leaf as settled.
//
// Pending leaves count as 0.0 and keep their pending status. A halt caused
// by a result that still depends on pending leaves is not persisted, so later
// siblings stay pending until the walk is decided.
func (n *Node) compute(mutate bool, policy Policy, final bool) Result {
	if n.kind == KindLeaf {
		switch n.status {
		case StatusScored:
			return Result{Score: n.score}
		case StatusSkipped:
			return Result{Skipped: true}
		default:
			return Result{Score: 0, pending: true}
		}
	}

	if n.forcedSkip {
		if mutate {
			n.skipPending()
		}
		return Result{Skipped: true}
	}

	var r Result
	switch n.strategy {
	case StrategySequential:
		r = n.computeSequential(mutate, policy, final)
	default:
		r = n.computeParallel(mutate, policy, final)
	}

	if mutate {
		if r.Skipped {
			n.status = StatusSkipped
			n.score = 0
		} else {
			n.status = StatusScored
			n.score = r.Score
		}
	}
	return r
}

// computeParallel gates on critical children and averages the rest. Every
// child is computed, even after the gate closes, so mutation reaches the
// whole subtree.
func (n *Node) computeParallel(mutate bool, policy Policy, final bool) Result {
	if len(n.children) == 0 {
		return Result{Score: 1.0}
	}

	var (
		active       int
		criticalFail bool
		pending      bool
		softSum      float64
		softCount    int
	)
	for _, c := range n.children {
		r := c.compute(mutate, policy, final)
		if r.Skipped {
			continue
		}
		active++
		pending = pending || r.pending
		if c.critical {
			if r.Score < 1.0 {
				criticalFail = true
			}
			continue
		}
		softSum += r.Score
		softCount++
	}

	switch {
	case active == 0:
		return Result{Skipped: true}
	case criticalFail:
		return Result{Score: 0.0, pending: pending}
	case softCount == 0:
		return Result{Score: 1.0, pending: pending}
	default:
		return Result{Score: softSum / float64(softCount), pending: pending}
	}
}

// computeSequential walks children in order. Once a child halts the walk,
// later children are excluded; under mutation their pending descendants are
// marked skipped while already scored leaves keep their scores. A child whose
// failure rests on pending leaves halts the arithmetic only.
func (n *Node) computeSequential(mutate bool, policy Policy, final bool) Result {
	if len(n.children) == 0 {
		return Result{Score: 1.0}
	}

	var (
		halted       bool
		undecided    bool
		criticalFail bool
		pending      bool
		sum          float64
		count        int
	)
	for _, c := range n.children {
		if halted {
			if mutate && (final || !undecided) {
				c.skipPending()
			}
			continue
		}

		r := c.compute(mutate, policy, final)
		if r.Skipped {
			continue
		}
		sum += r.Score
		count++
		pending = pending || r.pending

		if r.Score < 1.0 {
			if c.critical {
				criticalFail = true
			}
			if c.critical || policy.SequentialHalt == HaltOnAnyFailure {
				halted = true
				undecided = r.pending
			}
		}
	}

	switch {
	case count == 0:
		return Result{Skipped: true}
	case criticalFail:
		return Result{Score: 0.0, pending: pending}
	default:
		return Result{Score: sum / float64(count), pending: pending}
	}
}

// skipPending marks n and its pending descendants skipped. Scored leaves
// keep their status.
func (n *Node) skipPending() {
	walk(n, 0, func(d *Node, _ int) {
		if d.kind == KindLeaf {
			if d.status == StatusPending {
				d.status = StatusSkipped
			}
			return
		}
		d.status = StatusSkipped
		d.score = 0
	})
}

func (t *Tree) policyOrDefault() Policy {
	if t == nil {
		return DefaultPolicy()
	}
	return t.policy
}
