// Package tree implements the verification tree used to score an answer
// against a rubric.
//
// A tree is built from leaf nodes, which are scored directly with a binary
// judgment, and internal nodes, which aggregate their children with either
// the PARALLEL (gate-then-average) or SEQUENTIAL (ordered short-circuit)
// strategy. Critical children gate their parent: a failing critical child
// forces the parent's score to 0.0. Skipped nodes are kept for reporting but
// never contribute to any average.
//
// Internal scores are never cached as truth. ComputeScore recomputes them from
// the leaves on every call, optionally writing the results back onto the nodes
// so a snapshot can be read afterwards.
package tree

import (
	"math"

	"github.com/zero-day-ai/rubriceval/evalerr"
)

// Kind distinguishes directly scored leaves from aggregating nodes.
type Kind string

const (
	KindLeaf     Kind = "leaf"
	KindInternal Kind = "internal"
)

// Strategy selects how an internal node aggregates its children.
type Strategy string

const (
	// StrategyParallel gates on critical children, then averages soft ones.
	StrategyParallel Strategy = "PARALLEL"

	// StrategySequential walks children in order and stops at the first
	// failing step.
	StrategySequential Strategy = "SEQUENTIAL"
)

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	return s == StrategyParallel || s == StrategySequential
}

// Status is the lifecycle state of a node.
type Status string

const (
	StatusPending Status = "pending"
	StatusScored  Status = "scored"
	StatusSkipped Status = "skipped"
)

// Node is a single rubric check. Nodes are created detached and become part
// of a tree through AddChild or New. A node has at most one parent and
// belongs to at most one tree.
type Node struct {
	id          string
	description string
	critical    bool
	kind        Kind
	strategy    Strategy

	parent   *Node
	children []*Node
	tree     *Tree

	status Status
	score  float64

	// forcedSkip marks an internal node skipped by MarkSkipped. Derived
	// skips (all children skipped) are recomputed on every pass.
	forcedSkip bool
}

// NewLeaf creates a detached leaf node.
func NewLeaf(id, description string, critical bool) *Node {
	return &Node{
		id:          id,
		description: description,
		critical:    critical,
		kind:        KindLeaf,
		status:      StatusPending,
	}
}

// NewInternal creates a detached internal node aggregating with strategy.
func NewInternal(id, description string, critical bool, strategy Strategy) *Node {
	return &Node{
		id:          id,
		description: description,
		critical:    critical,
		kind:        KindInternal,
		strategy:    strategy,
		status:      StatusPending,
	}
}

// lock acquires the owning tree's mutex. Detached nodes are only reachable
// by the goroutine building them and need no locking.
func (n *Node) lock() func() {
	if n.tree == nil {
		return func() {}
	}
	n.tree.mu.Lock()
	return n.tree.mu.Unlock
}

// ID returns the node identifier.
func (n *Node) ID() string { return n.id }

// Description returns the rubric statement checked by this node.
func (n *Node) Description() string { return n.description }

// Critical reports whether a failure of this node gates its parent.
func (n *Node) Critical() bool { return n.critical }

// Kind returns whether the node is a leaf or internal node.
func (n *Node) Kind() Kind { return n.kind }

// Strategy returns the aggregation strategy. It is empty for leaves.
func (n *Node) Strategy() Strategy { return n.strategy }

// IsLeaf reports whether the node is a leaf.
func (n *Node) IsLeaf() bool { return n.kind == KindLeaf }

// Parent returns the parent node, or nil for roots and detached nodes.
func (n *Node) Parent() *Node {
	defer n.lock()()
	return n.parent
}

// Children returns a copy of the ordered child list.
func (n *Node) Children() []*Node {
	defer n.lock()()
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// Status returns the current status.
func (n *Node) Status() Status {
	defer n.lock()()
	return n.status
}

// Score returns the current score and whether one is set. Pending and
// skipped nodes have no score.
func (n *Node) Score() (float64, bool) {
	defer n.lock()()
	if n.status != StatusScored {
		return 0, false
	}
	return n.score, true
}

// AddChild appends child to this internal node. The child must be detached,
// and none of the identifiers in its subtree may already exist in the tree
// this node belongs to.
func (n *Node) AddChild(child *Node) error {
	const op = "Node.AddChild"

	if child == nil {
		return evalerr.Structural(op, "child is nil")
	}

	defer n.lock()()

	if n.closed() {
		return evalerr.Structural(op, "tree is closed")
	}
	if n.kind != KindInternal {
		return evalerr.Structural(op, "cannot add child to leaf %q", n.id)
	}
	if child.parent != nil || child.tree != nil {
		return evalerr.Structural(op, "node %q already belongs to a tree", child.id)
	}
	for p := n; p != nil; p = p.parent {
		if p == child {
			return evalerr.Structural(op, "adding %q under %q would create a cycle", child.id, n.id)
		}
	}

	existing := n.tree.idsOrNil()
	if existing == nil {
		existing = collectIDs(n.topmost())
	}
	incoming, err := validateSubtree(op, child)
	if err != nil {
		return err
	}
	for _, id := range incoming {
		if _, dup := existing[id]; dup {
			return evalerr.Structural(op, "duplicate node id %q", id).
				WithDetails(map[string]any{"parent_id": n.id})
		}
	}

	child.parent = n
	n.children = append(n.children, child)
	if n.tree != nil {
		n.tree.register(child)
	}
	return nil
}

// SetLeafScore records the binary judgment for a pending leaf. Scoring the
// same leaf twice is a structural error; any value other than 0.0 or 1.0 is
// an invalid score.
func (n *Node) SetLeafScore(value float64) error {
	const op = "Node.SetLeafScore"

	defer n.lock()()

	if n.closed() {
		return evalerr.Structural(op, "tree is closed")
	}
	if n.kind != KindLeaf {
		return evalerr.Structural(op, "node %q is not a leaf", n.id)
	}
	if n.status != StatusPending {
		return evalerr.Structural(op, "leaf %q is already %s", n.id, n.status)
	}
	if math.IsNaN(value) || (value != 0.0 && value != 1.0) {
		return evalerr.InvalidScore(op, value).WithDetails(map[string]any{"node_id": n.id})
	}

	n.score = value
	n.status = StatusScored
	return nil
}

// MarkSkipped transitions a pending node to skipped. Skipped nodes stay in
// the tree for reporting and are excluded from aggregation. An internal node
// can be skipped until it is skipped or its tree is closed; its status is
// otherwise derived by ComputeScore.
func (n *Node) MarkSkipped() error {
	const op = "Node.MarkSkipped"

	defer n.lock()()

	if n.closed() {
		return evalerr.Structural(op, "tree is closed")
	}
	if n.kind == KindInternal {
		if n.forcedSkip {
			return evalerr.Structural(op, "node %q is already skipped", n.id)
		}
		n.forcedSkip = true
		n.status = StatusSkipped
		return nil
	}
	if n.status != StatusPending {
		return evalerr.Structural(op, "node %q is %s, not pending", n.id, n.status)
	}
	n.status = StatusSkipped
	return nil
}

// ComputeScore recursively computes this node's score. When mutate is true
// the computed score and status are written onto this node and every
// descendant.
func (n *Node) ComputeScore(mutate bool) Result {
	defer n.lock()()

	if n.closed() {
		mutate = false
	}
	return n.compute(mutate, n.tree.policyOrDefault(), false)
}

// closed reports whether n belongs to a closed tree. Callers hold the tree
// mutex.
func (n *Node) closed() bool {
	return n.tree != nil && n.tree.closed
}

func (n *Node) topmost() *Node {
	top := n
	for top.parent != nil {
		top = top.parent
	}
	return top
}

func collectIDs(root *Node) map[string]struct{} {
	ids := make(map[string]struct{})
	walk(root, 0, func(node *Node, _ int) {
		ids[node.id] = struct{}{}
	})
	return ids
}

// validateSubtree checks ids and strategies in a detached subtree and
// returns its identifiers in preorder.
func validateSubtree(op string, root *Node) ([]string, error) {
	var (
		ids  []string
		seen = make(map[string]struct{})
		err  error
	)
	walk(root, 0, func(node *Node, _ int) {
		if err != nil {
			return
		}
		switch {
		case node.id == "":
			err = evalerr.Structural(op, "node id must not be empty")
		case node.kind == KindInternal && !node.strategy.IsValid():
			err = evalerr.Structural(op, "node %q has unknown strategy %q", node.id, node.strategy)
		default:
			if _, dup := seen[node.id]; dup {
				err = evalerr.Structural(op, "duplicate node id %q", node.id)
				return
			}
			seen[node.id] = struct{}{}
			ids = append(ids, node.id)
		}
	})
	return ids, err
}

func walk(n *Node, depth int, fn func(*Node, int)) {
	fn(n, depth)
	for _, c := range n.children {
		walk(c, depth+1, fn)
	}
}
