package tree

import (
	"sync"

	"github.com/zero-day-ai/rubriceval/evalerr"
)

// HaltRule decides which failing child stops a SEQUENTIAL walk.
type HaltRule int

const (
	// HaltOnAnyFailure stops at the first child scoring below 1.0.
	HaltOnAnyFailure HaltRule = iota

	// HaltOnCriticalFailure stops only when a critical child fails. Soft
	// failures are averaged in and the walk continues.
	HaltOnCriticalFailure
)

// String returns the rule name used in configuration files.
func (r HaltRule) String() string {
	switch r {
	case HaltOnCriticalFailure:
		return "critical"
	default:
		return "any"
	}
}

// ParseHaltRule parses "any" or "critical". Empty selects the default.
func ParseHaltRule(s string) (HaltRule, error) {
	switch s {
	case "", "any":
		return HaltOnAnyFailure, nil
	case "critical":
		return HaltOnCriticalFailure, nil
	default:
		return HaltOnAnyFailure, evalerr.Structural("tree.ParseHaltRule", "unknown halt rule %q", s)
	}
}

// Policy holds the aggregation knobs of a tree.
type Policy struct {
	SequentialHalt HaltRule
}

// DefaultPolicy returns the policy used by detached nodes.
func DefaultPolicy() Policy {
	return Policy{SequentialHalt: HaltOnAnyFailure}
}

// Tree owns a root node and indexes every attached node by id. All node
// reads and mutations on an attached node serialize on the tree mutex, so
// leaves may be scored from concurrent verifications.
type Tree struct {
	mu     sync.Mutex
	root   *Node
	index  map[string]*Node
	policy Policy
	closed bool
}

// New attaches root, and any subtree already built under it, to a new tree.
// The root must be internal and detached.
func New(root *Node, policy Policy) (*Tree, error) {
	const op = "tree.New"

	if root == nil {
		return nil, evalerr.Structural(op, "root is nil")
	}
	if root.kind != KindInternal {
		return nil, evalerr.Structural(op, "root %q must be an internal node", root.id)
	}
	if root.parent != nil || root.tree != nil {
		return nil, evalerr.Structural(op, "root %q already belongs to a tree", root.id)
	}
	if _, err := validateSubtree(op, root); err != nil {
		return nil, err
	}

	t := &Tree{
		root:   root,
		index:  make(map[string]*Node),
		policy: policy,
	}
	t.register(root)
	return t, nil
}

// register attaches a validated subtree. Callers hold t.mu or own t
// exclusively.
func (t *Tree) register(root *Node) {
	walk(root, 0, func(n *Node, _ int) {
		n.tree = t
		t.index[n.id] = n
	})
}

func (t *Tree) idsOrNil() map[string]struct{} {
	if t == nil {
		return nil
	}
	ids := make(map[string]struct{}, len(t.index))
	for id := range t.index {
		ids[id] = struct{}{}
	}
	return ids
}

// Root returns the root node.
func (t *Tree) Root() *Node { return t.root }

// Policy returns the aggregation policy.
func (t *Tree) Policy() Policy { return t.policy }

// Node looks up an attached node by id.
func (t *Tree) Node(id string) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.index[id]
	return n, ok
}

// Len returns the number of attached nodes.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}

// Leaves returns every leaf in preorder.
func (t *Tree) Leaves() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	var leaves []*Node
	walk(t.root, 0, func(n *Node, _ int) {
		if n.kind == KindLeaf {
			leaves = append(leaves, n)
		}
	})
	return leaves
}

// ComputeScore computes the root score. See Node.ComputeScore.
func (t *Tree) ComputeScore(mutate bool) Result {
	return t.root.ComputeScore(mutate)
}

// Close computes the final scores, writes them onto every node and freezes
// the tree. Leaves still pending are settled as failures for halting, so
// steps after them are marked skipped. Later mutations return structural
// errors; ComputeScore keeps working but no longer writes. Closing twice
// returns the same result.
func (t *Tree) Close() Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return t.root.compute(false, t.policy, true)
	}
	r := t.root.compute(true, t.policy, true)
	t.closed = true
	return r
}

// Closed reports whether Close has been called.
func (t *Tree) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
