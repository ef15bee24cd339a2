package evaluator

import (
	"fmt"

	"github.com/zero-day-ai/rubriceval/evalerr"
	"github.com/zero-day-ai/rubriceval/tree"
)

// Builder adds nodes to an evaluator's tree. Every method returns the new
// node already attached. A nil parent means the root. An empty id is
// replaced with "<parent id>.<n>".
type Builder struct {
	ev   *Evaluator
	root *tree.Node
}

// Root returns the root node.
func (b *Builder) Root() *tree.Node {
	return b.root
}

// AddLeaf adds a pending leaf to be scored by Verify.
func (b *Builder) AddLeaf(parent *tree.Node, id, description string, critical bool) (*tree.Node, error) {
	return b.add("Builder.AddLeaf", parent, func(id string) *tree.Node {
		return tree.NewLeaf(id, description, critical)
	}, id)
}

// AddParallel adds a PARALLEL internal node.
func (b *Builder) AddParallel(parent *tree.Node, id, description string, critical bool) (*tree.Node, error) {
	return b.add("Builder.AddParallel", parent, func(id string) *tree.Node {
		return tree.NewInternal(id, description, critical, tree.StrategyParallel)
	}, id)
}

// AddSequential adds a SEQUENTIAL internal node.
func (b *Builder) AddSequential(parent *tree.Node, id, description string, critical bool) (*tree.Node, error) {
	return b.add("Builder.AddSequential", parent, func(id string) *tree.Node {
		return tree.NewInternal(id, description, critical, tree.StrategySequential)
	}, id)
}

// AddCustomNode adds a leaf whose outcome the script already knows, such as
// a deterministic check on extracted values. It is scored immediately.
func (b *Builder) AddCustomNode(parent *tree.Node, id, description string, critical, passed bool) (*tree.Node, error) {
	const op = "Builder.AddCustomNode"

	e := b.ev
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := b.attachLocked(op, parent, func(id string) *tree.Node {
		return tree.NewLeaf(id, description, critical)
	}, id)
	if err != nil {
		return nil, err
	}
	if err := n.SetLeafScore(scoreOf(passed)); err != nil {
		return nil, err
	}

	e.verifications = append(e.verifications, Verification{
		NodeID: n.ID(),
		Claim:  description,
		Custom: true,
		Passed: passed,
	})
	return n, nil
}

func (b *Builder) add(op string, parent *tree.Node, mk func(id string) *tree.Node, id string) (*tree.Node, error) {
	b.ev.mu.Lock()
	defer b.ev.mu.Unlock()
	return b.attachLocked(op, parent, mk, id)
}

// attachLocked resolves the parent and id, then attaches. Callers hold
// b.ev.mu.
func (b *Builder) attachLocked(op string, parent *tree.Node, mk func(id string) *tree.Node, id string) (*tree.Node, error) {
	t, err := b.ev.checkOpen(op)
	if err != nil {
		return nil, err
	}

	if parent == nil {
		parent = b.root
	}
	if !owns(t, parent) {
		return nil, evalerr.Structural(op, "parent %q does not belong to this evaluator", parent.ID())
	}

	if id == "" {
		id = b.nextID(t, parent)
	}

	n := mk(id)
	if err := parent.AddChild(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (b *Builder) nextID(t *tree.Tree, parent *tree.Node) string {
	for i := len(parent.Children()) + 1; ; i++ {
		id := fmt.Sprintf("%s.%d", parent.ID(), i)
		if _, taken := t.Node(id); !taken {
			return id
		}
	}
}

func scoreOf(passed bool) float64 {
	if passed {
		return 1.0
	}
	return 0.0
}
