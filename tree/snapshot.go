package tree

// NodeSnapshot is a point-in-time copy of one node, suitable for records
// and reports.
type NodeSnapshot struct {
	ID          string   `json:"id"`
	ParentID    string   `json:"parent_id,omitempty"`
	Depth       int      `json:"depth"`
	Description string   `json:"desc"`
	Critical    bool     `json:"critical"`
	Kind        Kind     `json:"kind"`
	Strategy    Strategy `json:"strategy,omitempty"`
	Status      Status   `json:"status"`
	Score       *float64 `json:"score"`
}

// Snapshot returns every node in preorder with its stored status and score.
// It does not recompute anything; call ComputeScore(true) first to capture
// final internal scores.
func (t *Tree) Snapshot() []NodeSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]NodeSnapshot, 0, len(t.index))
	walk(t.root, 0, func(n *Node, depth int) {
		s := NodeSnapshot{
			ID:          n.id,
			Depth:       depth,
			Description: n.description,
			Critical:    n.critical,
			Kind:        n.kind,
			Strategy:    n.strategy,
			Status:      n.status,
		}
		if n.parent != nil {
			s.ParentID = n.parent.id
		}
		if n.status == StatusScored {
			score := n.score
			s.Score = &score
		}
		out = append(out, s)
	})
	return out
}
