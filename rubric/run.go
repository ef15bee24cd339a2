package rubric

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/zero-day-ai/rubriceval/evalerr"
	"github.com/zero-day-ai/rubriceval/evaluator"
	"github.com/zero-day-ai/rubriceval/judge"
	"github.com/zero-day-ai/rubriceval/tree"
)

// step is a built node waiting to be judged.
type step struct {
	node     *tree.Node
	req      *evaluator.VerifyRequest
	children []*step
}

// Evaluate implements Script. It extracts information if configured, builds
// the whole tree, then verifies claims: PARALLEL children together and
// SEQUENTIAL children in order, stopping once the chain halts.
func (d *Declarative) Evaluate(ctx context.Context, in Input) (*evaluator.Summary, error) {
	logger := in.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ev := in.Evaluator

	desc := d.file.Root.Description
	if desc == "" {
		desc = d.file.Description
	}
	b, err := ev.Initialize(desc, d.file.Root.Strategy)
	if err != nil {
		return nil, err
	}

	info := map[string]any{}
	if x := d.file.Extract; x != nil {
		info, err = ev.Extract(ctx, judge.ExtractRequest{Prompt: x.Prompt, Text: in.Answer})
		if err != nil {
			return nil, err
		}
		if info == nil {
			info = map[string]any{}
		}
		for _, field := range x.Required {
			present := !isEmpty(info[field])
			if !present {
				logger.Info("required field missing from answer", "field", field)
			}
			if _, err := b.AddCustomNode(nil, requiredNodeID(field), fmt.Sprintf("Answer provides %s", field), true, present); err != nil {
				return nil, err
			}
		}
	}

	data := map[string]any{"info": info, "answer": in.Answer}
	root := &step{node: b.Root()}
	for i := range d.file.Root.Children {
		child, err := d.build(b, b.Root(), &d.file.Root.Children[i], data, logger)
		if err != nil {
			return nil, err
		}
		root.children = append(root.children, child)
	}

	if err := d.run(ctx, ev, root); err != nil {
		return nil, err
	}
	return ev.Summary()
}

// build creates the node for ns under parent. Check leaves and claims that
// cannot be rendered are scored immediately as custom nodes.
func (d *Declarative) build(b *evaluator.Builder, parent *tree.Node, ns *NodeSpec, data map[string]any, logger *slog.Logger) (*step, error) {
	switch {
	case ns.isInternal():
		var (
			node *tree.Node
			err  error
		)
		if ns.Strategy == tree.StrategySequential {
			node, err = b.AddSequential(parent, ns.ID, ns.Description, ns.Critical)
		} else {
			node, err = b.AddParallel(parent, ns.ID, ns.Description, ns.Critical)
		}
		if err != nil {
			return nil, err
		}
		s := &step{node: node}
		for i := range ns.Children {
			child, err := d.build(b, node, &ns.Children[i], data, logger)
			if err != nil {
				return nil, err
			}
			s.children = append(s.children, child)
		}
		return s, nil

	case ns.Check != "":
		passed, err := evalCheck(d.checks[ns], data["info"].(map[string]any), data["answer"].(string))
		if err != nil {
			logger.Info("check failed to evaluate", "node_id", ns.ID, "error", err)
		}
		node, err := b.AddCustomNode(parent, ns.ID, describe(ns), ns.Critical, passed)
		if err != nil {
			return nil, err
		}
		return &step{node: node}, nil

	default:
		claim, sources, reason := d.prepareClaim(ns, data)
		if reason != "" {
			logger.Info("claim cannot be judged", "node_id", ns.ID, "reason", reason)
			node, err := b.AddCustomNode(parent, ns.ID, describe(ns), ns.Critical, false)
			if err != nil {
				return nil, err
			}
			return &step{node: node}, nil
		}

		node, err := b.AddLeaf(parent, ns.ID, describe(ns), ns.Critical)
		if err != nil {
			return nil, err
		}
		return &step{node: node, req: &evaluator.VerifyRequest{
			Leaf:        node,
			Claim:       claim,
			Sources:     sources,
			Instruction: ns.Instruction,
		}}, nil
	}
}

// prepareClaim renders the claim and resolves its sources. A non-empty
// reason means the claim fails without judging.
func (d *Declarative) prepareClaim(ns *NodeSpec, data map[string]any) (string, []string, string) {
	var buf bytes.Buffer
	if err := d.templates[ns].Execute(&buf, data); err != nil {
		return "", nil, fmt.Sprintf("claim template: %v", err)
	}

	sources := append([]string(nil), ns.Sources...)
	if ns.SourcesFrom != "" {
		info, _ := data["info"].(map[string]any)
		from := stringsOf(info[ns.SourcesFrom])
		if len(from) == 0 {
			return "", nil, fmt.Sprintf("no sources in extracted field %q", ns.SourcesFrom)
		}
		sources = append(sources, from...)
	}
	return buf.String(), sources, ""
}

// run verifies the claims under s.
func (d *Declarative) run(ctx context.Context, ev *evaluator.Evaluator, s *step) error {
	if s.req != nil {
		_, err := ev.Verify(ctx, *s.req)
		return err
	}
	if len(s.children) == 0 {
		return nil
	}

	if s.node.Strategy() == tree.StrategySequential {
		policy := ev.Policy()
		for _, c := range s.children {
			if err := d.run(ctx, ev, c); err != nil {
				return err
			}
			r := c.node.ComputeScore(false)
			if r.Skipped || r.Score >= 1.0 {
				continue
			}
			if c.node.Critical() || policy.SequentialHalt == tree.HaltOnAnyFailure {
				return nil
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	var batch []evaluator.VerifyRequest
	for _, c := range s.children {
		switch {
		case c.req != nil:
			batch = append(batch, *c.req)
		case len(c.children) > 0:
			g.Go(func() error {
				return evalerr.Safe("rubric.run", func() error { return d.run(gctx, ev, c) })
			})
		}
	}
	if len(batch) > 0 {
		g.Go(func() error {
			return evalerr.Safe("rubric.run", func() error {
				_, err := ev.BatchVerify(gctx, batch)
				return err
			})
		})
	}
	return g.Wait()
}

func describe(ns *NodeSpec) string {
	if ns.Description != "" {
		return ns.Description
	}
	if ns.Claim != "" {
		return ns.Claim
	}
	return ns.Check
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}

func stringsOf(v any) []string {
	switch x := v.(type) {
	case string:
		if strings.TrimSpace(x) == "" {
			return nil
		}
		return []string{x}
	case []string:
		return x
	case []any:
		var out []string
		for _, item := range x {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
