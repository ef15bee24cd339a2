package evaluator

import (
	"github.com/zero-day-ai/rubriceval/judge"
	"github.com/zero-day-ai/rubriceval/llm"
	"github.com/zero-day-ai/rubriceval/tree"
)

// VerifyRequest asks for one claim to be judged into one leaf.
type VerifyRequest struct {
	// Leaf receives the 0.0/1.0 outcome.
	Leaf *tree.Node

	// Claim is the statement to judge.
	Claim string

	// Sources are cited URLs. None means general reasoning only; several
	// means the claim passes if any one source supports it.
	Sources []string

	// Instruction is optional extra guidance for the judge.
	Instruction string
}

// Trial is one independent judging pass over a claim.
type Trial struct {
	Passed    bool   `json:"passed"`
	Source    string `json:"source,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Verification records how a leaf got its score.
type Verification struct {
	NodeID  string             `json:"node_id"`
	Claim   string             `json:"claim"`
	Mode    judge.EvidenceMode `json:"mode,omitempty"`
	Sources []string           `json:"sources,omitempty"`
	Custom  bool               `json:"custom,omitempty"`
	Passed  bool               `json:"passed"`
	Trials  []Trial            `json:"trials,omitempty"`
}

// Summary is the final outcome of one evaluation.
type Summary struct {
	Score float64 `json:"score"`

	// Skipped is set when every node under the root was skipped. Score is
	// then 0 although nothing failed.
	Skipped bool `json:"skipped,omitempty"`

	Tree          []tree.NodeSnapshot `json:"tree"`
	Usage         llm.UsageSnapshot   `json:"usage"`
	JudgeCalls    int                 `json:"judge_calls"`
	Verifications []Verification      `json:"verifications,omitempty"`
}
