// Package judge renders pass/fail verdicts for rubric claims and extracts
// structured information from answers.
//
// A Judge decides whether a single claim holds, either from general
// reasoning alone or against cited web pages retrieved through a Fetcher.
// The LLM-backed implementations retry transient provider failures
// themselves; an error returned from a Judge is terminal for that call.
package judge

import (
	"context"
	"errors"

	"github.com/zero-day-ai/rubriceval/llm"
)

// EvidenceMode describes what evidence a claim is checked against.
type EvidenceMode string

const (
	// ModeNone checks the claim with general reasoning only.
	ModeNone EvidenceMode = "none"

	// ModeSingleSource checks the claim against one cited page.
	ModeSingleSource EvidenceMode = "single_source"

	// ModeMultiSource checks the claim against each cited page in turn and
	// passes on the first page that supports it.
	ModeMultiSource EvidenceMode = "multi_source"
)

// ModeFor picks the evidence mode for a list of cited sources.
func ModeFor(sources []string) EvidenceMode {
	switch len(sources) {
	case 0:
		return ModeNone
	case 1:
		return ModeSingleSource
	default:
		return ModeMultiSource
	}
}

// Request is one judging call.
type Request struct {
	// TaskID scopes source lookups in the content cache.
	TaskID string

	// Claim is the statement to verify.
	Claim string

	// Mode selects how Sources are used.
	Mode EvidenceMode

	// Sources are cited URLs. Ignored in ModeNone.
	Sources []string

	// Instruction is optional extra guidance appended to the prompt.
	Instruction string
}

// Verdict is the outcome of a judging call.
type Verdict struct {
	Passed    bool           `json:"passed"`
	Reasoning string         `json:"reasoning,omitempty"`
	Source    string         `json:"source,omitempty"`
	Usage     llm.TokenUsage `json:"usage"`
	Attempts  int            `json:"attempts"`
}

// Judge decides whether a claim holds.
type Judge interface {
	Judge(ctx context.Context, req Request) (Verdict, error)
}

// Func adapts a function to the Judge interface.
type Func func(ctx context.Context, req Request) (Verdict, error)

// Judge calls f.
func (f Func) Judge(ctx context.Context, req Request) (Verdict, error) {
	return f(ctx, req)
}

// ErrNotFound is returned by a Fetcher when a page is not cached.
var ErrNotFound = errors.New("page not found")

// Page is cached page content.
type Page struct {
	URL        string
	Text       string
	Screenshot []byte
}

// Fetcher retrieves page content for a task's cited sources.
type Fetcher interface {
	Fetch(ctx context.Context, taskID, url string) (*Page, error)
}

// ExtractRequest asks for structured information pulled out of an answer.
type ExtractRequest struct {
	// Prompt describes the fields to extract.
	Prompt string

	// Text is the answer text.
	Text string
}

// Extractor pulls a JSON object out of free text.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (map[string]any, llm.TokenUsage, error)
}
