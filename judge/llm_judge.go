package judge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/zero-day-ai/rubriceval/evalerr"
	"github.com/zero-day-ai/rubriceval/llm"
)

// DefaultMaxPageChars bounds the page text placed in a prompt.
const DefaultMaxPageChars = 60000

const defaultVerifySystemPrompt = `You are a meticulous fact checker grading an AI agent's answer against a rubric.
You are given one claim and, when available, the content of a web page cited as evidence.

Decide whether the claim is true. When page content is provided, the claim passes only if the page supports it.
When no page is provided, rely on general knowledge and careful reasoning.

You must respond with valid JSON in the following format:
{"passed": <true|false>, "reasoning": "<short explanation>"}`

var verifyPrompt = template.Must(template.New("verify").Parse(
	`Claim:
{{.Claim}}
{{- if .Instruction}}

Additional instructions:
{{.Instruction}}
{{- end}}
{{- if .URL}}

Source URL: {{.URL}}
{{- if .Text}}

Page content:
{{.Text}}
{{- end}}
{{- if .Screenshot}}

A screenshot of the page is attached.
{{- end}}
{{- else}}

No external evidence is provided. Judge the claim using general knowledge and reasoning only.
{{- end}}

Respond with valid JSON: {"passed": <true|false>, "reasoning": "<explanation>"}`))

type verifyPromptData struct {
	Claim       string
	Instruction string
	URL         string
	Text        string
	Screenshot  bool
}

// LLMJudgeOptions configures an LLMJudge.
type LLMJudgeOptions struct {
	// Provider is the model used for judging (required).
	Provider llm.Provider

	// Fetcher retrieves cited pages. Required for source modes.
	Fetcher Fetcher

	// Model overrides the provider's default model.
	Model string

	// SystemPrompt replaces the default judging instructions.
	SystemPrompt string

	// MaxRetries is the number of retries after a failed call (default: 3).
	MaxRetries int

	// Temperature for judging calls (default: 0.0).
	Temperature float64

	// BaseBackoff is the first retry delay, doubled per attempt (default: 100ms).
	BaseBackoff time.Duration

	// MaxPageChars truncates page text (default: DefaultMaxPageChars).
	MaxPageChars int

	// Logger for retry and fetch diagnostics.
	Logger *slog.Logger
}

// LLMJudge is a Judge backed by a language model.
type LLMJudge struct {
	provider     llm.Provider
	fetcher      Fetcher
	model        string
	systemPrompt string
	policy       retryPolicy
	temperature  float64
	maxPageChars int
	logger       *slog.Logger
}

// NewLLMJudge creates an LLMJudge. A zero MaxRetries selects the default;
// use a negative value for no retries.
func NewLLMJudge(opts LLMJudgeOptions) (*LLMJudge, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("LLMJudgeOptions.Provider is required")
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	systemPrompt := opts.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultVerifySystemPrompt
	}
	maxPageChars := opts.MaxPageChars
	if maxPageChars <= 0 {
		maxPageChars = DefaultMaxPageChars
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &LLMJudge{
		provider:     opts.Provider,
		fetcher:      opts.Fetcher,
		model:        opts.Model,
		systemPrompt: systemPrompt,
		policy:       newRetryPolicy(maxRetries, opts.BaseBackoff),
		temperature:  opts.Temperature,
		maxPageChars: maxPageChars,
		logger:       logger,
	}, nil
}

// Judge implements Judge. In source modes each source is checked in turn and
// the first supporting page wins.
func (j *LLMJudge) Judge(ctx context.Context, req Request) (Verdict, error) {
	const op = "LLMJudge.Judge"

	mode := req.Mode
	if mode == "" {
		mode = ModeFor(req.Sources)
	}

	if mode == ModeNone || len(req.Sources) == 0 {
		v, err := j.judgeOnce(ctx, req, nil)
		if err != nil {
			return Verdict{}, wrapJudgeErr(op, err)
		}
		return v, nil
	}

	if j.fetcher == nil {
		return Verdict{}, evalerr.Judge(op, fmt.Errorf("no fetcher configured for %s", mode))
	}

	var combined Verdict
	for _, src := range req.Sources {
		page, err := j.fetcher.Fetch(ctx, req.TaskID, src)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return combined, wrapJudgeErr(op, fmt.Errorf("fetch %s: %w", src, err))
			}
			j.logger.Debug("cited source not cached", "task_id", req.TaskID, "url", src)
			combined.Source = src
			combined.Reasoning = "source unavailable"
			continue
		}

		v, err := j.judgeOnce(ctx, req, page)
		if err != nil {
			return combined, wrapJudgeErr(op, err)
		}
		combined.Usage = combined.Usage.Add(v.Usage)
		combined.Attempts += v.Attempts
		combined.Passed = v.Passed
		combined.Reasoning = v.Reasoning
		combined.Source = src
		if v.Passed {
			break
		}
	}
	return combined, nil
}

func (j *LLMJudge) judgeOnce(ctx context.Context, req Request, page *Page) (Verdict, error) {
	data := verifyPromptData{Claim: req.Claim, Instruction: req.Instruction}
	var images []llm.Image
	if page != nil {
		data.URL = page.URL
		data.Text = truncate(page.Text, j.maxPageChars)
		if len(page.Screenshot) > 0 {
			data.Screenshot = true
			images = append(images, llm.Image{
				MIMEType: http.DetectContentType(page.Screenshot),
				Data:     page.Screenshot,
			})
		}
	}

	var buf bytes.Buffer
	if err := verifyPrompt.Execute(&buf, data); err != nil {
		return Verdict{}, fmt.Errorf("render prompt: %w", err)
	}

	messages := []llm.Message{
		llm.SystemMessage(j.systemPrompt),
		llm.UserMessage(buf.String(), images...),
	}

	var v Verdict
	attempts, usage, err := ask(ctx, j.provider, j.policy, messages, j.callOptions(),
		`Please respond with valid JSON: {"passed": <true|false>, "reasoning": "<explanation>"}`,
		func(content string) error {
			passed, reasoning, err := parseVerdict(content)
			if err != nil {
				return err
			}
			v.Passed, v.Reasoning = passed, reasoning
			return nil
		})
	v.Attempts = attempts
	v.Usage = usage
	if err != nil {
		j.logger.Warn("judge call failed", "task_id", req.TaskID, "attempts", attempts, "error", err)
		return v, err
	}
	if page != nil {
		v.Source = page.URL
	}
	return v, nil
}

func (j *LLMJudge) callOptions() []llm.CompletionOption {
	opts := []llm.CompletionOption{llm.WithTemperature(j.temperature), llm.WithJSONMode()}
	if j.model != "" {
		opts = append(opts, llm.WithModel(j.model))
	}
	return opts
}

func wrapJudgeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return evalerr.Judge(op, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := strings.ToValidUTF8(s[:n], "")
	return cut + "\n[truncated]"
}
