package judge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zero-day-ai/rubriceval/evalerr"
	"github.com/zero-day-ai/rubriceval/llm"
)

const defaultExtractSystemPrompt = `You extract structured information from an AI agent's answer.
Follow the extraction instructions exactly. Use null for any field the answer does not mention.
Never invent information that is not present in the answer.

You must respond with a single valid JSON object and nothing else.`

// LLMExtractorOptions configures an LLMExtractor.
type LLMExtractorOptions struct {
	Provider     llm.Provider
	Model        string
	SystemPrompt string
	MaxRetries   int
	Temperature  float64
	BaseBackoff  time.Duration
	Logger       *slog.Logger
}

// LLMExtractor is an Extractor backed by a language model.
type LLMExtractor struct {
	provider     llm.Provider
	model        string
	systemPrompt string
	policy       retryPolicy
	temperature  float64
	logger       *slog.Logger
}

// NewLLMExtractor creates an LLMExtractor.
func NewLLMExtractor(opts LLMExtractorOptions) (*LLMExtractor, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("LLMExtractorOptions.Provider is required")
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	systemPrompt := opts.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultExtractSystemPrompt
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &LLMExtractor{
		provider:     opts.Provider,
		model:        opts.Model,
		systemPrompt: systemPrompt,
		policy:       newRetryPolicy(maxRetries, opts.BaseBackoff),
		temperature:  opts.Temperature,
		logger:       logger,
	}, nil
}

// Extract implements Extractor.
func (e *LLMExtractor) Extract(ctx context.Context, req ExtractRequest) (map[string]any, llm.TokenUsage, error) {
	if req.Prompt == "" {
		return nil, llm.TokenUsage{}, evalerr.Judge("LLMExtractor.Extract", fmt.Errorf("extraction prompt is empty"))
	}

	messages := []llm.Message{
		llm.SystemMessage(e.systemPrompt),
		llm.UserMessage(fmt.Sprintf("Extraction instructions:\n%s\n\nAnswer:\n%s", req.Prompt, req.Text)),
	}

	opts := []llm.CompletionOption{llm.WithTemperature(e.temperature), llm.WithJSONMode()}
	if e.model != "" {
		opts = append(opts, llm.WithModel(e.model))
	}

	var out map[string]any
	attempts, usage, err := ask(ctx, e.provider, e.policy, messages, opts,
		"Please respond with a single valid JSON object.",
		func(content string) error {
			obj, err := parseObject(content)
			if err != nil {
				return err
			}
			out = obj
			return nil
		})
	if err != nil {
		e.logger.Warn("extraction failed", "attempts", attempts, "error", err)
		return nil, usage, wrapJudgeErr("LLMExtractor.Extract", err)
	}
	return out, usage, nil
}
