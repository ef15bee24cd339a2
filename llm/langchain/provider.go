// Package langchain adapts langchaingo chat models to llm.Provider.
package langchain

import (
	"context"
	"fmt"
	"os"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/zero-day-ai/rubriceval/llm"
)

// Backend names accepted by Config.Backend.
const (
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
	BackendOllama    = "ollama"
)

// Config selects and configures a langchaingo backend.
type Config struct {
	Backend string
	Model   string
	APIKey  string
	BaseURL string
}

// Provider implements llm.Provider over a langchaingo model.
type Provider struct {
	model llms.Model
	name  string
}

// New builds a provider for cfg. Missing API keys fall back to the
// backend's usual environment variable.
func New(cfg Config) (*Provider, error) {
	var (
		model llms.Model
		err   error
	)

	switch cfg.Backend {
	case "", BackendOpenAI:
		apiKey := firstNonEmpty(cfg.APIKey, os.Getenv("OPENAI_API_KEY"))
		if apiKey == "" {
			return nil, fmt.Errorf("openai: no API key configured")
		}
		opts := []openai.Option{openai.WithToken(apiKey)}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)

	case BackendAnthropic:
		apiKey := firstNonEmpty(cfg.APIKey, os.Getenv("ANTHROPIC_API_KEY"))
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic: no API key configured")
		}
		opts := []anthropic.Option{anthropic.WithToken(apiKey)}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		model, err = anthropic.New(opts...)

	case BackendOllama:
		opts := []ollama.Option{ollama.WithServerURL(firstNonEmpty(cfg.BaseURL, "http://localhost:11434"))}
		if cfg.Model != "" {
			opts = append(opts, ollama.WithModel(cfg.Model))
		}
		model, err = ollama.New(opts...)

	default:
		return nil, fmt.Errorf("unknown llm backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Backend, err)
	}

	return Wrap(model, firstNonEmpty(cfg.Backend, BackendOpenAI)), nil
}

// Wrap adapts an existing langchaingo model.
func Wrap(model llms.Model, name string) *Provider {
	return &Provider{model: model, name: name}
}

// Name returns the backend name.
func (p *Provider) Name() string {
	return p.name
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, messages []llm.Message, opts ...llm.CompletionOption) (*llm.CompletionResponse, error) {
	req := llm.NewCompletionRequest(messages, opts...)

	resp, err := p.model.GenerateContent(ctx, toMessageContent(req.Messages), callOptions(req)...)
	if err != nil {
		return nil, fmt.Errorf("%s: generate content: %w", p.name, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty response", p.name)
	}

	choice := resp.Choices[0]
	return &llm.CompletionResponse{
		Content:      choice.Content,
		FinishReason: choice.StopReason,
		Usage:        usageFrom(choice.GenerationInfo),
	}, nil
}

func toMessageContent(messages []llm.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))

	for _, msg := range messages {
		mc := llms.MessageContent{Role: chatType(msg.Role)}
		if msg.Content != "" {
			mc.Parts = append(mc.Parts, llms.TextPart(msg.Content))
		}
		for _, img := range msg.Images {
			mc.Parts = append(mc.Parts, llms.ImageURLPart(img.DataURL()))
		}
		out = append(out, mc)
	}
	return out
}

func chatType(r llm.Role) llms.ChatMessageType {
	switch r {
	case llm.RoleSystem:
		return llms.ChatMessageTypeSystem
	case llm.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

func callOptions(req *llm.CompletionRequest) []llms.CallOption {
	var opts []llms.CallOption

	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*req.Temperature))
	}
	if req.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*req.MaxTokens))
	}
	if req.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}
	return opts
}

// usageFrom reads token counts from generation info. Backends report them
// under different keys and integer types.
func usageFrom(info map[string]any) llm.TokenUsage {
	u := llm.TokenUsage{
		InputTokens:  intFrom(info, "PromptTokens", "InputTokens"),
		OutputTokens: intFrom(info, "CompletionTokens", "OutputTokens"),
		TotalTokens:  intFrom(info, "TotalTokens"),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u
}

func intFrom(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
