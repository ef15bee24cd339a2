package judge

import (
	"context"
	"fmt"
	"time"

	"github.com/zero-day-ai/rubriceval/llm"
)

const (
	defaultMaxRetries  = 3
	defaultBaseBackoff = 100 * time.Millisecond
)

type retryPolicy struct {
	maxRetries int
	base       time.Duration
}

func newRetryPolicy(maxRetries int, base time.Duration) retryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if base <= 0 {
		base = defaultBaseBackoff
	}
	return retryPolicy{maxRetries: maxRetries, base: base}
}

// wait sleeps base·2^attempt or until ctx is done.
func (p retryPolicy) wait(ctx context.Context, attempt int) error {
	select {
	case <-time.After(p.base << attempt):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ask sends messages until parse accepts a reply or retries run out. After
// an unparsable reply the model is shown its output with correction so it
// can fix the format.
func ask(
	ctx context.Context,
	provider llm.Provider,
	policy retryPolicy,
	messages []llm.Message,
	opts []llm.CompletionOption,
	correction string,
	parse func(content string) error,
) (int, llm.TokenUsage, error) {
	var (
		usage   llm.TokenUsage
		lastErr error
	)

	attempts := policy.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := provider.Complete(ctx, messages, opts...)
		if err != nil {
			if ctx.Err() != nil {
				return attempt + 1, usage, ctx.Err()
			}
			lastErr = fmt.Errorf("completion failed (attempt %d/%d): %w", attempt+1, attempts, err)
		} else if !resp.HasContent() {
			usage = usage.Add(resp.Usage)
			lastErr = fmt.Errorf("empty response (attempt %d/%d)", attempt+1, attempts)
		} else {
			usage = usage.Add(resp.Usage)

			perr := parse(resp.Content)
			if perr == nil {
				return attempt + 1, usage, nil
			}
			lastErr = fmt.Errorf("failed to parse response (attempt %d/%d): %w", attempt+1, attempts, perr)
			messages = append(messages,
				llm.AssistantMessage(resp.Content),
				llm.UserMessage(fmt.Sprintf("Invalid response. Error: %v\n%s", perr, correction)),
			)
		}

		if attempt < attempts-1 {
			if err := policy.wait(ctx, attempt); err != nil {
				return attempt + 1, usage, err
			}
		}
	}

	return attempts, usage, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
