package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/rubriceval/evalerr"
	"github.com/zero-day-ai/rubriceval/llm"
)

// mockProvider replays scripted replies. A nil entry in errs means the
// matching reply is returned.
type mockProvider struct {
	mu            sync.Mutex
	replies       []string
	errs          []error
	calls         int
	recordedCalls [][]llm.Message
}

func (m *mockProvider) Complete(ctx context.Context, messages []llm.Message, opts ...llm.CompletionOption) (*llm.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.calls
	m.calls++
	m.recordedCalls = append(m.recordedCalls, messages)

	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i >= len(m.replies) {
		return nil, fmt.Errorf("no more mock responses available (call %d)", i+1)
	}
	return &llm.CompletionResponse{
		Content: m.replies[i],
		Usage:   llm.TokenUsage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12},
	}, nil
}

type mapFetcher map[string]*Page

func (f mapFetcher) Fetch(ctx context.Context, taskID, url string) (*Page, error) {
	if p, ok := f[url]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

func newTestJudge(t *testing.T, p llm.Provider, f Fetcher) *LLMJudge {
	t.Helper()
	j, err := NewLLMJudge(LLMJudgeOptions{Provider: p, Fetcher: f, BaseBackoff: time.Millisecond})
	require.NoError(t, err)
	return j
}

func TestModeFor(t *testing.T) {
	assert.Equal(t, ModeNone, ModeFor(nil))
	assert.Equal(t, ModeSingleSource, ModeFor([]string{"a"}))
	assert.Equal(t, ModeMultiSource, ModeFor([]string{"a", "b"}))
}

func TestNewLLMJudge_RequiresProvider(t *testing.T) {
	_, err := NewLLMJudge(LLMJudgeOptions{})
	assert.Error(t, err)
}

func TestLLMJudge_NoEvidence(t *testing.T) {
	p := &mockProvider{replies: []string{"```json\n{\"passed\": true, \"reasoning\": \"well known\"}\n```"}}
	j := newTestJudge(t, p, nil)

	v, err := j.Judge(context.Background(), Request{Claim: "Paris is in France", Mode: ModeNone})
	require.NoError(t, err)

	assert.True(t, v.Passed)
	assert.Equal(t, "well known", v.Reasoning)
	assert.Equal(t, 1, v.Attempts)
	assert.Equal(t, 12, v.Usage.TotalTokens)

	require.Len(t, p.recordedCalls, 1)
	prompt := p.recordedCalls[0][1].Content
	assert.Contains(t, prompt, "Paris is in France")
	assert.Contains(t, prompt, "No external evidence")
}

func TestLLMJudge_SingleSourceWithScreenshot(t *testing.T) {
	p := &mockProvider{replies: []string{`{"passed": false, "reasoning": "page disagrees"}`}}
	f := mapFetcher{"https://a.example": {URL: "https://a.example", Text: "The tower is 330 m tall.", Screenshot: []byte{0xff, 0xd8, 0xff}}}
	j := newTestJudge(t, p, f)

	v, err := j.Judge(context.Background(), Request{
		Claim:   "The tower is 500 m tall",
		Mode:    ModeSingleSource,
		Sources: []string{"https://a.example"},
	})
	require.NoError(t, err)

	assert.False(t, v.Passed)
	assert.Equal(t, "https://a.example", v.Source)

	user := p.recordedCalls[0][1]
	assert.Contains(t, user.Content, "The tower is 330 m tall.")
	assert.Contains(t, user.Content, "screenshot")
	require.Len(t, user.Images, 1)
	assert.Equal(t, "image/jpeg", user.Images[0].MIMEType)
}

func TestLLMJudge_MultiSourceFirstSuccess(t *testing.T) {
	p := &mockProvider{replies: []string{
		`{"passed": false, "reasoning": "no"}`,
		`{"passed": true, "reasoning": "yes"}`,
		`{"passed": false, "reasoning": "never reached"}`,
	}}
	f := mapFetcher{
		"https://a": {URL: "https://a", Text: "a"},
		"https://b": {URL: "https://b", Text: "b"},
		"https://c": {URL: "https://c", Text: "c"},
	}
	j := newTestJudge(t, p, f)

	v, err := j.Judge(context.Background(), Request{
		Claim:   "claim",
		Mode:    ModeMultiSource,
		Sources: []string{"https://a", "https://b", "https://c"},
	})
	require.NoError(t, err)

	assert.True(t, v.Passed)
	assert.Equal(t, "https://b", v.Source)
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, 24, v.Usage.TotalTokens)
}

func TestLLMJudge_MissingSourceFailsWithoutError(t *testing.T) {
	p := &mockProvider{}
	j := newTestJudge(t, p, mapFetcher{})

	v, err := j.Judge(context.Background(), Request{Claim: "c", Sources: []string{"https://gone"}})
	require.NoError(t, err)

	assert.False(t, v.Passed)
	assert.Equal(t, "source unavailable", v.Reasoning)
	assert.Zero(t, p.calls)
}

func TestLLMJudge_FetchErrorIsJudgeError(t *testing.T) {
	f := fetcherFunc(func(ctx context.Context, taskID, url string) (*Page, error) {
		return nil, errors.New("disk on fire")
	})
	j := newTestJudge(t, &mockProvider{}, f)

	_, err := j.Judge(context.Background(), Request{Claim: "c", Sources: []string{"https://x"}})
	assert.ErrorIs(t, err, evalerr.ErrJudge)
}

func TestLLMJudge_RetriesThenSucceeds(t *testing.T) {
	p := &mockProvider{
		errs:    []error{errors.New("503"), nil, nil},
		replies: []string{"", "not json at all", `{"passed": true}`},
	}
	j := newTestJudge(t, p, nil)

	v, err := j.Judge(context.Background(), Request{Claim: "c"})
	require.NoError(t, err)

	assert.True(t, v.Passed)
	assert.Equal(t, 3, v.Attempts)

	// The malformed reply is fed back for correction.
	last := p.recordedCalls[2]
	require.Len(t, last, 4)
	assert.Equal(t, llm.RoleAssistant, last[2].Role)
	assert.Equal(t, "not json at all", last[2].Content)
	assert.True(t, strings.HasPrefix(last[3].Content, "Invalid response."))
}

func TestLLMJudge_EmptyReplyRetriedWithoutCorrection(t *testing.T) {
	p := &mockProvider{replies: []string{"", `{"passed": false, "reasoning": "wrong year"}`}}
	j := newTestJudge(t, p, nil)

	v, err := j.Judge(context.Background(), Request{Claim: "c"})
	require.NoError(t, err)

	assert.False(t, v.Passed)
	assert.Equal(t, 2, v.Attempts)
	assert.Len(t, p.recordedCalls[1], len(p.recordedCalls[0]))
}

func TestLLMJudge_ExhaustedRetries(t *testing.T) {
	p := &mockProvider{replies: []string{`{"reasoning": "forgot"}`, `{}`, `nope`, `{"passed": "yes"}`}}
	j := newTestJudge(t, p, nil)

	_, err := j.Judge(context.Background(), Request{Claim: "c"})
	require.Error(t, err)

	assert.ErrorIs(t, err, evalerr.ErrJudge)
	assert.Equal(t, 4, p.calls)
	assert.Contains(t, err.Error(), "failed after 4 attempts")
}

func TestLLMJudge_ContextCancellation(t *testing.T) {
	p := &mockProvider{errs: []error{errors.New("503"), errors.New("503"), errors.New("503"), errors.New("503")}}
	j, err := NewLLMJudge(LLMJudgeOptions{Provider: p, BaseBackoff: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = j.Judge(ctx, Request{Claim: "c"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, evalerr.KindCanceled, evalerr.KindOf(err))
}

func TestLLMExtractor_Extract(t *testing.T) {
	p := &mockProvider{replies: []string{"Here you go:\n{\"city\": \"Lyon\", \"population\": 522000}"}}
	e, err := NewLLMExtractor(LLMExtractorOptions{Provider: p, BaseBackoff: time.Millisecond})
	require.NoError(t, err)

	info, usage, err := e.Extract(context.Background(), ExtractRequest{
		Prompt: "Extract the city and its population.",
		Text:   "Lyon has about 522,000 inhabitants.",
	})
	require.NoError(t, err)

	assert.Equal(t, "Lyon", info["city"])
	assert.Equal(t, 522000.0, info["population"])
	assert.Equal(t, 12, usage.TotalTokens)
	assert.Contains(t, p.recordedCalls[0][1].Content, "Lyon has about 522,000 inhabitants.")
}

func TestLLMExtractor_Failures(t *testing.T) {
	e, err := NewLLMExtractor(LLMExtractorOptions{Provider: &mockProvider{}, MaxRetries: -1})
	require.NoError(t, err)

	_, _, err = e.Extract(context.Background(), ExtractRequest{Text: "x"})
	assert.ErrorIs(t, err, evalerr.ErrJudge)

	_, _, err = e.Extract(context.Background(), ExtractRequest{Prompt: "p", Text: "x"})
	assert.ErrorIs(t, err, evalerr.ErrJudge)
}

type fetcherFunc func(ctx context.Context, taskID, url string) (*Page, error)

func (f fetcherFunc) Fetch(ctx context.Context, taskID, url string) (*Page, error) {
	return f(ctx, taskID, url)
}
