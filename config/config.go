// Package config loads rubriceval.yaml. Every field has a default, so an
// empty or missing file is a valid configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/zero-day-ai/rubriceval/limit"
	"github.com/zero-day-ai/rubriceval/tree"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "rubriceval.yaml"

// Config is the full configuration.
type Config struct {
	Limits    limit.Limits    `yaml:"limits"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	LLM       LLMConfig       `yaml:"llm"`
	Paths     PathsConfig     `yaml:"paths"`
	Sinks     SinksConfig     `yaml:"sinks"`
	Log       LogConfig       `yaml:"log"`
}

// EvaluatorConfig holds per-answer evaluation settings.
type EvaluatorConfig struct {
	// Trials per claim. Default: 3
	Trials int `yaml:"trials,omitempty" validate:"min=1,max=15"`

	// ConcurrentTrials runs the trials of a claim in parallel. Default: true
	ConcurrentTrials *bool `yaml:"concurrent_trials,omitempty"`

	// TiePasses decides an evenly split vote. Default: false
	TiePasses bool `yaml:"tie_passes,omitempty"`

	// SequentialHalt is "any" or "critical". Default: any
	SequentialHalt string `yaml:"sequential_halt,omitempty" validate:"omitempty,oneof=any critical"`
}

// GetConcurrentTrials returns the configured value or the default.
func (e *EvaluatorConfig) GetConcurrentTrials() bool {
	if e == nil || e.ConcurrentTrials == nil {
		return true
	}
	return *e.ConcurrentTrials
}

// Policy returns the tree policy described by the config.
func (e *EvaluatorConfig) Policy() tree.Policy {
	rule, _ := tree.ParseHaltRule(e.SequentialHalt)
	return tree.Policy{SequentialHalt: rule}
}

// LLMConfig selects the judging model.
type LLMConfig struct {
	// Backend is openai, anthropic or ollama. Default: openai
	Backend string `yaml:"backend,omitempty" validate:"omitempty,oneof=openai anthropic ollama"`

	Model   string `yaml:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty" validate:"omitempty,url"`

	// APIKeyEnv names the environment variable holding the key.
	// Default: OPENAI_API_KEY or ANTHROPIC_API_KEY by backend
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// MaxRetries per judge call. Default: 3
	MaxRetries *int `yaml:"max_retries,omitempty" validate:"omitempty,min=0,max=10"`

	Temperature float64 `yaml:"temperature,omitempty" validate:"min=0,max=2"`

	// MaxPageChars truncates cached page text. Default: 60000
	MaxPageChars int `yaml:"max_page_chars,omitempty" validate:"min=0"`
}

// APIKey reads the key from the configured environment variable.
func (l *LLMConfig) APIKey() string {
	if l.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(l.APIKeyEnv)
}

// GetMaxRetries returns the configured value or the default.
func (l *LLMConfig) GetMaxRetries() int {
	if l == nil || l.MaxRetries == nil {
		return 3
	}
	return *l.MaxRetries
}

// PathsConfig locates inputs and outputs.
type PathsConfig struct {
	Answers string `yaml:"answers,omitempty"`
	Rubrics string `yaml:"rubrics,omitempty"`
	Cache   string `yaml:"cache,omitempty"`
	Output  string `yaml:"output,omitempty"`
}

// SinksConfig selects where records go in addition to the report.
type SinksConfig struct {
	// JSONL appends records to <output>/<agent>/results.jsonl. Default: true
	JSONL *bool `yaml:"jsonl,omitempty"`

	Redis  *RedisSinkConfig  `yaml:"redis,omitempty"`
	SQLite *SQLiteSinkConfig `yaml:"sqlite,omitempty"`
}

// GetJSONL returns the configured value or the default.
func (s *SinksConfig) GetJSONL() bool {
	if s == nil || s.JSONL == nil {
		return true
	}
	return *s.JSONL
}

// RedisSinkConfig enables the Redis sink.
type RedisSinkConfig struct {
	URL    string `yaml:"url" validate:"required"`
	Prefix string `yaml:"prefix,omitempty"`
}

// SQLiteSinkConfig enables the SQLite sink.
type SQLiteSinkConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format,omitempty" validate:"omitempty,oneof=text json"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads path. An empty path tries DefaultFile and falls back to
// defaults when it does not exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return c, nil
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	d := limit.DefaultLimits()
	if c.Limits.Tasks == 0 {
		c.Limits.Tasks = d.Tasks
	}
	if c.Limits.AnswersPerTask == 0 {
		c.Limits.AnswersPerTask = d.AnswersPerTask
	}
	if c.Limits.Pages == 0 {
		c.Limits.Pages = d.Pages
	}
	if c.Limits.Judges == 0 {
		c.Limits.Judges = d.Judges
	}

	if c.Evaluator.Trials == 0 {
		c.Evaluator.Trials = 3
	}
	if c.Evaluator.SequentialHalt == "" {
		c.Evaluator.SequentialHalt = tree.HaltOnAnyFailure.String()
	}

	if c.LLM.Backend == "" {
		c.LLM.Backend = "openai"
	}
	if c.LLM.APIKeyEnv == "" {
		switch c.LLM.Backend {
		case "openai":
			c.LLM.APIKeyEnv = "OPENAI_API_KEY"
		case "anthropic":
			c.LLM.APIKeyEnv = "ANTHROPIC_API_KEY"
		}
	}
	if c.LLM.MaxPageChars == 0 {
		c.LLM.MaxPageChars = 60000
	}

	if c.Paths.Answers == "" {
		c.Paths.Answers = "answers"
	}
	if c.Paths.Rubrics == "" {
		c.Paths.Rubrics = "rubrics"
	}
	if c.Paths.Cache == "" {
		c.Paths.Cache = "cache"
	}
	if c.Paths.Output == "" {
		c.Paths.Output = "eval_results"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Logger builds the process logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
