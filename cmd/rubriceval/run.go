package main

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/rubriceval/cache"
	"github.com/zero-day-ai/rubriceval/config"
	"github.com/zero-day-ai/rubriceval/judge"
	"github.com/zero-day-ai/rubriceval/llm/langchain"
	"github.com/zero-day-ai/rubriceval/rubric"
	"github.com/zero-day-ai/rubriceval/runner"
	"github.com/zero-day-ai/rubriceval/sink"
)

var runFlags struct {
	agent   string
	task    string
	answers string
	rubrics string
	output  string
	model   string
	trials  int
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate every answer of an agent",
	Long: `Evaluate the answers under <answers>/<agent>/<task>/<answer>.md.

One result record is produced per answer, including answers whose
evaluation failed. Records go to every configured sink, and the merged
report and agent summary are written under <output>/<agent>/.`,
	RunE: runEvaluation,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.agent, "agent", "", "agent whose answers are evaluated (required)")
	f.StringVar(&runFlags.task, "task", "", "evaluate only this task")
	f.StringVar(&runFlags.answers, "answers", "", "answers directory (overrides config)")
	f.StringVar(&runFlags.rubrics, "rubrics", "", "rubrics directory (overrides config)")
	f.StringVar(&runFlags.output, "output", "", "output directory (overrides config)")
	f.StringVar(&runFlags.model, "model", "", "judging model (overrides config)")
	f.IntVar(&runFlags.trials, "trials", 0, "judging trials per claim (overrides config)")
	_ = runCmd.MarkFlagRequired("agent")
}

func runEvaluation(cmd *cobra.Command, args []string) error {
	applyRunFlags(cfg)
	ctx := cmd.Context()
	agent := runFlags.agent

	reg := rubric.NewRegistry()
	loaded, err := rubric.LoadDir(cfg.Paths.Rubrics, reg)
	if err != nil {
		return err
	}
	logger.Info("rubrics loaded", "count", len(loaded), "dir", cfg.Paths.Rubrics)

	tasks, err := runner.LoadTasks(cfg.Paths.Answers, agent, runFlags.task)
	if err != nil {
		return err
	}

	provider, err := langchain.New(langchain.Config{
		Backend: cfg.LLM.Backend,
		Model:   cfg.LLM.Model,
		APIKey:  cfg.LLM.APIKey(),
		BaseURL: cfg.LLM.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create LLM provider: %w", err)
	}

	retries := cfg.LLM.GetMaxRetries()
	if retries == 0 {
		retries = -1
	}
	j, err := judge.NewLLMJudge(judge.LLMJudgeOptions{
		Provider:     provider,
		Fetcher:      cache.Open(cfg.Paths.Cache, logger),
		Model:        cfg.LLM.Model,
		MaxRetries:   retries,
		Temperature:  cfg.LLM.Temperature,
		MaxPageChars: cfg.LLM.MaxPageChars,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	x, err := judge.NewLLMExtractor(judge.LLMExtractorOptions{
		Provider:    provider,
		Model:       cfg.LLM.Model,
		MaxRetries:  retries,
		Temperature: cfg.LLM.Temperature,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	agentDir := filepath.Join(cfg.Paths.Output, agent)
	sinks, err := openSinks(cfg, agentDir)
	if err != nil {
		return err
	}
	defer closeSinks(sinks)

	r, err := runner.New(runner.Options{
		Registry:         reg,
		Judge:            j,
		Extractor:        x,
		Limits:           cfg.Limits,
		Policy:           cfg.Evaluator.Policy(),
		Trials:           cfg.Evaluator.Trials,
		ConcurrentTrials: cfg.Evaluator.GetConcurrentTrials(),
		TiePasses:        cfg.Evaluator.TiePasses,
		Model:            cfg.LLM.Model,
		Sinks:            sinks,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	report, runErr := r.Run(ctx, agent, tasks)
	if report != nil {
		if err := runner.WriteReport(filepath.Join(agentDir, "report_"+report.RunID+".json"), report); err != nil {
			return err
		}
		if err := writeSummary(agentDir, report.Summary); err != nil {
			return err
		}
		printSummary(cmd.OutOrStdout(), report.Summary)
		printTasks(cmd.OutOrStdout(), report.Tasks)
	}
	return runErr
}

func applyRunFlags(c *config.Config) {
	if runFlags.answers != "" {
		c.Paths.Answers = runFlags.answers
	}
	if runFlags.rubrics != "" {
		c.Paths.Rubrics = runFlags.rubrics
	}
	if runFlags.output != "" {
		c.Paths.Output = runFlags.output
	}
	if runFlags.model != "" {
		c.LLM.Model = runFlags.model
	}
	if runFlags.trials > 0 {
		c.Evaluator.Trials = runFlags.trials
	}
}

// openSinks opens every configured sink. On error the ones already opened
// are closed.
func openSinks(c *config.Config, agentDir string) ([]runner.Sink, error) {
	var sinks []runner.Sink
	fail := func(err error) ([]runner.Sink, error) {
		closeSinks(sinks)
		return nil, err
	}

	if c.Sinks.GetJSONL() {
		s, err := sink.NewJSONL(filepath.Join(agentDir, "results.jsonl"))
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if rc := c.Sinks.Redis; rc != nil {
		s, err := sink.NewRedis(sink.RedisOptions{URL: rc.URL, Prefix: rc.Prefix})
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if sc := c.Sinks.SQLite; sc != nil {
		s, err := sink.NewSQLite(sc.Path)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func closeSinks(sinks []runner.Sink) {
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			logger.Warn("failed to close sink", "error", err)
		}
	}
}

func printTasks(w io.Writer, tasks []runner.TaskAggregate) {
	fmt.Fprintln(w, "Per-task:")
	for _, t := range tasks {
		fmt.Fprintf(w, "  %-30s mean=%.4f  completed=%d  failed=%d\n", t.TaskID, t.MeanScore, t.Completed, t.Failed)
	}
}
