package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/rubriceval/runner"
	"github.com/zero-day-ai/rubriceval/sink"
)

var summaryFlags struct {
	agent  string
	from   string
	runID  string
	output string
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Recompute the agent summary from stored results",
	Long: `Recompute summary.json for an agent from previously stored records.

Records are read from <output>/<agent>/results.jsonl by default, or from the
configured SQLite sink with --from sqlite.`,
	RunE: runSummary,
}

func init() {
	f := summaryCmd.Flags()
	f.StringVar(&summaryFlags.agent, "agent", "", "agent to summarize (required)")
	f.StringVar(&summaryFlags.from, "from", "jsonl", "record source: jsonl or sqlite")
	f.StringVar(&summaryFlags.runID, "run-id", "", "run to summarize (sqlite only; default: latest)")
	f.StringVar(&summaryFlags.output, "output", "", "output directory (overrides config)")
	_ = summaryCmd.MarkFlagRequired("agent")
}

func runSummary(cmd *cobra.Command, args []string) error {
	if summaryFlags.output != "" {
		cfg.Paths.Output = summaryFlags.output
	}
	agent := summaryFlags.agent
	agentDir := filepath.Join(cfg.Paths.Output, agent)

	var (
		recs []runner.Record
		err  error
	)
	switch summaryFlags.from {
	case "jsonl":
		recs, err = sink.ReadJSONL(filepath.Join(agentDir, "results.jsonl"))
	case "sqlite":
		if cfg.Sinks.SQLite == nil {
			return fmt.Errorf("no sqlite sink configured")
		}
		var db *sink.SQLite
		db, err = sink.NewSQLite(cfg.Sinks.SQLite.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		recs, err = db.LoadRecords(cmd.Context(), agent, summaryFlags.runID)
	default:
		return fmt.Errorf("unknown record source %q (want jsonl or sqlite)", summaryFlags.from)
	}
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("no records found for agent %s", agent)
	}

	s := runner.Summarize(agent, recs)
	if err := writeSummary(agentDir, s); err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), s)
	fmt.Fprintf(cmd.OutOrStdout(), "Summary saved to: %s\n", filepath.Join(agentDir, "summary.json"))
	return nil
}

func writeSummary(agentDir string, s runner.AgentSummary) error {
	if err := os.MkdirAll(agentDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", agentDir, err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(agentDir, "summary.json"), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

func printSummary(w io.Writer, s runner.AgentSummary) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintf(w, "\n%s\n", rule)
	fmt.Fprintf(w, "Agent:              %s\n", s.Agent)
	fmt.Fprintf(w, "Tasks:              %d\n", s.NumTasks)
	fmt.Fprintf(w, "Runs:               %d\n", s.NumRuns)
	fmt.Fprintf(w, "Completed/Failed:   %d/%d\n", s.Completed, s.Failed)
	fmt.Fprintln(w, strings.Repeat("-", 60))
	fmt.Fprintf(w, "Partial Completion: %.4f ± %.4f\n", s.AvgScore, s.AvgScoreStd)
	fmt.Fprintf(w, "Success Rate:       %.4f ± %.4f\n", s.SuccessRate, s.SuccessRateStd)
	fmt.Fprintf(w, "Pass@%-14d %.4f\n", s.NumRuns, s.PassAtK)
	fmt.Fprintf(w, "Avg Word Count:     %.1f ± %.1f\n", s.AvgWordCount, s.AvgWordCountStd)
	fmt.Fprintln(w, strings.Repeat("-", 60))

	fmt.Fprintln(w, "Per-run breakdown:")
	runs := make([]string, 0, len(s.PerRun))
	for id := range s.PerRun {
		runs = append(runs, id)
	}
	sort.Strings(runs)
	for _, id := range runs {
		r := s.PerRun[id]
		fmt.Fprintf(w, "  %s: score=%.4f  success=%.4f  words=%.1f  (n=%d)\n",
			id, r.AvgScore, r.SuccessRate, r.AvgWordCount, r.NumTasks)
	}
	fmt.Fprintln(w, rule)
}
