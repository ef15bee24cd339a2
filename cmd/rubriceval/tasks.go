package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/rubriceval/rubric"
	"github.com/zero-day-ai/rubriceval/runner"
)

var tasksFlags struct {
	agent   string
	rubrics string
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks with a rubric",
	Long: `Load and validate every rubric in the rubrics directory and list the
task ids. With --agent, also show how many answers the agent has per task.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tasksFlags.rubrics != "" {
			cfg.Paths.Rubrics = tasksFlags.rubrics
		}
		return listTasks(cmd.OutOrStdout(), cfg.Paths.Rubrics, cfg.Paths.Answers, tasksFlags.agent)
	},
}

func init() {
	tasksCmd.Flags().StringVar(&tasksFlags.agent, "agent", "", "show answer counts for this agent")
	tasksCmd.Flags().StringVar(&tasksFlags.rubrics, "rubrics", "", "rubrics directory (overrides config)")
}

func listTasks(w io.Writer, rubricsDir, answersDir, agent string) error {
	reg := rubric.NewRegistry()
	if _, err := rubric.LoadDir(rubricsDir, reg); err != nil {
		return err
	}

	answers := map[string]int{}
	if agent != "" {
		tasks, err := runner.LoadTasks(answersDir, agent, "")
		if err != nil {
			return err
		}
		for _, t := range tasks {
			answers[t.ID] = len(t.Answers)
		}
	}

	for _, id := range reg.Tasks() {
		if agent == "" {
			fmt.Fprintln(w, id)
			continue
		}
		fmt.Fprintf(w, "%-30s answers=%d\n", id, answers[id])
	}
	return nil
}
