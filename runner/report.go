package runner

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Report is the merged view of a run.
type Report struct {
	RunID      string          `json:"run_id"`
	Agent      string          `json:"agent"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Rows       []Record        `json:"rows"`
	Tasks      []TaskAggregate `json:"tasks"`
	Summary    AgentSummary    `json:"summary"`
}

// TaskAggregate summarizes all answers for one task. Failed units count as
// score 0 in the mean.
type TaskAggregate struct {
	TaskID    string  `json:"task_id"`
	Count     int     `json:"count"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	MeanScore float64 `json:"mean_score"`
}

// AgentSummary is the agent-level view across tasks and runs. A run is one
// answer id, e.g. every task's "answer_1". Spread values are population
// standard deviations across runs.
type AgentSummary struct {
	Agent     string `json:"agent"`
	NumTasks  int    `json:"num_tasks"`
	NumRuns   int    `json:"num_runs"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`

	AvgScore    float64 `json:"avg_score"`
	AvgScoreStd float64 `json:"avg_score_std"`

	SuccessRate    float64 `json:"success_rate"`
	SuccessRateStd float64 `json:"success_rate_std"`

	// PassAtK is the share of tasks with at least one perfect run, K being
	// NumRuns.
	PassAtK float64 `json:"pass_at_k"`

	AvgWordCount    float64 `json:"avg_answer_word_count"`
	AvgWordCountStd float64 `json:"avg_answer_word_count_std"`

	PerRun map[string]RunSummary `json:"per_run"`
}

// RunSummary is one run's share of an AgentSummary.
type RunSummary struct {
	NumTasks     int     `json:"num_tasks"`
	AvgScore     float64 `json:"avg_score"`
	SuccessRate  float64 `json:"success_rate"`
	AvgWordCount float64 `json:"avg_word_count"`
}

// BuildReport merges records into a report.
func BuildReport(runID, agent string, recs []Record) *Report {
	rows := append([]Record(nil), recs...)
	SortRecords(rows)

	return &Report{
		RunID:   runID,
		Agent:   agent,
		Rows:    rows,
		Tasks:   AggregateTasks(rows),
		Summary: Summarize(agent, rows),
	}
}

// AggregateTasks computes per-task aggregates, ordered by task id.
func AggregateTasks(recs []Record) []TaskAggregate {
	byTask := make(map[string]*TaskAggregate)
	sums := make(map[string]float64)
	for _, r := range recs {
		a, ok := byTask[r.TaskID]
		if !ok {
			a = &TaskAggregate{TaskID: r.TaskID}
			byTask[r.TaskID] = a
		}
		a.Count++
		if r.Status == StatusCompleted {
			a.Completed++
			sums[r.TaskID] += r.Score
		} else {
			a.Failed++
		}
	}

	out := make([]TaskAggregate, 0, len(byTask))
	for id, a := range byTask {
		a.MeanScore = sums[id] / float64(a.Count)
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Summarize computes the agent summary over recs.
func Summarize(agent string, recs []Record) AgentSummary {
	s := AgentSummary{Agent: agent, PerRun: make(map[string]RunSummary)}

	tasks := make(map[string]bool)
	passed := make(map[string]bool)
	runs := make(map[string][]Record)
	for _, r := range recs {
		if r.Status == StatusCompleted {
			s.Completed++
		} else {
			s.Failed++
		}
		tasks[r.TaskID] = true
		if r.Status == StatusCompleted && r.Score >= 1.0 {
			passed[r.TaskID] = true
		}
		runs[r.AnswerID] = append(runs[r.AnswerID], r)
	}

	s.NumTasks = len(tasks)
	s.NumRuns = len(runs)
	if s.NumTasks == 0 {
		return s
	}
	s.PassAtK = float64(len(passed)) / float64(s.NumTasks)

	var scores, successes, words []float64
	for id, rs := range runs {
		var score, success, wc float64
		for _, r := range rs {
			if r.Status == StatusCompleted {
				score += r.Score
				if r.Score >= 1.0 {
					success++
				}
			}
			wc += float64(r.WordCount)
		}
		n := float64(len(rs))
		run := RunSummary{
			NumTasks:     len(rs),
			AvgScore:     score / n,
			SuccessRate:  success / n,
			AvgWordCount: wc / n,
		}
		s.PerRun[id] = run
		scores = append(scores, run.AvgScore)
		successes = append(successes, run.SuccessRate)
		words = append(words, run.AvgWordCount)
	}

	s.AvgScore, s.AvgScoreStd = meanStd(scores)
	s.SuccessRate, s.SuccessRateStd = meanStd(successes)
	s.AvgWordCount, s.AvgWordCountStd = meanStd(words)
	return s
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

// WriteReport writes report as indented JSON to path. The file is written
// to a temp file first and renamed into place.
func WriteReport(path string, report *Report) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".report-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tmpPath, path, err)
	}
	tmp = nil
	return nil
}

// ReadReport loads a report written by WriteReport.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", path, err)
	}
	return &r, nil
}
