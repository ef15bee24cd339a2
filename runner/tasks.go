package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadTasks reads answers laid out as <dir>/<agent>/<task>/<answer>.md.
// With a non-empty taskFilter only that task is loaded. Tasks and answers
// are sorted by id; tasks without answers are dropped.
func LoadTasks(dir, agent, taskFilter string) ([]Task, error) {
	root := filepath.Join(dir, agent)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read answers for agent %s: %w", agent, err)
	}

	var tasks []Task
	for _, e := range entries {
		if !e.IsDir() || (taskFilter != "" && e.Name() != taskFilter) {
			continue
		}
		answers, err := loadAnswers(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, err
		}
		if len(answers) == 0 {
			continue
		}
		tasks = append(tasks, Task{ID: e.Name(), Answers: answers})
	}

	if taskFilter != "" && len(tasks) == 0 {
		return nil, fmt.Errorf("no answers found for task %s under %s", taskFilter, root)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func loadAnswers(dir string) ([]Answer, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read task dir %s: %w", dir, err)
	}

	var answers []Answer
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read answer %s: %w", e.Name(), err)
		}
		answers = append(answers, Answer{
			ID:   strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())),
			Text: string(data),
		})
	}
	sort.Slice(answers, func(i, j int) bool { return answers[i].ID < answers[j].ID })
	return answers, nil
}
