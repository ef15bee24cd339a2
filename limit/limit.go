// Package limit bounds how much work an evaluation run does at once.
//
// Four limits nest from coarse to fine: tasks in flight, answers in flight
// per task, page retrievals and judge requests. The last two are shared by
// every evaluator in a run and are acquired together through a Budget so no
// caller can hold one while waiting on the other in a different order.
package limit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limits holds the four concurrency bounds.
type Limits struct {
	Tasks          int `yaml:"tasks" json:"tasks" validate:"min=1"`
	AnswersPerTask int `yaml:"answers_per_task" json:"answers_per_task" validate:"min=1"`
	Pages          int `yaml:"pages" json:"pages" validate:"min=1"`
	Judges         int `yaml:"judges" json:"judges" validate:"min=1"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		Tasks:          2,
		AnswersPerTask: 3,
		Pages:          8,
		Judges:         16,
	}
}

// Validate checks that every limit is positive.
func (l Limits) Validate() error {
	for name, v := range map[string]int{
		"tasks":            l.Tasks,
		"answers_per_task": l.AnswersPerTask,
		"pages":            l.Pages,
		"judges":           l.Judges,
	} {
		if v < 1 {
			return fmt.Errorf("limit %s must be at least 1, got %d", name, v)
		}
	}
	return nil
}

// Resource selects which shared counters to acquire.
type Resource uint8

const (
	Pages Resource = 1 << iota
	Judges

	// PageAndJudge is what a source-backed verification needs.
	PageAndJudge = Pages | Judges
)

// Stats reports current and peak usage of a Budget.
type Stats struct {
	PagesInUse  int `json:"pages_in_use"`
	JudgesInUse int `json:"judges_in_use"`
	PeakPages   int `json:"peak_pages"`
	PeakJudges  int `json:"peak_judges"`
}

// Budget holds the shared page and judge counters.
type Budget struct {
	pages  *semaphore.Weighted
	judges *semaphore.Weighted

	mu    sync.Mutex
	stats Stats
}

// NewBudget creates a budget sized by l.Pages and l.Judges.
func NewBudget(l Limits) *Budget {
	return &Budget{
		pages:  semaphore.NewWeighted(int64(max(l.Pages, 1))),
		judges: semaphore.NewWeighted(int64(max(l.Judges, 1))),
	}
}

// Acquire blocks until every requested resource is held or ctx is done.
// Pages are always taken before judges. On failure anything already taken
// is returned. The release func is safe to call more than once.
func (b *Budget) Acquire(ctx context.Context, res Resource) (func(), error) {
	var held []*semaphore.Weighted

	if res&Pages != 0 {
		if err := b.pages.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		held = append(held, b.pages)
	}
	if res&Judges != 0 {
		if err := b.judges.Acquire(ctx, 1); err != nil {
			for _, s := range held {
				s.Release(1)
			}
			return nil, err
		}
		held = append(held, b.judges)
	}

	b.track(res, 1)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.track(res, -1)
			for _, s := range held {
				s.Release(1)
			}
		})
	}, nil
}

func (b *Budget) track(res Resource, delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if res&Pages != 0 {
		b.stats.PagesInUse += delta
		b.stats.PeakPages = max(b.stats.PeakPages, b.stats.PagesInUse)
	}
	if res&Judges != 0 {
		b.stats.JudgesInUse += delta
		b.stats.PeakJudges = max(b.stats.PeakJudges, b.stats.JudgesInUse)
	}
}

// Stats returns a copy of the usage counters.
func (b *Budget) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
