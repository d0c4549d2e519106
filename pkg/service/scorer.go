package service

import (
	"time"

	"github.com/stanchev/swarmflow/pkg/models"
)

// ScorerConfig holds the tunable weights and thresholds for task scoring.
// The weights must sum to 1.
type ScorerConfig struct {
	PriorityWeight  float64       `yaml:"priority_weight"`
	AgeWeight       float64       `yaml:"age_weight"`
	DeadlineWeight  float64       `yaml:"deadline_weight"`
	BlockerWeight   float64       `yaml:"blocker_weight"`
	RetryWeight     float64       `yaml:"retry_weight"`
	AgeCeiling      time.Duration `yaml:"age_ceiling"`    // age term saturates here
	UrgencyWindow   time.Duration `yaml:"urgency_window"` // deadline proximity triggering the SLA boost
	UrgencyBoost    float64       `yaml:"urgency_boost"`  // multiplier inside the urgency window
	StarvationAge   time.Duration `yaml:"starvation_age"` // waiting this long floors the score
	StarvationFloor float64       `yaml:"starvation_floor"`
}

func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		PriorityWeight:  0.35,
		AgeWeight:       0.20,
		DeadlineWeight:  0.20,
		BlockerWeight:   0.15,
		RetryWeight:     0.10,
		AgeCeiling:      time.Hour,
		UrgencyWindow:   15 * time.Minute,
		UrgencyBoost:    1.25,
		StarvationAge:   2 * time.Hour,
		StarvationFloor: 0.6,
	}
}

// TaskScorer computes the dynamic priority score of a task. Pure computation,
// no side effects.
type TaskScorer struct {
	cfg ScorerConfig
}

func NewTaskScorer(cfg ScorerConfig) *TaskScorer {
	return &TaskScorer{cfg: cfg}
}

// Score evaluates a task at the given instant. unblocks reports whether at
// least one other task's dependency set contains this task (critical-path
// reward); the caller derives it from the dependency table.
func (sc *TaskScorer) Score(task models.Task, unblocks bool, now time.Time) float64 {
	cfg := sc.cfg

	score := cfg.PriorityWeight*priorityTerm(task.Priority) +
		cfg.AgeWeight*sc.ageTerm(task, now) +
		cfg.DeadlineWeight*sc.deadlineTerm(task, now) +
		cfg.BlockerWeight*blockerTerm(unblocks) +
		cfg.RetryWeight*retryTerm(task)

	if task.DeadlineAt != nil && task.DeadlineAt.Sub(now) <= cfg.UrgencyWindow {
		score *= cfg.UrgencyBoost
	}

	if now.Sub(task.CreatedAt) >= cfg.StarvationAge && score < cfg.StarvationFloor {
		score = cfg.StarvationFloor
	}
	return score
}

func priorityTerm(p models.TaskPriority) float64 {
	switch p {
	case models.CriticalPriority:
		return 1.0
	case models.HighPriority:
		return 0.75
	case models.MediumPriority:
		return 0.5
	case models.LowPriority:
		return 0.25
	}
	return 0.5
}

// ageTerm grows linearly with task age and saturates at the ceiling rather
// than growing unbounded.
func (sc *TaskScorer) ageTerm(task models.Task, now time.Time) float64 {
	elapsed := now.Sub(task.CreatedAt)
	if elapsed <= 0 {
		return 0
	}
	if elapsed >= sc.cfg.AgeCeiling {
		return 1
	}
	return float64(elapsed) / float64(sc.cfg.AgeCeiling)
}

// deadlineTerm is 0 without a deadline and rises monotonically to 1 as now
// approaches deadline_at, measured against the age ceiling.
func (sc *TaskScorer) deadlineTerm(task models.Task, now time.Time) float64 {
	if task.DeadlineAt == nil {
		return 0
	}
	remaining := task.DeadlineAt.Sub(now)
	if remaining <= 0 {
		return 1
	}
	if remaining >= sc.cfg.AgeCeiling {
		return 0
	}
	return 1 - float64(remaining)/float64(sc.cfg.AgeCeiling)
}

func blockerTerm(unblocks bool) float64 {
	if unblocks {
		return 1
	}
	return 0
}

// retryTerm penalizes tasks that have consumed retry budget, never going
// negative.
func retryTerm(task models.Task) float64 {
	if task.MaxRetries <= 0 {
		return 1
	}
	r := 1 - float64(task.RetryCount)/float64(task.MaxRetries)
	if r < 0 {
		return 0
	}
	return r
}
