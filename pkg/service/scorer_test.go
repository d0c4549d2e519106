package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stanchev/swarmflow/pkg/models"
	"github.com/stanchev/swarmflow/pkg/service"
)

func TestTaskScorer(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	scorer := service.NewTaskScorer(service.DefaultScorerConfig())

	task := func(p models.TaskPriority, age time.Duration) models.Task {
		return models.Task{
			ID:        "t",
			Priority:  p,
			CreatedAt: now.Add(-age),
		}
	}

	t.Run("PriorityOrdering", func(t *testing.T) {
		critical := scorer.Score(task(models.CriticalPriority, 0), false, now)
		high := scorer.Score(task(models.HighPriority, 0), false, now)
		medium := scorer.Score(task(models.MediumPriority, 0), false, now)
		low := scorer.Score(task(models.LowPriority, 0), false, now)
		assert.Greater(t, critical, high)
		assert.Greater(t, high, medium)
		assert.Greater(t, medium, low)
	})

	t.Run("ScoreGrowsWithAge", func(t *testing.T) {
		young := scorer.Score(task(models.MediumPriority, time.Minute), false, now)
		older := scorer.Score(task(models.MediumPriority, 30*time.Minute), false, now)
		assert.Greater(t, older, young)
	})

	t.Run("AgeSaturatesAtCeiling", func(t *testing.T) {
		atCeiling := scorer.Score(task(models.MediumPriority, time.Hour), false, now)
		far := scorer.Score(task(models.MediumPriority, 90*time.Minute), false, now)
		assert.Equal(t, atCeiling, far)
	})

	t.Run("UnblockingOtherTasksScoresHigher", func(t *testing.T) {
		leaf := scorer.Score(task(models.MediumPriority, 0), false, now)
		blocker := scorer.Score(task(models.MediumPriority, 0), true, now)
		assert.InDelta(t, 0.15, blocker-leaf, 1e-9)
	})

	t.Run("UrgencyBoostInsideWindow", func(t *testing.T) {
		outside := task(models.MediumPriority, 0)
		d1 := now.Add(16 * time.Minute)
		outside.DeadlineAt = &d1

		inside := task(models.MediumPriority, 0)
		d2 := now.Add(14 * time.Minute)
		inside.DeadlineAt = &d2

		so := scorer.Score(outside, false, now)
		si := scorer.Score(inside, false, now)
		// The deadline term alone rises smoothly; the boost adds a jump.
		assert.Greater(t, si, so*1.2)
	})

	t.Run("OverdueDeadlineMaxesDeadlineTerm", func(t *testing.T) {
		overdue := task(models.MediumPriority, 0)
		d := now.Add(-time.Minute)
		overdue.DeadlineAt = &d
		none := task(models.MediumPriority, 0)
		// weight 0.20 on a full deadline term, then the urgency boost
		assert.InDelta(t, 1.25*(scorer.Score(none, false, now)+0.20), scorer.Score(overdue, false, now), 1e-9)
	})

	t.Run("RetryPenalty", func(t *testing.T) {
		fresh := task(models.MediumPriority, 0)
		fresh.MaxRetries = 3
		worn := fresh
		worn.RetryCount = 2
		assert.Greater(t, scorer.Score(fresh, false, now), scorer.Score(worn, false, now))
	})

	t.Run("StarvationFloor", func(t *testing.T) {
		starved := task(models.LowPriority, 3*time.Hour)
		// LOW, no deadline, no blockers: the base score sits well under the
		// floor even with the age term saturated.
		assert.Equal(t, 0.6, scorer.Score(starved, false, now))
	})

	t.Run("FloorDoesNotLowerHighScores", func(t *testing.T) {
		hot := task(models.CriticalPriority, 3*time.Hour)
		hot.MaxRetries = 0
		s := scorer.Score(hot, true, now)
		assert.Greater(t, s, 0.6)
	})
}
