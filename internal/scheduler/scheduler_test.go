package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntervalTriggerNext(t *testing.T) {
	trig := IntervalMinutes(5)
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(5*time.Minute), trig.Next(now))
}

func TestCronDailyTriggerNext(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)
	trig := CronDaily(2, 30, loc)

	after := time.Date(2025, 3, 10, 3, 0, 0, 0, loc)
	next := trig.Next(after)
	assert.Equal(t, 2, next.In(loc).Hour())
	assert.Equal(t, 30, next.In(loc).Minute())
	assert.Equal(t, 11, next.In(loc).Day())
}

func TestCronWeeklyTriggerNext(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Madrid")
	require.NoError(t, err)
	trig := CronWeekly(time.Sunday, 2, 0, loc)

	// A Monday: the next Sunday 02:00 is six days out.
	after := time.Date(2025, 3, 10, 12, 0, 0, 0, loc)
	next := trig.Next(after)
	assert.Equal(t, time.Sunday, next.In(loc).Weekday())
	assert.Equal(t, 2, next.In(loc).Hour())
}

func TestTriggerNowRunsJobAndRecordsStats(t *testing.T) {
	s := New()
	var runs atomic.Int32
	s.Register("demo", "demo job", IntervalMinutes(60), func(context.Context) error {
		runs.Add(1)
		return nil
	})

	require.NoError(t, s.TriggerNow(context.Background(), "demo"))
	s.wg.Wait()

	view, ok := s.Job("demo")
	require.True(t, ok)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 1, view.Stats.RunCount)
	assert.Equal(t, 1, view.Stats.SuccessCount)
	assert.Equal(t, 0, view.Stats.ErrorCount)
}

func TestTriggerNowUnknownJob(t *testing.T) {
	s := New()
	err := s.TriggerNow(context.Background(), "missing")
	assert.Error(t, err)
}

func TestOverlapIsSkippedAndCounted(t *testing.T) {
	s := New()
	release := make(chan struct{})
	s.Register("slow", "slow job", IntervalMinutes(60), func(context.Context) error {
		<-release
		return nil
	})

	require.NoError(t, s.TriggerNow(context.Background(), "slow"))
	err := s.TriggerNow(context.Background(), "slow")
	assert.Error(t, err)

	close(release)
	s.wg.Wait()

	view, _ := s.Job("slow")
	assert.Equal(t, 1, view.Stats.RunCount)
	assert.Equal(t, 1, view.Stats.SkippedOverlap)
}

func TestJobErrorIsRecorded(t *testing.T) {
	s := New()
	s.Register("failing", "failing job", IntervalMinutes(60), func(context.Context) error {
		return errors.New("boom")
	})

	require.NoError(t, s.TriggerNow(context.Background(), "failing"))
	s.wg.Wait()

	view, _ := s.Job("failing")
	assert.Equal(t, 1, view.Stats.ErrorCount)
	assert.Equal(t, "boom", view.Stats.LastError)
}

func TestJobPanicIsContained(t *testing.T) {
	s := New()
	s.Register("panicky", "panicky job", IntervalMinutes(60), func(context.Context) error {
		panic("kaboom")
	})

	require.NoError(t, s.TriggerNow(context.Background(), "panicky"))
	s.wg.Wait()

	view, _ := s.Job("panicky")
	assert.Equal(t, 1, view.Stats.ErrorCount)
	assert.Contains(t, view.Stats.LastError, "kaboom")
}

func TestHungJobFailsAtDeadlineAndFreesSlot(t *testing.T) {
	s := New()
	release := make(chan struct{})
	defer close(release)

	// Ignores its context entirely; the 50ms spacing caps the budget.
	s.Register("hung", "hung job", intervalTrigger{every: 50 * time.Millisecond}, func(context.Context) error {
		<-release
		return nil
	})

	require.NoError(t, s.TriggerNow(context.Background(), "hung"))
	s.wg.Wait()

	view, _ := s.Job("hung")
	assert.False(t, view.Running)
	assert.Equal(t, 1, view.Stats.ErrorCount)
	assert.Contains(t, view.Stats.LastError, "deadline")

	// The slot is free again, so the next firing is not skipped.
	require.NoError(t, s.TriggerNow(context.Background(), "hung"))
	s.wg.Wait()
	view, _ = s.Job("hung")
	assert.Equal(t, 2, view.Stats.RunCount)
	assert.Equal(t, 0, view.Stats.SkippedOverlap)
}

func TestRunBudgetKeepsSafetyMargin(t *testing.T) {
	s := New()
	s.Register("hourly", "hourly job", IntervalMinutes(60), func(context.Context) error { return nil })

	s.mu.Lock()
	budget := s.runBudget(s.jobs["hourly"])
	s.mu.Unlock()
	assert.Equal(t, 60*time.Minute-s.margin, budget)
}

func TestDispatchLoopFiresDueJobs(t *testing.T) {
	s := New()
	s.tick = 5 * time.Millisecond

	var runs atomic.Int32
	var fake atomic.Pointer[time.Time]
	start := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	fake.Store(&start)
	s.now = func() time.Time { return *fake.Load() }
	s.Register("tick", "tick job", IntervalMinutes(5), func(context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Advance the fake clock past the first firing.
	time.Sleep(20 * time.Millisecond)
	later := start.Add(6 * time.Minute)
	fake.Store(&later)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	view, _ := s.Job("tick")
	assert.Equal(t, 1, view.Stats.RunCount)
}

func TestJobsReturnsRegistrationOrder(t *testing.T) {
	s := New()
	noop := func(context.Context) error { return nil }
	s.Register("b", "b", IntervalMinutes(1), noop)
	s.Register("a", "a", IntervalMinutes(1), noop)

	views := s.Jobs()
	require.Len(t, views, 2)
	assert.Equal(t, "b", views[0].ID)
	assert.Equal(t, "a", views[1].ID)
}
