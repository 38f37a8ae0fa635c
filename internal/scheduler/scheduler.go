// Package scheduler runs the fixed job catalog: a single dispatch loop
// that fires jobs on interval or cron triggers, with per-job overlap
// prevention and run statistics.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/cacaoforge/chocowatt/internal/errkind"
	"github.com/cacaoforge/chocowatt/internal/metrics"
)

// Trigger computes the next firing after a reference instant.
type Trigger interface {
	Next(after time.Time) time.Time
	Describe() string
}

type intervalTrigger struct {
	every time.Duration
}

func (t intervalTrigger) Next(after time.Time) time.Time { return after.Add(t.every) }
func (t intervalTrigger) Describe() string               { return fmt.Sprintf("every %s", t.every) }

// IntervalMinutes fires every n minutes.
func IntervalMinutes(n int) Trigger {
	return intervalTrigger{every: time.Duration(n) * time.Minute}
}

type cronTrigger struct {
	schedule cron.Schedule
	loc      *time.Location
	spec     string
}

func (t cronTrigger) Next(after time.Time) time.Time {
	return t.schedule.Next(after.In(t.loc))
}

func (t cronTrigger) Describe() string { return "cron " + t.spec }

func mustCron(spec string, loc *time.Location) Trigger {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(spec)
	if err != nil {
		panic(fmt.Sprintf("bad cron spec %q: %v", spec, err))
	}
	if loc == nil {
		loc = time.Local
	}
	return cronTrigger{schedule: sched, loc: loc, spec: spec}
}

// CronDaily fires once a day at the given local time.
func CronDaily(hour, minute int, loc *time.Location) Trigger {
	return mustCron(fmt.Sprintf("%d %d * * *", minute, hour), loc)
}

// CronWeekly fires once a week at the given local weekday and time.
func CronWeekly(weekday time.Weekday, hour, minute int, loc *time.Location) Trigger {
	return mustCron(fmt.Sprintf("%d %d * * %d", minute, hour, int(weekday)), loc)
}

// JobFunc is one unit of scheduled work.
type JobFunc func(ctx context.Context) error

// Stats is the per-job counter set exposed over the API.
type Stats struct {
	RunCount       int       `json:"run_count"`
	SuccessCount   int       `json:"success_count"`
	ErrorCount     int       `json:"error_count"`
	SkippedOverlap int       `json:"skipped_overlap"`
	LastRun        time.Time `json:"last_run,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	NextRun        time.Time `json:"next_run,omitempty"`
}

// JobView is the read model for one registered job.
type JobView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Trigger string `json:"trigger"`
	Running bool   `json:"running"`
	Stats   Stats  `json:"stats"`
}

type job struct {
	id      string
	name    string
	trigger Trigger
	fn      JobFunc

	running bool
	nextRun time.Time
	stats   Stats
}

// Scheduler is the dispatch loop. Register everything before Run.
type Scheduler struct {
	mu    sync.Mutex
	jobs  map[string]*job
	order []string
	wg    sync.WaitGroup

	gracePeriod time.Duration
	tick        time.Duration
	margin      time.Duration
	now         func() time.Time
}

func New() *Scheduler {
	return &Scheduler{
		jobs:        map[string]*job{},
		gracePeriod: 30 * time.Second,
		tick:        time.Second,
		margin:      30 * time.Second,
		now:         time.Now,
	}
}

// Register adds a job to the catalog. Duplicate ids are a programming
// error.
func (s *Scheduler) Register(id, name string, trigger Trigger, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		panic(fmt.Sprintf("duplicate job id %q", id))
	}
	s.jobs[id] = &job{id: id, name: name, trigger: trigger, fn: fn}
	s.order = append(s.order, id)
}

// Run drives the loop until ctx is cancelled, then waits up to the
// grace period for in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	start := s.now()
	for _, j := range s.jobs {
		j.nextRun = j.trigger.Next(start)
		j.stats.NextRun = j.nextRun
	}
	count := len(s.jobs)
	s.mu.Unlock()

	log.Info().Int("jobs", count).Msg("scheduler started")

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		j := s.jobs[id]
		if j.nextRun.After(now) {
			continue
		}
		next := j.trigger.Next(now)
		j.nextRun = next
		j.stats.NextRun = next

		if j.running {
			j.stats.SkippedOverlap++
			metrics.SchedulerRuns.WithLabelValues(j.id, "skipped_overlap").Inc()
			log.Warn().Str("job", j.id).Msg("previous run still in flight, skipping")
			continue
		}
		s.launch(ctx, j)
	}
}

// runBudget is the wall-clock deadline for one run: the spacing to the
// next firing minus the safety margin, so a slow run fails and frees
// its slot before it can collide with the successor.
func (s *Scheduler) runBudget(j *job) time.Duration {
	now := s.now()
	spacing := j.trigger.Next(now).Sub(now)
	if b := spacing - s.margin; b > 0 {
		return b
	}
	return spacing
}

// launch starts the job goroutine; the caller holds the lock.
func (s *Scheduler) launch(ctx context.Context, j *job) {
	j.running = true
	j.stats.RunCount++
	j.stats.LastRun = s.now()
	budget := s.runBudget(j)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		began := time.Now()
		runCtx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- runSafe(runCtx, j.fn) }()

		var err error
		select {
		case err = <-done:
		case <-runCtx.Done():
			// A job that ignores its context keeps its goroutine, but
			// the slot is released so later firings are not skipped
			// forever.
			err = errkind.New(errkind.Internal, "run deadline %s exceeded", budget)
		}

		s.mu.Lock()
		j.running = false
		if err != nil {
			j.stats.ErrorCount++
			j.stats.LastError = err.Error()
			metrics.SchedulerRuns.WithLabelValues(j.id, "error").Inc()
			log.Error().Err(err).Str("job", j.id).Dur("took", time.Since(began)).Msg("job failed")
		} else {
			j.stats.SuccessCount++
			metrics.SchedulerRuns.WithLabelValues(j.id, "success").Inc()
			log.Info().Str("job", j.id).Dur("took", time.Since(began)).Msg("job finished")
		}
		s.mu.Unlock()
	}()
}

func runSafe(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errkind.New(errkind.Internal, "job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// TriggerNow runs a job on demand, subject to the same overlap rule.
func (s *Scheduler) TriggerNow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return errkind.New(errkind.NotFound, "unknown job %q", id)
	}
	if j.running {
		j.stats.SkippedOverlap++
		return errkind.New(errkind.WriteConflict, "job %q already running", id)
	}
	s.launch(ctx, j)
	return nil
}

// Jobs returns the catalog in registration order.
func (s *Scheduler) Jobs() []JobView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobView, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.view(s.jobs[id]))
	}
	return out
}

// Job returns one job's view.
func (s *Scheduler) Job(id string) (JobView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return JobView{}, false
	}
	return s.view(j), true
}

func (s *Scheduler) view(j *job) JobView {
	return JobView{
		ID:      j.id,
		Name:    j.name,
		Trigger: j.trigger.Describe(),
		Running: j.running,
		Stats:   j.stats,
	}
}

// drain waits for in-flight jobs up to the grace period.
func (s *Scheduler) drain() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("scheduler stopped cleanly")
		return nil
	case <-time.After(s.gracePeriod):
		var stuck []string
		s.mu.Lock()
		for _, id := range s.order {
			if s.jobs[id].running {
				stuck = append(stuck, id)
			}
		}
		s.mu.Unlock()
		sort.Strings(stuck)
		return errkind.New(errkind.Internal, "jobs still running after %s grace: %v", s.gracePeriod, stuck)
	}
}
