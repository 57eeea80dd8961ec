// Package scheduler drives the run manager's background work. Each task has a
// robfig/cron schedule; a single goroutine fires due tasks one at a time, so a
// slow sweep delays the next firing instead of overlapping it. Slots that
// elapse while a firing is still running are coalesced into one late firing
// and counted as missed.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Task identifies a kind of background work.
type Task string

const (
	TaskSweep   Task = "sweep"
	TaskCleanup Task = "cleanup"
)

// Firing is handed to the callback each time a task comes due.
type Firing struct {
	Task Task
	// Due is the slot this firing stands for.
	Due time.Time
	// Missed counts later slots that had already passed when the task was
	// picked up. They are not fired separately.
	Missed int
}

// Func runs one firing. It is never called concurrently with itself.
type Func func(ctx context.Context, f Firing)

// TaskStats describes a registered task.
type TaskStats struct {
	Next   time.Time `json:"next"`
	Fired  int       `json:"fired"`
	Missed int       `json:"missed"`
}

type slot struct {
	task     Task
	schedule cron.Schedule
	stats    TaskStats
}

// maxCoalesce bounds the catch-up walk for very short schedules.
const maxCoalesce = 10000

// Scheduler fires registered tasks on their schedules.
type Scheduler struct {
	fire Func
	log  *zap.SugaredLogger

	mu     sync.Mutex
	slots  map[Task]*slot
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. The scheduler logs under the "scheduler" name.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l.Named("scheduler")
		}
	}
}

// New creates a stopped Scheduler that calls fire for due tasks.
func New(fire Func, opts ...Option) *Scheduler {
	s := &Scheduler{
		fire:  fire,
		log:   zap.NewNop().Sugar(),
		slots: make(map[Task]*slot),
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule registers task, replacing its previous schedule and counters.
// It may be called before or after Start.
func (s *Scheduler) Schedule(task Task, schedule cron.Schedule) {
	s.mu.Lock()
	s.slots[task] = &slot{
		task:     task,
		schedule: schedule,
		stats:    TaskStats{Next: schedule.Next(time.Now())},
	}
	s.mu.Unlock()
	s.poke()
}

// Stats returns the counters of a registered task.
func (s *Scheduler) Stats(task Task) (TaskStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[task]
	if !ok {
		return TaskStats{}, false
	}
	return sl.stats, true
}

// Start launches the firing loop. It stops when ctx is cancelled or Stop is
// called. Starting a running Scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop ends the loop and waits for an in-flight firing to return. Firings
// run on a context that Stop does not cancel, so they finish their work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		wait, ok := s.untilNext(time.Now())
		var due <-chan time.Time
		if ok {
			timer.Reset(wait)
			due = timer.C
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-due:
		}

		for _, f := range s.collect(time.Now()) {
			if ctx.Err() != nil {
				return
			}
			if f.Missed > 0 {
				s.log.Warnw("Task ran late, coalescing missed slots",
					"task", f.Task, "due", f.Due, "missed", f.Missed)
			}
			s.fire(context.WithoutCancel(ctx), f)
		}
	}
}

// untilNext reports how long to wait for the earliest task.
func (s *Scheduler) untilNext(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	for _, sl := range s.slots {
		if next.IsZero() || sl.stats.Next.Before(next) {
			next = sl.stats.Next
		}
	}
	if next.IsZero() {
		return 0, false
	}
	return max(next.Sub(now), 0), true
}

// collect advances every due task past now and returns one firing per task,
// earliest slot first.
func (s *Scheduler) collect(now time.Time) []Firing {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firings []Firing
	for _, sl := range s.slots {
		if sl.stats.Next.After(now) {
			continue
		}
		f := Firing{Task: sl.task, Due: sl.stats.Next}
		next := sl.schedule.Next(f.Due)
		for !next.After(now) && f.Missed < maxCoalesce {
			f.Missed++
			next = sl.schedule.Next(next)
		}
		if !next.After(now) {
			next = sl.schedule.Next(now)
		}
		sl.stats.Next = next
		sl.stats.Fired++
		sl.stats.Missed += f.Missed
		firings = append(firings, f)
	}
	sort.Slice(firings, func(i, j int) bool { return firings[i].Due.Before(firings[j].Due) })
	return firings
}
