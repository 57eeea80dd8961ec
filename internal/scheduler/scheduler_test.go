package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerFiresAndStops(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	s := New(func(_ context.Context, f Firing) {
		if f.Task == TaskSweep {
			fired.Add(1)
		}
	})
	s.Schedule(TaskSweep, Every(time.Second))
	s.Start(context.Background())

	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()
	s.Stop()

	after := fired.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, fired.Load(), "no firing after Stop")

	stats, ok := s.Stats(TaskSweep)
	require.True(t, ok)
	assert.Equal(t, int(after), stats.Fired)
}

func TestStopLetsInFlightFiringFinish(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var finished atomic.Bool
	var cancelled atomic.Bool
	s := New(func(ctx context.Context, _ Firing) {
		select {
		case started <- struct{}{}:
		default:
			return
		}
		time.Sleep(300 * time.Millisecond)
		cancelled.Store(ctx.Err() != nil)
		finished.Store(true)
	})
	s.Schedule(TaskSweep, Every(time.Second))
	s.Start(context.Background())

	<-started
	s.Stop()
	assert.True(t, finished.Load(), "Stop waits for the firing")
	assert.False(t, cancelled.Load(), "the firing context survives Stop")
}

func TestCollectCoalescesMissedSlots(t *testing.T) {
	t.Parallel()

	s := New(func(context.Context, Firing) {})
	s.Schedule(TaskSweep, Every(time.Minute))
	s.Schedule(TaskCleanup, Every(time.Hour))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.slots[TaskSweep].stats.Next = base
	s.slots[TaskCleanup].stats.Next = base.Add(time.Hour)

	firings := s.collect(base.Add(3*time.Minute + 30*time.Second))
	require.Len(t, firings, 1)
	assert.Equal(t, Firing{Task: TaskSweep, Due: base, Missed: 3}, firings[0])

	stats, ok := s.Stats(TaskSweep)
	require.True(t, ok)
	assert.Equal(t, base.Add(4*time.Minute), stats.Next)
	assert.Equal(t, 1, stats.Fired)
	assert.Equal(t, 3, stats.Missed)

	assert.Empty(t, s.collect(base.Add(3*time.Minute+45*time.Second)))
}

func TestCollectOrdersBySlot(t *testing.T) {
	t.Parallel()

	s := New(func(context.Context, Firing) {})
	s.Schedule(TaskSweep, Every(time.Minute))
	s.Schedule(TaskCleanup, Every(time.Hour))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.slots[TaskSweep].stats.Next = base.Add(30 * time.Second)
	s.slots[TaskCleanup].stats.Next = base

	firings := s.collect(base.Add(40 * time.Second))
	require.Len(t, firings, 2)
	assert.Equal(t, TaskCleanup, firings[0].Task)
	assert.Equal(t, TaskSweep, firings[1].Task)
}

func TestScheduleReplacesTask(t *testing.T) {
	t.Parallel()

	s := New(func(context.Context, Firing) {})
	s.Schedule(TaskCleanup, Every(time.Hour))
	first, ok := s.Stats(TaskCleanup)
	require.True(t, ok)

	s.Schedule(TaskCleanup, Every(time.Minute))
	second, ok := s.Stats(TaskCleanup)
	require.True(t, ok)
	assert.True(t, second.Next.Before(first.Next))

	_, ok = s.Stats(Task("unknown"))
	assert.False(t, ok)
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	sched, err := ParseSchedule("@daily")
	require.NoError(t, err)
	from := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.Local), sched.Next(from))

	_, err = ParseSchedule("every tuesday")
	assert.Error(t, err)
}
