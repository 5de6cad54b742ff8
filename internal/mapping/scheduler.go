package mapping

import (
	"context"
	"sync"
	"time"
)

// Refresher is the part of Cache the scheduler drives.
type Refresher interface {
	Refresh(ctx context.Context, trigger Trigger) (*Snapshot, error)
}

// Scheduler owns the background refresh goroutines for a cache. Both entry
// points are idempotent; repeated calls are no-ops.
type Scheduler struct {
	cache Refresher

	initialOnce  sync.Once
	periodicOnce sync.Once
	wg           sync.WaitGroup
}

// NewScheduler creates a scheduler for cache.
func NewScheduler(cache Refresher) *Scheduler {
	return &Scheduler{cache: cache}
}

// TriggerInitialBuild starts the first mapping build in the background.
// Failures are logged by the cache; requests keep missing until a later
// refresh succeeds.
func (s *Scheduler) TriggerInitialBuild(ctx context.Context) {
	s.initialOnce.Do(func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.cache.Refresh(ctx, TriggerInitial) //nolint:errcheck
		}()
	})
}

// SchedulePeriodicRefresh starts a goroutine that refreshes the cache every
// interval until ctx is cancelled. It reports whether this call registered
// the task.
func (s *Scheduler) SchedulePeriodicRefresh(ctx context.Context, interval time.Duration) bool {
	registered := false
	s.periodicOnce.Do(func() {
		registered = true
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.cache.Refresh(ctx, TriggerPeriodic) //nolint:errcheck
				}
			}
		}()
	})
	return registered
}

// Wait blocks until the background goroutines have exited. The periodic
// task exits only once its context is cancelled.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
