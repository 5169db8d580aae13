// Package scheduler tests for background drain scheduling.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kimhsiao/tenantsync/internal/errors"
	syncpkg "github.com/kimhsiao/tenantsync/internal/sync"
	"github.com/kimhsiao/tenantsync/internal/sync/queue"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeCoordinator counts drains and status publications.
type fakeCoordinator struct {
	wake      chan struct{}
	drains    atomic.Int32
	published atomic.Int32
	active    atomic.Int32
	overlap   atomic.Bool
	delay     time.Duration

	mu     sync.Mutex
	result queue.DrainResult
	err    error
	status syncpkg.QueueStatus
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{wake: make(chan struct{}, 1)}
}

func (f *fakeCoordinator) Drain(ctx context.Context) (queue.DrainResult, error) {
	if f.active.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.active.Add(-1)
	f.drains.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeCoordinator) GetQueueStatus() syncpkg.QueueStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeCoordinator) PublishStatus() { f.published.Add(1) }

func (f *fakeCoordinator) Wakeups() <-chan struct{} { return f.wake }

func (f *fakeCoordinator) set(result queue.DrainResult, err error) {
	f.mu.Lock()
	f.result, f.err = result, err
	f.mu.Unlock()
}

// createTestScheduler creates a scheduler whose timers never fire during a
// test unless the caller shortens them.
func createTestScheduler(t *testing.T, config *SchedulerConfig) (*fakeCoordinator, *Scheduler) {
	t.Helper()
	if config == nil {
		config = &SchedulerConfig{DrainInterval: time.Hour, StatusInterval: time.Hour}
	}
	coord := newFakeCoordinator()
	s := NewScheduler(coord, config)
	t.Cleanup(s.Stop)
	return coord, s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

// =====================================================
// Configuration Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.DrainInterval != 15*time.Second {
		t.Errorf("DrainInterval = %v, want 15s", config.DrainInterval)
	}
	if config.StatusInterval != 2*time.Second {
		t.Errorf("StatusInterval = %v, want 2s", config.StatusInterval)
	}
	if config.DrainTimeout != 5*time.Minute {
		t.Errorf("DrainTimeout = %v, want 5m", config.DrainTimeout)
	}
}

// TestNewScheduler_nilConfig verifies default config is used.
func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(newFakeCoordinator(), nil)

	if s.drainInterval != 15*time.Second {
		t.Errorf("drainInterval = %v, want 15s (default)", s.drainInterval)
	}
	if s.statusInterval != 2*time.Second {
		t.Errorf("statusInterval = %v, want 2s (default)", s.statusInterval)
	}
}

// TestNewScheduler_zeroIntervals verifies zero values fall back to defaults.
func TestNewScheduler_zeroIntervals(t *testing.T) {
	s := NewScheduler(newFakeCoordinator(), &SchedulerConfig{})

	if s.drainInterval <= 0 || s.statusInterval <= 0 || s.drainTimeout <= 0 {
		t.Errorf("zero intervals not defaulted: %v %v %v", s.drainInterval, s.statusInterval, s.drainTimeout)
	}
}

// =====================================================
// Start/Stop Tests
// =====================================================

// TestScheduler_StartStop verifies the lifecycle.
func TestScheduler_StartStop(t *testing.T) {
	_, s := createTestScheduler(t, nil)

	s.Start(context.Background())
	waitFor(t, s.IsRunning)

	// Start again - should be ignored
	s.Start(context.Background())

	s.Stop()
	if s.IsRunning() {
		t.Error("Stop() should set isRunning to false")
	}

	// Stop again - should be ignored
	s.Stop()
}

// TestScheduler_Stop_withoutStart verifies Stop works without Start.
func TestScheduler_Stop_withoutStart(t *testing.T) {
	_, s := createTestScheduler(t, nil)

	s.Stop()

	if s.IsRunning() {
		t.Error("Stop() without Start should keep scheduler not running")
	}
}

// TestScheduler_Serve_returnsOnCancel verifies supervised operation.
func TestScheduler_Serve_returnsOnCancel(t *testing.T) {
	_, s := createTestScheduler(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	waitFor(t, s.IsRunning)

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}

	if s.String() != "sync-scheduler" {
		t.Errorf("String() = %q", s.String())
	}
}

// =====================================================
// Drain Tests
// =====================================================

// TestScheduler_drainsOnWakeup verifies coordinator wake-ups run a drain.
func TestScheduler_drainsOnWakeup(t *testing.T) {
	coord, s := createTestScheduler(t, nil)
	s.Start(context.Background())

	coord.wake <- struct{}{}
	waitFor(t, func() bool { return coord.drains.Load() == 1 })
}

// TestScheduler_drainsOnTick verifies the interval retries backed-off entries.
func TestScheduler_drainsOnTick(t *testing.T) {
	coord, s := createTestScheduler(t, &SchedulerConfig{
		DrainInterval:  10 * time.Millisecond,
		StatusInterval: time.Hour,
	})
	s.Start(context.Background())

	waitFor(t, func() bool { return coord.drains.Load() >= 3 })
}

// TestScheduler_TriggerDrain verifies manual triggers and that passes never
// overlap.
func TestScheduler_TriggerDrain(t *testing.T) {
	coord, s := createTestScheduler(t, nil)
	coord.delay = 30 * time.Millisecond
	s.Start(context.Background())

	if !s.TriggerDrain() {
		t.Error("TriggerDrain() = false while idle")
	}
	waitFor(t, func() bool { return s.GetStatus().DrainInProgress })
	s.TriggerDrain()
	coord.wake <- struct{}{}

	waitFor(t, func() bool { return coord.drains.Load() >= 2 })
	if coord.overlap.Load() {
		t.Error("drain passes overlapped")
	}
}

// =====================================================
// Status Tests
// =====================================================

// TestScheduler_statusPoller verifies snapshots are published and observed.
func TestScheduler_statusPoller(t *testing.T) {
	var observed atomic.Int32
	coord, s := createTestScheduler(t, &SchedulerConfig{
		DrainInterval:  time.Hour,
		StatusInterval: 10 * time.Millisecond,
		OnStatus: func(status syncpkg.QueueStatus) {
			if status.Pending == 4 {
				observed.Add(1)
			}
		},
	})
	coord.status = syncpkg.QueueStatus{Total: 4, Pending: 4}
	s.Start(context.Background())

	waitFor(t, func() bool { return coord.published.Load() >= 2 && observed.Load() >= 2 })
	if coord.drains.Load() != 0 {
		t.Error("status poller must not drain")
	}
}

// TestScheduler_GetStatus_default verifies default status.
func TestScheduler_GetStatus_default(t *testing.T) {
	_, s := createTestScheduler(t, nil)

	status := s.GetStatus()

	if status.IsRunning || status.DrainInProgress {
		t.Errorf("unexpected initial status %+v", status)
	}
	if status.LastDrainTime != nil || status.LastResult != nil {
		t.Error("no drain has run yet")
	}
}

// TestScheduler_GetStatus_afterDrain verifies the last pass is reported.
func TestScheduler_GetStatus_afterDrain(t *testing.T) {
	coord, s := createTestScheduler(t, nil)
	coord.set(queue.DrainResult{Total: 1, Paused: true}, errors.New(errors.ErrReauthRequired, "sign in"))
	s.Start(context.Background())

	s.TriggerDrain()
	waitFor(t, func() bool { return s.GetStatus().LastResult != nil })

	status := s.GetStatus()
	if status.LastDrainTime == nil {
		t.Error("LastDrainTime should be set")
	}
	if !status.LastResult.Paused {
		t.Error("LastResult.Paused = false")
	}
	if status.LastError == "" {
		t.Error("LastError should carry the drain error")
	}
}

// TestScheduler_ConcurrentAccess verifies status reads are race-free.
func TestScheduler_ConcurrentAccess(t *testing.T) {
	coord, s := createTestScheduler(t, &SchedulerConfig{
		DrainInterval:  5 * time.Millisecond,
		StatusInterval: 5 * time.Millisecond,
	})
	coord.set(queue.DrainResult{Total: 2, Completed: 2}, nil)
	s.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = s.GetStatus()
				s.TriggerDrain()
			}
		}()
	}
	wg.Wait()
}
