// Package scheduler runs the background sync work: the loop that owns
// draining the outbound queue and the status poller.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/logging"
	syncpkg "github.com/kimhsiao/tenantsync/internal/sync"
	"github.com/kimhsiao/tenantsync/internal/sync/queue"
)

// Coordinator is the part of the sync coordinator the scheduler drives.
type Coordinator interface {
	Drain(ctx context.Context) (queue.DrainResult, error)
	GetQueueStatus() syncpkg.QueueStatus
	PublishStatus()
	Wakeups() <-chan struct{}
}

// StatusObserver is told about every polled status snapshot.
type StatusObserver func(status syncpkg.QueueStatus)

// Scheduler manages background sync operations.
type Scheduler struct {
	coordinator    Coordinator
	drainInterval  time.Duration
	statusInterval time.Duration
	drainTimeout   time.Duration
	onStatus       StatusObserver

	trigger  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu              sync.RWMutex
	isRunning       bool
	drainInProgress bool
	lastDrainTime   time.Time
	lastResult      *queue.DrainResult
	lastError       string
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	DrainInterval  time.Duration // How often to drain without a wake-up (default: 15 seconds)
	StatusInterval time.Duration // How often to publish a status snapshot (default: 2 seconds)
	DrainTimeout   time.Duration // Upper bound of one drain pass (default: 5 minutes)
	OnStatus       StatusObserver
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		DrainInterval:  15 * time.Second,
		StatusInterval: 2 * time.Second,
		DrainTimeout:   5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(coordinator Coordinator, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	s := &Scheduler{
		coordinator:    coordinator,
		drainInterval:  config.DrainInterval,
		statusInterval: config.StatusInterval,
		drainTimeout:   config.DrainTimeout,
		onStatus:       config.OnStatus,
		trigger:        make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
	}
	if s.drainInterval <= 0 {
		s.drainInterval = defaults.DrainInterval
	}
	if s.statusInterval <= 0 {
		s.statusInterval = defaults.StatusInterval
	}
	if s.drainTimeout <= 0 {
		s.drainTimeout = defaults.DrainTimeout
	}
	return s
}

// Start runs the scheduler in the background until Stop is called or ctx
// is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.RLock()
	running := s.isRunning
	s.mu.RUnlock()
	if running {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.Serve(ctx)
	}()
}

// Stop stops the scheduler gracefully and waits for a running drain.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Serve runs the drain loop and the status poller until ctx is done or Stop
// is called. It implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
	}()

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"drain_interval":  s.drainInterval.String(),
		"status_interval": s.statusInterval.String(),
	})

	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		s.statusLoop(ctx)
	}()

	s.drainLoop(ctx)
	loops.Wait()

	logging.Info("Background sync scheduler stopped", nil)
	select {
	case <-s.stopCh:
		return nil
	default:
		return ctx.Err()
	}
}

// String implements fmt.Stringer for the supervisor.
func (s *Scheduler) String() string {
	return "sync-scheduler"
}

// drainLoop is the only caller of Drain in the background, so passes never
// overlap.
func (s *Scheduler) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()

	wakeups := s.coordinator.Wakeups()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-wakeups:
		case <-s.trigger:
		case <-ticker.C:
		}
		s.runDrain(ctx)
	}
}

// statusLoop publishes a status snapshot on every tick.
func (s *Scheduler) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pollStatus()
		}
	}
}

func (s *Scheduler) pollStatus() {
	s.coordinator.PublishStatus()
	if s.onStatus != nil {
		s.onStatus(s.coordinator.GetQueueStatus())
	}
}

// runDrain executes one drain pass.
func (s *Scheduler) runDrain(ctx context.Context) {
	s.mu.Lock()
	s.drainInProgress = true
	s.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	result, err := s.coordinator.Drain(drainCtx)

	s.mu.Lock()
	s.drainInProgress = false
	if result.Total > 0 || err != nil {
		s.lastDrainTime = time.Now()
		s.lastResult = &result
		s.lastError = ""
		if err != nil {
			s.lastError = err.Error()
		}
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		if result.Total > 0 {
			logging.Debug("Scheduled drain completed", map[string]interface{}{
				"completed": result.Completed,
				"failed":    result.Failed,
				"retried":   result.Retried,
			})
		}
	case errors.Is(err, errors.ErrAuthExpired), errors.Is(err, errors.ErrReauthRequired):
		logging.Warn("Scheduled drain paused for authentication", map[string]interface{}{"error": err.Error()})
	case ctx.Err() != nil:
	default:
		logging.ErrorWithCode("Scheduled drain failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"interval_seconds": s.drainInterval.Seconds()})
	}
}

// TriggerDrain requests an immediate drain. It returns false when a drain
// is already running; the request is still kept and runs next.
func (s *Scheduler) TriggerDrain() bool {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.drainInProgress
}

// SchedulerStatus is the current status of the scheduler.
type SchedulerStatus struct {
	IsRunning       bool                `json:"is_running"`
	DrainInProgress bool                `json:"drain_in_progress"`
	LastDrainTime   *time.Time          `json:"last_drain_time,omitempty"`
	LastResult      *queue.DrainResult  `json:"last_result,omitempty"`
	LastError       string              `json:"last_error,omitempty"`
	Queue           syncpkg.QueueStatus `json:"queue"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:       s.isRunning,
		DrainInProgress: s.drainInProgress,
		LastError:       s.lastError,
	}
	if !s.lastDrainTime.IsZero() {
		t := s.lastDrainTime
		status.LastDrainTime = &t
	}
	if s.lastResult != nil {
		r := *s.lastResult
		status.LastResult = &r
	}
	s.mu.RUnlock()

	status.Queue = s.coordinator.GetQueueStatus()
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
