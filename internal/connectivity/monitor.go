// Package connectivity tracks reachability of the remote service.
package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kimhsiao/tenantsync/internal/logging"
	"github.com/kimhsiao/tenantsync/internal/models"
)

// Prober checks whether the remote service answers.
type Prober interface {
	Ping(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Ping calls f.
func (f ProberFunc) Ping(ctx context.Context) error { return f(ctx) }

// Listener is called after the resolved state changes.
type Listener func(prev, next models.ConnectionState)

// Options configures a Monitor.
type Options struct {
	// Interval between probes while online.
	Interval time.Duration
	// MaxInterval caps the backoff between probes while offline.
	MaxInterval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
}

// Monitor probes the remote service and publishes a tri-state status.
type Monitor struct {
	prober Prober
	opts   Options

	checkMu sync.Mutex

	mu        sync.RWMutex
	status    models.ConnectionStatus
	resolved  models.ConnectionState
	listeners map[int]Listener
	nextID    int

	trigger chan struct{}
}

// NewMonitor creates a Monitor in the checking state.
func NewMonitor(prober Prober, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxInterval < opts.Interval {
		opts.MaxInterval = opts.Interval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return &Monitor{
		prober:    prober,
		opts:      opts,
		status:    models.ConnectionStatus{State: models.ConnectionChecking},
		listeners: make(map[int]Listener),
		trigger:   make(chan struct{}, 1),
	}
}

// Status returns the current status.
func (m *Monitor) Status() models.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsOnline reports whether the last probe succeeded.
// A probe in progress does not hide a previous success.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolved == models.ConnectionOnline
}

// Subscribe registers fn for state transitions and returns its unsubscribe.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// CheckStatus probes the remote service once and returns the resolved state.
// It never fails: errors, timeouts and prober panics resolve to offline.
// Concurrent calls are serialized.
func (m *Monitor) CheckStatus(ctx context.Context) models.ConnectionState {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	m.mu.Lock()
	m.status.State = models.ConnectionChecking
	m.mu.Unlock()

	next := models.ConnectionOffline
	err := m.probe(ctx)
	if err == nil {
		next = models.ConnectionOnline
	}

	m.mu.Lock()
	prev := m.resolved
	m.resolved = next
	m.status = models.ConnectionStatus{State: next, LastCheckedAt: time.Now().UTC()}
	var listeners []Listener
	if prev != next {
		listeners = make([]Listener, 0, len(m.listeners))
		for _, fn := range m.listeners {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()

	if prev != next {
		ctxFields := map[string]interface{}{"from": string(prev), "to": string(next)}
		if err != nil {
			ctxFields["reason"] = err.Error()
		}
		logging.Info("Connection state changed", ctxFields)
		for _, fn := range listeners {
			fn(prev, next)
		}
	}
	return next
}

func (m *Monitor) probe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	return m.prober.Ping(ctx)
}

// Trigger requests an immediate probe from Serve. It never blocks.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Serve probes on a fixed interval while online. While offline the delay
// grows exponentially up to MaxInterval. It returns when ctx is done.
func (m *Monitor) Serve(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.Interval
	b.MaxInterval = m.opts.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		var delay time.Duration
		if m.CheckStatus(ctx) == models.ConnectionOnline {
			b.Reset()
			delay = m.opts.Interval
		} else {
			delay = b.NextBackOff()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.trigger:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// String implements fmt.Stringer for the supervisor.
func (m *Monitor) String() string {
	return "connectivity-monitor"
}
