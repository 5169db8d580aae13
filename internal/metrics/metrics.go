// Package metrics exposes Prometheus instruments for the sync subsystem.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/models"
)

// Drain outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeDeferred  = "deferred"
	OutcomePaused    = "paused"
)

var (
	queueEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenantsync_queue_entries",
		Help: "Current number of sync queue entries by status.",
	}, []string{"status"})

	drainOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantsync_drain_outcomes_total",
		Help: "Total number of queue entry outcomes during drain passes.",
	}, []string{"outcome"})

	remoteRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tenantsync_remote_request_duration_seconds",
		Help:    "Histogram of remote API request latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "code"})

	connectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenantsync_connection_state",
		Help: "Remote reachability; 1 for the current state, 0 otherwise.",
	}, []string{"state"})

	storeFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantsync_store_flushes_total",
		Help: "Total number of local store flushes.",
	}, []string{"result"})

	storeFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tenantsync_store_flush_duration_seconds",
		Help:    "Histogram of local store flush latencies.",
		Buckets: prometheus.DefBuckets,
	})

	storeFlushBatch = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tenantsync_store_flush_batch_size",
		Help:    "Number of mutations persisted per flush.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenantsync_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
	}, []string{"name"})

	realtimeConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tenantsync_realtime_connected",
		Help: "1 while the realtime channel is connected.",
	})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tenantsync_http_request_duration_seconds",
		Help:    "Histogram of local API request latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// SetQueueEntries records the queue's status counts.
func SetQueueEntries(pending, syncing, failed int) {
	queueEntries.WithLabelValues(string(models.EntryStatusPending)).Set(float64(pending))
	queueEntries.WithLabelValues(string(models.EntryStatusSyncing)).Set(float64(syncing))
	queueEntries.WithLabelValues(string(models.EntryStatusFailed)).Set(float64(failed))
}

// ObserveDrainOutcome counts one entry outcome.
func ObserveDrainOutcome(outcome string) {
	drainOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveRemoteRequest records one remote API call. Its signature matches
// remote.RequestObserver.
func ObserveRemoteRequest(operation string, elapsed time.Duration, err error) {
	code := "ok"
	if err != nil {
		code = string(errors.CodeOf(err))
	}
	remoteRequestDuration.WithLabelValues(operation, code).Observe(elapsed.Seconds())
}

// SetConnectionState records the monitor's resolved state.
func SetConnectionState(state models.ConnectionState) {
	for _, s := range []models.ConnectionState{models.ConnectionChecking, models.ConnectionOnline, models.ConnectionOffline} {
		v := 0.0
		if s == state {
			v = 1
		}
		connectionState.WithLabelValues(string(s)).Set(v)
	}
}

// ObserveFlush records one store flush. Its signature matches
// store.FlushObserver.
func ObserveFlush(batch int, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	storeFlushes.WithLabelValues(result).Inc()
	storeFlushDuration.Observe(elapsed.Seconds())
	storeFlushBatch.Observe(float64(batch))
}

// ObserveBreakerState records a breaker transition. Its signature matches
// remote.BreakerObserver.
func ObserveBreakerState(name string, _, to gobreaker.State) {
	breakerState.WithLabelValues(name).Set(breakerValue(to))
}

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// SetRealtimeConnected records the realtime channel state.
func SetRealtimeConnected(connected bool) {
	if connected {
		realtimeConnected.Set(1)
		return
	}
	realtimeConnected.Set(0)
}

// Middleware records local API request latency by chi route pattern.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			httpRequestDuration.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
