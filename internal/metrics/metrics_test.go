package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/models"
)

func TestSetQueueEntries(t *testing.T) {
	SetQueueEntries(3, 1, 2)

	assert.Equal(t, 3.0, testutil.ToFloat64(queueEntries.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(queueEntries.WithLabelValues("syncing")))
	assert.Equal(t, 2.0, testutil.ToFloat64(queueEntries.WithLabelValues("failed")))
}

func TestObserveDrainOutcome(t *testing.T) {
	before := testutil.ToFloat64(drainOutcomes.WithLabelValues(OutcomeRetried))
	ObserveDrainOutcome(OutcomeRetried)
	ObserveDrainOutcome(OutcomeRetried)
	assert.Equal(t, before+2, testutil.ToFloat64(drainOutcomes.WithLabelValues(OutcomeRetried)))
}

func TestSetConnectionState_OneHot(t *testing.T) {
	SetConnectionState(models.ConnectionOffline)
	assert.Equal(t, 1.0, testutil.ToFloat64(connectionState.WithLabelValues("offline")))
	assert.Equal(t, 0.0, testutil.ToFloat64(connectionState.WithLabelValues("online")))

	SetConnectionState(models.ConnectionOnline)
	assert.Equal(t, 0.0, testutil.ToFloat64(connectionState.WithLabelValues("offline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(connectionState.WithLabelValues("online")))
	assert.Equal(t, 0.0, testutil.ToFloat64(connectionState.WithLabelValues("checking")))
}

func TestObserveFlush(t *testing.T) {
	okBefore := testutil.ToFloat64(storeFlushes.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(storeFlushes.WithLabelValues("error"))

	ObserveFlush(4, time.Millisecond, nil)
	ObserveFlush(2, time.Millisecond, errors.New(errors.ErrLocalStore, "disk"))

	assert.Equal(t, okBefore+1, testutil.ToFloat64(storeFlushes.WithLabelValues("ok")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(storeFlushes.WithLabelValues("error")))
}

func TestObserveBreakerState(t *testing.T) {
	ObserveBreakerState("remote-api", gobreaker.StateClosed, gobreaker.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(breakerState.WithLabelValues("remote-api")))

	ObserveBreakerState("remote-api", gobreaker.StateOpen, gobreaker.StateHalfOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(breakerState.WithLabelValues("remote-api")))

	ObserveBreakerState("remote-api", gobreaker.StateHalfOpen, gobreaker.StateClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(breakerState.WithLabelValues("remote-api")))
}

func TestSetRealtimeConnected(t *testing.T) {
	SetRealtimeConnected(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(realtimeConnected))
	SetRealtimeConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(realtimeConnected))
}

func TestMiddlewareAndHandler(t *testing.T) {
	SetQueueEntries(0, 0, 0)
	ObserveRemoteRequest("send_create", 10*time.Millisecond, nil)
	ObserveRemoteRequest("send_create", 10*time.Millisecond, errors.New(errors.ErrTransport, "down"))

	r := chi.NewRouter()
	r.Use(Middleware())
	r.Get("/api/sync/retry/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Handle("/metrics", Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sync/retry/abc", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `route="/api/sync/retry/{id}"`), "route pattern label missing")
	assert.True(t, strings.Contains(body, `code="TRANSPORT_ERROR"`))
	assert.True(t, strings.Contains(body, "tenantsync_queue_entries"))
}
