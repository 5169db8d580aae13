// Package handlers tests for the local sync API.
// These tests verify HTTP request handling, status codes, and responses.
package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/models"
	syncpkg "github.com/kimhsiao/tenantsync/internal/sync"
	"github.com/kimhsiao/tenantsync/internal/sync/queue"
)

// mockService records calls and returns scripted results.
type mockService struct {
	status     syncpkg.QueueStatus
	entries    []models.SyncQueueEntry
	enqueueErr error
	retryErr   error
	loadErr    error
	conflicts  []models.ConflictLog

	enqueued    []string
	retried     []string
	loaded      [][]string
	reconnected int
}

func (m *mockService) Enqueue(ctx context.Context, entityType string, op models.Operation, payload json.RawMessage) (syncpkg.EnqueueResult, error) {
	if m.enqueueErr != nil {
		return syncpkg.EnqueueResult{}, m.enqueueErr
	}
	m.enqueued = append(m.enqueued, entityType+":"+string(op)+":"+string(payload))
	return syncpkg.EnqueueResult{EntryID: "entry-1", RecordID: "rec-1"}, nil
}

func (m *mockService) GetQueueStatus() syncpkg.QueueStatus { return m.status }

func (m *mockService) Entries() []models.SyncQueueEntry { return m.entries }

func (m *mockService) Subscribe(buffer int) (<-chan syncpkg.Event, func()) {
	ch := make(chan syncpkg.Event)
	return ch, func() {}
}

func (m *mockService) Drain(ctx context.Context) (queue.DrainResult, error) {
	return queue.DrainResult{}, nil
}

func (m *mockService) LoadInbound(ctx context.Context, entityTypes []string) (syncpkg.InboundResult, error) {
	m.loaded = append(m.loaded, entityTypes)
	if m.loadErr != nil {
		return syncpkg.InboundResult{}, m.loadErr
	}
	return syncpkg.InboundResult{Total: 2, Completed: 2}, nil
}

func (m *mockService) Retry(id string) error {
	m.retried = append(m.retried, id)
	return m.retryErr
}

func (m *mockService) RetryAll() (int, error) { return 3, nil }

func (m *mockService) ClearFailed() (int, error) { return 2, nil }

func (m *mockService) Conflicts(ctx context.Context) ([]models.ConflictLog, error) {
	return m.conflicts, nil
}

func (m *mockService) Reconnect() { m.reconnected++ }

func newTestRouter(svc syncpkg.Service) http.Handler {
	h := NewSyncHandler(svc)
	r := chi.NewRouter()
	r.Get("/sync/status", h.GetStatus)
	r.Post("/sync/enqueue", h.Enqueue)
	r.Post("/sync/retry", h.RetryAll)
	r.Post("/sync/retry/{id}", h.Retry)
	r.Delete("/sync/failed", h.ClearFailed)
	r.Post("/sync/load", h.Load)
	r.Post("/sync/reconnect", h.Reconnect)
	r.Get("/sync/conflicts", h.Conflicts)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSyncHandler_GetStatus(t *testing.T) {
	svc := &mockService{
		status: syncpkg.QueueStatus{Total: 1, Pending: 1},
		entries: []models.SyncQueueEntry{
			{ID: "e1", EntityType: "notes", RecordID: "n1", Operation: models.OperationCreate, Status: models.EntryStatusPending},
		},
	}

	w := do(t, newTestRouter(svc), http.MethodGet, "/sync/status", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["pending"])
	entries, ok := body["entries"].([]interface{})
	require.True(t, ok)
	assert.Len(t, entries, 1)
}

func TestSyncHandler_GetStatus_emptyEntries(t *testing.T) {
	w := do(t, newTestRouter(&mockService{}), http.MethodGet, "/sync/status", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"entries":[]`)
}

func TestSyncHandler_Enqueue(t *testing.T) {
	svc := &mockService{}
	w := do(t, newTestRouter(svc), http.MethodPost, "/sync/enqueue", map[string]interface{}{
		"entity_type": "notes",
		"operation":   "create",
		"payload":     map[string]string{"title": "hello"},
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"id":"entry-1","record_id":"rec-1"}`, w.Body.String())
	require.Len(t, svc.enqueued, 1)
	assert.Equal(t, `notes:create:{"title":"hello"}`, svc.enqueued[0])
}

func TestSyncHandler_Enqueue_validation(t *testing.T) {
	tests := []struct {
		name string
		body interface{}
	}{
		{"malformed json", "{not json"},
		{"missing entity type", map[string]string{"operation": "create"}},
		{"unknown operation", map[string]string{"entity_type": "notes", "operation": "merge"}},
		{"slash in entity type", map[string]string{"entity_type": "a/b", "operation": "create"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{}
			w := do(t, newTestRouter(svc), http.MethodPost, "/sync/enqueue", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), string(errors.ErrInvalid))
			assert.Empty(t, svc.enqueued)
		})
	}
}

func TestSyncHandler_Enqueue_errorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.New(errors.ErrQueueFull, "full"), http.StatusServiceUnavailable},
		{errors.New(errors.ErrNotReady, "no session"), http.StatusConflict},
		{errors.New(errors.ErrScopeChanged, "signed in as another tenant"), http.StatusConflict},
		{errors.Wrap(errors.ErrLocalStore, "write", context.DeadlineExceeded), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(errors.CodeOf(tt.err)), func(t *testing.T) {
			svc := &mockService{enqueueErr: tt.err}
			w := do(t, newTestRouter(svc), http.MethodPost, "/sync/enqueue", map[string]string{
				"entity_type": "notes",
				"operation":   "update",
			})
			assert.Equal(t, tt.want, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, string(errors.CodeOf(tt.err)), body["code"])
		})
	}
}

func TestSyncHandler_Retry(t *testing.T) {
	svc := &mockService{}
	router := newTestRouter(svc)

	w := do(t, router, http.MethodPost, "/sync/retry/e42", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"e42"}, svc.retried)

	svc.retryErr = errors.New(errors.ErrNotFound, "no such entry")
	w = do(t, router, http.MethodPost, "/sync/retry/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodPost, "/sync/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"retried":3}`, w.Body.String())
}

func TestSyncHandler_ClearFailed(t *testing.T) {
	w := do(t, newTestRouter(&mockService{}), http.MethodDelete, "/sync/failed", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cleared":2}`, w.Body.String())
}

func TestSyncHandler_Load(t *testing.T) {
	svc := &mockService{}
	router := newTestRouter(svc)

	w := do(t, router, http.MethodPost, "/sync/load", map[string]interface{}{"entity_types": []string{"notes"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"total":2,"completed":2,"skipped":false}`, w.Body.String())

	w = do(t, router, http.MethodPost, "/sync/load", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, svc.loaded, 2)
	assert.Equal(t, []string{"notes"}, svc.loaded[0])
	assert.Empty(t, svc.loaded[1], "empty body loads the configured types")

	svc.loadErr = errors.New(errors.ErrTransport, "remote is offline")
	w = do(t, router, http.MethodPost, "/sync/load", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestSyncHandler_Reconnect(t *testing.T) {
	svc := &mockService{}
	w := do(t, newTestRouter(svc), http.MethodPost, "/sync/reconnect", nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, svc.reconnected)
}

func TestSyncHandler_Conflicts(t *testing.T) {
	svc := &mockService{conflicts: []models.ConflictLog{{ID: "c1", EntityType: "notes", RecordID: "n1", Resolution: "local_wins"}}}
	w := do(t, newTestRouter(svc), http.MethodGet, "/sync/conflicts", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var got []models.ConflictLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "n1", got[0].RecordID)
}
