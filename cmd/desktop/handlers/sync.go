// Package handlers provides REST API handlers for the local sync UI.
package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/logging"
	"github.com/kimhsiao/tenantsync/internal/models"
	syncpkg "github.com/kimhsiao/tenantsync/internal/sync"
)

// maxBodyBytes bounds request bodies of the local API.
const maxBodyBytes = 1 << 20

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	svc      syncpkg.Service
	validate *validator.Validate
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(svc syncpkg.Service) *SyncHandler {
	return &SyncHandler{svc: svc, validate: validator.New()}
}

// statusResponse is the body of GET /sync/status.
type statusResponse struct {
	syncpkg.QueueStatus
	Entries []models.SyncQueueEntry `json:"entries"`
}

// GetStatus handles GET /sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	entries := h.svc.Entries()
	if entries == nil {
		entries = []models.SyncQueueEntry{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		QueueStatus: h.svc.GetQueueStatus(),
		Entries:     entries,
	})
}

type enqueueRequest struct {
	EntityType string          `json:"entity_type" validate:"required,max=64,excludesall=/"`
	Operation  string          `json:"operation" validate:"required,oneof=create update delete"`
	Payload    json.RawMessage `json:"payload"`
}

// Enqueue handles POST /sync/enqueue
func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var request enqueueRequest
	if !h.decode(w, r, &request) {
		return
	}

	result, err := h.svc.Enqueue(r.Context(), request.EntityType, models.Operation(request.Operation), request.Payload)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

// RetryAll handles POST /sync/retry
func (h *SyncHandler) RetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RetryAll()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"retried": n})
}

// Retry handles POST /sync/retry/{id}
func (h *SyncHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		writeError(w, errors.New(errors.ErrInvalid, "id is required"))
		return
	}
	if err := h.svc.Retry(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"retried": 1})
}

// ClearFailed handles DELETE /sync/failed
func (h *SyncHandler) ClearFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ClearFailed()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": n})
}

type loadRequest struct {
	EntityTypes []string `json:"entity_types" validate:"dive,required,excludesall=/"`
}

// Load handles POST /sync/load
// An empty body loads the configured entity types.
func (h *SyncHandler) Load(w http.ResponseWriter, r *http.Request) {
	var request loadRequest
	if r.ContentLength != 0 && !h.decode(w, r, &request) {
		return
	}

	result, err := h.svc.LoadInbound(r.Context(), request.EntityTypes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Reconnect handles POST /sync/reconnect
func (h *SyncHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	h.svc.Reconnect()
	w.WriteHeader(http.StatusAccepted)
}

// Conflicts handles GET /sync/conflicts
func (h *SyncHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.svc.Conflicts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *SyncHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	return decodeAndValidate(w, r, h.validate, v)
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, validate *validator.Validate, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "validation failed", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError maps an error code to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.ErrInvalid:
		status = http.StatusBadRequest
	case errors.ErrNotFound:
		status = http.StatusNotFound
	case errors.ErrNotReady, errors.ErrScopeChanged:
		status = http.StatusConflict
	case errors.ErrQueueFull:
		status = http.StatusServiceUnavailable
	case errors.ErrAuthExpired, errors.ErrReauthRequired:
		status = http.StatusUnauthorized
	case errors.ErrTransport:
		status = http.StatusBadGateway
	case errors.ErrRemoteRejected:
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		logging.ErrorWithCode("Local API request failed", string(code), err)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  code,
	})
}
