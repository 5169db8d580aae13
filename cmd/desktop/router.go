package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kimhsiao/tenantsync/cmd/desktop/handlers"
	"github.com/kimhsiao/tenantsync/internal/metrics"
	syncpkg "github.com/kimhsiao/tenantsync/internal/sync"
)

// newRouter builds the localhost UI API.
func newRouter(svc syncpkg.Service, sessions handlers.SessionManager, hub *WSHub) http.Handler {
	syncHandler := handlers.NewSyncHandler(svc)
	sessionHandler := handlers.NewSessionHandler(sessions)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/api/health", handleHealth)

	r.Route("/api/sync", func(r chi.Router) {
		r.Get("/status", syncHandler.GetStatus)
		r.Post("/enqueue", syncHandler.Enqueue)
		r.Post("/retry", syncHandler.RetryAll)
		r.Post("/retry/{id}", syncHandler.Retry)
		r.Delete("/failed", syncHandler.ClearFailed)
		r.Post("/load", syncHandler.Load)
		r.Post("/reconnect", syncHandler.Reconnect)
		r.Get("/conflicts", syncHandler.Conflicts)
	})

	r.Get("/api/session", sessionHandler.GetSession)
	r.Put("/api/session", sessionHandler.SetSession)
	r.Delete("/api/session", sessionHandler.ClearSession)

	if hub != nil {
		r.Get("/ws", hub.HandleWebSocket)
	}
	r.Handle("/metrics", metrics.Handler())

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","service":"tenantsync-desktop"}`))
}
