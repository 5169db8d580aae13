package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/kimhsiao/tenantsync/internal/logging"
	syncpkg "github.com/kimhsiao/tenantsync/internal/sync"
)

// httpService runs the UI API server under the supervisor.
type httpService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

func (s *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logging.Info("Local API listening", map[string]interface{}{"addr": s.server.Addr})

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return ctx.Err()
	}
}

func (s *httpService) String() string { return "http-server" }

// coordinatorService keeps the coordinator subscribed to its sources for
// the lifetime of the supervisor.
type coordinatorService struct {
	coord *syncpkg.Coordinator
}

func (s *coordinatorService) Serve(ctx context.Context) error {
	s.coord.Start(ctx)
	<-ctx.Done()
	s.coord.Close()
	return suture.ErrDoNotRestart
}

func (s *coordinatorService) String() string { return "sync-coordinator" }

// newSupervisor creates the root supervisor; its events are logged.
func newSupervisor(shutdownTimeout time.Duration) *suture.Supervisor {
	return suture.New("tenantsync", suture.Spec{
		EventHook: func(e suture.Event) {
			logging.Warn("Supervisor event", map[string]interface{}{"event": e.String()}, e.Map())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})
}
