// Package main runs the desktop sync client: the local store, the sync
// coordinator and its background services, and the localhost UI API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/thejerf/suture/v4"

	"github.com/kimhsiao/tenantsync/internal/auth"
	"github.com/kimhsiao/tenantsync/internal/config"
	"github.com/kimhsiao/tenantsync/internal/connectivity"
	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/logging"
	"github.com/kimhsiao/tenantsync/internal/metrics"
	"github.com/kimhsiao/tenantsync/internal/models"
	"github.com/kimhsiao/tenantsync/internal/realtime"
	"github.com/kimhsiao/tenantsync/internal/remote"
	"github.com/kimhsiao/tenantsync/internal/store"
	syncpkg "github.com/kimhsiao/tenantsync/internal/sync"
	"github.com/kimhsiao/tenantsync/internal/sync/conflict"
	"github.com/kimhsiao/tenantsync/internal/sync/queue"
	"github.com/kimhsiao/tenantsync/internal/sync/scheduler"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logging.Error("Desktop client stopped with error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.InitWithFormat(os.Stdout, logging.ParseLevel(cfg.Logging.Level), logging.Format(cfg.Logging.Format))
	logging.Info("Tenantsync desktop client starting", map[string]interface{}{
		"version": Version,
		"backend": cfg.Store.Backend,
	})

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	errCh := a.supervisor.ServeBackground(ctx)
	for err := range errCh {
		if err != nil && ctx.Err() == nil {
			logging.Error("Supervisor error", err)
		}
	}

	if unstopped, _ := a.supervisor.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn("Service failed to stop", map[string]interface{}{"service": svc.Name})
		}
	}
	logging.Info("Tenantsync desktop client stopped")
	return nil
}

// app holds the wired components.
type app struct {
	store       *store.Store
	sessions    *auth.Manager
	coordinator *syncpkg.Coordinator
	scheduler   *scheduler.Scheduler
	hub         *WSHub
	router      http.Handler
	supervisor  *suture.Supervisor
}

// refresherFunc adapts a function to auth.Refresher.
type refresherFunc func(ctx context.Context, s models.AuthSession) (models.AuthSession, error)

func (f refresherFunc) Refresh(ctx context.Context, s models.AuthSession) (models.AuthSession, error) {
	return f(ctx, s)
}

// newApp wires every component from cfg. The returned app owns the store.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	backend, err := store.OpenBackend(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	st := store.New(backend, store.Options{
		FlushDebounce: cfg.Store.FlushDebounce,
		OnFlush:       metrics.ObserveFlush,
	})
	if err := st.Initialize(ctx); err != nil {
		_ = backend.Close()
		return nil, err
	}

	var persister auth.Persister
	var vault *auth.Vault
	if cfg.Security.SessionSecret != "" {
		vault = auth.NewVault(st, cfg.Security.SessionSecret)
		persister = vault
	} else {
		logging.Warn("No session secret configured; sessions are not persisted", nil)
	}

	// The session manager refreshes through the remote client, and the
	// client takes its bearer token from the session manager.
	var client *remote.Client
	sessions := auth.NewManager(refresherFunc(func(ctx context.Context, s models.AuthSession) (models.AuthSession, error) {
		return client.Refresh(ctx, s)
	}), persister, auth.Options{
		RenewBefore:        cfg.Auth.RenewBefore,
		RefreshTimeout:     cfg.Auth.RefreshTimeout,
		MaxRefreshFailures: cfg.Auth.MaxRefreshFailures,
	})
	client, err = remote.New(remote.Options{
		BaseURL:         cfg.Remote.BaseURL,
		Timeout:         cfg.Remote.Timeout,
		RateLimit:       cfg.Remote.RateLimit,
		RateBurst:       cfg.Remote.RateBurst,
		BreakerFailures: cfg.Remote.BreakerFailures,
		BreakerTimeout:  cfg.Remote.BreakerTimeout,
		FetchPageSize:   cfg.Remote.FetchPageSize,
		OnRequest:       metrics.ObserveRemoteRequest,
		OnBreakerState:  metrics.ObserveBreakerState,
	}, sessions)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}

	if vault != nil {
		restored, err := vault.Load(ctx)
		if err != nil {
			logging.Warn("Failed to restore session", map[string]interface{}{"error": err.Error()})
		} else if restored != nil {
			sessions.Restore(*restored)
		}
	}

	monitor := connectivity.NewMonitor(client, connectivity.Options{
		Interval:     cfg.Monitor.Interval,
		MaxInterval:  cfg.Monitor.MaxInterval,
		ProbeTimeout: cfg.Monitor.ProbeTimeout,
	})
	monitor.Subscribe(func(_, next models.ConnectionState) {
		metrics.SetConnectionState(next)
	})
	metrics.SetConnectionState(monitor.Status().State)

	var rt syncpkg.Realtime
	if cfg.Realtime.Enabled {
		rt = realtime.New(realtime.Options{
			URL:              cfg.Realtime.URL,
			PingInterval:     cfg.Realtime.PingInterval,
			HandshakeTimeout: cfg.Realtime.HandshakeTimeout,
			OnState:          metrics.SetRealtimeConnected,
		})
	}

	strategy, err := conflict.ParseStrategy(cfg.Sync.ConflictStrategy)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, errors.Wrap(errors.ErrInvalid, "conflict strategy", err)
	}
	coord := syncpkg.New(st, monitor, sessions, client, rt, syncpkg.Options{
		Queue: queue.Options{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BaseBackoff: cfg.Queue.BaseBackoff,
			MaxBackoff:  cfg.Queue.MaxBackoff,
			Concurrency: cfg.Queue.Concurrency,
			MaxSize:     cfg.Queue.MaxSize,
		},
		ConflictStrategy: strategy,
		LongOffline:      cfg.Sync.LongOffline,
		EntityTypes:      cfg.Sync.EntityTypes,
		OnDrainEvent: func(ev queue.DrainEvent) {
			metrics.ObserveDrainOutcome(string(ev.Outcome))
		},
	})

	sched := scheduler.NewScheduler(coord, &scheduler.SchedulerConfig{
		DrainInterval:  cfg.Scheduler.DrainInterval,
		StatusInterval: cfg.Scheduler.StatusInterval,
		OnStatus: func(s syncpkg.QueueStatus) {
			metrics.SetQueueEntries(s.Pending, s.Syncing, s.Failed)
		},
	})

	hub := NewWSHub(coord, cfg.Sync.SubscriberBuffer)
	router := newRouter(coord, sessions, hub)

	sup := newSupervisor(cfg.Server.ShutdownTimeout)
	sup.Add(&coordinatorService{coord: coord})
	sup.Add(monitor)
	sup.Add(sched)
	sup.Add(hub)
	sup.Add(&httpService{
		server: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		shutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	return &app{
		store:       st,
		sessions:    sessions,
		coordinator: coord,
		scheduler:   sched,
		hub:         hub,
		router:      router,
		supervisor:  sup,
	}, nil
}

// close flushes buffered writes and closes the backend.
func (a *app) close() {
	if err := a.store.Close(context.Background()); err != nil {
		logging.Error("Failed to close local store", err)
	}
}
