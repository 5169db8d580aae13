// Package main provides tenantsync-core, a headless tool that inspects and
// maintains the local outbound queue without contacting the remote.
//
// Usage:
//
//	tenantsync-core [-config path] -tenant T [-user U] status|entries|retry-all|clear-failed
//	tenantsync-core version
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/tenantsync/internal/config"
	"github.com/kimhsiao/tenantsync/internal/logging"
	"github.com/kimhsiao/tenantsync/internal/models"
	"github.com/kimhsiao/tenantsync/internal/store"
	"github.com/kimhsiao/tenantsync/internal/sync/queue"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "tenantsync-core: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tenantsync-core", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "YAML configuration file")
	tenant := fs.String("tenant", "", "tenant id of the queue to inspect")
	user := fs.String("user", "", "user id of the queue to inspect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("expected one command: status, entries, retry-all, clear-failed or version")
	}

	cmd := fs.Arg(0)
	if cmd == "version" {
		_, err := fmt.Fprintf(out, "tenantsync-core v%s\n", Version)
		return err
	}

	cfg, err := config.LoadFrom(*configPath, ".env")
	if err != nil {
		return err
	}
	logging.Init(os.Stderr, logging.LevelWarn)

	scope := models.Scope{TenantID: *tenant, UserID: *user}
	if err := scope.Validate(); err != nil {
		return err
	}

	backend, err := store.OpenBackend(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return err
	}
	st := store.New(backend, store.Options{})
	if err := st.Initialize(ctx); err != nil {
		_ = backend.Close()
		return err
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			logging.Error("Failed to close local store", err)
		}
	}()

	scoped, err := st.Scope(scope)
	if err != nil {
		return err
	}
	q := queue.New(scoped, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseBackoff: cfg.Queue.BaseBackoff,
		MaxBackoff:  cfg.Queue.MaxBackoff,
		Concurrency: cfg.Queue.Concurrency,
	})
	if _, err := q.Load(ctx); err != nil {
		return err
	}

	var result interface{}
	switch cmd {
	case "status":
		result = q.GetStatus()
	case "entries":
		result = q.Entries()
	case "retry-all":
		n, err := q.RetryAll()
		if err != nil {
			return err
		}
		result = map[string]int{"retried": n}
	case "clear-failed":
		n, err := q.ClearFailed()
		if err != nil {
			return err
		}
		result = map[string]int{"cleared": n}
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
