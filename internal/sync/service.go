// Package sync coordinates the offline-first sync subsystem: optimistic
// local writes, the outbound queue drain, inbound loads and realtime
// events, and the status surface consumed by the UI.
package sync

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/tenantsync/internal/models"
	"github.com/kimhsiao/tenantsync/internal/sync/queue"
)

// Service is the coordinator surface consumed by the local UI API.
// This interface allows for mocking in handler tests.
type Service interface {
	// Enqueue writes a mutation locally and queues it for the remote.
	Enqueue(ctx context.Context, entityType string, op models.Operation, payload json.RawMessage) (EnqueueResult, error)

	// GetQueueStatus returns the aggregate status; it is the convergence
	// point for subscribers that missed events.
	GetQueueStatus() QueueStatus

	// Entries returns the outstanding queue entries in enqueue order.
	Entries() []models.SyncQueueEntry

	// Subscribe registers a subscriber with the given channel buffer.
	Subscribe(buffer int) (<-chan Event, func())

	// Drain runs one outbound pass.
	Drain(ctx context.Context) (queue.DrainResult, error)

	// LoadInbound runs one inbound bulk pass for the entity types.
	LoadInbound(ctx context.Context, entityTypes []string) (InboundResult, error)

	Retry(id string) error
	RetryAll() (int, error)
	ClearFailed() (int, error)

	// Conflicts lists the recorded inbound conflicts.
	Conflicts(ctx context.Context) ([]models.ConflictLog, error)

	// Reconnect asks for an immediate connectivity probe.
	Reconnect()
}
