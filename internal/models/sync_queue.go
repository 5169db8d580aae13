package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Operation is the kind of remote write a queue entry performs.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// EntryStatus is the lifecycle state of a queue entry.
type EntryStatus string

const (
	EntryStatusPending EntryStatus = "pending"
	EntryStatusSyncing EntryStatus = "syncing"
	EntryStatusFailed  EntryStatus = "failed"
	EntryStatusDone    EntryStatus = "done"
)

// SyncQueueCollection is the store collection holding persisted queue entries.
const SyncQueueCollection = "_sync_queue"

// SyncQueueEntry is one pending mutation in the outbound log.
type SyncQueueEntry struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	UserID        string          `json:"user_id,omitempty"`
	EntityType    string          `json:"entity_type"`
	RecordID      string          `json:"record_id"`
	Operation     Operation       `json:"operation"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        EntryStatus     `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	Seq           int64           `json:"seq"`

	// NextAttemptAt gates retries after a transport failure. It is not
	// persisted: a restarted client retries immediately.
	NextAttemptAt time.Time `json:"-"`
}

// Scope returns the isolation key of the entry.
func (e *SyncQueueEntry) Scope() Scope {
	return Scope{TenantID: e.TenantID, UserID: e.UserID}
}

// RecordKey identifies the logical record the entry writes to.
func (e *SyncQueueEntry) RecordKey() string {
	return fmt.Sprintf("%s\x1f%s\x1f%s", e.TenantID, e.EntityType, e.RecordID)
}

// Clone returns a deep copy safe to hand outside the queue.
func (e *SyncQueueEntry) Clone() SyncQueueEntry {
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.LastAttemptAt != nil {
		t := *e.LastAttemptAt
		c.LastAttemptAt = &t
	}
	return c
}
