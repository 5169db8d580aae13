// Package queue provides the durable outbound sync queue.
//
// Entries are drained per logical record in enqueue order. A record's chain
// never runs concurrently with itself, and an entry that is backing off or
// has failed blocks every later entry for the same record.
package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/logging"
	"github.com/kimhsiao/tenantsync/internal/models"
	"github.com/kimhsiao/tenantsync/internal/store"
	"github.com/kimhsiao/tenantsync/internal/uuid"
)

// Options configures a Queue.
type Options struct {
	// MaxAttempts is the attempt ceiling after which an entry fails
	// permanently.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Concurrency bounds how many record chains drain in parallel.
	Concurrency int
	// MaxSize bounds the number of entries; zero means unbounded.
	MaxSize int
}

// Status is the aggregate count of queue entries.
type Status struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}

// Queue is the outbound log of one tenant/user scope.
type Queue struct {
	store *store.Scoped
	opts  Options
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*models.SyncQueueEntry
	seq     int64

	draining atomic.Bool
}

// New creates an empty queue persisting through scoped. Call Load to
// restore entries from a previous run.
func New(scoped *store.Scoped, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Queue{
		store:   scoped,
		opts:    opts,
		now:     time.Now,
		entries: make(map[string]*models.SyncQueueEntry),
	}
}

// Scope returns the scope whose entries the queue holds.
func (q *Queue) Scope() models.Scope {
	return q.store.Scope()
}

// Enqueue appends a mutation for recordID.
func (q *Queue) Enqueue(entityType string, op models.Operation, recordID string, payload json.RawMessage) (models.SyncQueueEntry, error) {
	switch {
	case strings.TrimSpace(entityType) == "" || strings.HasPrefix(entityType, "_"):
		return models.SyncQueueEntry{}, errors.New(errors.ErrInvalid, fmt.Sprintf("invalid entity type %q", entityType))
	case strings.TrimSpace(recordID) == "":
		return models.SyncQueueEntry{}, errors.New(errors.ErrInvalid, "record id is required")
	case !op.Valid():
		return models.SyncQueueEntry{}, errors.New(errors.ErrInvalid, fmt.Sprintf("invalid operation %q", op))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.opts.MaxSize > 0 && len(q.entries) >= q.opts.MaxSize {
		return models.SyncQueueEntry{}, errors.New(errors.ErrQueueFull, fmt.Sprintf("queue is full (max size: %d)", q.opts.MaxSize))
	}

	scope := q.store.Scope()
	q.seq++
	entry := &models.SyncQueueEntry{
		ID:         uuid.NewOrdered(),
		TenantID:   scope.TenantID,
		UserID:     scope.UserID,
		EntityType: entityType,
		RecordID:   recordID,
		Operation:  op,
		Payload:    append(json.RawMessage(nil), payload...),
		Status:     models.EntryStatusPending,
		CreatedAt:  q.now().UTC(),
		Seq:        q.seq,
	}
	if err := q.persistLocked(entry); err != nil {
		return models.SyncQueueEntry{}, err
	}
	q.entries[entry.ID] = entry

	logging.Debug("Enqueued sync entry", map[string]interface{}{
		"entry_id":    entry.ID,
		"entity_type": entityType,
		"record_id":   recordID,
		"operation":   string(op),
	})
	return entry.Clone(), nil
}

// Load replaces the in-memory queue with the persisted entries. An entry
// found syncing was interrupted mid-send and is restored as pending.
func (q *Queue) Load(ctx context.Context) (int, error) {
	rows, err := q.store.Query(ctx, models.SyncQueueCollection)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = make(map[string]*models.SyncQueueEntry, len(rows))
	q.seq = 0
	for _, row := range rows {
		var entry models.SyncQueueEntry
		if err := json.Unmarshal(row.Data, &entry); err != nil {
			logging.Warn("Skipping unreadable queue entry", map[string]interface{}{
				"entry_id": row.EntityID,
				"error":    err.Error(),
			})
			continue
		}
		switch entry.Status {
		case models.EntryStatusDone:
			if err := q.store.Delete(models.SyncQueueCollection, entry.ID); err != nil {
				logging.Warn("Failed to drop completed queue entry", map[string]interface{}{
					"entry_id": entry.ID,
					"error":    err.Error(),
				})
			}
			continue
		case models.EntryStatusSyncing:
			entry.Status = models.EntryStatusPending
			if err := q.persistLocked(&entry); err != nil {
				return 0, err
			}
		}
		q.entries[entry.ID] = &entry
		if entry.Seq > q.seq {
			q.seq = entry.Seq
		}
	}

	logging.Info("Sync queue restored", map[string]interface{}{
		"scope":   q.store.Scope().String(),
		"entries": len(q.entries),
	})
	return len(q.entries), nil
}

// GetStatus returns the aggregate counts.
func (q *Queue) GetStatus() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Status
	for _, e := range q.entries {
		s.Total++
		switch e.Status {
		case models.EntryStatusPending:
			s.Pending++
		case models.EntryStatusSyncing:
			s.Syncing++
		case models.EntryStatusFailed:
			s.Failed++
		}
	}
	return s
}

// Entries returns copies of all entries in enqueue order.
func (q *Queue) Entries() []models.SyncQueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.SyncQueueEntry, 0, len(q.entries))
	for _, e := range q.sortedLocked() {
		out = append(out, e.Clone())
	}
	return out
}

// Get returns a copy of one entry.
func (q *Queue) Get(id string) (models.SyncQueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return models.SyncQueueEntry{}, errors.New(errors.ErrNotFound, "entry "+id+" not found")
	}
	return e.Clone(), nil
}

// Holds reports whether any entry for the record is still outstanding.
func (q *Queue) Holds(entityType, recordID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.EntityType == entityType && e.RecordID == recordID {
			return true
		}
	}
	return false
}

// Retry returns a failed entry to pending with a fresh attempt budget.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return errors.New(errors.ErrNotFound, "entry "+id+" not found")
	}
	if e.Status != models.EntryStatusFailed {
		return errors.New(errors.ErrInvalid, fmt.Sprintf("entry %s is %s, not failed", id, e.Status))
	}
	q.resetLocked(e)
	return q.persistLocked(e)
}

// RetryAll returns every failed entry to pending.
func (q *Queue) RetryAll() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, e := range q.entries {
		if e.Status != models.EntryStatusFailed {
			continue
		}
		q.resetLocked(e)
		if err := q.persistLocked(e); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		logging.Info("Reset failed sync entries for retry", map[string]interface{}{"count": count})
	}
	return count, nil
}

func (q *Queue) resetLocked(e *models.SyncQueueEntry) {
	e.Status = models.EntryStatusPending
	e.AttemptCount = 0
	e.LastError = ""
	e.NextAttemptAt = time.Time{}
}

// Remove deletes an entry that is not currently syncing.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return errors.New(errors.ErrNotFound, "entry "+id+" not found")
	}
	if e.Status == models.EntryStatusSyncing {
		return errors.New(errors.ErrInvalid, "entry "+id+" is syncing")
	}
	return q.removeLocked(e)
}

// ClearFailed deletes every failed entry.
func (q *Queue) ClearFailed() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, e := range q.entries {
		if e.Status != models.EntryStatusFailed {
			continue
		}
		if err := q.removeLocked(e); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// ResetBackoff makes every backing-off entry eligible immediately.
func (q *Queue) ResetBackoff() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		e.NextAttemptAt = time.Time{}
	}
}

// NextAttemptAt returns the earliest time a backing-off entry becomes
// eligible, or the zero time when none is waiting.
func (q *Queue) NextAttemptAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time
	for _, e := range q.entries {
		if e.Status != models.EntryStatusPending || e.NextAttemptAt.IsZero() {
			continue
		}
		if next.IsZero() || e.NextAttemptAt.Before(next) {
			next = e.NextAttemptAt
		}
	}
	return next
}

// Backoff returns the delay before attempt n+1 after n failures:
// base*2^(n-1), capped at the configured maximum.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := q.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	if d > q.opts.MaxBackoff {
		return q.opts.MaxBackoff
	}
	return d
}

func (q *Queue) sortedLocked() []*models.SyncQueueEntry {
	out := make([]*models.SyncQueueEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (q *Queue) persistLocked(e *models.SyncQueueEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode queue entry", err)
	}
	if err := q.store.Upsert(models.SyncQueueCollection, e.ID, data); err != nil {
		return errors.Wrap(errors.ErrLocalStore, "persist queue entry "+e.ID, err)
	}
	return nil
}

func (q *Queue) removeLocked(e *models.SyncQueueEntry) error {
	if err := q.store.Delete(models.SyncQueueCollection, e.ID); err != nil {
		return errors.Wrap(errors.ErrLocalStore, "delete queue entry "+e.ID, err)
	}
	delete(q.entries, e.ID)
	return nil
}
