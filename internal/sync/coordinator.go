package sync

import (
	"context"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/tenantsync/internal/auth"
	"github.com/kimhsiao/tenantsync/internal/connectivity"
	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/logging"
	"github.com/kimhsiao/tenantsync/internal/models"
	"github.com/kimhsiao/tenantsync/internal/realtime"
	"github.com/kimhsiao/tenantsync/internal/remote"
	"github.com/kimhsiao/tenantsync/internal/store"
	"github.com/kimhsiao/tenantsync/internal/sync/conflict"
	"github.com/kimhsiao/tenantsync/internal/sync/queue"
	"github.com/kimhsiao/tenantsync/internal/uuid"
)

// Remote is the remote API the coordinator sends to and loads from.
type Remote interface {
	queue.Sender
	Fetch(ctx context.Context, scope models.Scope, entityType, cursor string) (remote.Page, error)
}

// Realtime is the server-push channel.
type Realtime interface {
	Connect(ctx context.Context, token, tenantID string) error
	Disconnect()
	IsConnected() bool
	On(event string, handler realtime.Handler) realtime.SubscriptionID
	OnDisconnect(fn func(error))
}

// Options configures a Coordinator.
type Options struct {
	Queue            queue.Options
	ConflictStrategy conflict.Strategy
	// LongOffline is how long the client must have been offline for a
	// reconnect to trigger an inbound load.
	LongOffline time.Duration
	// EntityTypes are loaded by automatic inbound passes.
	EntityTypes []string
	// MaxAuthResumes bounds how often one Drain refreshes the token and
	// resumes after an auth pause.
	MaxAuthResumes int

	// OnDrainEvent is told about every entry a drain attempts.
	OnDrainEvent queue.Observer
}

// QueueStatus is the aggregate status exposed to the UI.
type QueueStatus struct {
	Total          int                     `json:"total"`
	Pending        int                     `json:"pending"`
	Syncing        int                     `json:"syncing"`
	Failed         int                     `json:"failed"`
	Progress       models.SyncProgress     `json:"progress"`
	Connection     models.ConnectionStatus `json:"connection"`
	ReauthRequired bool                    `json:"reauth_required"`
	Draining       bool                    `json:"draining"`
	Loading        bool                    `json:"loading"`
	Scope          *models.Scope           `json:"scope,omitempty"`
}

// EnqueueResult identifies an accepted mutation.
type EnqueueResult struct {
	// EntryID names the queue entry (and the idempotency key of its send).
	EntryID string `json:"id"`
	// RecordID names the record the mutation applies to; it is assigned on
	// a create whose payload carries no id.
	RecordID string `json:"record_id"`
}

// InboundResult summarizes one inbound pass.
type InboundResult struct {
	Total     int  `json:"total"`
	Completed int  `json:"completed"`
	Skipped   bool `json:"skipped"`
}

// binding is the per-scope state of the active session. ctx is cancelled
// when the binding is replaced or dropped, which stops its passes.
type binding struct {
	scope    models.Scope
	scoped   *store.Scoped
	queue    *queue.Queue
	resolver *conflict.Resolver

	ctx    context.Context
	cancel context.CancelFunc
}

// Coordinator glues the store, queue, monitor, session, remote client and
// realtime channel together.
type Coordinator struct {
	store    *store.Store
	monitor  *connectivity.Monitor
	sessions *auth.Manager
	remote   Remote
	rt       Realtime
	opts     Options
	events   *broadcaster
	now      func() time.Time

	bindMu stdsync.Mutex

	mu           stdsync.RWMutex
	bound        *binding
	progress     models.SyncProgress
	lastLoadedAt time.Time
	offlineSince time.Time

	draining atomic.Bool
	loading  atomic.Bool

	wake chan struct{}

	runMu  stdsync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	unsubs []func()
	wg     stdsync.WaitGroup
}

// New creates a Coordinator. rt may be nil when realtime is disabled.
func New(st *store.Store, monitor *connectivity.Monitor, sessions *auth.Manager, rc Remote, rt Realtime, opts Options) *Coordinator {
	if opts.ConflictStrategy == "" {
		opts.ConflictStrategy = conflict.StrategyLocalPendingWins
	}
	if opts.LongOffline <= 0 {
		opts.LongOffline = 24 * time.Hour
	}
	if opts.MaxAuthResumes <= 0 {
		opts.MaxAuthResumes = 3
	}
	return &Coordinator{
		store:    st,
		monitor:  monitor,
		sessions: sessions,
		remote:   rc,
		rt:       rt,
		opts:     opts,
		events:   newBroadcaster(),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// Bind makes scope the active scope: its queue is restored from the store
// and becomes the one drained. Binding the active scope again is a no-op.
func (c *Coordinator) Bind(ctx context.Context, scope models.Scope) error {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	if cur := c.binding(); cur != nil && cur.scope == scope {
		return nil
	}

	scoped, err := c.store.Scope(scope)
	if err != nil {
		return err
	}
	q := queue.New(scoped, c.opts.Queue)
	if _, err := q.Load(ctx); err != nil {
		return err
	}

	bctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	prev := c.bound
	c.bound = &binding{
		scope:    scope,
		scoped:   scoped,
		queue:    q,
		resolver: conflict.NewResolver(c.opts.ConflictStrategy, q),
		ctx:      bctx,
		cancel:   cancel,
	}
	c.progress = models.SyncProgress{}
	c.lastLoadedAt = time.Time{}
	c.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	logging.Info("Sync scope bound", map[string]interface{}{"scope": scope.String()})
	c.publishStatus()
	c.WakeDrain()
	return nil
}

// Unbind drops the active scope, e.g. after sign-out. Persisted entries
// stay in the store for the next Bind.
func (c *Coordinator) Unbind() {
	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	c.mu.Lock()
	prev := c.bound
	c.bound = nil
	c.progress = models.SyncProgress{}
	c.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
	c.publishStatus()
}

func (c *Coordinator) binding() *binding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bound
}

func (c *Coordinator) requireBinding() (*binding, error) {
	b := c.binding()
	if b == nil {
		return nil, errors.New(errors.ErrNotReady, "no active session")
	}
	return b, nil
}

// Enqueue writes the mutation to the local store and appends it to the
// queue. payload must be a JSON object whose "id" names the record; a
// create without one is assigned a new id, reported in the result. If the queue refuses the entry
// the local write is rolled back.
func (c *Coordinator) Enqueue(ctx context.Context, entityType string, op models.Operation, payload json.RawMessage) (EnqueueResult, error) {
	b, err := c.requireBinding()
	if err != nil {
		return EnqueueResult{}, err
	}
	if !op.Valid() {
		return EnqueueResult{}, errors.New(errors.ErrInvalid, "invalid operation "+string(op))
	}
	if strings.TrimSpace(entityType) == "" || strings.HasPrefix(entityType, "_") {
		return EnqueueResult{}, errors.New(errors.ErrInvalid, "invalid entity type "+entityType)
	}

	recordID, body, err := recordPayload(op, payload)
	if err != nil {
		return EnqueueResult{}, err
	}

	prev, err := b.scoped.Get(ctx, entityType, recordID)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		return EnqueueResult{}, err
	}

	if op == models.OperationDelete {
		err = b.scoped.Delete(entityType, recordID)
	} else {
		err = b.scoped.Upsert(entityType, recordID, body)
	}
	if err != nil {
		return EnqueueResult{}, err
	}

	entry, err := b.queue.Enqueue(entityType, op, recordID, body)
	if err != nil {
		c.rollback(b, entityType, recordID, prev)
		return EnqueueResult{}, err
	}

	c.publishStatus()
	c.WakeDrain()
	return EnqueueResult{EntryID: entry.ID, RecordID: recordID}, nil
}

// rollback restores the local view to prev after a refused enqueue.
func (c *Coordinator) rollback(b *binding, entityType, recordID string, prev *models.LocalRecord) {
	var err error
	if prev == nil {
		err = b.scoped.Delete(entityType, recordID)
	} else {
		err = b.scoped.Execute(models.Mutation{
			Kind:       models.MutationUpsert,
			Collection: entityType,
			EntityID:   recordID,
			Data:       prev.Data,
			At:         prev.UpdatedAt,
		})
	}
	if err != nil {
		logging.Error("Failed to roll back optimistic write", err, map[string]interface{}{
			"entity_type": entityType,
			"record_id":   recordID,
		})
	}
}

// recordPayload extracts the record id from payload, assigning one on
// create when missing.
func recordPayload(op models.Operation, payload json.RawMessage) (string, json.RawMessage, error) {
	if len(payload) == 0 {
		if op == models.OperationDelete {
			return "", nil, errors.New(errors.ErrInvalid, "delete requires an id")
		}
		payload = json.RawMessage("{}")
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return "", nil, errors.New(errors.ErrInvalid, "payload must be a JSON object")
	}

	var id string
	if raw, ok := obj["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", nil, errors.New(errors.ErrInvalid, "payload id must be a string")
		}
	}
	if strings.TrimSpace(id) != "" {
		return id, payload, nil
	}
	if op != models.OperationCreate {
		return "", nil, errors.New(errors.ErrInvalid, string(op)+" requires an id")
	}

	id = uuid.New()
	obj["id"], _ = json.Marshal(id)
	body, err := json.Marshal(obj)
	if err != nil {
		return "", nil, errors.Wrap(errors.ErrInternal, "encode payload", err)
	}
	return id, body, nil
}

// GetQueueStatus returns the aggregate status.
func (c *Coordinator) GetQueueStatus() QueueStatus {
	c.mu.RLock()
	b := c.bound
	status := QueueStatus{
		Progress: c.progress,
		Draining: c.draining.Load(),
		Loading:  c.loading.Load(),
	}
	c.mu.RUnlock()

	if b != nil {
		qs := b.queue.GetStatus()
		status.Total, status.Pending, status.Syncing, status.Failed = qs.Total, qs.Pending, qs.Syncing, qs.Failed
		scope := b.scope
		status.Scope = &scope
	}
	if c.monitor != nil {
		status.Connection = c.monitor.Status()
	}
	if c.sessions != nil {
		status.ReauthRequired = c.sessions.ReauthRequired()
	}
	return status
}

// Entries returns the outstanding queue entries.
func (c *Coordinator) Entries() []models.SyncQueueEntry {
	b := c.binding()
	if b == nil {
		return nil
	}
	return b.queue.Entries()
}

// Subscribe registers a subscriber. Events are delivered without blocking
// and may coalesce; GetQueueStatus is always authoritative.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

// Retry returns one failed entry to pending and wakes the drain loop.
func (c *Coordinator) Retry(id string) error {
	b, err := c.requireBinding()
	if err != nil {
		return err
	}
	if err := b.queue.Retry(id); err != nil {
		return err
	}
	c.publishStatus()
	c.WakeDrain()
	return nil
}

// RetryAll returns every failed entry to pending.
func (c *Coordinator) RetryAll() (int, error) {
	b, err := c.requireBinding()
	if err != nil {
		return 0, err
	}
	n, err := b.queue.RetryAll()
	if n > 0 {
		c.publishStatus()
		c.WakeDrain()
	}
	return n, err
}

// ClearFailed deletes every failed entry.
func (c *Coordinator) ClearFailed() (int, error) {
	b, err := c.requireBinding()
	if err != nil {
		return 0, err
	}
	n, err := b.queue.ClearFailed()
	if n > 0 {
		c.publishStatus()
	}
	return n, err
}

// Conflicts lists the recorded inbound conflicts of the active scope.
func (c *Coordinator) Conflicts(ctx context.Context) ([]models.ConflictLog, error) {
	b, err := c.requireBinding()
	if err != nil {
		return nil, err
	}
	rows, err := b.scoped.Query(ctx, models.ConflictCollection)
	if err != nil {
		return nil, err
	}
	out := make([]models.ConflictLog, 0, len(rows))
	for _, row := range rows {
		var log models.ConflictLog
		if err := json.Unmarshal(row.Data, &log); err != nil {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

// Reconnect asks the monitor for an immediate probe.
func (c *Coordinator) Reconnect() {
	if c.monitor != nil {
		c.monitor.Trigger()
	}
}

// WakeDrain asks the drain loop to run. It never blocks.
func (c *Coordinator) WakeDrain() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Wakeups delivers drain requests to the worker loop that owns draining.
func (c *Coordinator) Wakeups() <-chan struct{} {
	return c.wake
}

func (c *Coordinator) publish(t EventType, data interface{}) {
	c.events.publish(Event{Type: t, Data: data, Timestamp: c.now().UTC()})
}

// PublishStatus sends a status snapshot to subscribers.
func (c *Coordinator) PublishStatus() {
	c.publishStatus()
}

func (c *Coordinator) publishStatus() {
	c.publish(EventStatus, c.GetQueueStatus())
}

func (c *Coordinator) publishProgress() {
	c.mu.RLock()
	p := c.progress
	c.mu.RUnlock()
	c.publish(EventProgress, p)
}
