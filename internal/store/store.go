// Package store implements the local persistent store: a tenant/user scoped
// record store with a debounced write buffer over a durable backend.
//
// Callers never see a backend directly. They obtain a Scoped handle for one
// (tenant, user) pair and every read and write through it is confined to
// that pair.
package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/logging"
	"github.com/kimhsiao/tenantsync/internal/models"
)

// Backend is a durable record store. Implementations must apply a Write
// batch atomically.
type Backend interface {
	Init(ctx context.Context) error
	List(ctx context.Context, scope models.Scope, collection string) ([]models.LocalRecord, error)
	Get(ctx context.Context, scope models.Scope, collection, id string) (*models.LocalRecord, error)
	Write(ctx context.Context, mutations []models.Mutation) error
	Close() error
}

// FlushObserver is told about every flush attempt.
type FlushObserver func(batch int, elapsed time.Duration, err error)

// Options configures a Store.
type Options struct {
	// FlushDebounce is the delay between the first buffered write and the
	// flush that persists it.
	FlushDebounce time.Duration
	OnFlush       FlushObserver
}

type recordKey struct {
	scope      models.Scope
	collection string
	id         string
}

// Store buffers writes in memory and flushes them to a Backend.
type Store struct {
	backend  Backend
	debounce time.Duration
	onFlush  FlushObserver

	initMu sync.Mutex
	ready  atomic.Bool

	mu       sync.Mutex
	pending  map[recordKey]models.Mutation
	inflight map[recordKey]models.Mutation
	timer    *time.Timer
	closed   bool

	flushMu sync.Mutex
}

// New creates a Store over backend. Initialize must be called before use.
func New(backend Backend, opts Options) *Store {
	return &Store{
		backend:  backend,
		debounce: opts.FlushDebounce,
		onFlush:  opts.OnFlush,
		pending:  make(map[recordKey]models.Mutation),
		inflight: make(map[recordKey]models.Mutation),
	}
}

// Initialize prepares the backend. It is safe to call from several places:
// concurrent callers wait for the first, and a failed attempt can be retried.
func (s *Store) Initialize(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}

	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.ready.Load() {
		return nil
	}
	if err := s.backend.Init(ctx); err != nil {
		return errors.Wrap(errors.ErrLocalStore, "initialize store", err)
	}

	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()

	s.ready.Store(true)
	logging.Info("Local store ready")
	return nil
}

// IsReady reports whether Initialize has completed.
func (s *Store) IsReady() bool {
	return s.ready.Load()
}

// Scope returns a handle confined to scope.
func (s *Store) Scope(scope models.Scope) (*Scoped, error) {
	if err := scope.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid scope", err)
	}
	return &Scoped{store: s, scope: scope}, nil
}

// SaveAsync flushes buffered writes and returns once the backend has
// committed every write executed before the call.
func (s *Store) SaveAsync(ctx context.Context) error {
	if !s.ready.Load() {
		return errors.New(errors.ErrNotReady, "store not initialized")
	}
	return s.flush(ctx)
}

// Close flushes buffered writes and closes the backend.
func (s *Store) Close(ctx context.Context) error {
	if !s.ready.Load() {
		return nil
	}

	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	flushErr := s.flush(ctx)
	s.ready.Store(false)
	if err := s.backend.Close(); err != nil {
		return errors.Wrap(errors.ErrLocalStore, "close backend", err)
	}
	return flushErr
}

// buffer records m and arms the debounce timer.
func (s *Store) buffer(m models.Mutation) error {
	if !s.ready.Load() {
		return errors.New(errors.ErrNotReady, "store not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New(errors.ErrNotReady, "store closed")
	}
	s.pending[recordKey{m.Scope, m.Collection, m.EntityID}] = m
	s.scheduleLocked()
	return nil
}

func (s *Store) scheduleLocked() {
	if s.timer != nil || s.closed {
		return
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.flush(context.Background()); err != nil {
			logging.ErrorWithCode("Debounced flush failed", string(errors.ErrLocalStore), err)
		}
	})
}

// flush writes every buffered mutation in one backend batch. Flushes are
// serialized. On failure the batch is put back under any newer writes and
// the timer is re-armed.
func (s *Store) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.inflight, s.pending = s.pending, make(map[recordKey]models.Mutation)
	batch := make([]models.Mutation, 0, len(s.inflight))
	for _, m := range s.inflight {
		batch = append(batch, m)
	}
	s.mu.Unlock()

	start := time.Now()
	err := s.backend.Write(ctx, batch)
	if s.onFlush != nil {
		s.onFlush(len(batch), time.Since(start), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		for k, m := range s.inflight {
			if _, newer := s.pending[k]; !newer {
				s.pending[k] = m
			}
		}
		s.inflight = make(map[recordKey]models.Mutation)
		s.scheduleLocked()
		return errors.Wrap(errors.ErrLocalStore, "flush", err)
	}

	s.inflight = make(map[recordKey]models.Mutation)
	logging.Debug("Store flushed", map[string]interface{}{
		"mutations":   len(batch),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// overlay returns the buffered mutation for key, newest first.
func (s *Store) overlay(k recordKey) (models.Mutation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.pending[k]; ok {
		return m, true
	}
	m, ok := s.inflight[k]
	return m, ok
}

// buffered returns the buffered mutations of one collection, newest wins.
func (s *Store) buffered(scope models.Scope, collection string) map[string]models.Mutation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]models.Mutation)
	for _, src := range []map[recordKey]models.Mutation{s.inflight, s.pending} {
		for k, m := range src {
			if k.scope == scope && k.collection == collection {
				out[k.id] = m
			}
		}
	}
	return out
}

// Scoped is a store handle confined to one (tenant, user) scope.
type Scoped struct {
	store *Store
	scope models.Scope
}

// Scope returns the scope this handle is confined to.
func (h *Scoped) Scope() models.Scope {
	return h.scope
}

// Query returns every record of collection, including buffered writes.
func (h *Scoped) Query(ctx context.Context, collection string) ([]models.LocalRecord, error) {
	if !h.store.ready.Load() {
		return nil, errors.New(errors.ErrNotReady, "store not initialized")
	}

	// Snapshot the buffer before reading the backend: a flush that lands in
	// between is then covered by either view.
	buffered := h.store.buffered(h.scope, collection)

	rows, err := h.store.backend.List(ctx, h.scope, collection)
	if err != nil {
		return nil, errors.Wrap(errors.ErrLocalStore, "query "+collection, err)
	}

	out := make([]models.LocalRecord, 0, len(rows)+len(buffered))
	for _, rec := range rows {
		if rec.TenantID != h.scope.TenantID || rec.UserID != h.scope.UserID {
			continue
		}
		if m, ok := buffered[rec.EntityID]; ok {
			delete(buffered, rec.EntityID)
			if m.Kind == models.MutationDelete {
				continue
			}
			rec = m.Record()
		}
		out = append(out, rec)
	}

	added := make([]models.LocalRecord, 0, len(buffered))
	for _, m := range buffered {
		if m.Kind == models.MutationUpsert {
			added = append(added, m.Record())
		}
	}
	sort.Slice(added, func(i, j int) bool {
		if !added[i].UpdatedAt.Equal(added[j].UpdatedAt) {
			return added[i].UpdatedAt.Before(added[j].UpdatedAt)
		}
		return added[i].EntityID < added[j].EntityID
	})
	return append(out, added...), nil
}

// Get returns one record, or an ErrNotFound AppError.
func (h *Scoped) Get(ctx context.Context, collection, id string) (*models.LocalRecord, error) {
	if !h.store.ready.Load() {
		return nil, errors.New(errors.ErrNotReady, "store not initialized")
	}

	if m, ok := h.store.overlay(recordKey{h.scope, collection, id}); ok {
		if m.Kind == models.MutationDelete {
			return nil, errors.New(errors.ErrNotFound, collection+"/"+id+" not found")
		}
		rec := m.Record()
		return &rec, nil
	}

	rec, err := h.store.backend.Get(ctx, h.scope, collection, id)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrLocalStore, "get "+collection+"/"+id, err)
	}
	if rec.TenantID != h.scope.TenantID || rec.UserID != h.scope.UserID {
		return nil, errors.New(errors.ErrNotFound, collection+"/"+id+" not found")
	}
	return rec, nil
}

// Execute buffers a mutation. The handle's scope replaces whatever scope the
// mutation carries. The write is visible to reads immediately and durable
// after the next flush or SaveAsync.
func (h *Scoped) Execute(m models.Mutation) error {
	m.Scope = h.scope
	if m.At.IsZero() {
		m.At = time.Now().UTC()
	}
	if err := m.Validate(); err != nil {
		return errors.Wrap(errors.ErrInvalid, "invalid mutation", err)
	}
	return h.store.buffer(m)
}

// Upsert is shorthand for Execute with an upsert mutation.
func (h *Scoped) Upsert(collection, id string, data []byte) error {
	return h.Execute(models.Mutation{
		Kind:       models.MutationUpsert,
		Collection: collection,
		EntityID:   id,
		Data:       data,
	})
}

// Delete is shorthand for Execute with a delete mutation.
func (h *Scoped) Delete(collection, id string) error {
	return h.Execute(models.Mutation{
		Kind:       models.MutationDelete,
		Collection: collection,
		EntityID:   id,
	})
}
