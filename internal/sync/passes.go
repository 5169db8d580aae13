package sync

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/logging"
	"github.com/kimhsiao/tenantsync/internal/models"
	"github.com/kimhsiao/tenantsync/internal/realtime"
	"github.com/kimhsiao/tenantsync/internal/remote"
	"github.com/kimhsiao/tenantsync/internal/sync/conflict"
	"github.com/kimhsiao/tenantsync/internal/sync/queue"
)

// Drain runs one outbound pass. It is a no-op unless the monitor reports
// online and the session holds a usable token, renewing it first if due.
// When the remote rejects the token mid-pass, the token is refreshed and
// the pass resumes from the entry that was paused. A pass stops without
// counting an attempt once the session no longer belongs to its scope.
func (c *Coordinator) Drain(ctx context.Context) (queue.DrainResult, error) {
	b := c.binding()
	if b == nil || !c.canDrain() {
		return queue.DrainResult{}, nil
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	defer context.AfterFunc(b.ctx, stop)()

	if c.sessions != nil && c.sessions.NeedsRenewal() {
		if _, err := c.sessions.RefreshToken(ctx); err != nil {
			logging.Warn("Token renewal before drain failed", map[string]interface{}{"error": err.Error()})
		}
		if c.sessions.IsExpired() {
			return queue.DrainResult{}, nil
		}
	}

	if !c.draining.CompareAndSwap(false, true) {
		return queue.DrainResult{Skipped: true}, nil
	}
	defer func() {
		c.draining.Store(false)
		c.publishStatus()
	}()
	c.publishStatus()

	var total queue.DrainResult
	var base models.SyncProgress
	observer := func(ev queue.DrainEvent) {
		c.mu.Lock()
		c.progress.Total = base.Total + ev.Progress.Total
		c.progress.Completed = base.Completed + ev.Progress.Completed
		c.progress.Failed = base.Failed + ev.Progress.Failed
		c.mu.Unlock()
		c.publishProgress()
		if c.opts.OnDrainEvent != nil {
			c.opts.OnDrainEvent(ev)
		}
	}

	c.mu.Lock()
	c.progress.Total, c.progress.Completed, c.progress.Failed = 0, 0, 0
	c.mu.Unlock()

	sender := queue.SenderFunc(func(ctx context.Context, entry models.SyncQueueEntry) error {
		if !c.sessionOwns(entry.Scope()) {
			return errors.New(errors.ErrScopeChanged, "session no longer belongs to "+entry.Scope().String())
		}
		return c.remote.Send(ctx, entry)
	})

	for resumes := 0; ; resumes++ {
		res, err := b.queue.Drain(ctx, sender, observer)
		if res.Skipped {
			return res, nil
		}
		total.Total += res.Total
		total.Completed += res.Completed
		total.Failed += res.Failed
		total.Retried += res.Retried
		total.Deferred = res.Deferred
		total.Paused = res.Paused
		base.Total += res.Total
		base.Completed += res.Completed
		base.Failed += res.Failed

		c.mu.Lock()
		c.progress.Total, c.progress.Completed, c.progress.Failed = base.Total, base.Completed, base.Failed
		c.mu.Unlock()

		if err == nil {
			return total, nil
		}
		if errors.Is(err, errors.ErrScopeChanged) || b.ctx.Err() != nil {
			logging.Info("Drain stopped, session scope changed", map[string]interface{}{
				"scope":    b.scope.String(),
				"deferred": total.Deferred,
			})
			return total, nil
		}
		if !errors.Is(err, errors.ErrAuthExpired) || c.sessions == nil || resumes >= c.opts.MaxAuthResumes {
			return total, err
		}

		c.sessions.MarkExpired()
		if _, rerr := c.sessions.RefreshToken(ctx); rerr != nil {
			logging.Warn("Drain paused until reauthentication", map[string]interface{}{"error": rerr.Error()})
			return total, rerr
		}
		logging.Info("Token renewed, resuming drain", map[string]interface{}{"resume": resumes + 1})
	}
}

// sessionOwns reports whether the current session acts for scope.
func (c *Coordinator) sessionOwns(scope models.Scope) bool {
	if c.sessions == nil {
		return true
	}
	s, ok := c.sessions.Session()
	return ok && s.Scope() == scope
}

func (c *Coordinator) canDrain() bool {
	if c.monitor != nil && !c.monitor.IsOnline() {
		return false
	}
	if c.sessions != nil {
		if _, ok := c.sessions.Session(); !ok || c.sessions.ReauthRequired() {
			return false
		}
	}
	return true
}

// LoadInbound fetches every record of the entity types from the remote and
// writes them locally through the conflict policy. Only one inbound pass
// runs at a time; the store is flushed before the pass reports success.
func (c *Coordinator) LoadInbound(ctx context.Context, entityTypes []string) (InboundResult, error) {
	b, err := c.requireBinding()
	if err != nil {
		return InboundResult{}, err
	}
	if c.monitor != nil && !c.monitor.IsOnline() {
		return InboundResult{}, errors.New(errors.ErrTransport, "remote is offline")
	}
	if len(entityTypes) == 0 {
		entityTypes = c.opts.EntityTypes
	}
	if !c.loading.CompareAndSwap(false, true) {
		return InboundResult{Skipped: true}, nil
	}
	defer func() {
		c.loading.Store(false)
		c.publishStatus()
	}()

	c.mu.Lock()
	c.progress.InboundTotal, c.progress.InboundCompleted = 0, 0
	c.mu.Unlock()
	c.publishStatus()

	logging.Info("Inbound load started", map[string]interface{}{
		"scope":        b.scope.String(),
		"entity_types": entityTypes,
	})

	var res InboundResult
	for _, entityType := range entityTypes {
		if err := c.loadEntity(ctx, b, entityType, &res); err != nil {
			logging.Error("Inbound load failed", err, map[string]interface{}{"entity_type": entityType})
			return res, err
		}
	}

	if err := c.store.SaveAsync(ctx); err != nil {
		return res, err
	}

	c.mu.Lock()
	c.lastLoadedAt = c.now()
	c.mu.Unlock()

	logging.Info("Inbound load finished", map[string]interface{}{
		"scope":     b.scope.String(),
		"completed": res.Completed,
	})
	return res, nil
}

func (c *Coordinator) loadEntity(ctx context.Context, b *binding, entityType string, res *InboundResult) error {
	cursor := ""
	for {
		page, err := c.fetchPage(ctx, b.scope, entityType, cursor)
		if err != nil {
			return err
		}

		res.Total += len(page.Records)
		c.mu.Lock()
		c.progress.InboundTotal += len(page.Records)
		c.mu.Unlock()
		c.publishProgress()

		for _, rec := range page.Records {
			in := conflict.Incoming{
				EntityType: entityType,
				RecordID:   rec.ID,
				Data:       rec.Data,
				UpdatedAt:  rec.UpdatedAt,
				Deleted:    rec.Deleted,
			}
			if err := c.applyInbound(ctx, b, in); err != nil {
				return err
			}
			res.Completed++
			c.mu.Lock()
			c.progress.InboundCompleted++
			c.mu.Unlock()
			c.publishProgress()
		}

		if page.NextCursor == "" || page.NextCursor == cursor {
			return nil
		}
		cursor = page.NextCursor
	}
}

// fetchPage fetches one page, renewing the token once if it was rejected.
func (c *Coordinator) fetchPage(ctx context.Context, scope models.Scope, entityType, cursor string) (remote.Page, error) {
	page, err := c.remote.Fetch(ctx, scope, entityType, cursor)
	if err == nil || !errors.Is(err, errors.ErrAuthExpired) || c.sessions == nil {
		return page, err
	}
	c.sessions.MarkExpired()
	if _, rerr := c.sessions.RefreshToken(ctx); rerr != nil {
		return remote.Page{}, rerr
	}
	return c.remote.Fetch(ctx, scope, entityType, cursor)
}

// applyInbound writes one server record through the conflict policy.
func (c *Coordinator) applyInbound(ctx context.Context, b *binding, in conflict.Incoming) error {
	if in.RecordID == "" {
		return nil
	}

	local, err := b.scoped.Get(ctx, in.EntityType, in.RecordID)
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			return err
		}
		local = nil
	}

	decision := b.resolver.Resolve(in, local)
	if decision.Conflict != nil {
		data, err := json.Marshal(decision.Conflict)
		if err == nil {
			err = b.scoped.Upsert(models.ConflictCollection, decision.Conflict.ID, data)
		}
		if err != nil {
			logging.Error("Failed to record conflict", err, map[string]interface{}{"record_id": in.RecordID})
		}
	}
	if !decision.Apply {
		return nil
	}

	if in.Deleted {
		return b.scoped.Delete(in.EntityType, in.RecordID)
	}
	at := in.UpdatedAt
	if at.IsZero() {
		at = c.now().UTC()
	}
	return b.scoped.Execute(models.Mutation{
		Kind:       models.MutationUpsert,
		Collection: in.EntityType,
		EntityID:   in.RecordID,
		Data:       in.Data,
		At:         at,
	})
}

// HandleRealtimeEvent writes a server-pushed record to the local store. It
// never goes through the queue.
func (c *Coordinator) HandleRealtimeEvent(msg realtime.Message) error {
	b, err := c.requireBinding()
	if err != nil {
		return err
	}
	if msg.TenantID != b.scope.TenantID || (msg.UserID != "" && msg.UserID != b.scope.UserID) {
		logging.Warn("Dropping realtime event outside the active scope", map[string]interface{}{
			"event":     msg.Event,
			"tenant_id": msg.TenantID,
		})
		return nil
	}
	if msg.EntityType == "" || msg.RecordID == "" {
		return errors.New(errors.ErrInvalid, "realtime event without entity type or record id")
	}

	ctx, cancel := context.WithTimeout(c.baseContext(), 10*time.Second)
	defer cancel()
	return c.applyInbound(ctx, b, conflict.Incoming{
		EntityType: msg.EntityType,
		RecordID:   msg.RecordID,
		Data:       msg.Data,
		UpdatedAt:  msg.UpdatedAt,
		Deleted:    msg.Event == realtime.EventRecordDeleted,
	})
}
