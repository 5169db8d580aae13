package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/tenantsync/internal/errors"
	"github.com/kimhsiao/tenantsync/internal/logging"
	"github.com/kimhsiao/tenantsync/internal/models"
)

// Sender applies one entry to the remote service.
type Sender interface {
	Send(ctx context.Context, entry models.SyncQueueEntry) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, entry models.SyncQueueEntry) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, entry models.SyncQueueEntry) error {
	return f(ctx, entry)
}

// Outcome is what happened to one entry during a drain.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomePaused    Outcome = "paused"
)

// DrainEvent is reported after every entry a drain attempts.
type DrainEvent struct {
	Entry    models.SyncQueueEntry
	Outcome  Outcome
	Err      error
	Progress models.SyncProgress
}

// Observer receives drain events. It is called from drain workers and must
// not block.
type Observer func(DrainEvent)

// DrainResult summarizes one drain pass.
type DrainResult struct {
	// Total is the number of entries the pass attempted to finish. Entries
	// that were deferred mid-pass are subtracted, so at the end
	// Completed+Failed == Total.
	Total     int  `json:"total"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Retried   int  `json:"retried"`
	Deferred  int  `json:"deferred"`
	Paused    bool `json:"paused"`
	Skipped   bool `json:"skipped"`
}

// pass is the shared state of one drain.
type pass struct {
	q        *Queue
	sender   Sender
	observer Observer

	mu       sync.Mutex
	result   DrainResult
	pauseErr error
}

// Drain sends every ready entry. Chains for different records run in
// parallel up to the configured concurrency; each chain is sequential.
//
// An ErrAuthExpired, ErrReauthRequired or ErrScopeChanged from the sender,
// or a send cut short by ctx, pauses the whole pass: the entry returns to
// pending without counting an attempt, no further sends start, and the
// error is returned with Paused set. A second
// Drain while one is running returns immediately with Skipped set.
func (q *Queue) Drain(ctx context.Context, sender Sender, observer Observer) (DrainResult, error) {
	if !q.draining.CompareAndSwap(false, true) {
		return DrainResult{Skipped: true}, nil
	}
	defer q.draining.Store(false)

	chains, deferred := q.plan()
	p := &pass{q: q, sender: sender, observer: observer}
	p.result.Deferred = deferred
	for _, c := range chains {
		p.result.Total += len(c)
	}
	if p.result.Total == 0 {
		return p.result, nil
	}

	logging.Info("Drain started", map[string]interface{}{
		"scope":    q.store.Scope().String(),
		"entries":  p.result.Total,
		"chains":   len(chains),
		"deferred": deferred,
	})

	var g errgroup.Group
	g.SetLimit(q.opts.Concurrency)
	for _, chain := range chains {
		chain := chain
		g.Go(func() error {
			p.runChain(ctx, chain)
			return nil
		})
	}
	_ = g.Wait()

	res, pauseErr := p.snapshot()
	logging.Info("Drain finished", map[string]interface{}{
		"scope":     q.store.Scope().String(),
		"completed": res.Completed,
		"failed":    res.Failed,
		"retried":   res.Retried,
		"deferred":  res.Deferred,
		"paused":    res.Paused,
	})

	if pauseErr != nil {
		return res, pauseErr
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// IsDraining reports whether a drain is running.
func (q *Queue) IsDraining() bool {
	return q.draining.Load()
}

// plan groups ready entries into per-record chains. A chain is the FIFO
// prefix of a record's entries that are pending and not backing off; the
// rest of that record's pending entries are counted as deferred.
func (q *Queue) plan() (chains [][]string, deferred int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	type group struct {
		ids     []string
		blocked bool
	}
	groups := make(map[string]*group)
	var order []string

	for _, e := range q.sortedLocked() {
		key := e.RecordKey()
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		ready := e.Status == models.EntryStatusPending && !e.NextAttemptAt.After(now)
		if g.blocked || !ready {
			g.blocked = true
			if e.Status == models.EntryStatusPending {
				deferred++
			}
			continue
		}
		g.ids = append(g.ids, e.ID)
	}

	for _, key := range order {
		if ids := groups[key].ids; len(ids) > 0 {
			chains = append(chains, ids)
		}
	}
	return chains, deferred
}

func (p *pass) runChain(ctx context.Context, ids []string) {
	for i, id := range ids {
		if p.paused() || ctx.Err() != nil {
			p.skip(len(ids) - i)
			return
		}

		entry, ok := p.q.markSyncing(id)
		if !ok {
			// Removed or retried elsewhere since planning.
			p.skip(1)
			continue
		}

		err := p.sender.Send(ctx, entry)
		outcome := p.q.settle(entry.ID, err, err != nil && ctx.Err() != nil)

		if outcome != OutcomeCompleted {
			// Later entries for the record must not overtake this one.
			p.record(entry, outcome, err, len(ids)-i-1)
			return
		}
		p.record(entry, outcome, err, 0)
	}
}

func (p *pass) paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result.Paused
}

// skip removes n not-attempted entries from the pass total.
func (p *pass) skip(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.result.Total -= n
	p.result.Deferred += n
	p.mu.Unlock()
}

// record applies one outcome and skips the rest of its chain in the same
// step, so observers never see a transiently inflated total.
func (p *pass) record(entry models.SyncQueueEntry, outcome Outcome, err error, rest int) {
	p.mu.Lock()
	p.result.Total -= rest
	p.result.Deferred += rest
	switch outcome {
	case OutcomeCompleted:
		p.result.Completed++
	case OutcomeFailed:
		p.result.Failed++
	case OutcomeRetried:
		p.result.Total--
		p.result.Retried++
	case OutcomePaused:
		p.result.Total--
		p.result.Deferred++
		if !p.result.Paused {
			p.result.Paused = true
			p.pauseErr = err
		}
	}
	progress := models.SyncProgress{
		Total:     p.result.Total,
		Completed: p.result.Completed,
		Failed:    p.result.Failed,
	}
	p.mu.Unlock()

	if p.observer != nil {
		if outcome == OutcomeCompleted {
			entry.Status = models.EntryStatusDone
		} else if updated, gerr := p.q.Get(entry.ID); gerr == nil {
			entry = updated
		}
		p.observer(DrainEvent{Entry: entry, Outcome: outcome, Err: err, Progress: progress})
	}
}

func (p *pass) snapshot() (DrainResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.pauseErr
}

// markSyncing transitions a pending entry to syncing and returns a copy.
func (q *Queue) markSyncing(id string) (models.SyncQueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok || e.Status != models.EntryStatusPending {
		return models.SyncQueueEntry{}, false
	}
	now := q.now().UTC()
	e.Status = models.EntryStatusSyncing
	e.LastAttemptAt = &now
	if err := q.persistLocked(e); err != nil {
		logging.Error("Failed to persist syncing state", err, map[string]interface{}{"entry_id": id})
	}
	return e.Clone(), true
}

// settle applies a send result to the entry and returns the outcome.
// interrupted reports that the pass was cancelled while the send ran.
func (q *Queue) settle(id string, sendErr error, interrupted bool) Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return OutcomeCompleted
	}

	fields := map[string]interface{}{
		"entry_id":    e.ID,
		"entity_type": e.EntityType,
		"record_id":   e.RecordID,
		"operation":   string(e.Operation),
	}

	var outcome Outcome
	switch {
	case sendErr == nil:
		if err := q.removeLocked(e); err != nil {
			// The stale row is resent after a restart under the same
			// idempotency key.
			logging.Error("Failed to remove completed entry", err, fields)
			delete(q.entries, e.ID)
		}
		return OutcomeCompleted

	case errors.Is(sendErr, errors.ErrAuthExpired), errors.Is(sendErr, errors.ErrReauthRequired):
		e.Status = models.EntryStatusPending
		outcome = OutcomePaused
		logging.Warn("Drain paused on expired session", fields)

	case errors.Is(sendErr, errors.ErrScopeChanged), interrupted:
		e.Status = models.EntryStatusPending
		outcome = OutcomePaused
		logging.Warn("Drain interrupted", fields, map[string]interface{}{"error": sendErr.Error()})

	case errors.Is(sendErr, errors.ErrRemoteRejected):
		e.AttemptCount++
		e.LastError = sendErr.Error()
		e.Status = models.EntryStatusFailed
		outcome = OutcomeFailed
		logging.Warn("Sync entry rejected by remote", fields, map[string]interface{}{"error": e.LastError})

	default:
		e.AttemptCount++
		e.LastError = sendErr.Error()
		if e.AttemptCount >= q.opts.MaxAttempts {
			e.Status = models.EntryStatusFailed
			outcome = OutcomeFailed
			logging.Warn("Sync entry failed permanently", fields, map[string]interface{}{
				"attempts": e.AttemptCount,
				"error":    e.LastError,
			})
		} else {
			delay := q.Backoff(e.AttemptCount)
			e.Status = models.EntryStatusPending
			e.NextAttemptAt = q.now().Add(delay)
			outcome = OutcomeRetried
			logging.Warn("Sync entry will be retried", fields, map[string]interface{}{
				"attempts": e.AttemptCount,
				"backoff":  delay.String(),
				"error":    e.LastError,
			})
		}
	}

	if err := q.persistLocked(e); err != nil {
		logging.Error("Failed to persist entry state", err, fields)
	}
	return outcome
}
