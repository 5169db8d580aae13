// Package conflict decides whether an inbound record may overwrite the
// local copy.
//
// A conflict exists when the queue still holds an outstanding entry for the
// record: the local copy carries edits the server has not seen.
package conflict

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/tenantsync/internal/logging"
	"github.com/kimhsiao/tenantsync/internal/models"
	"github.com/kimhsiao/tenantsync/internal/uuid"
)

// Strategy selects how conflicts are resolved.
type Strategy string

const (
	// StrategyLocalPendingWins keeps the local copy while any entry for the
	// record is outstanding. The server value becomes authoritative once
	// the record's queue is empty.
	StrategyLocalPendingWins Strategy = "local_pending_wins"
	// StrategyRemoteWins always applies the inbound record.
	StrategyRemoteWins Strategy = "remote_wins"
	// StrategyLastWriteWins keeps whichever side has the newer timestamp.
	StrategyLastWriteWins Strategy = "last_write_wins"
)

// Resolutions recorded in conflict logs.
const (
	ResolutionLocalWins  = "local_wins"
	ResolutionRemoteWins = "remote_wins"
)

// ParseStrategy converts a configuration string into a Strategy. The empty
// string selects StrategyLocalPendingWins.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyLocalPendingWins, nil
	case StrategyLocalPendingWins, StrategyRemoteWins, StrategyLastWriteWins:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// PendingChecker reports whether local edits to a record are outstanding.
type PendingChecker interface {
	Holds(entityType, recordID string) bool
}

// Incoming is a record delivered by the server.
type Incoming struct {
	EntityType string
	RecordID   string
	Data       json.RawMessage
	UpdatedAt  time.Time
	Deleted    bool
}

// Decision is the outcome of Resolve.
type Decision struct {
	// Apply is true when the inbound record should be written locally.
	Apply bool
	// Conflict is set when outstanding local edits were involved.
	Conflict *models.ConflictLog
}

// Resolver applies a Strategy.
type Resolver struct {
	strategy Strategy
	pending  PendingChecker
	now      func() time.Time
}

// NewResolver creates a Resolver. pending is consulted for every record.
func NewResolver(strategy Strategy, pending PendingChecker) *Resolver {
	if strategy == "" {
		strategy = StrategyLocalPendingWins
	}
	return &Resolver{strategy: strategy, pending: pending, now: time.Now}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// Resolve decides what to do with in given the current local copy, which
// may be nil.
func (r *Resolver) Resolve(in Incoming, local *models.LocalRecord) Decision {
	held := r.pending != nil && r.pending.Holds(in.EntityType, in.RecordID)

	if !held {
		// Without outstanding edits the server is authoritative, except that
		// last-write-wins still refuses an event older than the local copy.
		if r.strategy == StrategyLastWriteWins && local != nil && isStale(in, local) {
			logging.Debug("Ignoring stale inbound record", map[string]interface{}{
				"entity_type": in.EntityType,
				"record_id":   in.RecordID,
			})
			return Decision{Apply: false}
		}
		return Decision{Apply: true}
	}

	var localAt time.Time
	if local != nil {
		localAt = local.UpdatedAt
	}

	resolution := ResolutionLocalWins
	switch r.strategy {
	case StrategyRemoteWins:
		resolution = ResolutionRemoteWins
	case StrategyLastWriteWins:
		if in.UpdatedAt.After(localAt) {
			resolution = ResolutionRemoteWins
		}
	}

	log := &models.ConflictLog{
		ID:              uuid.NewOrdered(),
		EntityType:      in.EntityType,
		RecordID:        in.RecordID,
		LocalUpdatedAt:  localAt,
		RemoteUpdatedAt: in.UpdatedAt,
		Resolution:      resolution,
		Strategy:        string(r.strategy),
		DetectedAt:      r.now().UTC(),
	}

	logging.Warn("Inbound record conflicts with pending local edits", map[string]interface{}{
		"entity_type":       in.EntityType,
		"record_id":         in.RecordID,
		"local_updated_at":  localAt,
		"remote_updated_at": in.UpdatedAt,
		"strategy":          string(r.strategy),
		"resolution":        resolution,
	})

	return Decision{Apply: resolution == ResolutionRemoteWins, Conflict: log}
}

func isStale(in Incoming, local *models.LocalRecord) bool {
	if in.UpdatedAt.IsZero() || local.UpdatedAt.IsZero() {
		return false
	}
	return in.UpdatedAt.Before(local.UpdatedAt)
}
