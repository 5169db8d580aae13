package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// LocalRecord is a generic row in the persistent store.
type LocalRecord struct {
	TenantID   string          `json:"tenant_id" msgpack:"tenant_id"`
	UserID     string          `json:"user_id,omitempty" msgpack:"user_id"`
	Collection string          `json:"collection" msgpack:"collection"`
	EntityID   string          `json:"entity_id" msgpack:"entity_id"`
	Data       json.RawMessage `json:"data" msgpack:"data"`
	UpdatedAt  time.Time       `json:"updated_at" msgpack:"updated_at"`
}

// Scope returns the isolation key of the record.
func (r *LocalRecord) Scope() Scope {
	return Scope{TenantID: r.TenantID, UserID: r.UserID}
}

// MutationKind selects the write a Mutation performs.
type MutationKind string

const (
	MutationUpsert MutationKind = "upsert"
	MutationDelete MutationKind = "delete"
)

// Mutation is one write against the local store.
type Mutation struct {
	Kind       MutationKind
	Scope      Scope
	Collection string
	EntityID   string
	Data       json.RawMessage
	At         time.Time
}

// Validate checks the fields every backend relies on.
func (m *Mutation) Validate() error {
	if err := m.Scope.Validate(); err != nil {
		return err
	}
	if m.Kind != MutationUpsert && m.Kind != MutationDelete {
		return fmt.Errorf("mutation: unknown kind %q", m.Kind)
	}
	if m.Collection == "" || strings.Contains(m.Collection, "/") {
		return fmt.Errorf("mutation: invalid collection %q", m.Collection)
	}
	if m.EntityID == "" {
		return fmt.Errorf("mutation: entity id is required")
	}
	return nil
}

// Record materializes an upsert as the row it produces.
func (m *Mutation) Record() LocalRecord {
	return LocalRecord{
		TenantID:   m.Scope.TenantID,
		UserID:     m.Scope.UserID,
		Collection: m.Collection,
		EntityID:   m.EntityID,
		Data:       m.Data,
		UpdatedAt:  m.At,
	}
}
