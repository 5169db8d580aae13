// Package models provides data model definitions for the sync subsystem.
package models

import (
	"fmt"
	"strings"
)

// Scope is the tenant/user isolation key attached to every stored record and
// queue entry. UserID may be empty for tenant-wide rows.
type Scope struct {
	TenantID string `json:"tenant_id" msgpack:"tenant_id"`
	UserID   string `json:"user_id,omitempty" msgpack:"user_id"`
}

// Validate checks that the scope can be used as a storage key.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.TenantID) == "" {
		return fmt.Errorf("scope: tenant id is required")
	}
	if strings.ContainsAny(s.TenantID, "/\x00") || strings.ContainsAny(s.UserID, "/\x00") {
		return fmt.Errorf("scope: ids must not contain '/' or NUL")
	}
	return nil
}

// String returns "tenant/user" (user may be empty).
func (s Scope) String() string {
	return s.TenantID + "/" + s.UserID
}
