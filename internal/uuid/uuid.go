// Package uuid generates identifiers for queue entries, records and
// idempotency keys.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a random UUID v4, used for record ids created offline.
func New() string {
	return uuid.New().String()
}

// NewOrdered generates a time-ordered UUID v7. Queue entry ids use it so
// that the id doubles as a stable idempotency key that sorts by creation.
func NewOrdered() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// IsValid checks if a string is a canonical, dashed UUID of any version.
func IsValid(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// Validate returns an error if the string is not a valid UUID.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	return nil
}
