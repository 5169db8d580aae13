package models

import "time"

// ConflictCollection is the store collection holding conflict records.
const ConflictCollection = "_conflicts"

// ConflictLog records an inbound change that met outstanding local edits,
// kept for user awareness.
type ConflictLog struct {
	ID              string    `json:"id"`
	EntityType      string    `json:"entity_type"`
	RecordID        string    `json:"record_id"`
	LocalUpdatedAt  time.Time `json:"local_updated_at"`
	RemoteUpdatedAt time.Time `json:"remote_updated_at"`
	// Resolution is the strategy outcome: local_wins or remote_wins.
	Resolution string    `json:"resolution"`
	Strategy   string    `json:"strategy"`
	DetectedAt time.Time `json:"detected_at"`
}
