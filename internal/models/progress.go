package models

// SyncProgress is the ephemeral progress snapshot of the current outbound
// drain pass and inbound load pass. It is broadcast, never persisted.
type SyncProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	InboundTotal     int `json:"inbound_total"`
	InboundCompleted int `json:"inbound_completed"`
}

// OutboundDone reports whether every entry of the outbound pass has settled.
func (p SyncProgress) OutboundDone() bool {
	return p.Completed+p.Failed == p.Total
}

// InboundDone reports whether the inbound pass has finished.
func (p SyncProgress) InboundDone() bool {
	return p.InboundCompleted == p.InboundTotal
}
