package models

import "time"

// ConnectionState is the tri-state reachability of the remote service.
type ConnectionState string

const (
	ConnectionChecking ConnectionState = "checking"
	ConnectionOnline   ConnectionState = "online"
	ConnectionOffline  ConnectionState = "offline"
)

// ConnectionStatus is the last known reachability of the remote service.
type ConnectionStatus struct {
	State         ConnectionState `json:"state"`
	LastCheckedAt time.Time       `json:"last_checked_at"`
}
