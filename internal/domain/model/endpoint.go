package model

import "time"

type EndpointStatus string

const (
	EndpointUnconnected  EndpointStatus = "unconnected"
	EndpointConnecting   EndpointStatus = "connecting"
	EndpointConnected    EndpointStatus = "connected"
	EndpointReconnecting EndpointStatus = "reconnecting"
	EndpointFailed       EndpointStatus = "failed"
)

// Endpoint is one relay address plus its connection bookkeeping.
// Endpoints are created from configuration at startup and never removed
// while the engine runs; past the retry ceiling they are only marked
// failed until an external reset.
type Endpoint struct {
	Address  string         `json:"address"`
	Status   EndpointStatus `json:"status"`
	Attempts int            `json:"attempts"`
	LastSeen time.Time      `json:"last_seen"`
}
