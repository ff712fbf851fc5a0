package models

import (
	"time"
)

// Session is the coordinator-side record of one registered endpoint's live
// connection. Owned exclusively by the session registry; handler goroutines
// mutate it only through the registry so that LastSeenAt stays monotone and
// the single-task invariant holds.
type Session struct {
	ID                   string
	EndpointName         string
	RemoteAddress        string
	RemotePort           int
	HardwareDescription  string
	AcceleratorAvailable bool
	ConnectedAt          time.Time
	LastSeenAt           time.Time
	State                EndpointState
	CPULoad              float64
	CurrentTaskID        string
}

// Stale reports whether the session has gone quiet for longer than window.
// Staleness is the only liveness signal: there is no explicit offline
// message in the protocol.
func (s Session) Stale(window time.Duration, now time.Time) bool {
	return now.Sub(s.LastSeenAt) > window
}
