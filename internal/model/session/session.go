package session

import "time"

// State enumerates the lifecycle of a tenant's messaging session.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateAwaitingScan
	StateAuthenticated
	StateDisconnected
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAwaitingScan:
		return "awaiting_scan"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "uninitialized"
	}
}

// Session is a read-only snapshot of a tenant's session as seen by callers
// outside the registry.
type Session struct {
	TenantID    string    `json:"tenantId"`
	State       State     `json:"-"`
	StateName   string    `json:"state"`
	ScanPayload string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}
