package capability

import (
	"context"
	"errors"
)

var (
	// ErrRecipientNotFound means the identifier resolved to no account on the
	// provider side. Callers treat it as a per-recipient skip, not a failure.
	ErrRecipientNotFound = errors.New("recipient not registered")
)

// EventKind enumerates the session events a handle may emit.
type EventKind int

const (
	// EventQRCode carries a fresh pairing code in Payload.
	EventQRCode EventKind = iota
	// EventAuthenticated fires once the session is logged in, either after a
	// scan or immediately when stored credentials restore the session.
	EventAuthenticated
	// EventDisconnected fires when the provider drops the session.
	EventDisconnected
)

// Event is one session lifecycle signal from the provider.
type Event struct {
	Kind    EventKind
	Payload string
}

// Recipient is a provider-specific sendable identity, produced by
// ResolveRecipient and consumed by SendText.
type Recipient struct {
	ID string
}

// Handle is one live connection to the messaging provider for a single
// tenant. Events must be drained by the owner; the channel closes when the
// handle shuts down.
type Handle interface {
	Events() <-chan Event
	ResolveRecipient(ctx context.Context, digits string) (Recipient, error)
	SendText(ctx context.Context, to Recipient, body string) error
	Logout(ctx context.Context) error
	Close()
}

// Provider creates handles. Exactly one live handle per tenant is the
// caller's responsibility; Connect itself is stateless.
type Provider interface {
	Connect(ctx context.Context, tenantID string) (Handle, error)
}
