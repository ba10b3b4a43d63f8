package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/ECSERP/whatsapp-backend/internal/capability"
	model "github.com/ECSERP/whatsapp-backend/internal/model/session"
	"github.com/ECSERP/whatsapp-backend/internal/notify"
)

var ErrSessionNotFound = errors.New("session not found")

// entry is the registry's mutable record for one tenant. All fields are
// guarded by the registry mutex.
type entry struct {
	tenantID    string
	state       model.State
	scanPayload string
	handle      capability.Handle
	recovery    *time.Timer
	destroyed   bool
	createdAt   time.Time
}

// Registry owns one session state machine per tenant. It is the only
// component that mutates session state; everyone else reads snapshots.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry

	provider      capability.Provider
	notifier      notify.Notifier
	recoveryDelay time.Duration
	log           zerolog.Logger

	// base scopes session goroutines to the process lifetime rather than to
	// the request that first touched the tenant.
	base context.Context
}

// NewRegistry wires the registry to its provider and notifier. ctx bounds all
// background session work.
func NewRegistry(ctx context.Context, provider capability.Provider, notifier notify.Notifier, recoveryDelay time.Duration, log zerolog.Logger) *Registry {
	if recoveryDelay <= 0 {
		recoveryDelay = 2 * time.Second
	}
	return &Registry{
		sessions:      make(map[string]*entry),
		provider:      provider,
		notifier:      notifier,
		recoveryDelay: recoveryDelay,
		log:           log.With().Str("component", "session").Logger(),
		base:          ctx,
	}
}

// GetOrCreate returns the tenant's session, creating one in INITIALIZING
// state on first contact. Creation is idempotent: concurrent callers for the
// same tenant share a single in-flight connect.
func (r *Registry) GetOrCreate(tenantID string) model.Session {
	r.mu.Lock()
	if e, ok := r.sessions[tenantID]; ok {
		snap := snapshot(e)
		r.mu.Unlock()
		return snap
	}

	e := &entry{
		tenantID:  tenantID,
		state:     model.StateInitializing,
		createdAt: time.Now().UTC(),
	}
	r.sessions[tenantID] = e
	snap := snapshot(e)
	r.mu.Unlock()

	r.log.Info().Str("tenant", tenantID).Msg("creating session")
	go r.connect(e)

	return snap
}

// connect requests a capability handle and starts the event pump. On failure
// the session stays INITIALIZING; this degraded mode is logged, not fatal.
func (r *Registry) connect(e *entry) {
	handle, err := r.provider.Connect(r.base, e.tenantID)
	if err != nil {
		r.log.Error().Err(err).Str("tenant", e.tenantID).Msg("capability init failed, session stuck initializing")
		return
	}

	r.mu.Lock()
	if e.destroyed || r.sessions[e.tenantID] != e {
		r.mu.Unlock()
		handle.Close()
		return
	}
	e.handle = handle
	r.mu.Unlock()

	go r.pump(e, handle)
}

// pump drives state transitions from capability events until the handle's
// event channel closes.
func (r *Registry) pump(e *entry, h capability.Handle) {
	for ev := range h.Events() {
		switch ev.Kind {
		case capability.EventQRCode:
			r.onScanChallenge(e, ev.Payload)
		case capability.EventAuthenticated:
			r.onAuthenticated(e)
		case capability.EventDisconnected:
			r.onDisconnected(e, h)
		}
	}
}

func (r *Registry) onScanChallenge(e *entry, code string) {
	payload, err := encodeScanPayload(code)
	if err != nil {
		r.log.Error().Err(err).Str("tenant", e.tenantID).Msg("failed to encode scan payload")
		return
	}

	r.mu.Lock()
	if e.destroyed {
		r.mu.Unlock()
		return
	}
	e.state = model.StateAwaitingScan
	e.scanPayload = payload
	r.mu.Unlock()

	r.log.Debug().Str("tenant", e.tenantID).Msg("scan challenge issued")
	r.notifier.Publish(e.tenantID, notify.Event{Name: notify.EventQRCode, Data: payload})
}

func (r *Registry) onAuthenticated(e *entry) {
	r.mu.Lock()
	if e.destroyed {
		r.mu.Unlock()
		return
	}
	e.state = model.StateAuthenticated
	e.scanPayload = ""
	r.mu.Unlock()

	r.log.Info().Str("tenant", e.tenantID).Msg("session authenticated")
	r.notifier.Publish(e.tenantID, notify.Event{Name: notify.EventAuthenticated, Data: true})
}

// onDisconnected tears the handle down and arms the recovery timer. destroy()
// cancels the timer so a deliberately removed tenant is not resurrected.
func (r *Registry) onDisconnected(e *entry, h capability.Handle) {
	r.mu.Lock()
	if e.destroyed || r.sessions[e.tenantID] != e {
		r.mu.Unlock()
		return
	}
	e.state = model.StateDisconnected
	e.scanPayload = ""
	e.handle = nil
	e.recovery = time.AfterFunc(r.recoveryDelay, func() { r.recover(e) })
	r.mu.Unlock()

	h.Close()

	r.log.Warn().Str("tenant", e.tenantID).Dur("recovery_in", r.recoveryDelay).Msg("session disconnected")
	r.notifier.Publish(e.tenantID, notify.Event{Name: notify.EventAuthenticated, Data: false})
}

// recover replaces a disconnected session with a fresh one under the same
// tenant id.
func (r *Registry) recover(old *entry) {
	r.mu.Lock()
	if old.destroyed || r.sessions[old.tenantID] != old {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, old.tenantID)
	r.mu.Unlock()

	r.log.Info().Str("tenant", old.tenantID).Msg("recovering session")
	r.GetOrCreate(old.tenantID)
}

// IsAuthenticated reports whether the tenant currently holds an authenticated
// session. Unknown tenants are simply not authenticated.
func (r *Registry) IsAuthenticated(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[tenantID]
	return ok && e.state == model.StateAuthenticated
}

// LatestScanPayload returns the current scan payload, valid only while the
// session awaits a scan.
func (r *Registry) LatestScanPayload(tenantID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[tenantID]
	if !ok || e.state != model.StateAwaitingScan || e.scanPayload == "" {
		return "", false
	}
	return e.scanPayload, true
}

// Get returns a snapshot of the tenant's session.
func (r *Registry) Get(tenantID string) (model.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[tenantID]
	if !ok {
		return model.Session{}, false
	}
	return snapshot(e), true
}

// Messenger exposes the tenant's live handle for sending. It is nil-safe for
// callers: ok is false whenever there is no authenticated handle.
func (r *Registry) Messenger(tenantID string) (capability.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[tenantID]
	if !ok || e.state != model.StateAuthenticated || e.handle == nil {
		return nil, false
	}
	return e.handle, true
}

// Destroy logs the session out, tears the handle down and removes the tenant
// from the registry. On logout failure the registry is left untouched.
func (r *Registry) Destroy(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	e, ok := r.sessions[tenantID]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	handle := e.handle
	r.mu.Unlock()

	if handle != nil {
		if err := handle.Logout(ctx); err != nil {
			return fmt.Errorf("logout failed for %s: %w", tenantID, err)
		}
	}

	r.mu.Lock()
	// Re-check: the session may have churned while logout was in flight.
	if cur, ok := r.sessions[tenantID]; !ok || cur != e {
		r.mu.Unlock()
		return nil
	}
	e.destroyed = true
	if e.recovery != nil {
		e.recovery.Stop()
		e.recovery = nil
	}
	e.scanPayload = ""
	delete(r.sessions, tenantID)
	r.mu.Unlock()

	if handle != nil {
		handle.Close()
	}

	r.log.Info().Str("tenant", tenantID).Msg("session destroyed")
	r.notifier.Publish(tenantID, notify.Event{Name: notify.EventAuthenticated, Data: false})
	return nil
}

func snapshot(e *entry) model.Session {
	return model.Session{
		TenantID:    e.tenantID,
		State:       e.state,
		StateName:   e.state.String(),
		ScanPayload: e.scanPayload,
		CreatedAt:   e.createdAt,
	}
}

// encodeScanPayload turns a raw pairing code into a PNG data URL the browser
// can render directly.
func encodeScanPayload(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
