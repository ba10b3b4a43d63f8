package capability

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"
)

// WhatsmeowProvider backs the capability boundary with whatsmeow. Device
// credentials live in a sqlite store so sessions survive restarts; a small
// side table remembers which device belongs to which tenant.
type WhatsmeowProvider struct {
	db        *sql.DB
	container *sqlstore.Container
	log       zerolog.Logger
}

// NewWhatsmeowProvider opens (and migrates) the credential store at path.
func NewWhatsmeowProvider(path string, log zerolog.Logger) (*WhatsmeowProvider, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Noop)
	if err := container.Upgrade(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate credential store: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS tenant_devices (
		tenant_id TEXT PRIMARY KEY,
		jid TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tenant device table: %w", err)
	}

	return &WhatsmeowProvider{db: db, container: container, log: log}, nil
}

// Close releases the credential store.
func (p *WhatsmeowProvider) Close() error {
	return p.db.Close()
}

func (p *WhatsmeowProvider) deviceFor(tenantID string) (*store.Device, error) {
	var raw string
	err := p.db.QueryRow(`SELECT jid FROM tenant_devices WHERE tenant_id = ?`, tenantID).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		return p.container.NewDevice(), nil
	case err != nil:
		return nil, err
	}

	jid, err := types.ParseJID(raw)
	if err != nil {
		return p.container.NewDevice(), nil
	}
	device, err := p.container.GetDevice(jid)
	if err != nil {
		return nil, err
	}
	if device == nil {
		// Credentials were wiped out from under the mapping; pair fresh.
		return p.container.NewDevice(), nil
	}
	return device, nil
}

func (p *WhatsmeowProvider) rememberDevice(tenantID string, jid types.JID) {
	_, err := p.db.Exec(
		`INSERT INTO tenant_devices (tenant_id, jid) VALUES (?, ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET jid = excluded.jid`,
		tenantID, jid.ToNonAD().String(),
	)
	if err != nil {
		p.log.Warn().Err(err).Str("tenant", tenantID).Msg("failed to persist tenant device mapping")
	}
}

// Connect pairs or restores the tenant's device and starts the client. The
// returned handle emits lifecycle events until Close.
func (p *WhatsmeowProvider) Connect(ctx context.Context, tenantID string) (Handle, error) {
	device, err := p.deviceFor(tenantID)
	if err != nil {
		return nil, fmt.Errorf("load device for %s: %w", tenantID, err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	// The session registry owns reconnection; whatsmeow must not race it.
	client.EnableAutoReconnect = false
	h := &whatsmeowHandle{
		tenantID: tenantID,
		provider: p,
		client:   client,
		events:   make(chan Event, 16),
		log:      p.log.With().Str("tenant", tenantID).Logger(),
	}
	client.AddEventHandler(h.onClientEvent)

	if client.Store.ID == nil {
		// Never paired: pump QR codes until the scan completes.
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("open qr channel for %s: %w", tenantID, err)
		}
		go h.pumpQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", tenantID, err)
	}
	return h, nil
}

type whatsmeowHandle struct {
	tenantID string
	provider *WhatsmeowProvider
	client   *whatsmeow.Client
	log      zerolog.Logger

	mu     sync.Mutex
	closed bool
	events chan Event
}

func (h *whatsmeowHandle) Events() <-chan Event { return h.events }

func (h *whatsmeowHandle) emit(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- e:
	default:
		h.log.Warn().Int("kind", int(e.Kind)).Msg("session event dropped, owner not draining")
	}
}

func (h *whatsmeowHandle) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		if item.Event == "code" {
			h.emit(Event{Kind: EventQRCode, Payload: item.Code})
		}
	}
}

func (h *whatsmeowHandle) onClientEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.PairSuccess:
		h.provider.rememberDevice(h.tenantID, evt.ID)
	case *events.Connected:
		h.emit(Event{Kind: EventAuthenticated})
	case *events.Disconnected:
		h.emit(Event{Kind: EventDisconnected})
	case *events.LoggedOut:
		h.emit(Event{Kind: EventDisconnected})
	case *events.StreamReplaced:
		h.emit(Event{Kind: EventDisconnected})
	}
}

func (h *whatsmeowHandle) ResolveRecipient(ctx context.Context, digits string) (Recipient, error) {
	resp, err := h.client.IsOnWhatsApp([]string{"+" + digits})
	if err != nil {
		return Recipient{}, fmt.Errorf("lookup %s: %w", digits, err)
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return Recipient{}, ErrRecipientNotFound
	}
	return Recipient{ID: resp[0].JID.String()}, nil
}

func (h *whatsmeowHandle) SendText(ctx context.Context, to Recipient, body string) error {
	jid, err := types.ParseJID(to.ID)
	if err != nil {
		return fmt.Errorf("parse recipient %s: %w", to.ID, err)
	}
	_, err = h.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)})
	return err
}

func (h *whatsmeowHandle) Logout(ctx context.Context) error {
	return h.client.Logout()
}

func (h *whatsmeowHandle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.client.RemoveEventHandlers()
	h.client.Disconnect()
	close(h.events)
}
