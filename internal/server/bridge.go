package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/blekey-server/blekey-server/internal/integration"
	"github.com/blekey-server/blekey-server/internal/models"
	"github.com/blekey-server/blekey-server/internal/validation"
	"github.com/blekey-server/blekey-server/pkg/blekey"
)

// Emitter delivers a message to the bridge's client
type Emitter func(models.Message) error

// Sink receives read results for the external integrations
type Sink interface {
	Forward(ctx context.Context, rec integration.Record) error
}

// BridgeConfig holds what every bridge shares
type BridgeConfig struct {
	Transport blekey.Transport
	// Credentials is the default pair; nil until set_codes is sent
	Credentials *blekey.Credentials
	Options     []blekey.Option
	// Sink is optional
	Sink Sink
}

// Bridge turns client actions into protocol operations for one
// connected client. Actions run one at a time in arrival order.
type Bridge struct {
	id        string
	client    *blekey.Client
	validator *validation.Validator
	sink      Sink
	emit      Emitter
	log       zerolog.Logger

	mu      sync.Mutex
	creds   *blekey.Credentials
	session *blekey.DeviceSession
}

// NewBridge creates a bridge that answers through emit
func NewBridge(cfg BridgeConfig, emit Emitter) *Bridge {
	id := uuid.New().String()
	logger := log.With().Str("bridge", id).Logger()

	opts := append([]blekey.Option{blekey.WithLogger(logger)}, cfg.Options...)
	return &Bridge{
		id:        id,
		client:    blekey.NewClient(cfg.Transport, opts...),
		validator: validation.NewValidator(),
		sink:      cfg.Sink,
		emit:      emit,
		log:       logger,
		creds:     cfg.Credentials,
	}
}

// ID identifies the bridge in logs and forwarded records
func (b *Bridge) ID() string {
	return b.id
}

// Handle decodes and runs one raw action
func (b *Bridge) Handle(ctx context.Context, raw []byte) {
	var req models.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		b.send(models.NewError("Invalid JSON"))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.log.Debug().Str("action", string(req.Action)).Msg("Action received")

	switch req.Action {
	case models.ActionScan:
		b.scan(ctx)
	case models.ActionConnect:
		b.connect(ctx, req)
	case models.ActionDisconnect:
		b.disconnect()
	case models.ActionReadKey:
		b.readKey(ctx)
	case models.ActionReadEvents:
		b.readEvents(ctx, req.Clear)
	case models.ActionClearEvents:
		b.clearEvents(ctx)
	case models.ActionSetCodes:
		b.setCodes(req)
	default:
		b.send(models.NewError(fmt.Sprintf("Unknown action: %s", req.Action)))
	}
}

// Close disconnects any session; the client is gone
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session != nil {
		b.client.Disconnect(b.session)
		b.session = nil
	}
}

func (b *Bridge) send(msg models.Message) {
	if err := b.emit(msg); err != nil {
		b.log.Debug().Err(err).Str("type", string(msg.Type)).Msg("Failed to emit message")
	}
}

func (b *Bridge) logf(level, format string, args ...interface{}) {
	b.send(models.NewLog(level, fmt.Sprintf(format, args...)))
}

func (b *Bridge) sendData(t models.MessageType, v interface{}) {
	msg, err := models.NewData(t, v)
	if err != nil {
		b.log.Error().Err(err).Str("type", string(t)).Msg("Failed to encode message")
		b.send(models.NewError("Internal error"))
		return
	}
	b.send(msg)
}

func (b *Bridge) sendStatus() {
	s := b.session
	if s == nil {
		b.send(models.NewStatus(false, false, ""))
		return
	}
	state := s.State()
	connected := state != blekey.StateIdle && state != blekey.StateClosed
	device := ""
	if connected {
		device = s.Address
	}
	b.send(models.NewStatus(connected, s.IsAuthenticated(), device))
}

func (b *Bridge) forward(t models.MessageType, data interface{}) {
	if b.sink == nil || b.session == nil {
		return
	}
	rec := integration.Record{
		Type:       string(t),
		Address:    b.session.Address,
		DeviceName: b.session.Name,
		Session:    b.session.ID.String(),
		Data:       data,
	}
	go func() {
		if err := b.sink.Forward(context.Background(), rec); err != nil {
			log.Warn().Err(err).Str("type", rec.Type).Str("address", rec.Address).Msg("Integration forward failed")
		}
	}()
}

// authenticated returns the session when data commands are allowed
func (b *Bridge) authenticated() (*blekey.DeviceSession, bool) {
	if b.session == nil || !b.session.IsAuthenticated() {
		b.send(models.NewError("Not authenticated, connect first"))
		return nil, false
	}
	return b.session, true
}

// commandFailed reports err and the session status it left behind
func (b *Bridge) commandFailed(what string, err error) {
	b.log.Warn().Err(err).Msg(what + " failed")
	b.send(models.NewError(fmt.Sprintf("%s failed: %v", what, err)))
	if b.session != nil && !b.session.IsAuthenticated() {
		b.sendStatus()
	}
}

func (b *Bridge) scan(ctx context.Context) {
	b.logf(models.LevelInfo, "Scanning for BLE devices...")

	devices, err := b.client.Scan(ctx)
	if err != nil {
		b.log.Warn().Err(err).Msg("Scan failed")
		b.send(models.NewError(fmt.Sprintf("Scan failed: %v", err)))
		return
	}

	msg, err := models.NewDevices(devices)
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to encode devices")
		b.send(models.NewError("Internal error"))
		return
	}
	b.send(msg)
	b.logf(models.LevelInfo, "Found %d device(s)", len(devices))
}

func (b *Bridge) connect(ctx context.Context, req models.Request) {
	cr := models.ConnectRequest{Address: req.Address}
	if err := b.validator.Validate(cr); err != nil {
		b.send(models.NewError(fmt.Sprintf("Invalid connect request: %v", err)))
		return
	}
	if b.creds == nil {
		b.send(models.NewError("No codes configured, send set_codes first"))
		return
	}
	if _, ok := b.client.Scanned(cr.Address); !ok {
		b.send(models.NewError(fmt.Sprintf("Device %s not in scan results, scan first", cr.Address)))
		return
	}

	b.logf(models.LevelInfo, "Connecting to %s...", cr.Address)

	s, err := b.client.Connect(ctx, cr.Address, *b.creds)
	b.session = s
	if err != nil {
		b.log.Warn().Err(err).Str("address", cr.Address).Msg("Connect failed")
		b.send(models.NewError(fmt.Sprintf("Connection failed: %v", err)))
		b.sendStatus()
		return
	}

	b.logf(models.LevelSuccess, "Authenticated with %s", cr.Address)
	b.sendStatus()
}

func (b *Bridge) disconnect() {
	if b.session != nil {
		b.client.Disconnect(b.session)
		b.session = nil
		b.logf(models.LevelInfo, "Disconnected")
	}
	b.sendStatus()
}

func (b *Bridge) readKey(ctx context.Context) {
	s, ok := b.authenticated()
	if !ok {
		return
	}

	info, err := b.client.ReadKeyInfo(ctx, s)
	if err != nil {
		b.commandFailed("Read key info", err)
		return
	}

	b.sendData(models.MessageKeyInfo, info)
	b.forward(models.MessageKeyInfo, info)
}

func (b *Bridge) readEvents(ctx context.Context, clear bool) {
	s, ok := b.authenticated()
	if !ok {
		return
	}

	b.logf(models.LevelInfo, "Reading events...")

	batch, err := b.client.ReadEvents(ctx, s, clear)
	if err != nil {
		b.commandFailed("Read events", err)
		return
	}

	entries := models.EventEntries(batch)
	b.sendData(models.MessageEvents, entries)
	b.forward(models.MessageEvents, entries)

	b.logf(models.LevelSuccess, "Read %d of %d event(s)", len(batch.Events), batch.Count)
	switch {
	case batch.Cleared:
		b.logf(models.LevelSuccess, "Events cleared")
	case clear && len(batch.Failures) > 0:
		b.logf(models.LevelWarn, "Events not cleared, %d record(s) could not be read", len(batch.Failures))
	}
}

func (b *Bridge) clearEvents(ctx context.Context) {
	s, ok := b.authenticated()
	if !ok {
		return
	}

	if err := b.client.ClearEvents(ctx, s); err != nil {
		b.commandFailed("Clear events", err)
		return
	}
	b.logf(models.LevelSuccess, "Events cleared")
}

// setCodes replaces the credentials used by the next connect
func (b *Bridge) setCodes(req models.Request) {
	sc := models.SetCodesRequest{SysCode: req.SysCode, RegCode: req.RegCode}
	if err := b.validator.Validate(sc); err != nil {
		b.send(models.NewError(fmt.Sprintf("Invalid codes: %v", err)))
		return
	}

	creds, err := blekey.ParseCredentials(sc.SysCode, sc.RegCode)
	if err != nil {
		b.send(models.NewError(fmt.Sprintf("Invalid codes: %v", err)))
		return
	}
	b.creds = &creds
	b.logf(models.LevelSuccess, "Codes updated, used from the next connect")
}
