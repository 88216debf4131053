package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blekey-server/blekey-server/internal/gateway"
	"github.com/blekey-server/blekey-server/internal/integration"
	"github.com/blekey-server/blekey-server/internal/models"
	"github.com/blekey-server/blekey-server/pkg/blekey"
	"github.com/blekey-server/blekey-server/pkg/blekey/keysim"
)

const keyAddr = "C4:BE:84:00:30:09"

type recorder struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (r *recorder) emit(m models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) take() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}

func ofType(msgs []models.Message, t models.MessageType) []models.Message {
	var out []models.Message
	for _, m := range msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type chanSink struct {
	recs chan integration.Record
}

func (s *chanSink) Forward(_ context.Context, rec integration.Record) error {
	s.recs <- rec
	return nil
}

type bridgeRig struct {
	device *keysim.Device
	radio  *keysim.Transport
	rec    *recorder
	sink   *chanSink
	bridge *Bridge
}

func testBridgeConfig(t *testing.T, radio blekey.Transport, sink Sink) BridgeConfig {
	t.Helper()
	creds, err := blekey.ParseCredentials("DEADBEEF", "0BADC0DE")
	require.NoError(t, err)
	return BridgeConfig{
		Transport:   radio,
		Credentials: &creds,
		Options: []blekey.Option{
			blekey.WithHandshakeTimeout(200 * time.Millisecond),
			blekey.WithCommandTimeout(50 * time.Millisecond),
			blekey.WithEventReadInterval(0),
			blekey.WithScanTimeout(10 * time.Millisecond),
		},
		Sink: sink,
	}
}

func newBridgeRig(t *testing.T) *bridgeRig {
	t.Helper()
	cfg := testBridgeConfig(t, nil, nil)

	r := &bridgeRig{
		rec:  &recorder{},
		sink: &chanSink{recs: make(chan integration.Record, 8)},
	}
	r.device = keysim.NewDevice(keyAddr, *cfg.Credentials)
	r.radio = keysim.NewTransport(r.device)

	cfg.Transport = r.radio
	cfg.Sink = r.sink
	r.bridge = NewBridge(cfg, r.rec.emit)
	t.Cleanup(r.bridge.Close)
	return r
}

func (r *bridgeRig) do(action string) []models.Message {
	r.bridge.Handle(context.Background(), []byte(action))
	return r.rec.take()
}

func (r *bridgeRig) connect(t *testing.T) {
	t.Helper()
	r.do(`{"action":"scan"}`)
	msgs := r.do(`{"action":"connect","address":"` + keyAddr + `"}`)
	status := ofType(msgs, models.MessageStatus)
	require.Len(t, status, 1)
	require.True(t, *status[0].Authenticated)
}

func TestBridgeInvalidJSON(t *testing.T) {
	r := newBridgeRig(t)
	msgs := r.do(`{not json`)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.NewError("Invalid JSON"), msgs[0])
}

func TestBridgeUnknownAction(t *testing.T) {
	r := newBridgeRig(t)
	msgs := r.do(`{"action":"reboot"}`)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Unknown action: reboot", msgs[0].Message)
}

func TestBridgeRequiresAuthentication(t *testing.T) {
	r := newBridgeRig(t)
	for _, action := range []string{"read_key", "read_events", "clear_events"} {
		msgs := r.do(`{"action":"` + action + `"}`)
		require.Len(t, msgs, 1, action)
		assert.Equal(t, models.NewError("Not authenticated, connect first"), msgs[0], action)
	}
	assert.Empty(t, r.radio.Links())
}

func TestBridgeConnectRequiresScan(t *testing.T) {
	r := newBridgeRig(t)

	msgs := r.do(`{"action":"connect","address":"` + keyAddr + `"}`)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, "not in scan results")

	msgs = r.do(`{"action":"connect"}`)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, "address")
	assert.Empty(t, r.radio.Links())
}

func TestBridgeConnectWithoutCodes(t *testing.T) {
	r := newBridgeRig(t)
	r.bridge.creds = nil

	r.do(`{"action":"scan"}`)
	msgs := r.do(`{"action":"connect","address":"` + keyAddr + `"}`)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.NewError("No codes configured, send set_codes first"), msgs[0])
	assert.Empty(t, r.radio.Links())
}

func TestBridgeScan(t *testing.T) {
	r := newBridgeRig(t)
	r.radio.Advertise(blekey.DiscoveredDevice{Name: "Speaker", Address: "11:22", RSSI: -40})

	msgs := r.do(`{"action":"scan"}`)
	devices := ofType(msgs, models.MessageDevices)
	require.Len(t, devices, 1)

	var list []blekey.DiscoveredDevice
	require.NoError(t, json.Unmarshal(devices[0].Devices, &list))
	require.Len(t, list, 1)
	assert.Equal(t, keyAddr, list[0].Address)
}

func TestBridgeSession(t *testing.T) {
	r := newBridgeRig(t)
	r.device.Events = [][]byte{
		keysim.EventRecord(0x1234, 0x0101, time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC), 1),
		keysim.EventRecord(0x1234, 0x0102, time.Date(2024, 5, 6, 7, 9, 0, 0, time.UTC), 1),
	}
	r.connect(t)

	msgs := r.do(`{"action":"read_key"}`)
	keyInfo := ofType(msgs, models.MessageKeyInfo)
	require.Len(t, keyInfo, 1)
	var info blekey.KeyInfo
	require.NoError(t, json.Unmarshal(keyInfo[0].Data, &info))
	assert.Equal(t, uint16(0x1234), info.KeyID)
	assert.Equal(t, "B03009V301", info.Version)

	select {
	case rec := <-r.sink.recs:
		assert.Equal(t, "key_info", rec.Type)
		assert.Equal(t, keyAddr, rec.Address)
	case <-time.After(time.Second):
		t.Fatal("key info was not forwarded")
	}

	msgs = r.do(`{"action":"read_events","clear":true}`)
	events := ofType(msgs, models.MessageEvents)
	require.Len(t, events, 1)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(events[0].Data, &list))
	require.Len(t, list, 2)
	assert.Equal(t, float64(1), list[0]["pos"])
	assert.Equal(t, "Open Success", list[0]["eventName"])
	assert.Equal(t, 1, r.device.Count(blekey.OpCleanEvent))

	select {
	case rec := <-r.sink.recs:
		assert.Equal(t, "events", rec.Type)
	case <-time.After(time.Second):
		t.Fatal("events were not forwarded")
	}

	msgs = r.do(`{"action":"disconnect"}`)
	status := ofType(msgs, models.MessageStatus)
	require.Len(t, status, 1)
	assert.False(t, *status[0].Connected)
	assert.False(t, *status[0].Authenticated)
	assert.True(t, r.radio.LastLink().Closed())
}

func TestBridgeReadEventsReportsFailedRecord(t *testing.T) {
	r := newBridgeRig(t)
	bad := keysim.EventRecord(0x1234, 0x0102, time.Date(2024, 5, 6, 7, 9, 0, 0, time.UTC), 1)
	bad[6] = 0x13
	r.device.Events = [][]byte{
		keysim.EventRecord(0x1234, 0x0101, time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC), 1),
		bad,
	}
	r.connect(t)

	msgs := r.do(`{"action":"read_events","clear":true}`)
	events := ofType(msgs, models.MessageEvents)
	require.Len(t, events, 1)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(events[0].Data, &list))
	require.Len(t, list, 2)
	assert.Equal(t, float64(2), list[1]["pos"])
	assert.NotEmpty(t, list[1]["error"])
	assert.Zero(t, r.device.Count(blekey.OpCleanEvent))

	warns := 0
	for _, m := range ofType(msgs, models.MessageLog) {
		if m.Level == models.LevelWarn {
			warns++
		}
	}
	assert.Equal(t, 1, warns)
}

func TestBridgeClearEvents(t *testing.T) {
	r := newBridgeRig(t)
	r.connect(t)

	msgs := r.do(`{"action":"clear_events"}`)
	assert.Empty(t, ofType(msgs, models.MessageError))
	assert.Equal(t, 1, r.device.Count(blekey.OpCleanEvent))
}

func TestBridgeSetCodes(t *testing.T) {
	r := newBridgeRig(t)

	msgs := r.do(`{"action":"set_codes","syscode":"XYZ","regcode":"0BADC0DE"}`)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageError, msgs[0].Type)
	assert.Contains(t, msgs[0].Message, "syscode")

	msgs = r.do(`{"action":"set_codes","syscode":"DEADBEEF","regcode":"00000000"}`)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.LevelSuccess, msgs[0].Level)

	r.do(`{"action":"scan"}`)
	msgs = r.do(`{"action":"connect","address":"` + keyAddr + `"}`)
	errs := ofType(msgs, models.MessageError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "Connection failed")

	status := ofType(msgs, models.MessageStatus)
	require.Len(t, status, 1)
	assert.False(t, *status[0].Connected)
	assert.False(t, *status[0].Authenticated)

	msgs = r.do(`{"action":"read_key"}`)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.NewError("Not authenticated, connect first"), msgs[0])
}

func TestBridgeLinkLoss(t *testing.T) {
	r := newBridgeRig(t)
	r.connect(t)

	r.radio.LastLink().Drop()
	require.Eventually(t, func() bool {
		return r.bridge.session.State() == blekey.StateClosed
	}, time.Second, 5*time.Millisecond)

	msgs := r.do(`{"action":"read_key"}`)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.NewError("Not authenticated, connect first"), msgs[0])
}

func TestBridgeCloseDisconnects(t *testing.T) {
	r := newBridgeRig(t)
	r.connect(t)

	r.bridge.Close()
	assert.True(t, r.radio.LastLink().Closed())
	assert.Nil(t, r.bridge.client.Active())
}

// fakeBus records publishes and lets the test drive subscriptions
type fakeBus struct {
	mu        sync.Mutex
	handlers  map[string]nats.MsgHandler
	published map[string][][]byte
}

type fakeSub struct {
	bus     *fakeBus
	subject string
}

func (s fakeSub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.handlers, s.subject)
	return nil
}

func (b *fakeBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[subject] = append(b.published[subject], data)
	return nil
}

func (b *fakeBus) Request(string, []byte, time.Duration) (*nats.Msg, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBus) Subscribe(subject string, handler nats.MsgHandler) (gateway.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = handler
	return fakeSub{bus: b, subject: subject}, nil
}

func (b *fakeBus) handler(subject string) nats.MsgHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[subject]
}

func TestNATSBridge(t *testing.T) {
	bus := &fakeBus{handlers: make(map[string]nats.MsgHandler), published: make(map[string][][]byte)}

	cfg := testBridgeConfig(t, nil, nil)
	cfg.Transport = keysim.NewTransport(keysim.NewDevice(keyAddr, *cfg.Credentials))
	nb := NewNATSBridge(bus, "test.bridge", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- nb.Start(ctx) }()

	require.Eventually(t, func() bool {
		return bus.handler("test.bridge.actions") != nil
	}, time.Second, 5*time.Millisecond)

	bus.handler("test.bridge.actions")(&nats.Msg{Subject: "test.bridge.actions", Data: []byte(`{"action":"scan"}`)})

	bus.mu.Lock()
	published := bus.published["test.bridge.messages"]
	bus.mu.Unlock()

	var types []models.MessageType
	for _, raw := range published {
		var m models.Message
		require.NoError(t, json.Unmarshal(raw, &m))
		types = append(types, m.Type)
	}
	assert.Contains(t, types, models.MessageDevices)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("bridge did not stop")
	}
	assert.Nil(t, bus.handler("test.bridge.actions"))
}
