package keysim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blekey-server/blekey-server/pkg/blekey"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrLinkClosed    = errors.New("link closed")
)

// Transport is an in-memory radio holding simulated keys
type Transport struct {
	mu      sync.Mutex
	devices map[string]*Device
	others  []blekey.DiscoveredDevice
	links   []*Link
}

// NewTransport creates a radio with the given keys in range
func NewTransport(devices ...*Device) *Transport {
	t := &Transport{devices: make(map[string]*Device)}
	for _, d := range devices {
		t.devices[d.Address] = d
	}
	return t
}

// Advertise adds a foreign advertisement that discovery reports
func (t *Transport) Advertise(d blekey.DiscoveredDevice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.others = append(t.others, d)
}

// Discover implements blekey.Transport
func (t *Transport) Discover(ctx context.Context, _ time.Duration) ([]blekey.DiscoveredDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]blekey.DiscoveredDevice, 0, len(t.devices)+len(t.others))
	for _, d := range t.devices {
		out = append(out, blekey.DiscoveredDevice{Name: d.Name, Address: d.Address, RSSI: d.RSSI})
	}
	return append(out, t.others...), nil
}

// Open implements blekey.Transport
func (t *Transport) Open(ctx context.Context, address string) (blekey.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, address)
	}
	l := NewLink(d)
	t.links = append(t.links, l)
	return l, nil
}

// Links returns every link opened so far
func (t *Transport) Links() []*Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Link(nil), t.links...)
}

// LastLink returns the most recently opened link
func (t *Transport) LastLink() *Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.links) == 0 {
		return nil
	}
	return t.links[len(t.links)-1]
}

// Link connects the engine to one simulated key. Responses are
// delivered asynchronously, like radio notifications.
type Link struct {
	device *Device
	notify chan []byte
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent [][]byte
}

// NewLink opens a link to d
func NewLink(d *Device) *Link {
	return &Link{
		device: d,
		notify: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

// Send implements blekey.Link
func (l *Link) Send(ctx context.Context, frame []byte) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	l.mu.Lock()
	l.sent = append(l.sent, append([]byte(nil), frame...))
	l.mu.Unlock()

	responses := l.device.Handle(frame)
	if len(responses) == 0 {
		return nil
	}
	go func() {
		if delay := l.device.ResponseDelay; delay > 0 {
			select {
			case <-time.After(delay):
			case <-l.done:
				return
			}
		}
		for _, r := range responses {
			l.Inject(r)
		}
	}()
	return nil
}

// Inject pushes a frame as if the key had notified it
func (l *Link) Inject(frame []byte) {
	select {
	case l.notify <- frame:
	case <-l.done:
	}
}

// Notifications implements blekey.Link
func (l *Link) Notifications() <-chan []byte {
	return l.notify
}

// Done implements blekey.Link
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Close implements blekey.Link; it is safe to call more than once
func (l *Link) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// Drop simulates the radio link going away
func (l *Link) Drop() {
	l.Close()
}

// Closed reports whether the link is gone
func (l *Link) Closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Sent returns copies of every frame written to the link
func (l *Link) Sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.sent))
	copy(out, l.sent)
	return out
}
