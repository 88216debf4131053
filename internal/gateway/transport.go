package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/blekey-server/blekey-server/pkg/blekey"
)

var (
	// ErrOpenFailed is returned when the relay could not reach the device
	ErrOpenFailed = errors.New("open link failed")
	// ErrLinkClosed is returned by Send after the link went away
	ErrLinkClosed = errors.New("link closed")
)

const notifyBuffer = 16

// NATSTransport reaches a radio relay over NATS
type NATSTransport struct {
	bus      Bus
	subjects Subjects
	timeout  time.Duration
}

// NewNATSTransport creates a transport for the relay under prefix.
// requestTimeout bounds discover and open round trips on top of the
// scan time itself.
func NewNATSTransport(bus Bus, prefix string, requestTimeout time.Duration) *NATSTransport {
	return &NATSTransport{
		bus:      bus,
		subjects: Subjects{Prefix: prefix},
		timeout:  requestTimeout,
	}
}

// request runs a blocking bus request but gives up when ctx ends. A reply
// that still arrives after that is handed to late, when set.
func (t *NATSTransport) request(ctx context.Context, subject string, data []byte, timeout time.Duration, late func(*nats.Msg)) (*nats.Msg, error) {
	type result struct {
		msg *nats.Msg
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := t.bus.Request(subject, data, timeout)
		ch <- result{msg, err}
	}()

	select {
	case <-ctx.Done():
		if late != nil {
			go func() {
				if r := <-ch; r.err == nil {
					late(r.msg)
				}
			}()
		}
		return nil, ctx.Err()
	case r := <-ch:
		return r.msg, r.err
	}
}

// Discover implements blekey.Transport
func (t *NATSTransport) Discover(ctx context.Context, timeout time.Duration) ([]blekey.DiscoveredDevice, error) {
	data, err := json.Marshal(discoverRequest{TimeoutMs: timeout.Milliseconds()})
	if err != nil {
		return nil, err
	}

	msg, err := t.request(ctx, t.subjects.Discover(), data, timeout+t.timeout, nil)
	if err != nil {
		return nil, fmt.Errorf("discover request: %w", err)
	}

	var reply discoverReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("unmarshal discover reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("relay discover: %s", reply.Error)
	}
	return reply.Devices, nil
}

// Open implements blekey.Transport
func (t *NATSTransport) Open(ctx context.Context, address string) (blekey.Link, error) {
	l := &remoteLink{
		id:       uuid.New().String(),
		address:  address,
		bus:      t.bus,
		subjects: t.subjects,
		notify:   make(chan []byte, notifyBuffer),
		done:     make(chan struct{}),
	}

	// subscribe before the relay can start notifying
	rx, err := t.bus.Subscribe(t.subjects.RX(l.id), l.handleRX)
	if err != nil {
		return nil, fmt.Errorf("subscribe rx: %w", err)
	}
	lost, err := t.bus.Subscribe(t.subjects.Lost(l.id), l.handleLost)
	if err != nil {
		rx.Unsubscribe()
		return nil, fmt.Errorf("subscribe lost: %w", err)
	}
	l.subs = []Subscription{rx, lost}

	data, err := json.Marshal(openRequest{Address: address, Link: l.id})
	if err != nil {
		l.teardown()
		return nil, err
	}

	// the relay may open the radio link after we stopped waiting
	msg, err := t.request(ctx, t.subjects.Open(), data, t.timeout, func(*nats.Msg) {
		log.Debug().Str("address", address).Str("link", l.id).Msg("Closing link opened after open was abandoned")
		if err := t.bus.Publish(t.subjects.Close(l.id), nil); err != nil {
			log.Warn().Err(err).Str("link", l.id).Msg("Failed to close abandoned link")
		}
	})
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("open request: %w", err)
	}

	var reply openReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		l.Close()
		return nil, fmt.Errorf("unmarshal open reply: %w", err)
	}
	if reply.Error != "" {
		l.teardown()
		return nil, fmt.Errorf("%w: %s: %s", ErrOpenFailed, address, reply.Error)
	}

	log.Debug().Str("address", address).Str("link", l.id).Msg("Relay link opened")
	return l, nil
}

// remoteLink is a blekey.Link whose radio end lives behind the relay
type remoteLink struct {
	id       string
	address  string
	bus      Bus
	subjects Subjects

	notify chan []byte
	done   chan struct{}
	once   sync.Once
	subs   []Subscription
}

func (l *remoteLink) handleRX(msg *nats.Msg) {
	frame := append([]byte(nil), msg.Data...)
	select {
	case <-l.done:
		return
	default:
	}
	select {
	case l.notify <- frame:
	default:
		log.Warn().Str("link", l.id).Msg("Notification buffer full, dropping frame")
	}
}

func (l *remoteLink) handleLost(_ *nats.Msg) {
	log.Warn().Str("address", l.address).Str("link", l.id).Msg("Relay reported link lost")
	l.teardown()
}

func (l *remoteLink) teardown() {
	l.once.Do(func() {
		for _, sub := range l.subs {
			sub.Unsubscribe()
		}
		close(l.done)
	})
}

// Send implements blekey.Link
func (l *remoteLink) Send(ctx context.Context, frame []byte) error {
	select {
	case <-l.done:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return l.bus.Publish(l.subjects.TX(l.id), frame)
}

// Notifications implements blekey.Link
func (l *remoteLink) Notifications() <-chan []byte {
	return l.notify
}

// Done implements blekey.Link
func (l *remoteLink) Done() <-chan struct{} {
	return l.done
}

// Close implements blekey.Link
func (l *remoteLink) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	err := l.bus.Publish(l.subjects.Close(l.id), nil)
	l.teardown()
	return err
}
