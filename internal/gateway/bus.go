package gateway

import (
	"time"

	"github.com/nats-io/nats.go"

	"github.com/blekey-server/blekey-server/pkg/blekey"
)

// Bus is the part of a NATS connection the radio relay needs
type Bus interface {
	Publish(subject string, data []byte) error
	Request(subject string, data []byte, timeout time.Duration) (*nats.Msg, error)
	Subscribe(subject string, handler nats.MsgHandler) (Subscription, error)
}

// Subscription is an active Bus subscription
type Subscription interface {
	Unsubscribe() error
}

type natsBus struct {
	nc *nats.Conn
}

// NewNATSBus adapts a NATS connection
func NewNATSBus(nc *nats.Conn) Bus {
	return &natsBus{nc: nc}
}

func (b *natsBus) Publish(subject string, data []byte) error {
	return b.nc.Publish(subject, data)
}

func (b *natsBus) Request(subject string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	return b.nc.Request(subject, data, timeout)
}

func (b *natsBus) Subscribe(subject string, handler nats.MsgHandler) (Subscription, error) {
	return b.nc.Subscribe(subject, handler)
}

// Subjects names the relay's NATS subjects under a common prefix
type Subjects struct {
	Prefix string
}

// Discover is a request/reply subject listing advertising devices
func (s Subjects) Discover() string { return s.Prefix + ".discover" }

// Open is a request/reply subject opening a link to a device
func (s Subjects) Open() string { return s.Prefix + ".open" }

// TX carries frames from the engine to the device
func (s Subjects) TX(link string) string { return s.Prefix + ".link." + link + ".tx" }

// RX carries notifications from the device to the engine
func (s Subjects) RX(link string) string { return s.Prefix + ".link." + link + ".rx" }

// Close asks the relay to drop a link
func (s Subjects) Close(link string) string { return s.Prefix + ".link." + link + ".close" }

// Lost tells the engine the radio link went away
func (s Subjects) Lost(link string) string { return s.Prefix + ".link." + link + ".lost" }

type discoverRequest struct {
	TimeoutMs int64 `json:"timeoutMs"`
}

type discoverReply struct {
	Devices []blekey.DiscoveredDevice `json:"devices"`
	Error   string                    `json:"error,omitempty"`
}

type openRequest struct {
	Address string `json:"address"`
	Link    string `json:"link"`
}

type openReply struct {
	Error string `json:"error,omitempty"`
}
