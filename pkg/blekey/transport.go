package blekey

import (
	"context"
	"time"
)

// Transport is the radio side of the engine: discovery plus opening a
// byte link to one device. Implementations live outside this package
// (a NATS relay to a radio gateway, or the in-memory simulator in tests).
type Transport interface {
	Discover(ctx context.Context, timeout time.Duration) ([]DiscoveredDevice, error)
	Open(ctx context.Context, address string) (Link, error)
}

// Link is an open byte exchange with one device
type Link interface {
	// Send writes one 19-byte frame
	Send(ctx context.Context, frame []byte) error
	// Notifications delivers inbound frames in arrival order
	Notifications() <-chan []byte
	// Done is closed when the link is lost or closed
	Done() <-chan struct{}
	Close() error
}
