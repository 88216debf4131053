package blekey

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// inboxSize bounds how many frames may queue for the current waiter
// before further notifications are dropped
const inboxSize = 8

// Dispatcher runs one command at a time over a session's link
type Dispatcher struct {
	session *DeviceSession
	link    Link
	log     zerolog.Logger

	// slot holds a token while a command is outstanding
	slot chan struct{}

	mu     sync.Mutex
	waiter chan []byte
	// stale is a cancelled command whose answer may still be on its way
	stale staleAnswer

	lost     chan struct{}
	lostOnce sync.Once
	// detached is set when the link is closed on purpose, so the reader
	// does not mistake it for link loss
	detached bool
}

// NewDispatcher binds a dispatcher to an open link and starts reading
// notifications from it
func NewDispatcher(session *DeviceSession, link Link, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		session: session,
		link:    link,
		log:     logger,
		slot:    make(chan struct{}, 1),
		lost:    make(chan struct{}),
	}
	go d.readLoop()
	return d
}

// staleAnswer expects at most one late frame with opcode before until
type staleAnswer struct {
	opcode Opcode
	until  time.Time
}

func (a staleAnswer) pending(op Opcode, now time.Time) bool {
	return !a.until.IsZero() && a.opcode == op && now.Before(a.until)
}

func (d *Dispatcher) readLoop() {
	notifications := d.link.Notifications()
	for {
		select {
		case frame, ok := <-notifications:
			if !ok {
				d.markLost()
				return
			}
			d.deliver(frame)
		case <-d.link.Done():
			d.markLost()
			return
		}
	}
}

// deliver hands a frame to the current waiter. With no command
// outstanding the frame is stale and dropped.
func (d *Dispatcher) deliver(frame []byte) {
	d.mu.Lock()
	w := d.waiter
	d.mu.Unlock()

	if w == nil {
		d.log.Debug().Int("size", len(frame)).Msg("Dropping unsolicited frame")
		if pkt, err := d.decode(frame); err == nil {
			d.takeStale(pkt.Opcode)
		}
		return
	}

	select {
	case w <- frame:
	default:
		d.log.Warn().Msg("Waiter inbox full, dropping frame")
	}
}

func (d *Dispatcher) setWaiter(w chan []byte) {
	d.mu.Lock()
	d.waiter = w
	d.mu.Unlock()
}

// takeStale reports whether frame opcode op is the late answer of a
// cancelled command, and forgets that command once answered or expired
func (d *Dispatcher) takeStale(op Opcode) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stale.until.IsZero() {
		return false
	}
	now := time.Now()
	if d.stale.pending(op, now) {
		d.stale = staleAnswer{}
		return true
	}
	if !now.Before(d.stale.until) {
		d.stale = staleAnswer{}
	}
	return false
}

func (d *Dispatcher) setStale(op Opcode, until time.Time) {
	d.mu.Lock()
	d.stale = staleAnswer{opcode: op, until: until}
	d.mu.Unlock()
}

func (d *Dispatcher) markLost() {
	d.lostOnce.Do(func() {
		close(d.lost)
		d.mu.Lock()
		detached := d.detached
		d.mu.Unlock()
		if !detached {
			d.log.Warn().Msg("Link lost")
			d.session.close()
		}
	})
}

func (d *Dispatcher) lostErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detached {
		return ErrSessionClosed
	}
	return ErrTransportLost
}

// Lost is closed once the link has gone away
func (d *Dispatcher) Lost() <-chan struct{} {
	return d.lost
}

// shutdown closes the link without treating it as a loss
func (d *Dispatcher) shutdown() error {
	d.mu.Lock()
	d.detached = true
	d.mu.Unlock()
	err := d.link.Close()
	d.lostOnce.Do(func() { close(d.lost) })
	return err
}

// Execute sends cmd with payload and waits for the matching response,
// re-sending the identical frame on timeout or corruption up to
// cmd.MaxRetries times. It returns the response payload.
//
// When ctx ends after a frame went out, the key may still answer. The
// first frame with the same opcode arriving within cmd.Timeout of that
// send is discarded, even if another command is waiting for it.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command, payload []byte) ([]byte, error) {
	select {
	case d.slot <- struct{}{}:
	default:
		return nil, d.fail(cmd, 0, ErrCommandInFlight)
	}
	defer func() { <-d.slot }()

	select {
	case <-d.lost:
		return nil, d.fail(cmd, 0, d.lostErr())
	default:
	}

	if cmd.RequiresAuth && !d.session.IsAuthenticated() {
		return nil, d.fail(cmd, 0, ErrNotAuthenticated)
	}

	key := SystemKey
	if cmd.Frame == FrameSession {
		k, ok := d.session.Key()
		if !ok {
			return nil, d.fail(cmd, 0, ErrNotAuthenticated)
		}
		key = k
	}

	wire, err := EncodePacket(Packet{Frame: cmd.Frame, Opcode: cmd.Opcode, Payload: payload}, key)
	if err != nil {
		return nil, d.fail(cmd, 0, err)
	}

	inbox := make(chan []byte, inboxSize)
	d.setWaiter(inbox)
	defer d.setWaiter(nil)

	var lastErr error
	attempts := 0
	for attempts <= cmd.MaxRetries {
		attempts++
		if attempts > 1 {
			d.log.Warn().
				Str("opcode", cmd.Opcode.String()).
				Int("attempt", attempts).
				Err(lastErr).
				Msg("Retrying command")
		}

		sentAt := time.Now()
		if err := d.link.Send(ctx, wire); err != nil {
			if ctx.Err() != nil {
				return nil, d.fail(cmd, attempts, ctx.Err())
			}
			d.log.Error().Err(err).Str("opcode", cmd.Opcode.String()).Msg("Send failed")
			d.markLost()
			return nil, d.fail(cmd, attempts, ErrTransportLost)
		}

		resp, err := d.await(ctx, cmd, inbox)
		if err == nil {
			return resp.Payload, nil
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			d.setStale(cmd.Opcode, sentAt.Add(cmd.Timeout))
		}
		if !Retryable(err) {
			return nil, d.fail(cmd, attempts, err)
		}
		lastErr = err
	}

	return nil, d.fail(cmd, attempts, lastErr)
}

func (d *Dispatcher) await(ctx context.Context, cmd Command, inbox <-chan []byte) (Packet, error) {
	timer := time.NewTimer(cmd.Timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Packet{}, ctx.Err()
		case <-d.lost:
			return Packet{}, d.lostErr()
		case <-timer.C:
			return Packet{}, ErrCommandTimeout
		case frame := <-inbox:
			pkt, err := d.decode(frame)
			if err != nil {
				return Packet{}, err
			}
			if !pkt.Opcode.Known() {
				d.log.Warn().Str("opcode", pkt.Opcode.String()).Msg("Discarding unrecognized opcode")
				continue
			}
			if !cmd.Matches(pkt.Opcode) {
				d.log.Debug().
					Str("want", cmd.Opcode.String()).
					Str("got", pkt.Opcode.String()).
					Msg("Discarding unexpected response")
				continue
			}
			if d.takeStale(pkt.Opcode) {
				d.log.Debug().Str("opcode", pkt.Opcode.String()).Msg("Discarding late response to cancelled command")
				continue
			}
			return pkt, nil
		}
	}
}

// decode picks the key from the cleartext frame byte
func (d *Dispatcher) decode(frame []byte) (Packet, error) {
	key := SystemKey
	if len(frame) > 0 && FrameKind(frame[0]) == FrameSession {
		k, ok := d.session.Key()
		if !ok {
			return Packet{}, ErrCorruptFrame
		}
		key = k
	}
	return DecodePacket(frame, key)
}

func (d *Dispatcher) fail(cmd Command, attempts int, err error) error {
	ce := &CommandError{
		Command:  cmd.Name,
		Opcode:   cmd.Opcode,
		Attempts: attempts,
		Err:      err,
	}
	if !errors.Is(err, ErrCommandInFlight) {
		d.log.Debug().Err(ce).Msg("Command failed")
	}
	return ce
}
