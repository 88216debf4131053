package blekey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultScanTimeout       = 5 * time.Second
	DefaultEventReadInterval = 150 * time.Millisecond
)

// Client drives one key at a time over a Transport
type Client struct {
	transport Transport
	log       zerolog.Logger

	handshakeTimeout time.Duration
	commandTimeout   time.Duration
	maxRetries       int
	scanTimeout      time.Duration
	prefixes         []string
	limiter          *rate.Limiter

	mu      sync.Mutex
	active  *DeviceSession
	scanned map[string]DiscoveredDevice
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger; the default discards everything
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithHandshakeTimeout sets the per-attempt timeout of CONNECT and VERIFY
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithCommandTimeout sets the per-attempt timeout of data commands
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Client) { c.commandTimeout = d }
}

// WithMaxRetries sets how often a data command is re-sent
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithScanTimeout sets how long Scan listens for advertisements
func WithScanTimeout(d time.Duration) Option {
	return func(c *Client) { c.scanTimeout = d }
}

// WithNamePrefixes replaces the advertised-name filter used by Scan
func WithNamePrefixes(prefixes ...string) Option {
	return func(c *Client) { c.prefixes = prefixes }
}

// WithEventReadInterval paces GET_EVENT requests during ReadEvents.
// Zero disables pacing.
func WithEventReadInterval(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// NewClient creates a client over transport
func NewClient(transport Transport, opts ...Option) *Client {
	c := &Client{
		transport:        transport,
		log:              zerolog.Nop(),
		handshakeTimeout: DefaultHandshakeTimeout,
		commandTimeout:   DefaultCommandTimeout,
		maxRetries:       DefaultMaxRetries,
		scanTimeout:      DefaultScanTimeout,
		prefixes:         DefaultNamePrefixes,
		limiter:          rate.NewLimiter(rate.Every(DefaultEventReadInterval), 1),
		scanned:          make(map[string]DiscoveredDevice),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Active returns the current session, if any
func (c *Client) Active() *DeviceSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Scan discovers nearby keys, keeping only supported device names
func (c *Client) Scan(ctx context.Context) ([]DiscoveredDevice, error) {
	all, err := c.transport.Discover(ctx, c.scanTimeout)
	if err != nil {
		return nil, fmt.Errorf("discover devices: %w", err)
	}

	found := FilterDevices(all, c.prefixes)

	c.mu.Lock()
	c.scanned = make(map[string]DiscoveredDevice, len(found))
	for _, d := range found {
		c.scanned[d.Address] = d
	}
	c.mu.Unlock()

	c.log.Info().Int("seen", len(all)).Int("supported", len(found)).Msg("Scan finished")
	return found, nil
}

// Scanned looks up a device from the last scan
func (c *Client) Scanned(address string) (DiscoveredDevice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.scanned[address]
	return d, ok
}

// Connect opens a link to address and runs CONNECT then VERIFY. Any
// previous session is disconnected first. When the link opens but the
// handshake fails, the returned session is idle with its link closed and
// the error says why; credentials are never re-sent automatically.
func (c *Client) Connect(ctx context.Context, address string, creds Credentials) (*DeviceSession, error) {
	c.mu.Lock()
	prev := c.active
	c.active = nil
	dev := c.scanned[address]
	c.mu.Unlock()

	if prev != nil {
		c.Disconnect(prev)
	}

	link, err := c.transport.Open(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("open link to %s: %w", address, err)
	}

	s := newSession(address, dev.Name, creds, c.log)
	s.disp = NewDispatcher(s, link, s.log)

	c.mu.Lock()
	c.active = s
	c.mu.Unlock()

	if err := c.handshake(ctx, s); err != nil {
		c.abort(s, err)
		return s, err
	}

	s.log.Info().Msg("Authenticated")
	return s, nil
}

func (c *Client) handshake(ctx context.Context, s *DeviceSession) error {
	nonce, err := NewNonce()
	if err != nil {
		return err
	}
	if err := s.beginHandshake(nonce); err != nil {
		return err
	}

	s.log.Debug().Msg("Sending CONNECT")
	resp, err := s.disp.Execute(ctx, c.command(CmdConnect), BuildConnectPayload(nonce))
	if err != nil {
		return err
	}
	if len(resp) != SeedSize {
		ce := &CommandError{Command: CmdConnect.Name, Opcode: OpConnect, Attempts: 1, Err: ErrHandshakeFailed}
		if len(resp) > 0 {
			ce.Status = statusPtr(resp[0])
		}
		return ce
	}

	if _, err := s.establishKey(resp); err != nil {
		return err
	}
	if err := s.transition(evVerify); err != nil {
		return err
	}

	s.log.Debug().Msg("Sending VERIFY")
	resp, err = s.disp.Execute(ctx, c.command(CmdVerify), BuildVerifyPayload(s.creds))
	if err != nil {
		return err
	}
	if len(resp) == 0 || resp[0] != 0x00 {
		ce := &CommandError{Command: CmdVerify.Name, Opcode: OpVerify, Attempts: 1, Err: ErrAuthenticationFailed}
		if len(resp) > 0 {
			ce.Status = statusPtr(resp[0])
		}
		return ce
	}

	return s.transition(evAuthenticate)
}

// abort tears the link down after a failed handshake and leaves the
// session idle, unless the link was already lost
func (c *Client) abort(s *DeviceSession, err error) {
	s.log.Warn().Err(err).Msg("Handshake aborted")
	s.fail()
	if shutdownErr := s.disp.shutdown(); shutdownErr != nil {
		s.log.Debug().Err(shutdownErr).Msg("Closing link")
	}
}

// Disconnect closes the link and discards the session's key material
func (c *Client) Disconnect(s *DeviceSession) {
	if s == nil {
		return
	}
	if s.disp != nil {
		if err := s.disp.shutdown(); err != nil {
			s.log.Debug().Err(err).Msg("Closing link")
		}
	}
	s.close()

	c.mu.Lock()
	if c.active == s {
		c.active = nil
	}
	c.mu.Unlock()

	s.log.Info().Msg("Disconnected")
}

// command applies the client's timeouts and retry limit
func (c *Client) command(cmd Command) Command {
	switch cmd.Opcode {
	case OpConnect, OpVerify:
		return cmd.WithTimeout(c.handshakeTimeout)
	default:
		return cmd.WithTimeout(c.commandTimeout).WithRetries(c.maxRetries)
	}
}

func (c *Client) exec(ctx context.Context, s *DeviceSession, cmd Command, payload []byte) ([]byte, error) {
	if s == nil || s.disp == nil {
		return nil, &CommandError{Command: cmd.Name, Opcode: cmd.Opcode, Err: ErrSessionClosed}
	}
	return s.disp.Execute(ctx, c.command(cmd), payload)
}

// ReadKeyInfo runs GET_KEY_INFO followed by GET_KEY_VERSION
func (c *Client) ReadKeyInfo(ctx context.Context, s *DeviceSession) (KeyInfo, error) {
	payload, err := c.exec(ctx, s, CmdGetKeyInfo, nil)
	if err != nil {
		return KeyInfo{}, err
	}
	info, err := DecodeKeyInfo(payload)
	if err != nil {
		return KeyInfo{}, err
	}

	version, err := c.ReadVersion(ctx, s)
	if err != nil {
		return KeyInfo{}, err
	}
	info.Version = version
	return info, nil
}

// ReadVersion runs GET_KEY_VERSION
func (c *Client) ReadVersion(ctx context.Context, s *DeviceSession) (string, error) {
	payload, err := c.exec(ctx, s, CmdGetKeyVersion, nil)
	if err != nil {
		return "", err
	}
	return DecodeVersion(payload), nil
}

// ReadEventCount runs GET_EVENT_COUNT and remembers the result as the
// upper bound for ReadEvent
func (c *Client) ReadEventCount(ctx context.Context, s *DeviceSession) (int, error) {
	payload, err := c.exec(ctx, s, CmdGetEventCount, nil)
	if err != nil {
		return 0, err
	}
	n, err := DecodeEventCount(payload)
	if err != nil {
		return 0, err
	}
	s.setEventCount(n)
	return n, nil
}

// ReadEvent fetches the record at a 1-based index. Indexes outside
// [1, last event count] are rejected without touching the link.
func (c *Client) ReadEvent(ctx context.Context, s *DeviceSession, index int) (Event, error) {
	if s == nil {
		return Event{}, &CommandError{Command: CmdGetEvent.Name, Opcode: OpGetEvent, Err: ErrSessionClosed}
	}
	count, ok := s.EventCount()
	if !ok || index < 1 || index > count {
		return Event{}, &CommandError{
			Command: CmdGetEvent.Name,
			Opcode:  OpGetEvent,
			Err:     fmt.Errorf("%w: index %d, count %d", ErrEventIndexOutOfRange, index, count),
		}
	}

	payload, err := c.exec(ctx, s, CmdGetEvent, EncodeEventIndex(index))
	if err != nil {
		return Event{}, err
	}
	return DecodeEvent(index, payload)
}

// EventFailure records one index a batch read could not produce
type EventFailure struct {
	Index int    `json:"pos"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// EventBatch is the outcome of ReadEvents
type EventBatch struct {
	Count    int            `json:"count"`
	Events   []Event        `json:"events"`
	Failures []EventFailure `json:"failures,omitempty"`
	Cleared  bool           `json:"cleared"`
}

// ReadEvents reads the count and then every record in order. A record
// that fails to decode, or whose exchange times out or stays corrupt, is
// noted and skipped. With clear set, CLEAN_EVENT runs only if every record
// was read.
func (c *Client) ReadEvents(ctx context.Context, s *DeviceSession, clear bool) (EventBatch, error) {
	var batch EventBatch

	count, err := c.ReadEventCount(ctx, s)
	if err != nil {
		return batch, err
	}
	batch.Count = count
	batch.Events = make([]Event, 0, count)

	for i := 1; i <= count; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return batch, err
		}

		ev, err := c.ReadEvent(ctx, s, i)
		switch {
		case err == nil:
			batch.Events = append(batch.Events, ev)
		case RecordFailure(err), Retryable(err):
			s.log.Warn().Err(err).Int("pos", i).Msg("Skipping event")
			batch.Failures = append(batch.Failures, EventFailure{Index: i, Error: err.Error(), Err: err})
		default:
			return batch, err
		}
	}

	if !clear || count == 0 {
		return batch, nil
	}
	if len(batch.Failures) > 0 {
		s.log.Warn().Int("failed", len(batch.Failures)).Msg("Not clearing events, some records were not read")
		return batch, nil
	}
	if err := c.ClearEvents(ctx, s); err != nil {
		return batch, err
	}
	batch.Cleared = true
	return batch, nil
}

// ClearEvents runs CLEAN_EVENT, erasing the key's audit trail
func (c *Client) ClearEvents(ctx context.Context, s *DeviceSession) error {
	if _, err := c.exec(ctx, s, CmdCleanEvent, nil); err != nil {
		return err
	}
	s.setEventCount(0)
	s.log.Info().Msg("Events cleared")
	return nil
}
