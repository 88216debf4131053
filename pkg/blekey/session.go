package blekey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// State is the lifecycle position of a DeviceSession
type State string

const (
	StateIdle           State = "idle"
	StateConnecting     State = "connecting"
	StateKeyEstablished State = "key_established"
	StateVerifying      State = "verifying"
	StateAuthenticated  State = "authenticated"
	StateClosed         State = "closed"
)

const (
	evConnect      = "connect"
	evEstablish    = "establish"
	evVerify       = "verify"
	evAuthenticate = "authenticate"
	evFail         = "fail"
	evClose        = "close"
)

// DeviceSession is one logical connection to one key. Key material and
// the authentication state change only through the handshake transitions
// driven by Client.
type DeviceSession struct {
	ID        uuid.UUID
	Address   string
	Name      string
	CreatedAt time.Time

	log   zerolog.Logger
	creds Credentials

	mu         sync.RWMutex
	machine    *fsm.FSM
	nonce      Nonce
	seed       []byte
	key        AES128Key
	hasKey     bool
	eventCount int
	countKnown bool

	disp *Dispatcher
}

// SessionInfo is a point-in-time view of a session for status reporting
type SessionInfo struct {
	ID            string `json:"id"`
	Address       string `json:"address"`
	Name          string `json:"name,omitempty"`
	State         State  `json:"state"`
	Authenticated bool   `json:"authenticated"`
}

func newSession(address, name string, creds Credentials, logger zerolog.Logger) *DeviceSession {
	s := &DeviceSession{
		ID:        uuid.New(),
		Address:   address,
		Name:      name,
		CreatedAt: time.Now(),
		creds:     creds,
	}
	s.log = logger.With().
		Str("session", s.ID.String()).
		Str("address", address).
		Logger()

	idle := string(StateIdle)
	connecting := string(StateConnecting)
	established := string(StateKeyEstablished)
	verifying := string(StateVerifying)
	authenticated := string(StateAuthenticated)
	closed := string(StateClosed)

	s.machine = fsm.NewFSM(idle,
		fsm.Events{
			{Name: evConnect, Src: []string{idle}, Dst: connecting},
			{Name: evEstablish, Src: []string{connecting}, Dst: established},
			{Name: evVerify, Src: []string{established}, Dst: verifying},
			{Name: evAuthenticate, Src: []string{verifying}, Dst: authenticated},
			{Name: evFail, Src: []string{connecting, established, verifying}, Dst: idle},
			{Name: evClose, Src: []string{idle, connecting, established, verifying, authenticated}, Dst: closed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("Session state changed")
			},
			// both run with s.mu held
			"enter_" + idle:   func(_ context.Context, _ *fsm.Event) { s.wipe() },
			"enter_" + closed: func(_ context.Context, _ *fsm.Event) { s.wipe() },
		},
	)
	return s
}

// State returns the current lifecycle state
func (s *DeviceSession) State() State {
	return State(s.machine.Current())
}

// IsAuthenticated reports whether data commands may be issued
func (s *DeviceSession) IsAuthenticated() bool {
	return s.machine.Is(string(StateAuthenticated))
}

// Info snapshots the session for status messages
func (s *DeviceSession) Info() SessionInfo {
	return SessionInfo{
		ID:            s.ID.String(),
		Address:       s.Address,
		Name:          s.Name,
		State:         s.State(),
		Authenticated: s.IsAuthenticated(),
	}
}

// Key returns the derived session key, if one exists
func (s *DeviceSession) Key() (AES128Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key, s.hasKey
}

// EventCount returns the count from the last GET_EVENT_COUNT exchange
func (s *DeviceSession) EventCount() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventCount, s.countKnown
}

func (s *DeviceSession) setEventCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventCount = n
	s.countKnown = true
}

func (s *DeviceSession) transition(event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.machine.Event(context.Background(), event); err != nil {
		return fmt.Errorf("session %s: %s from %s: %w", s.ID, event, s.machine.Current(), err)
	}
	return nil
}

func (s *DeviceSession) beginHandshake(n Nonce) error {
	if err := s.transition(evConnect); err != nil {
		return err
	}
	s.mu.Lock()
	s.nonce = n
	s.mu.Unlock()
	return nil
}

func (s *DeviceSession) establishKey(seed []byte) (AES128Key, error) {
	s.mu.Lock()
	key, err := DeriveSessionKey(s.nonce, seed, s.creds.SysCode)
	if err == nil {
		s.seed = append([]byte(nil), seed...)
		s.key = key
		s.hasKey = true
	}
	s.mu.Unlock()
	if err != nil {
		return key, err
	}
	return key, s.transition(evEstablish)
}

// fail returns a half-built session to idle, discarding key material
func (s *DeviceSession) fail() {
	s.fireIfAllowed(evFail)
}

// close moves the session to closed; repeated calls are no-ops
func (s *DeviceSession) close() {
	s.fireIfAllowed(evClose)
}

func (s *DeviceSession) fireIfAllowed(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.machine.Can(event) {
		return
	}
	if err := s.machine.Event(context.Background(), event); err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("Session transition failed")
	}
}

// wipe expects s.mu to be held
func (s *DeviceSession) wipe() {
	s.nonce = Nonce{}
	for i := range s.seed {
		s.seed[i] = 0
	}
	s.seed = nil
	s.key = AES128Key{}
	s.hasKey = false
	s.eventCount = 0
	s.countKnown = false
}
