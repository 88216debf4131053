package blekey

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptFrame means CRC, length or xor validation failed. Retryable.
	ErrCorruptFrame = errors.New("corrupt frame")
	// ErrCommandTimeout means no matching response arrived in time. Retryable.
	ErrCommandTimeout = errors.New("command timeout")
	// ErrHandshakeFailed means CONNECT did not yield a device seed
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrAuthenticationFailed means the key rejected the credentials
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrMalformedTimestamp means a BCD timestamp held a non-decimal nibble
	// or an impossible date
	ErrMalformedTimestamp = errors.New("malformed timestamp")
	// ErrMalformedRecord means a response payload was too short to decode
	ErrMalformedRecord = errors.New("malformed record")
	// ErrTransportLost means the radio link dropped
	ErrTransportLost = errors.New("transport lost")

	ErrNotAuthenticated     = errors.New("session not authenticated")
	ErrCommandInFlight      = errors.New("another command is in flight")
	ErrEventIndexOutOfRange = errors.New("event index out of range")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrSessionClosed        = errors.New("session closed")
)

// CommandError is returned for every failed exchange
type CommandError struct {
	Command  string
	Opcode   Opcode
	Attempts int
	// Status is the device's rejection code, set for handshake and
	// verify rejections
	Status *byte
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s (0x%02X)", e.Command, byte(e.Opcode))
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Status != nil {
		msg += fmt.Sprintf(" status=0x%02X", *e.Status)
	}
	return msg + ": " + e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Retryable reports whether err is a transient corruption or timeout
func Retryable(err error) bool {
	return errors.Is(err, ErrCorruptFrame) || errors.Is(err, ErrCommandTimeout)
}

// RecordFailure reports whether err only concerns one decoded record,
// so a batch read can carry on with the next one
func RecordFailure(err error) bool {
	return errors.Is(err, ErrMalformedTimestamp) || errors.Is(err, ErrMalformedRecord)
}

func statusPtr(b byte) *byte {
	return &b
}
