package blekey

import (
	"time"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultCommandTimeout   = 3 * time.Second
	DefaultMaxRetries       = 2
)

// Command describes one request/response exchange. Commands are plain
// values; the dispatcher owns all per-session state.
type Command struct {
	Name         string
	Opcode       Opcode
	Expect       []Opcode
	Frame        FrameKind
	RequiresAuth bool
	Mutating     bool
	Timeout      time.Duration
	MaxRetries   int
}

// Matches reports whether a response opcode answers this command
func (c Command) Matches(op Opcode) bool {
	for _, e := range c.Expect {
		if e == op {
			return true
		}
	}
	return false
}

// WithTimeout returns a copy with a different per-attempt timeout
func (c Command) WithTimeout(d time.Duration) Command {
	c.Timeout = d
	return c
}

// WithRetries returns a copy with a different retry limit
func (c Command) WithRetries(n int) Command {
	c.MaxRetries = n
	return c
}

var (
	CmdConnect = Command{
		Name:       "CONNECT",
		Opcode:     OpConnect,
		Expect:     []Opcode{OpConnect},
		Frame:      FrameSystem,
		Timeout:    DefaultHandshakeTimeout,
		MaxRetries: 1,
	}
	CmdVerify = Command{
		Name:       "VERIFY",
		Opcode:     OpVerify,
		Expect:     []Opcode{OpVerify},
		Frame:      FrameSession,
		Timeout:    DefaultHandshakeTimeout,
		MaxRetries: 1,
	}
	CmdGetKeyInfo    = dataCommand("GET_KEY_INFO", OpGetKeyInfo)
	CmdGetKeyVersion = dataCommand("GET_KEY_VERSION", OpGetKeyVersion)
	CmdGetEventCount = dataCommand("GET_EVENT_COUNT", OpGetEventCount)
	CmdGetEvent      = dataCommand("GET_EVENT", OpGetEvent)
	CmdCleanEvent    = Command{
		Name:         "CLEAN_EVENT",
		Opcode:       OpCleanEvent,
		Expect:       []Opcode{OpCleanEvent},
		Frame:        FrameSession,
		RequiresAuth: true,
		Mutating:     true,
		Timeout:      DefaultCommandTimeout,
		MaxRetries:   DefaultMaxRetries,
	}
)

func dataCommand(name string, op Opcode) Command {
	return Command{
		Name:         name,
		Opcode:       op,
		Expect:       []Opcode{op},
		Frame:        FrameSession,
		RequiresAuth: true,
		Timeout:      DefaultCommandTimeout,
		MaxRetries:   DefaultMaxRetries,
	}
}

var commandsByOpcode = map[Opcode]Command{
	OpConnect:       CmdConnect,
	OpVerify:        CmdVerify,
	OpGetKeyInfo:    CmdGetKeyInfo,
	OpGetKeyVersion: CmdGetKeyVersion,
	OpGetEventCount: CmdGetEventCount,
	OpGetEvent:      CmdGetEvent,
	OpCleanEvent:    CmdCleanEvent,
}

// CommandFor looks up the descriptor for an opcode. Unknown opcodes
// report false.
func CommandFor(op Opcode) (Command, bool) {
	c, ok := commandsByOpcode[op]
	return c, ok
}
