package blekey

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// SystemKey encrypts the CONNECT exchange, before any session key exists
var SystemKey = AES128Key{'R', 'A', 'Y', 'O', 'N', 'I', 'C', 'S', 'B', 'L', 'E', 'K', 'E', 'Y', 'V', '2'}

// FrameKind is the cleartext first byte of every frame, naming the key
// the ciphertext was produced with
type FrameKind byte

const (
	FrameSystem  FrameKind = 0x01
	FrameSession FrameKind = 0x02
)

// Valid reports whether the frame kind is one the key understands
func (f FrameKind) Valid() bool {
	return f == FrameSystem || f == FrameSession
}

// Opcode identifies a command and its response
type Opcode byte

const (
	OpConnect       Opcode = 0x0D
	OpVerify        Opcode = 0x0F
	OpGetKeyInfo    Opcode = 0x11
	OpGetEventCount Opcode = 0x26
	OpGetEvent      Opcode = 0x27
	OpCleanEvent    Opcode = 0x2B
	OpGetKeyVersion Opcode = 0x34
)

var opcodeNames = map[Opcode]string{
	OpConnect:       "CONNECT",
	OpVerify:        "VERIFY",
	OpGetKeyInfo:    "GET_KEY_INFO",
	OpGetEventCount: "GET_EVENT_COUNT",
	OpGetEvent:      "GET_EVENT",
	OpCleanEvent:    "CLEAN_EVENT",
	OpGetKeyVersion: "GET_KEY_VERSION",
}

// Known reports whether the opcode belongs to the supported command set
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(o))
}

// Code is a 4-byte operator credential (syscode or regcode)
type Code [4]byte

// String returns the upper-case hex form used by operators
func (c Code) String() string {
	return strings.ToUpper(hex.EncodeToString(c[:]))
}

// MarshalJSON implements json.Marshaler
func (c Code) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// ParseCode parses exactly 8 hex characters, case-insensitive
func ParseCode(s string) (Code, error) {
	var c Code
	if len(s) != 8 {
		return c, fmt.Errorf("%w: expected 8 hex characters, got %d", ErrInvalidCredentials, len(s))
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("%w: %q is not hex", ErrInvalidCredentials, s)
	}

	copy(c[:], b)
	return c, nil
}

// Credentials are the operator-supplied secrets presented during VERIFY
type Credentials struct {
	SysCode Code
	RegCode Code
}

// ParseCredentials validates both codes before any radio activity happens
func ParseCredentials(syscode, regcode string) (Credentials, error) {
	sys, err := ParseCode(syscode)
	if err != nil {
		return Credentials{}, fmt.Errorf("syscode: %w", err)
	}
	reg, err := ParseCode(regcode)
	if err != nil {
		return Credentials{}, fmt.Errorf("regcode: %w", err)
	}
	return Credentials{SysCode: sys, RegCode: reg}, nil
}

// DiscoveredDevice is one advertisement seen during a scan
type DiscoveredDevice struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	RSSI    int    `json:"rssi"`
}

// DefaultNamePrefixes are the advertised name prefixes of supported keys
var DefaultNamePrefixes = []string{"B03005", "B03009", "B03018", "RayonicsKEY", "LSD4BT"}

// FilterDevices keeps devices whose name starts with one of the prefixes
func FilterDevices(devices []DiscoveredDevice, prefixes []string) []DiscoveredDevice {
	out := make([]DiscoveredDevice, 0, len(devices))
	for _, d := range devices {
		for _, p := range prefixes {
			if strings.HasPrefix(d.Name, p) {
				out = append(out, d)
				break
			}
		}
	}
	return out
}
