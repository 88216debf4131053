package blekey

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout is how event timestamps are rendered for the bridge
const TimeLayout = "2006-01-02 15:04:05"

const (
	eventRecordSize  = 12
	keyInfoSize      = 10
	maxPower         = 100
	eventCountFields = 2
)

var eventNames = map[byte]string{
	0:  "Unknown",
	1:  "Open Success",
	2:  "Open Fail",
	3:  "Set Success",
	4:  "Set Fail",
	5:  "No Permission",
	6:  "Blacklisted",
	7:  "Time Expired",
	8:  "Outside Schedule",
	9:  "Read Audit",
	10: "Read Blacklist",
	11: "Sequence Open",
	12: "Sequence Cancel",
	13: "Emergency Open",
	14: "Power On",
	15: "Low Battery",
	16: "Tamper",
	17: "Lock Locked",
	18: "Lock Unlocked",
}

var keyTypeNames = map[byte]string{
	0x00: "Blank",
	0x06: "LSD4BT",
	0x11: "Register",
	0x12: "Setting",
	0x13: "Audit",
	0x15: "Blacklist",
	0x16: "Auxiliary",
	0x17: "Advanced",
	0x20: "Verify",
	0x21: "Trace",
	0x25: "Construction",
	0x50: "User",
	0xF2: "Logout",
	0xF5: "Electricity",
	0xF6: "Emergency",
}

// EventName maps an event code to its display name
func EventName(code byte) string {
	if name, ok := eventNames[code]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (%d)", code)
}

// KeyTypeName maps a key type code to its display name
func KeyTypeName(code byte) string {
	if name, ok := keyTypeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", code)
}

// Event is one audit record read from the key
type Event struct {
	Index  int       `json:"pos"`
	Time   time.Time `json:"time"`
	LockID uint16    `json:"lockId"`
	KeyID  uint16    `json:"keyId"`
	Code   byte      `json:"event"`
	Name   string    `json:"eventName"`
}

// MarshalJSON renders the timestamp in the key's wall-clock layout
func (e Event) MarshalJSON() ([]byte, error) {
	type event Event
	return json.Marshal(struct {
		event
		Time string `json:"time"`
	}{event(e), e.Time.Format(TimeLayout)})
}

// DecodeEvent decodes a GET_EVENT payload:
//
//	[keyId LE 2][reserved][lockId LE 2][BCD YY MM DD hh mm ss][event code]
//
// index is the 1-based fetch position; the record carries none of its own.
func DecodeEvent(index int, payload []byte) (Event, error) {
	if len(payload) < eventRecordSize {
		return Event{}, fmt.Errorf("event %d: %w: %d bytes", index, ErrMalformedRecord, len(payload))
	}

	ts, err := decodeBCDTime(payload[5:11])
	if err != nil {
		return Event{}, fmt.Errorf("event %d: %w", index, err)
	}

	code := payload[11]
	return Event{
		Index:  index,
		Time:   ts,
		KeyID:  binary.LittleEndian.Uint16(payload[0:2]),
		LockID: binary.LittleEndian.Uint16(payload[3:5]),
		Code:   code,
		Name:   EventName(code),
	}, nil
}

func bcd(b byte) (int, bool) {
	hi, lo := b>>4, b&0x0F
	if hi > 9 || lo > 9 {
		return 0, false
	}
	return int(hi)*10 + int(lo), true
}

// decodeBCDTime decodes YY MM DD hh mm ss. The key keeps no time zone,
// so the result is expressed in UTC.
func decodeBCDTime(b []byte) (time.Time, error) {
	var f [6]int
	for i := range f {
		v, ok := bcd(b[i])
		if !ok {
			return time.Time{}, fmt.Errorf("%w: byte %d is 0x%02X", ErrMalformedTimestamp, i, b[i])
		}
		f[i] = v
	}

	year, month, day, hour, minute, sec := 2000+f[0], f[1], f[2], f[3], f[4], f[5]
	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}, fmt.Errorf("%w: %02d-%02d-%02d %02d:%02d:%02d",
			ErrMalformedTimestamp, f[0], month, day, hour, minute, sec)
	}

	t := time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC)
	// time.Date normalises Feb 30 into March
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("%w: day %d out of range for %04d-%02d",
			ErrMalformedTimestamp, day, year, month)
	}
	return t, nil
}

// KeyInfo is a snapshot of the key's identity and status
type KeyInfo struct {
	KeyID       uint16 `json:"keyId"`
	KeyType     byte   `json:"keyType"`
	KeyTypeName string `json:"keyTypeName"`
	GroupID     uint16 `json:"groupId"`
	VerifyDay   uint16 `json:"verifyDay"`
	IsBLEOnline bool   `json:"isBleOnline"`
	// Power is the battery percentage, nil when the key does not report it
	Power   *int   `json:"power"`
	Version string `json:"version"`
}

// DecodeKeyInfo decodes a GET_KEY_INFO payload:
//
//	[keyId LE 2][type][groupId LE 2][reserved][verifyDay LE 2][bleOnline][power]
func DecodeKeyInfo(payload []byte) (KeyInfo, error) {
	if len(payload) < keyInfoSize {
		return KeyInfo{}, fmt.Errorf("key info: %w: %d bytes", ErrMalformedRecord, len(payload))
	}

	info := KeyInfo{
		KeyID:       binary.LittleEndian.Uint16(payload[0:2]),
		KeyType:     payload[2],
		KeyTypeName: KeyTypeName(payload[2]),
		GroupID:     binary.LittleEndian.Uint16(payload[3:5]),
		VerifyDay:   binary.LittleEndian.Uint16(payload[6:8]),
		IsBLEOnline: payload[8] != 0,
	}
	if p := int(payload[9]); p <= maxPower {
		info.Power = &p
	}
	return info, nil
}

// DecodeVersion reads the ASCII firmware version, stopping at the first
// NUL or non-ASCII byte
func DecodeVersion(payload []byte) string {
	for i, b := range payload {
		if b == 0 || b > 127 {
			return string(payload[:i])
		}
	}
	return string(payload)
}

// DecodeEventCount reads the little-endian record count
func DecodeEventCount(payload []byte) (int, error) {
	if len(payload) < eventCountFields {
		return 0, fmt.Errorf("event count: %w: %d bytes", ErrMalformedRecord, len(payload))
	}
	return int(binary.LittleEndian.Uint16(payload)), nil
}

// EncodeEventIndex builds the GET_EVENT request payload for a 1-based index
func EncodeEventIndex(index int) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, uint16(index))
	return out
}
