// Package keysim simulates a smart key and an in-memory radio so the
// protocol engine can run without hardware.
package keysim

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/blekey-server/blekey-server/pkg/blekey"
	"github.com/blekey-server/blekey-server/pkg/crypto"
)

// Device answers protocol frames the way a key does
type Device struct {
	Name    string
	Address string
	RSSI    int

	Seed    [blekey.SeedSize]byte
	SysCode blekey.Code
	RegCode blekey.Code

	KeyInfo []byte
	Version string
	Events  [][]byte

	// ResponseDelay postpones every response
	ResponseDelay time.Duration

	mu            sync.Mutex
	key           blekey.AES128Key
	hasKey        bool
	authenticated bool
	received      []blekey.Opcode
	corrupt       map[blekey.Opcode]int
	drop          map[blekey.Opcode]int
	strays        map[blekey.Opcode]int
	connectError  *byte
	verifyStatus  *byte
}

// NewDevice creates a key that accepts creds
func NewDevice(address string, creds blekey.Credentials) *Device {
	return &Device{
		Name:    "B03009-SIM",
		Address: address,
		RSSI:    -60,
		Seed:    [blekey.SeedSize]byte{0x3A, 0x51, 0x07, 0xC4, 0x92, 0x6E, 0x1B, 0xF0, 0x28, 0x85, 0x4D, 0x77},
		SysCode: creds.SysCode,
		RegCode: creds.RegCode,
		KeyInfo: KeyInfoPayload(0x1234, 0x50, 0x0042, 365, true, 87),
		Version: "B03009V301",
		corrupt: make(map[blekey.Opcode]int),
		drop:    make(map[blekey.Opcode]int),
		strays:  make(map[blekey.Opcode]int),
	}
}

// CorruptNext flips a CRC bit in the next n responses to op
func (d *Device) CorruptNext(op blekey.Opcode, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.corrupt[op] += n
}

// DropNext swallows the next n requests with op
func (d *Device) DropNext(op blekey.Opcode, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drop[op] += n
}

// StrayBefore makes the next n responses to op be preceded by a valid
// frame carrying a different opcode
func (d *Device) StrayBefore(op blekey.Opcode, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.strays[op] += n
}

// RejectConnect answers CONNECT with an error code instead of a seed
func (d *Device) RejectConnect(code byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectError = &code
}

// RejectVerify answers every VERIFY with status
func (d *Device) RejectVerify(status byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.verifyStatus = &status
}

// Received lists the opcodes of every well-formed request seen
func (d *Device) Received() []blekey.Opcode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]blekey.Opcode(nil), d.received...)
}

// Count returns how many requests with op were seen
func (d *Device) Count(op blekey.Opcode) int {
	n := 0
	for _, r := range d.Received() {
		if r == op {
			n++
		}
	}
	return n
}

// Handle processes one inbound frame and returns the frames to notify
func (d *Device) Handle(frame []byte) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(frame) != blekey.FrameSize {
		return nil
	}
	kind := blekey.FrameKind(frame[0])
	key := blekey.SystemKey
	if kind == blekey.FrameSession {
		if !d.hasKey {
			return nil
		}
		key = d.key
	}

	req, err := blekey.DecodeRequest(frame, key)
	if err != nil {
		return nil
	}
	d.received = append(d.received, req.Opcode)

	if d.drop[req.Opcode] > 0 {
		d.drop[req.Opcode]--
		return nil
	}

	payload, ok := d.respond(req)
	if !ok {
		return nil
	}

	respKey := key
	if req.Opcode == blekey.OpConnect {
		respKey = blekey.SystemKey
	}
	resp, err := blekey.EncodeResponse(blekey.Packet{Frame: kind, Opcode: req.Opcode, Payload: payload}, respKey)
	if err != nil {
		return nil
	}

	if d.corrupt[req.Opcode] > 0 {
		d.corrupt[req.Opcode]--
		resp[blekey.FrameSize-1] ^= 0x01
	}

	out := make([][]byte, 0, 2)
	if d.strays[req.Opcode] > 0 {
		d.strays[req.Opcode]--
		stray, err := blekey.EncodeResponse(blekey.Packet{Frame: kind, Opcode: strayOpcode(req.Opcode), Payload: []byte{0xEE}}, respKey)
		if err == nil {
			out = append(out, stray)
		}
	}
	return append(out, resp)
}

func strayOpcode(op blekey.Opcode) blekey.Opcode {
	if op == blekey.OpGetKeyVersion {
		return blekey.OpGetKeyInfo
	}
	return blekey.OpGetKeyVersion
}

// respond expects d.mu to be held
func (d *Device) respond(req blekey.Packet) ([]byte, bool) {
	switch req.Opcode {
	case blekey.OpConnect:
		d.authenticated = false
		d.hasKey = false
		if d.connectError != nil {
			return []byte{*d.connectError}, true
		}
		if len(req.Payload) != blekey.NonceSize+2 {
			return []byte{0xE1}, true
		}
		crc := crypto.CRC16(req.Payload[:blekey.NonceSize])
		if binary.LittleEndian.Uint16(req.Payload[blekey.NonceSize:]) != crc {
			return []byte{0xE2}, true
		}
		var n blekey.Nonce
		copy(n[:], req.Payload)
		key, err := blekey.DeriveSessionKey(n, d.Seed[:], d.SysCode)
		if err != nil {
			return nil, false
		}
		d.key = key
		d.hasKey = true
		return d.Seed[:], true

	case blekey.OpVerify:
		if d.verifyStatus != nil {
			return []byte{*d.verifyStatus}, true
		}
		want := blekey.BuildVerifyPayload(blekey.Credentials{SysCode: d.SysCode, RegCode: d.RegCode})
		if string(req.Payload) != string(want) {
			return []byte{0x01}, true
		}
		d.authenticated = true
		return []byte{0x00}, true
	}

	if !d.authenticated {
		return nil, false
	}

	switch req.Opcode {
	case blekey.OpGetKeyInfo:
		return d.KeyInfo, true
	case blekey.OpGetKeyVersion:
		v := []byte(d.Version)
		if len(v) > blekey.MaxPayload {
			v = v[:blekey.MaxPayload]
		}
		return v, true
	case blekey.OpGetEventCount:
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, uint16(len(d.Events)))
		return out, true
	case blekey.OpGetEvent:
		if len(req.Payload) < 2 {
			return nil, false
		}
		idx := int(binary.LittleEndian.Uint16(req.Payload))
		if idx < 1 || idx > len(d.Events) {
			return nil, false
		}
		return d.Events[idx-1], true
	case blekey.OpCleanEvent:
		d.Events = nil
		return []byte{0x00}, true
	}
	return nil, false
}

// KeyInfoPayload builds a GET_KEY_INFO response payload
func KeyInfoPayload(keyID uint16, keyType byte, groupID, verifyDay uint16, online bool, power byte) []byte {
	p := make([]byte, 10)
	binary.LittleEndian.PutUint16(p[0:2], keyID)
	p[2] = keyType
	binary.LittleEndian.PutUint16(p[3:5], groupID)
	binary.LittleEndian.PutUint16(p[6:8], verifyDay)
	if online {
		p[8] = 1
	}
	p[9] = power
	return p
}

// EventRecord builds a GET_EVENT response payload
func EventRecord(keyID, lockID uint16, t time.Time, code byte) []byte {
	p := make([]byte, 12)
	binary.LittleEndian.PutUint16(p[0:2], keyID)
	binary.LittleEndian.PutUint16(p[3:5], lockID)
	fields := []int{t.Year() % 100, int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second()}
	for i, f := range fields {
		p[5+i] = byte(f/10)<<4 | byte(f%10)
	}
	p[11] = code
	return p
}

// GenerateEvents builds n records for keyID, one per hour ending at end,
// cycling through lock IDs and common event codes
func GenerateEvents(keyID uint16, n int, end time.Time) [][]byte {
	codes := []byte{1, 1, 1, 2, 5, 17, 18, 15}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		t := end.Add(-time.Duration(n-1-i) * time.Hour)
		out = append(out, EventRecord(keyID, uint16(0x0101+i%4), t, codes[i%len(codes)]))
	}
	return out
}
