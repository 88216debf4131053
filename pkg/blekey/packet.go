package blekey

import (
	"fmt"

	"github.com/blekey-server/blekey-server/pkg/crypto"
)

// Wire layout:
//
//	[frame kind][AES-128-ECB ciphertext (16)][CRC16 little endian (2)]
//
// The CRC covers the frame byte and the ciphertext. The plaintext block is
//
//	[length][opcode][payload...][xor][zero padding]
const (
	FrameSize  = 19
	MaxPayload = 12

	crcOffset = 1 + crypto.BlockSize
	xorOffset = 14
)

// Packet is one decoded command or response
type Packet struct {
	Frame   FrameKind
	Opcode  Opcode
	Payload []byte
}

// lengthBias is what a command's length byte adds on top of the payload
// size. The VERIFY request counts one byte fewer than every other
// command. Responses always carry payload size + 3.
func lengthBias(op Opcode) int {
	if op == OpVerify {
		return 2
	}
	return responseBias
}

const responseBias = 3

// EncodePacket builds the 19-byte wire frame for the command p under key
func EncodePacket(p Packet, key AES128Key) ([]byte, error) {
	return encode(p, key, lengthBias(p.Opcode))
}

// EncodeResponse builds the 19-byte wire frame a key answers with
func EncodeResponse(p Packet, key AES128Key) ([]byte, error) {
	return encode(p, key, responseBias)
}

// DecodePacket validates and decrypts a response frame. Every validation
// failure is ErrCorruptFrame.
func DecodePacket(wire []byte, key AES128Key) (Packet, error) {
	return decode(wire, key, func(Opcode) int { return responseBias })
}

// DecodeRequest is DecodePacket for frames built by EncodePacket, as a
// key reads them
func DecodeRequest(wire []byte, key AES128Key) (Packet, error) {
	return decode(wire, key, lengthBias)
}

func encode(p Packet, key AES128Key, bias int) ([]byte, error) {
	if !p.Frame.Valid() {
		return nil, fmt.Errorf("encode %s: invalid frame kind 0x%02X", p.Opcode, byte(p.Frame))
	}
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("encode %s: %w: %d bytes", p.Opcode, ErrPayloadTooLarge, len(p.Payload))
	}

	n := len(p.Payload)
	if n+bias < 3 {
		return nil, fmt.Errorf("encode %s: empty payload", p.Opcode)
	}

	plain := make([]byte, crypto.BlockSize)
	plain[0] = byte(n + bias)
	plain[1] = byte(p.Opcode)
	copy(plain[2:], p.Payload)
	plain[2+n] = crypto.XORChecksum(plain[:2+n])

	ct, err := crypto.EncryptBlock(key[:], plain)
	if err != nil {
		return nil, fmt.Errorf("encrypt %s: %w", p.Opcode, err)
	}

	out := make([]byte, FrameSize)
	out[0] = byte(p.Frame)
	copy(out[1:crcOffset], ct)
	crc := crypto.CRC16(out[:crcOffset])
	out[crcOffset] = byte(crc)
	out[crcOffset+1] = byte(crc >> 8)
	return out, nil
}

func decode(wire []byte, key AES128Key, bias func(Opcode) int) (Packet, error) {
	if len(wire) != FrameSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrCorruptFrame, len(wire))
	}

	frame := FrameKind(wire[0])
	if !frame.Valid() {
		return Packet{}, fmt.Errorf("%w: frame kind 0x%02X", ErrCorruptFrame, wire[0])
	}

	want := uint16(wire[crcOffset]) | uint16(wire[crcOffset+1])<<8
	if got := crypto.CRC16(wire[:crcOffset]); got != want {
		return Packet{}, fmt.Errorf("%w: crc 0x%04X, expected 0x%04X", ErrCorruptFrame, got, want)
	}

	plain, err := crypto.DecryptBlock(key[:], wire[1:crcOffset])
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}

	length := int(plain[0])
	op := Opcode(plain[1])
	if length < 3 || length > 15 {
		return Packet{}, fmt.Errorf("%w: length byte %d", ErrCorruptFrame, length)
	}
	// the xor byte either sits at offset 14 or earlier, followed by zeros
	if crypto.XORChecksum(plain[:xorOffset]) != plain[xorOffset] {
		return Packet{}, fmt.Errorf("%w: xor mismatch", ErrCorruptFrame)
	}

	n := length - bias(op)
	if n > MaxPayload {
		return Packet{}, fmt.Errorf("%w: length byte %d for %s", ErrCorruptFrame, length, op)
	}

	payload := make([]byte, n)
	copy(payload, plain[2:2+n])
	return Packet{Frame: frame, Opcode: op, Payload: payload}, nil
}
