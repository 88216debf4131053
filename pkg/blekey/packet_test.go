package blekey

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blekey-server/blekey-server/pkg/crypto"
)

var testSessionKey = AES128Key{0x10, 0x21, 0x32, 0x43, 0x54, 0x65, 0x76, 0x87, 0x98, 0xA9, 0xDE, 0xAD, 0xBE, 0xEF, 0x5C, 0x11}

func payloadOf(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(0xA0 + i*7)
	}
	return p
}

func TestPacketRoundTrip(t *testing.T) {
	keys := map[FrameKind]AES128Key{
		FrameSystem:  SystemKey,
		FrameSession: testSessionKey,
	}
	opcodes := []Opcode{OpConnect, OpVerify, OpGetKeyInfo, OpGetKeyVersion, OpGetEventCount, OpGetEvent, OpCleanEvent, Opcode(0x77)}

	for frame, key := range keys {
		for _, op := range opcodes {
			for n := 0; n <= MaxPayload; n++ {
				if op == OpVerify && n == 0 {
					continue
				}
				in := Packet{Frame: frame, Opcode: op, Payload: payloadOf(n)}

				wire, err := EncodePacket(in, key)
				require.NoError(t, err, "%s n=%d", op, n)
				require.Len(t, wire, FrameSize)
				assert.Equal(t, byte(frame), wire[0])

				out, err := DecodeRequest(wire, key)
				require.NoError(t, err, "%s n=%d", op, n)
				assert.Equal(t, in, out, "%s n=%d", op, n)

				wire, err = EncodeResponse(in, key)
				require.NoError(t, err, "%s n=%d", op, n)

				out, err = DecodePacket(wire, key)
				require.NoError(t, err, "%s n=%d", op, n)
				assert.Equal(t, in, out, "%s n=%d", op, n)
			}
		}
	}
}

func TestPacketPlaintextLayout(t *testing.T) {
	wire, err := EncodePacket(Packet{Frame: FrameSession, Opcode: OpGetEvent, Payload: []byte{0x03, 0x00}}, testSessionKey)
	require.NoError(t, err)

	plain, err := crypto.DecryptBlock(testSessionKey[:], wire[1:17])
	require.NoError(t, err)
	assert.Equal(t, byte(5), plain[0])
	assert.Equal(t, byte(OpGetEvent), plain[1])
	assert.Equal(t, []byte{0x03, 0x00}, plain[2:4])
	assert.Equal(t, byte(5^0x27^0x03), plain[4])
	assert.Equal(t, make([]byte, 11), plain[5:])

	crc := crypto.CRC16(wire[:17])
	assert.Equal(t, byte(crc), wire[17])
	assert.Equal(t, byte(crc>>8), wire[18])
}

func TestVerifyLengthByte(t *testing.T) {
	creds := Credentials{SysCode: Code{0xDE, 0xAD, 0xBE, 0xEF}, RegCode: Code{0x0B, 0xAD, 0xC0, 0xDE}}
	wire, err := EncodePacket(Packet{Frame: FrameSession, Opcode: OpVerify, Payload: BuildVerifyPayload(creds)}, testSessionKey)
	require.NoError(t, err)

	plain, err := crypto.DecryptBlock(testSessionKey[:], wire[1:17])
	require.NoError(t, err)
	assert.Equal(t, byte(11), plain[0])
}

func TestVerifyResponseUsesStandardLength(t *testing.T) {
	status := make([]byte, 16)
	status[0], status[1], status[2] = 4, byte(OpVerify), 0x00
	status[3] = 4 ^ byte(OpVerify)

	pkt, err := DecodePacket(sealPlain(t, FrameSession, status, testSessionKey), testSessionKey)
	require.NoError(t, err)
	assert.Equal(t, OpVerify, pkt.Opcode)
	assert.Equal(t, []byte{0x00}, pkt.Payload)

	full := make([]byte, 16)
	full[0], full[1] = 15, byte(OpVerify)
	copy(full[2:14], payloadOf(MaxPayload))
	full[14] = crypto.XORChecksum(full[:14])

	pkt, err = DecodePacket(sealPlain(t, FrameSession, full, testSessionKey), testSessionKey)
	require.NoError(t, err)
	assert.Equal(t, payloadOf(MaxPayload), pkt.Payload)
}

func TestEveryBitFlipIsCorrupt(t *testing.T) {
	for _, n := range []int{0, 1, 6, MaxPayload} {
		wire, err := EncodePacket(Packet{Frame: FrameSession, Opcode: OpGetKeyInfo, Payload: payloadOf(n)}, testSessionKey)
		require.NoError(t, err)

		for i := 0; i < FrameSize; i++ {
			for bit := 0; bit < 8; bit++ {
				flipped := append([]byte(nil), wire...)
				flipped[i] ^= 1 << bit

				_, err := DecodePacket(flipped, testSessionKey)
				assert.ErrorIs(t, err, ErrCorruptFrame, "n=%d byte %d bit %d", n, i, bit)
			}
		}
	}
}

// sealPlain encrypts an arbitrary plaintext block into a frame with a valid CRC
func sealPlain(t *testing.T, frame FrameKind, plain []byte, key AES128Key) []byte {
	t.Helper()
	ct, err := crypto.EncryptBlock(key[:], plain)
	require.NoError(t, err)
	wire := append([]byte{byte(frame)}, ct...)
	crc := crypto.CRC16(wire)
	return append(wire, byte(crc), byte(crc>>8))
}

func TestDecodeRejects(t *testing.T) {
	good := make([]byte, 16)
	good[0], good[1], good[2] = 4, byte(OpGetKeyInfo), 0x42
	good[3] = 4 ^ byte(OpGetKeyInfo) ^ 0x42

	shortLen := append([]byte(nil), good...)
	shortLen[0] = 2

	longLen := append([]byte(nil), good...)
	longLen[0] = 16

	badXOR := append([]byte(nil), good...)
	badXOR[3] ^= 0xFF

	tests := []struct {
		name string
		wire []byte
	}{
		{"too short", make([]byte, FrameSize-1)},
		{"too long", make([]byte, FrameSize+1)},
		{"unknown frame kind", sealPlain(t, FrameKind(0x03), good, testSessionKey)},
		{"length below minimum", sealPlain(t, FrameSession, shortLen, testSessionKey)},
		{"length above maximum", sealPlain(t, FrameSession, longLen, testSessionKey)},
		{"xor mismatch", sealPlain(t, FrameSession, badXOR, testSessionKey)},
		{"wrong key", sealPlain(t, FrameSession, good, SystemKey)},
	}

	_, err := DecodePacket(sealPlain(t, FrameSession, good, testSessionKey), testSessionKey)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePacket(tt.wire, testSessionKey)
			assert.ErrorIs(t, err, ErrCorruptFrame)
		})
	}
}

func TestEncodeRejects(t *testing.T) {
	_, err := EncodePacket(Packet{Frame: FrameSession, Opcode: OpGetEvent, Payload: payloadOf(MaxPayload + 1)}, testSessionKey)
	assert.True(t, errors.Is(err, ErrPayloadTooLarge))

	_, err = EncodePacket(Packet{Frame: FrameKind(0x09), Opcode: OpGetEvent}, testSessionKey)
	assert.Error(t, err)

	_, err = EncodePacket(Packet{Frame: FrameSession, Opcode: OpVerify}, testSessionKey)
	assert.Error(t, err)
}
