package blekey

import (
	"fmt"

	"github.com/blekey-server/blekey-server/pkg/crypto"
)

const (
	NonceSize = 10
	SeedSize  = 12

	// verifyFlags is the trailing option byte of every VERIFY request
	verifyFlags = 0x04
)

// Nonce is the client-chosen alphanumeric challenge sent with CONNECT
type Nonce [NonceSize]byte

// NewNonce draws a fresh random alphanumeric nonce
func NewNonce() (Nonce, error) {
	var n Nonce
	s, err := crypto.GenerateRandomString(NonceSize)
	if err != nil {
		return n, fmt.Errorf("generate nonce: %w", err)
	}
	copy(n[:], s)
	return n, nil
}

// BuildConnectPayload returns nonce | CRC16(nonce) little endian
func BuildConnectPayload(n Nonce) []byte {
	crc := crypto.CRC16(n[:])
	out := make([]byte, 0, NonceSize+2)
	out = append(out, n[:]...)
	return append(out, byte(crc), byte(crc>>8))
}

// DeriveSessionKey folds the client nonce, the device seed and the syscode
// into the session key:
//
//	key[0:10]  = nonce[i] ^ seed[i]
//	key[10:14] = syscode
//	key[14:16] = CRC16(key[0:14]) little endian
func DeriveSessionKey(n Nonce, seed []byte, sysCode Code) (AES128Key, error) {
	var key AES128Key
	if len(seed) < NonceSize {
		return key, fmt.Errorf("%w: seed is %d bytes", ErrHandshakeFailed, len(seed))
	}

	for i := 0; i < NonceSize; i++ {
		key[i] = n[i] ^ seed[i]
	}
	copy(key[10:14], sysCode[:])

	crc := crypto.CRC16(key[:14])
	key[14] = byte(crc)
	key[15] = byte(crc >> 8)
	return key, nil
}

// BuildVerifyPayload returns regcode | syscode | flags
func BuildVerifyPayload(c Credentials) []byte {
	out := make([]byte, 0, 9)
	out = append(out, c.RegCode[:]...)
	out = append(out, c.SysCode[:]...)
	return append(out, verifyFlags)
}
