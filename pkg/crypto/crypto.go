package crypto

import (
	"crypto/aes"
	"crypto/rand"
	"fmt"
	"math/big"
)

// BlockSize is the AES block size used by the key protocol
const BlockSize = aes.BlockSize

const alnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateRandomBytes generates random bytes
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateRandomString generates an ASCII alphanumeric string of length n
func GenerateRandomString(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alnum)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alnum[idx.Int64()]
	}
	return string(out), nil
}

// EncryptBlock encrypts one block with AES-128 in ECB mode.
// Input shorter than a block is zero padded.
func EncryptBlock(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(plaintext) > BlockSize {
		return nil, fmt.Errorf("plaintext too long: %d bytes", len(plaintext))
	}

	in := make([]byte, BlockSize)
	copy(in, plaintext)

	out := make([]byte, BlockSize)
	block.Encrypt(out, in)
	return out, nil
}

// DecryptBlock decrypts one AES-128 ECB block
func DecryptBlock(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) != BlockSize {
		return nil, fmt.Errorf("ciphertext must be %d bytes, got %d", BlockSize, len(ciphertext))
	}

	out := make([]byte, BlockSize)
	block.Decrypt(out, ciphertext)
	return out, nil
}

// CRC16 computes the key firmware's CRC-16 (reflected poly 0x8408,
// init 0xFFFF, final xor 0xFFFF). The firmware calls it KERMIT.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

// XORChecksum folds all bytes together with xor
func XORChecksum(data []byte) byte {
	var x byte
	for _, b := range data {
		x ^= b
	}
	return x
}
