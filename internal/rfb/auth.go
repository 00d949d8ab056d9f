package rfb

import (
	"crypto/des"
	"fmt"
)

const challengeSize = 16

// VNCAuthResponse computes the response to a VNC Authentication challenge:
// the challenge DES-encrypted with the password as key. Only the first eight
// bytes of the password are significant and every key byte is bit-reversed,
// as the original VNC implementation did.
func VNCAuthResponse(password string, challenge []byte) ([]byte, error) {
	if len(challenge) != challengeSize {
		return nil, fmt.Errorf("vnc auth challenge must be %d bytes, got %d", challengeSize, len(challenge))
	}

	var key [8]byte
	copy(key[:], password)
	for i, b := range key {
		key[i] = reverseBits(b)
	}

	block, err := des.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init des cipher: %w", err)
	}

	response := make([]byte, challengeSize)
	for i := 0; i < challengeSize; i += block.BlockSize() {
		block.Encrypt(response[i:i+block.BlockSize()], challenge[i:i+block.BlockSize()])
	}
	return response, nil
}

func reverseBits(b byte) byte {
	var out byte
	for i := 0; i < 8; i++ {
		out <<= 1
		out |= b & 1
		b >>= 1
	}
	return out
}
