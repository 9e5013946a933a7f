package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// CryptBlock encrypts or decrypts one on-disk block in place using
// AES-256-CTR. CTR is its own inverse, so the same call serves both
// directions. The IV is the first 8 bytes of the key GUID followed by
// the block's global payload offset, which keeps every block
// independently decryptable at arbitrary offsets without padding or
// size growth.
func CryptBlock(key [KeySize]byte, guid GUID, globalOffset int64, data []byte) error {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return fmt.Errorf("aes cipher: %w", err)
	}

	var iv [aes.BlockSize]byte
	copy(iv[:8], guid[:8])
	binary.LittleEndian.PutUint64(iv[8:], uint64(globalOffset))

	cipher.NewCTR(block, iv[:]).XORKeyStream(data, data)
	return nil
}
