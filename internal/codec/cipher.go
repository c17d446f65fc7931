package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

const nonceSize = 12

// DeriveKey turns an operator-supplied passphrase into a 256-bit AES key.
// A plain SHA-256 hash (rather than a deliberately slow KDF like scrypt or
// argon2) is used because the passphrase is shared out-of-band between the
// two ends of the tunnel and is not exposed to online guessing the way a
// login password would be; the only requirement is that distinct
// passphrases map to distinct, uniformly distributed keys.
func DeriveKey(passphrase string) [32]byte {
	return sha256.Sum256([]byte(passphrase))
}

// Seal encrypts plaintext with AES-256-GCM under the key derived from
// passphrase, prefixing the ciphertext with a fresh random nonce.
func Seal(passphrase string, plaintext []byte) ([]byte, error) {
	key := DeriveKey(passphrase)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("codec: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("codec: new gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("codec: read nonce: %w", err)
	}

	out := gcm.Seal(nonce, nonce, plaintext, nil)
	return out, nil
}

// Open reverses Seal. It returns an error if the ciphertext is too short
// to contain a nonce, or if authentication fails.
func Open(passphrase string, sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("codec: sealed payload shorter than nonce (%d bytes)", len(sealed))
	}
	key := DeriveKey(passphrase)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("codec: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("codec: new gcm: %w", err)
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("codec: gcm open: %w", err)
	}
	return plaintext, nil
}
