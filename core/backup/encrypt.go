package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	apperrors "github.com/dbridge-io/dbridge/core/shared/errors"
)

const encryptionKeySize = 32

// encrypt seals data with AES-256-GCM. The random nonce is prepended to
// the ciphertext so the artifact is self-contained.
func encrypt(data, key []byte) ([]byte, error) {
	if len(key) != encryptionKeySize {
		return nil, apperrors.NewValidation("encryption key must be 32 bytes", nil)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, data, nil), nil
}

// decrypt opens a nonce-prefixed AES-256-GCM artifact.
func decrypt(data, key []byte) ([]byte, error) {
	if len(key) != encryptionKeySize {
		return nil, apperrors.NewValidation("encryption key must be 32 bytes", nil)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, apperrors.NewValidation("encrypted artifact is truncated", nil)
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperrors.NewValidation("decryption failed; wrong key or corrupt artifact", err)
	}
	return plaintext, nil
}
