// Package crypto seals secrets stored at rest, such as OAuth2 tokens and
// static mail passwords.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrDecrypt is returned when a ciphertext is corrupted, was sealed with a
// different key or belongs to a different owner.
var ErrDecrypt = errors.New("failed to decrypt")

// Sealer encrypts with AES-256-GCM. The owner passed to Seal is bound as
// associated data, so a ciphertext copied to another owner's row does not
// open.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a base64 encoded 32 byte key.
func NewSealer(base64Key string) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext for owner. The result is [nonce][ciphertext][tag].
func (s *Sealer) Seal(owner, plaintext string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return s.aead.Seal(nonce, nonce, []byte(plaintext), []byte(owner)), nil
}

// Open reverses Seal. An empty ciphertext opens to the empty string so
// optional columns need no special casing.
func (s *Sealer) Open(owner string, ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}

	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, sealed, []byte(owner))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	return string(plaintext), nil
}
