// Package crypto seals small secrets, such as the mirrored auth token, before
// they are written to the device store. Uses AES-256-GCM with an HKDF-derived key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the secret is empty.
	ErrInvalidKey = errors.New("invalid key")
)

// Sealer encrypts and decrypts strings under one derived key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 32-byte key for purpose from secret and returns a Sealer.
// Different purposes yield unrelated keys from the same secret.
func NewSealer(secret, purpose string) (*Sealer, error) {
	if secret == "" {
		return nil, ErrInvalidKey
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), []byte("circle"), []byte(purpose))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext as base64.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}

	plaintext, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}
