// Package crypto provides envelope encryption for sensitive settings columns.
// Values are sealed with ChaCha20-Poly1305 and stored as base64 strings so
// they fit in ordinary text columns.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encryptor seals and opens opaque string values. A nil Encryptor (no key
// configured) passes values through unchanged.
type Encryptor struct {
	key []byte
}

// New creates an Encryptor from a base64-encoded 32-byte key. An empty key
// returns a nil Encryptor, which disables encryption.
func New(base64Key string) (*Encryptor, error) {
	if base64Key == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Encryptor{key: key}, nil
}

// Encrypt seals plaintext and returns a base64 string of nonce||ciphertext.
// Empty input encrypts to empty output.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if e == nil || plaintext == "" {
		return plaintext, nil
	}
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values that fail to decode or
// authenticate are returned as-is: rows written before encryption was enabled
// hold raw plaintext and must keep working.
func (e *Encryptor) Decrypt(value string) string {
	if e == nil || value == "" {
		return value
	}
	sealed, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return value
	}
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return value
	}
	if len(sealed) < aead.NonceSize() {
		return value
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return value
	}
	return string(plaintext)
}
