// Package crypto seals and opens Tenant Credential values with AES-256-GCM,
// keyed by the process-wide credentials encryption key (§6). Encryption is
// opaque to every other package. Values are decrypted only at point of use:
// by the gateway when it registers a tenant's channel transport, and by the
// mailbox trigger adapter for its OAuth credential.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	tferrors "github.com/nextlevelbuilder/tenantflow/internal/errors"
)

// Sealer encrypts and decrypts tenant credential values under a single
// symmetric key, derived from the configured encryption key material via
// SHA-256 so operators can supply a passphrase of any length.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer derives an AES-256-GCM cipher from key. Fails if key is shorter
// than 8 characters: a missing or too-short credentials encryption key is a
// Configuration error fatal at startup, not a degraded mode.
func NewSealer(key string) (*Sealer, error) {
	if len(key) < 8 {
		return nil, tferrors.Configuration("credentials encryption key must be at least 8 characters")
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: build gcm: %w", err)
	}
	return &Sealer{gcm: gcm}, nil
}

// Seal encrypts plaintext into a nonce-prefixed ciphertext suitable for
// storage in tenant_credentials.encrypted_value.
func (s *Sealer) Seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: read nonce: %w", err)
	}
	return s.gcm.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts ciphertext produced by Seal. Returns an Auth-classed error
// if the ciphertext was sealed under a different key or is corrupt.
func (s *Sealer) Open(ciphertext []byte) (string, error) {
	nonceSize := s.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", tferrors.Auth("credential ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := s.gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", tferrors.Auth("decrypt credential: %v", err)
	}
	return string(plaintext), nil
}

// SealToString and OpenFromString let callers round-trip through text
// config/CLI surfaces (e.g. an admin script piping in a secret).
func (s *Sealer) SealToString(plaintext string) (string, error) {
	ct, err := s.Seal(plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (s *Sealer) OpenFromString(encoded string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("crypto: decode base64: %w", err)
	}
	return s.Open(ct)
}
