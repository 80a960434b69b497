// Package crypto seals exchange API credentials at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12
)

var (
	ErrBadKey        = errors.New("crypto: key must be 32 bytes")
	ErrBadCiphertext = errors.New("crypto: malformed ciphertext")
	ErrOpenFailed    = errors.New("crypto: decryption failed")
)

// Sealer encrypts and decrypts with one versioned key. The wire format is
// "ENC[vN]:" followed by base64(nonce || ciphertext || tag), so a stored
// value carries the version of the key that sealed it.
type Sealer struct {
	key     []byte
	version int
}

// NewSealer wraps a raw 32-byte key.
func NewSealer(key []byte, version int) (*Sealer, error) {
	if len(key) != keySize {
		return nil, ErrBadKey
	}
	return &Sealer{key: key, version: version}, nil
}

// Version returns the key version this sealer writes.
func (s *Sealer) Version() int { return s.version }

// Seal encrypts plaintext with a fresh random nonce.
func (s *Sealer) Seal(plaintext string) (string, error) {
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:%s", s.version, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open reverses Seal. The caller is responsible for picking the sealer whose
// version matches the ciphertext (see Keyring.Open).
func (s *Sealer) Open(ciphertext string) (string, error) {
	idx := strings.Index(ciphertext, "]:")
	if !strings.HasPrefix(ciphertext, "ENC[v") || idx < 0 {
		return "", ErrBadCiphertext
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext[idx+2:])
	if err != nil {
		return "", fmt.Errorf("crypto: base64: %w", err)
	}
	if len(raw) < nonceSize {
		return "", ErrBadCiphertext
	}
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plain), nil
}

func (s *Sealer) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// SealedVersion extracts the key version from a sealed string, 0 if the
// format is unrecognized.
func SealedVersion(ciphertext string) int {
	if !strings.HasPrefix(ciphertext, "ENC[v") {
		return 0
	}
	var v int
	if _, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &v); err != nil {
		return 0
	}
	return v
}
