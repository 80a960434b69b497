package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	ErrNoPrimaryKey      = errors.New("crypto: CREDENTIAL_KEY not set")
	ErrVersionNotLoaded  = errors.New("crypto: key version not loaded")
	errKeyEnvMissing     = errors.New("crypto: key env var empty")
	maxSupportedVersions = 10
)

// Keyring holds the loaded key versions and always seals with the newest.
// Rotation: set CREDENTIAL_KEY_V2 (V3, ...) alongside the old keys; existing
// rows keep decrypting with the version recorded in their prefix.
type Keyring struct {
	mu      sync.RWMutex
	sealers map[int]*Sealer
	current int
}

// LoadKeyring reads base64 keys from CREDENTIAL_KEY and CREDENTIAL_KEY_V2..V10.
func LoadKeyring() (*Keyring, error) {
	kr := &Keyring{sealers: make(map[int]*Sealer)}
	if err := kr.loadEnv(1, "CREDENTIAL_KEY"); err != nil {
		return nil, ErrNoPrimaryKey
	}
	kr.current = 1
	for v := 2; v <= maxSupportedVersions; v++ {
		if err := kr.loadEnv(v, fmt.Sprintf("CREDENTIAL_KEY_V%d", v)); err == nil {
			kr.current = v
		}
	}
	return kr, nil
}

// NewKeyringFromSealers builds a keyring from explicit sealers; the highest
// version becomes current. Used by tests and tooling.
func NewKeyringFromSealers(sealers ...*Sealer) *Keyring {
	kr := &Keyring{sealers: make(map[int]*Sealer)}
	for _, s := range sealers {
		kr.sealers[s.Version()] = s
		if s.Version() > kr.current {
			kr.current = s.Version()
		}
	}
	return kr
}

func (kr *Keyring) loadEnv(version int, env string) error {
	b64 := os.Getenv(env)
	if b64 == "" {
		return errKeyEnvMissing
	}
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("crypto: decode %s: %w", env, err)
	}
	s, err := NewSealer(key, version)
	if err != nil {
		return err
	}
	kr.sealers[version] = s
	return nil
}

// Seal encrypts with the newest loaded key.
func (kr *Keyring) Seal(plaintext string) (string, int, error) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	s, ok := kr.sealers[kr.current]
	if !ok {
		return "", 0, ErrVersionNotLoaded
	}
	out, err := s.Seal(plaintext)
	return out, kr.current, err
}

// Open decrypts using whichever key version the ciphertext names.
func (kr *Keyring) Open(ciphertext string) (string, error) {
	v := SealedVersion(ciphertext)
	if v == 0 {
		return "", ErrBadCiphertext
	}
	kr.mu.RLock()
	s, ok := kr.sealers[v]
	kr.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrVersionNotLoaded, v)
	}
	return s.Open(ciphertext)
}

// CurrentVersion reports the version Seal writes.
func (kr *Keyring) CurrentVersion() int {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current
}

// GenerateKey returns a fresh base64 32-byte key for CREDENTIAL_KEY.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("crypto: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
