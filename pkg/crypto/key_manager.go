package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrNoKeys         = errors.New("no encryption keys configured")
	ErrVersionMissing = errors.New("key version not configured")
)

// KeyManager seals with the newest key version and opens any configured version, so
// credentials survive key rotation.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	sealers    map[int]*sealer
}

// NewKeyManager builds a manager from base64 keys indexed by version. The highest
// version becomes the sealing key.
func NewKeyManager(keys map[int]string) (*KeyManager, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	km := &KeyManager{sealers: make(map[int]*sealer, len(keys))}

	versions := make([]int, 0, len(keys))
	for v := range keys {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	for _, v := range versions {
		raw, err := base64.StdEncoding.DecodeString(keys[v])
		if err != nil {
			return nil, fmt.Errorf("decode key v%d: %w", v, err)
		}
		s, err := newSealer(raw, v)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", v, err)
		}
		km.sealers[v] = s
		km.currentVer = v
	}
	return km, nil
}

// Encrypt seals plaintext with the current key version.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.sealers[km.currentVer].seal(plaintext)
}

// Decrypt opens a value sealed by any configured version.
func (km *KeyManager) Decrypt(ciphertext string) (string, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	km.mu.RLock()
	s, ok := km.sealers[version]
	km.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrVersionMissing, version)
	}
	return s.open(ciphertext)
}

// SealPair encrypts an API key/secret pair and reports the version used.
func (km *KeyManager) SealPair(apiKey, apiSecret string) (string, string, int, error) {
	encKey, err := km.Encrypt(apiKey)
	if err != nil {
		return "", "", 0, fmt.Errorf("encrypt api key: %w", err)
	}
	encSecret, err := km.Encrypt(apiSecret)
	if err != nil {
		return "", "", 0, fmt.Errorf("encrypt api secret: %w", err)
	}
	return encKey, encSecret, km.CurrentVersion(), nil
}

// OpenPair decrypts an API key/secret pair.
func (km *KeyManager) OpenPair(encKey, encSecret string) (string, string, error) {
	apiKey, err := km.Decrypt(encKey)
	if err != nil {
		return "", "", fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := km.Decrypt(encSecret)
	if err != nil {
		return "", "", fmt.Errorf("decrypt api secret: %w", err)
	}
	return apiKey, apiSecret, nil
}

// CurrentVersion returns the sealing key version.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}

// GenerateKey returns a new random base64 AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
