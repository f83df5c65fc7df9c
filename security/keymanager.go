package security

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// ErrKeyNotFound is returned for names missing from the store.
var ErrKeyNotFound = errors.New("key not found")

const (
	keyStoreVersion = 2
	saltSize        = 16
	kdfIterations   = 100000
)

// keyFile is the on-disk layout. Data is the XChaCha20-Poly1305 sealed JSON map of
// names to values, prefixed with its nonce.
type keyFile struct {
	Version int    `json:"version"`
	Salt    []byte `json:"salt"`
	Data    []byte `json:"data"`
}

// KeyManager keeps provider credentials in a passphrase-encrypted file.
type KeyManager struct {
	mu     sync.RWMutex
	path   string
	salt   []byte
	aead   cipher.AEAD
	values map[string]string
}

// OpenKeyManager loads path, creating an empty store when it does not exist.
func OpenKeyManager(path, passphrase string) (*KeyManager, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("key store passphrase is empty")
	}

	km := &KeyManager{path: path, values: make(map[string]string)}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		km.salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, km.salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if km.aead, err = newAEAD(passphrase, km.salt); err != nil {
			return nil, err
		}
		return km, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read key store: %w", err)
	}

	var file keyFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse key store: %w", err)
	}
	if file.Version != keyStoreVersion {
		return nil, fmt.Errorf("unsupported key store version %d", file.Version)
	}
	km.salt = file.Salt
	if km.aead, err = newAEAD(passphrase, km.salt); err != nil {
		return nil, err
	}

	plain, err := km.open(file.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key store (wrong passphrase?): %w", err)
	}
	if err := json.Unmarshal(plain, &km.values); err != nil {
		return nil, fmt.Errorf("failed to decode key store: %w", err)
	}
	return km, nil
}

func newAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, kdfIterations, chacha20poly1305.KeySize, sha256.New)
	return chacha20poly1305.NewX(key)
}

func (km *KeyManager) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, km.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return km.aead.Seal(nonce, nonce, plain, nil), nil
}

func (km *KeyManager) open(sealed []byte) ([]byte, error) {
	n := km.aead.NonceSize()
	if len(sealed) < n {
		return nil, errors.New("ciphertext too short")
	}
	return km.aead.Open(nil, sealed[:n], sealed[n:], nil)
}

// GetKey returns the value stored under name.
func (km *KeyManager) GetKey(name string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	v, ok := km.values[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	return v, nil
}

// SetKey stores value under name and persists the store.
func (km *KeyManager) SetKey(name, value string) error {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.values[name] = value
	return km.save()
}

// DeleteKey removes name and persists the store.
func (km *KeyManager) DeleteKey(name string) error {
	km.mu.Lock()
	defer km.mu.Unlock()
	if _, ok := km.values[name]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	delete(km.values, name)
	return km.save()
}

// ListKeys returns the stored names in order.
func (km *KeyManager) ListKeys() []string {
	km.mu.RLock()
	defer km.mu.RUnlock()
	names := make([]string, 0, len(km.values))
	for k := range km.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// save writes the store atomically. Callers hold mu.
func (km *KeyManager) save() error {
	plain, err := json.Marshal(km.values)
	if err != nil {
		return fmt.Errorf("failed to marshal keys: %w", err)
	}
	sealed, err := km.seal(plain)
	if err != nil {
		return fmt.Errorf("failed to encrypt keys: %w", err)
	}
	raw, err := json.Marshal(keyFile{Version: keyStoreVersion, Salt: km.salt, Data: sealed})
	if err != nil {
		return fmt.Errorf("failed to marshal key store: %w", err)
	}

	tmp := km.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write key store: %w", err)
	}
	if err := os.Rename(tmp, km.path); err != nil {
		return fmt.Errorf("failed to replace key store: %w", err)
	}
	return nil
}
