package crypto

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

const localTokenPrefix = "local:v"

// LocalStore keeps named keys and metadata in process memory.
// This is intended for development and testing only.
// For production, use VaultStore or KMSStore.
type LocalStore struct {
	mu       sync.RWMutex
	keys     map[string][][]byte // name -> versions, oldest first
	metadata map[string]map[string]string
}

var (
	_ SecretStore    = (*LocalStore)(nil)
	_ RotatableStore = (*LocalStore)(nil)
)

// NewLocalStore creates an empty LocalStore.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		keys:     make(map[string][][]byte),
		metadata: make(map[string]map[string]string),
	}
}

// CreateKey generates a random key under name.
func (s *LocalStore) CreateKey(_ context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty key name", ErrKeyProvisioning)
	}

	dk, err := NewDataKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeyProvisioning, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[name]; ok {
		return ErrAlreadyExists
	}
	s.keys[name] = [][]byte{dk.key}
	return nil
}

// DeleteKey removes every version of the named key.
func (s *LocalStore) DeleteKey(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[name]; !ok {
		return ErrKeyNotFound
	}
	delete(s.keys, name)
	return nil
}

// RotateKey appends a new version to the named key.
func (s *LocalStore) RotateKey(_ context.Context, name string) error {
	dk, err := NewDataKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransit, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.keys[name]
	if !ok {
		return ErrKeyNotFound
	}
	s.keys[name] = append(versions, dk.key)
	return nil
}

// Wrap seals plaintext with the newest version of the named key. The key
// name is bound as associated data so tokens cannot move between keys.
func (s *LocalStore) Wrap(_ context.Context, keyName string, plaintext []byte) (string, error) {
	s.mu.RLock()
	versions, ok := s.keys[keyName]
	s.mu.RUnlock()
	if !ok {
		return "", ErrKeyNotFound
	}

	version := len(versions)
	sealed, err := sealWithName(versions[version-1], keyName, plaintext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransit, err)
	}
	return localTokenPrefix + strconv.Itoa(version) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Unwrap opens a token produced by Wrap under the same key name.
func (s *LocalStore) Unwrap(_ context.Context, keyName, token string) ([]byte, error) {
	s.mu.RLock()
	versions, ok := s.keys[keyName]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}

	version, sealed, err := parseLocalToken(token)
	if err != nil {
		return nil, err
	}
	if version > len(versions) {
		return nil, fmt.Errorf("%w: unknown key version %d", ErrInvalidToken, version)
	}

	plaintext, err := openWithName(versions[version-1], keyName, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return plaintext, nil
}

// Rewrap re-seals a token under the newest version of the named key.
func (s *LocalStore) Rewrap(ctx context.Context, keyName, token string) (string, error) {
	plaintext, err := s.Unwrap(ctx, keyName, token)
	if err != nil {
		return "", err
	}
	defer zero(plaintext)
	return s.Wrap(ctx, keyName, plaintext)
}

// KeyVersions returns how many versions the named key has.
func (s *LocalStore) KeyVersions(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys[name])
}

// ReadMetadata returns a copy of the record stored at path.
func (s *LocalStore) ReadMetadata(_ context.Context, path string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.metadata[path]
	if !ok {
		return nil, ErrMetadataNotFound
	}
	return copyMap(data), nil
}

// WriteMetadata replaces the record stored at path.
func (s *LocalStore) WriteMetadata(_ context.Context, path string, data map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[path] = copyMap(data)
	return nil
}

// DeleteMetadata removes the record stored at path.
func (s *LocalStore) DeleteMetadata(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metadata, path)
	return nil
}

func parseLocalToken(token string) (int, []byte, error) {
	rest, ok := strings.CutPrefix(token, localTokenPrefix)
	if !ok {
		return 0, nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidToken, localTokenPrefix)
	}
	versionStr, payload, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, nil, fmt.Errorf("%w: malformed token", ErrInvalidToken)
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil || version < 1 {
		return 0, nil, fmt.Errorf("%w: malformed key version", ErrInvalidToken)
	}
	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return version, sealed, nil
}

func sealWithName(key []byte, name string, plaintext []byte) ([]byte, error) {
	gcm, err := (&AES256GCM{}).aead(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, []byte(name)), nil
}

func openWithName(key []byte, name string, sealed []byte) ([]byte, error) {
	gcm, err := (&AES256GCM{}).aead(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+TagSize {
		return nil, ErrDecryptionFailed
	}
	return gcm.Open(nil, sealed[:NonceSize], sealed[NonceSize:], []byte(name))
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
