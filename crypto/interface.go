// Package crypto provides per-user envelope encryption for column-level
// data: key-encryption keys held in an external secret store, data keys
// wrapped by them, and authenticated field encryption with the unwrapped
// data key.
package crypto

import (
	"context"
	"errors"
	"fmt"
)

// Error definitions
var (
	ErrAlreadyExists       = errors.New("key already exists")
	ErrKeyProvisioning     = errors.New("key provisioning failed")
	ErrKeyNotFound         = errors.New("encryption key not found")
	ErrInvalidToken        = errors.New("invalid wrapped key token")
	ErrTransit             = errors.New("secret store transit failure")
	ErrMetadataNotFound    = errors.New("metadata not found")
	ErrInvalidKey          = errors.New("invalid encryption key")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrUnsupportedVersion  = errors.New("unsupported key version")
	ErrSchemaViolation     = errors.New("encrypted column schema violation")
	ErrRotationUnsupported = errors.New("secret store does not support key rotation")
)

// KeyStore is the capability set of an external key-management service.
// Keys never leave the service; callers only see opaque wrapped tokens.
type KeyStore interface {
	// CreateKey provisions a named symmetric key. It returns ErrAlreadyExists
	// when the key is already present.
	CreateKey(ctx context.Context, name string) error

	// DeleteKey removes a named key. Tokens wrapped under it become unusable.
	DeleteKey(ctx context.Context, name string) error

	// Wrap encrypts plaintext under the named key.
	Wrap(ctx context.Context, keyName string, plaintext []byte) (string, error)

	// Unwrap reverses Wrap.
	Unwrap(ctx context.Context, keyName, token string) ([]byte, error)
}

// MetadataStore is a small key/value store addressed by hierarchical paths.
type MetadataStore interface {
	// ReadMetadata returns ErrMetadataNotFound when nothing is stored at path.
	ReadMetadata(ctx context.Context, path string) (map[string]string, error)
	WriteMetadata(ctx context.Context, path string, data map[string]string) error
	DeleteMetadata(ctx context.Context, path string) error
}

// SecretStore combines key and metadata capabilities.
type SecretStore interface {
	KeyStore
	MetadataStore
}

// RotatableStore is implemented by key stores that can add key versions
// and rewrap existing tokens under the newest version.
type RotatableStore interface {
	KeyStore
	RotateKey(ctx context.Context, name string) error
	Rewrap(ctx context.Context, keyName, token string) (string, error)
}

type composedStore struct {
	KeyStore
	MetadataStore
}

// Compose pairs a key store with an independent metadata store. The result
// forwards rotation to the key store when it supports it.
func Compose(keys KeyStore, meta MetadataStore) SecretStore {
	return composedStore{KeyStore: keys, MetadataStore: meta}
}

func (s composedStore) RotateKey(ctx context.Context, name string) error {
	r, ok := s.KeyStore.(RotatableStore)
	if !ok {
		return ErrRotationUnsupported
	}
	return r.RotateKey(ctx, name)
}

func (s composedStore) Rewrap(ctx context.Context, keyName, token string) (string, error) {
	r, ok := s.KeyStore.(RotatableStore)
	if !ok {
		return "", ErrRotationUnsupported
	}
	return r.Rewrap(ctx, keyName, token)
}

// KeyHierarchyError reports a failed key hierarchy operation for a user.
type KeyHierarchyError struct {
	UserID string
	Op     string
	Err    error
}

func (e *KeyHierarchyError) Error() string {
	return fmt.Sprintf("key hierarchy: %s for user %s: %v", e.Op, e.UserID, e.Err)
}

func (e *KeyHierarchyError) Unwrap() error { return e.Err }

// SchemaViolationError is returned when a value does not fit an encrypted column.
type SchemaViolationError struct {
	Column string
	Length int
	Reason string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("column %s: %s (got %d bytes)", e.Column, e.Reason, e.Length)
}

func (e *SchemaViolationError) Unwrap() error { return ErrSchemaViolation }
