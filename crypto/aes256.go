package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
)

// Layout of a sealed field value: version || nonce || ciphertext || tag.
const (
	KeySize     = 32
	VersionSize = 1
	NonceSize   = 12
	TagSize     = 16
	Overhead    = VersionSize + NonceSize + TagSize
)

// KeyVersion1 is AES-256-GCM with a 96-bit random nonce and no associated data.
const KeyVersion1 byte = 1

// CurrentKeyVersion is written by every new encryption.
const CurrentKeyVersion = KeyVersion1

// DataKey is a plaintext data-encryption key. It formats as "redacted"
// everywhere so it cannot leak through logs or error messages.
type DataKey struct {
	key []byte
}

// NewDataKey generates a fresh random 256-bit data key.
func NewDataKey() (*DataKey, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	return &DataKey{key: key}, nil
}

// DataKeyFromBytes copies b into a DataKey.
func DataKeyFromBytes(b []byte) (*DataKey, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, KeySize, len(b))
	}
	key := make([]byte, KeySize)
	copy(key, b)
	return &DataKey{key: key}, nil
}

// Bytes returns a copy of the raw key for wrapping.
func (k *DataKey) Bytes() []byte {
	if k == nil {
		return nil
	}
	out := make([]byte, len(k.key))
	copy(out, k.key)
	return out
}

// Destroy zeroes the key material. The key is unusable afterwards.
func (k *DataKey) Destroy() {
	if k == nil {
		return
	}
	for i := range k.key {
		k.key[i] = 0
	}
	k.key = nil
}

func (k *DataKey) valid() bool { return k != nil && len(k.key) == KeySize }

func (k *DataKey) String() string   { return "DataKey(redacted)" }
func (k *DataKey) GoString() string { return "DataKey(redacted)" }

// LogValue implements slog.LogValuer.
func (k *DataKey) LogValue() slog.Value { return slog.StringValue("redacted") }

// Sealer is an AEAD scheme registered under one key version byte.
// Seal returns nonce || ciphertext || tag.
type Sealer interface {
	Algorithm() string
	KeySize() int
	Seal(key, plaintext []byte) ([]byte, error)
	Open(key, sealed []byte) ([]byte, error)
}

// AES256GCM provides authenticated encryption using AES-256-GCM.
type AES256GCM struct{}

// Algorithm returns the name of the encryption algorithm.
func (a *AES256GCM) Algorithm() string {
	return "AES-256-GCM"
}

// KeySize returns the required key size in bytes.
func (a *AES256GCM) KeySize() int {
	return KeySize
}

func (a *AES256GCM) aead(key []byte) (cipher.AEAD, error) {
	if len(key) != a.KeySize() {
		return nil, fmt.Errorf("%w: expected %d bytes", ErrInvalidKey, a.KeySize())
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext with a fresh random nonce.
func (a *AES256GCM) Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := a.aead(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	// Seal appends ciphertext || tag after the nonce.
	return gcm.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Open decrypts nonce || ciphertext || tag.
func (a *AES256GCM) Open(key, sealed []byte) ([]byte, error) {
	gcm, err := a.aead(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: sealed value too short", ErrDecryptionFailed)
	}

	plaintext, err := gcm.Open(nil, sealed[:NonceSize], sealed[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

var sealers = map[byte]Sealer{
	KeyVersion1: &AES256GCM{},
}

// KnownVersion reports whether v is a registered key version.
func KnownVersion(v byte) bool {
	_, ok := sealers[v]
	return ok
}

// Seal encrypts plaintext under key with the current key version and
// returns version || nonce || ciphertext || tag.
func Seal(key *DataKey, plaintext []byte) ([]byte, error) {
	if !key.valid() {
		return nil, ErrInvalidKey
	}

	body, err := sealers[CurrentKeyVersion].Seal(key.key, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, VersionSize+len(body))
	out = append(out, CurrentKeyVersion)
	return append(out, body...), nil
}

// Open decrypts a value produced by Seal, dispatching on its version byte.
func Open(key *DataKey, blob []byte) ([]byte, error) {
	if !key.valid() {
		return nil, ErrInvalidKey
	}
	if len(blob) < Overhead {
		return nil, fmt.Errorf("%w: value shorter than %d bytes", ErrDecryptionFailed, Overhead)
	}

	sealer, ok := sealers[blob[0]]
	if !ok {
		return nil, fmt.Errorf("%w: %w %d", ErrDecryptionFailed, ErrUnsupportedVersion, blob[0])
	}
	return sealer.Open(key.key, blob[VersionSize:])
}
