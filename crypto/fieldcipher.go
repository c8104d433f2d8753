package crypto

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"
)

// FieldCipher encrypts and decrypts field values for one user during one
// unit of work. The plaintext data key is unwrapped on first use and held
// until Close. A FieldCipher must not be shared across users or requests.
type FieldCipher struct {
	keys    DEKManager
	userID  string
	wrapped WrappedDEK

	mu  sync.Mutex
	dek *DataKey // nil until first use
}

// NewFieldCipher creates a cipher for userID whose stored wrapped data key
// is wrapped. wrapped may be empty for a user still being created; call
// GenerateEncryptedDataKey before encrypting in that case.
func NewFieldCipher(keys DEKManager, userID string, wrapped WrappedDEK) *FieldCipher {
	return &FieldCipher{keys: keys, userID: userID, wrapped: wrapped}
}

// UserID returns the user the cipher is bound to.
func (c *FieldCipher) UserID() string { return c.userID }

// WrappedKey returns the wrapped data key the cipher uses.
func (c *FieldCipher) WrappedKey() WrappedDEK {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wrapped
}

func (c *FieldCipher) key(ctx context.Context) (*DataKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dek != nil {
		return c.dek, nil
	}
	if c.wrapped == "" {
		return nil, &KeyHierarchyError{UserID: c.userID, Op: "load dek", Err: fmt.Errorf("%w: user has no data key", ErrKeyNotFound)}
	}

	dek, err := c.keys.DecryptUserDEK(ctx, c.userID, c.wrapped)
	if err != nil {
		return nil, err
	}
	c.dek = dek
	return dek, nil
}

// GenerateEncryptedDataKey creates a fresh 256-bit data key, wraps it under
// the user's KEK and returns the wrapped form for persistence. The plaintext
// key stays cached so the caller can encrypt the user's first fields.
func (c *FieldCipher) GenerateEncryptedDataKey(ctx context.Context) (WrappedDEK, error) {
	dek, err := NewDataKey()
	if err != nil {
		return "", err
	}

	wrapped, err := c.keys.EncryptUserDEK(ctx, c.userID, dek)
	if err != nil {
		dek.Destroy()
		return "", err
	}

	c.mu.Lock()
	c.dek.Destroy()
	c.dek = dek
	c.wrapped = wrapped
	c.mu.Unlock()
	return wrapped, nil
}

// Encrypt seals plaintext. A nil plaintext yields nil.
func (c *FieldCipher) Encrypt(ctx context.Context, plaintext *string) ([]byte, error) {
	if plaintext == nil {
		return nil, nil
	}
	return c.EncryptString(ctx, *plaintext)
}

// EncryptString seals a non-optional value.
func (c *FieldCipher) EncryptString(ctx context.Context, plaintext string) ([]byte, error) {
	dek, err := c.key(ctx)
	if err != nil {
		return nil, err
	}
	return Seal(dek, []byte(plaintext))
}

// Decrypt opens a sealed value. A nil value yields nil. Any failure,
// including a tampered value, returns an error wrapping ErrDecryptionFailed
// or the key hierarchy error that prevented loading the key.
func (c *FieldCipher) Decrypt(ctx context.Context, data []byte) (*string, error) {
	if data == nil {
		return nil, nil
	}
	s, err := c.DecryptString(ctx, data)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DecryptString opens a non-optional sealed value.
func (c *FieldCipher) DecryptString(ctx context.Context, data []byte) (string, error) {
	dek, err := c.key(ctx)
	if err != nil {
		return "", err
	}

	plaintext, err := Open(dek, data)
	if err != nil {
		if !errors.Is(err, ErrDecryptionFailed) {
			err = fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		return "", err
	}
	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("%w: plaintext is not valid UTF-8", ErrDecryptionFailed)
	}
	return string(plaintext), nil
}

// Reencrypt re-seals data under the current key version when it was
// written with an older one. It reports whether data changed.
func (c *FieldCipher) Reencrypt(ctx context.Context, data []byte) ([]byte, bool, error) {
	if data == nil || (len(data) > 0 && data[0] == CurrentKeyVersion) {
		return data, false, nil
	}

	dek, err := c.key(ctx)
	if err != nil {
		return nil, false, err
	}
	plaintext, err := Open(dek, data)
	if err != nil {
		return nil, false, err
	}
	defer zero(plaintext)

	sealed, err := Seal(dek, plaintext)
	if err != nil {
		return nil, false, err
	}
	return sealed, true, nil
}

// Close discards the cached data key.
func (c *FieldCipher) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dek.Destroy()
	c.dek = nil
}

// HMAC returns the lowercase hex HMAC-SHA256 of the trimmed, lowercased
// text keyed by secretKey. It backs equality lookups on encrypted fields
// such as email and is keyed by an application secret, not a user key.
func HMAC(text, secretKey string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(normalizeLookup(text)))
	return hex.EncodeToString(mac.Sum(nil))
}

// EmailHash is the lookup hash stored alongside an encrypted email.
func EmailHash(email, secretKey string) string {
	return HMAC(email, secretKey)
}
