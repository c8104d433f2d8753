package crypto

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDataKey(t *testing.T) *DataKey {
	t.Helper()
	dk, err := NewDataKey()
	require.NoError(t, err)
	return dk
}

func TestAES256_Algorithm(t *testing.T) {
	sealer := &AES256GCM{}
	assert.Equal(t, "AES-256-GCM", sealer.Algorithm())
	assert.Equal(t, 32, sealer.KeySize())
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key := newTestDataKey(t)

	tests := []struct {
		name  string
		input string
	}{
		{"empty string", ""},
		{"short text", "hello"},
		{"email", "alice@example.com"},
		{"long text", "This is a longer piece of text that spans multiple sentences and contains various characters including special ones like !@#$%^&*()"},
		{"unicode", "こんにちは世界 🔐 Привет мир 🌍"},
		{"json", `{"account_id": "GB29NWBK60161331926819", "amount": "-12.50"}`},
		{"base64", base64.StdEncoding.EncodeToString([]byte("test data"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := Seal(key, []byte(tt.input))
			require.NoError(t, err)

			assert.Len(t, sealed, Overhead+len(tt.input), "sealed length should be 29 + plaintext length")
			assert.Equal(t, CurrentKeyVersion, sealed[0], "first byte should be the key version")

			opened, err := Open(key, sealed)
			require.NoError(t, err)
			assert.Equal(t, tt.input, string(opened))
		})
	}
}

func TestSeal_NonceUniqueness(t *testing.T) {
	key := newTestDataKey(t)
	seen := make(map[string]struct{}, 10000)

	for i := 0; i < 10000; i++ {
		sealed, err := Seal(key, []byte("same plaintext"))
		require.NoError(t, err)

		nonce := string(sealed[VersionSize : VersionSize+NonceSize])
		_, dup := seen[nonce]
		require.False(t, dup, "nonce reused at iteration %d", i)
		seen[nonce] = struct{}{}
	}
}

func TestOpen_TamperDetection(t *testing.T) {
	key := newTestDataKey(t)
	sealed, err := Seal(key, []byte("account 12345678"))
	require.NoError(t, err)

	for i := 0; i < len(sealed); i++ {
		for bit := 0; bit < 8; bit++ {
			tampered := bytes.Clone(sealed)
			tampered[i] ^= 1 << bit

			_, err := Open(key, tampered)
			require.ErrorIs(t, err, ErrDecryptionFailed, "byte %d bit %d", i, bit)
		}
	}
}

func TestOpen_WrongKey(t *testing.T) {
	sealed, err := Seal(newTestDataKey(t), []byte("secret"))
	require.NoError(t, err)

	_, err = Open(newTestDataKey(t), sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestOpen_Malformed(t *testing.T) {
	key := newTestDataKey(t)
	sealed, err := Seal(key, []byte("secret"))
	require.NoError(t, err)

	unknownVersion := bytes.Clone(sealed)
	unknownVersion[0] = 9

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"too short", sealed[:Overhead-1]},
		{"truncated tag", sealed[:len(sealed)-1]},
		{"unknown version", unknownVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(key, tt.data)
			assert.ErrorIs(t, err, ErrDecryptionFailed)
		})
	}

	_, err = Open(key, unknownVersion)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestSealOpen_InvalidKey(t *testing.T) {
	_, err := Seal(nil, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	key := newTestDataKey(t)
	key.Destroy()
	_, err = Seal(key, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = DataKeyFromBytes(make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDataKey_Redacted(t *testing.T) {
	key := newTestDataKey(t)
	raw := key.Bytes()

	for _, format := range []string{"%v", "%s", "%+v", "%#v"} {
		out := fmt.Sprintf(format, key)
		assert.Equal(t, "DataKey(redacted)", out, format)
		assert.NotContains(t, out, string(raw))
	}
	assert.Equal(t, "redacted", key.LogValue().String())
}

func TestDataKey_BytesIsCopy(t *testing.T) {
	key := newTestDataKey(t)
	b := key.Bytes()
	b[0] ^= 0xFF

	assert.NotEqual(t, b, key.Bytes(), "mutating the copy should not change the key")
}
