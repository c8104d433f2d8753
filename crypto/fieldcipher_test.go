package crypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProvisionedCipher(t *testing.T, m *KeyManager, userID string) *FieldCipher {
	t.Helper()
	c := NewFieldCipher(m, userID, "")
	_, err := c.GenerateEncryptedDataKey(context.Background())
	require.NoError(t, err)
	return c
}

func ptr(s string) *string { return &s }

func TestFieldCipher_NullPassThrough(t *testing.T) {
	ctx := context.Background()
	// No key manager is needed: nil values never touch the key.
	c := NewFieldCipher(nil, "42", "")

	out, err := c.Encrypt(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	s, err := c.Decrypt(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestFieldCipher_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestKeyManager(t, NewLocalStore())
	c := newProvisionedCipher(t, m, "42")
	defer c.Close()

	for _, s := range []string{"", "alice@example.com", "Zoë Ångström", "-1234.56"} {
		sealed, err := c.Encrypt(ctx, ptr(s))
		require.NoError(t, err)
		assert.Len(t, sealed, Overhead+len(s))

		got, err := c.Decrypt(ctx, sealed)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, s, *got)
	}
}

func TestFieldCipher_LazyUnwrapOncePerCipher(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{SecretStore: NewLocalStore()}
	m := newTestKeyManager(t, store)

	writer := newProvisionedCipher(t, m, "42")
	sealed, err := writer.EncryptString(ctx, "alice@example.com")
	require.NoError(t, err)
	wrapped := writer.WrappedKey()
	writer.Close()
	assert.Equal(t, int32(0), store.unwraps.Load(), "generating a key should not unwrap it")

	reader := NewFieldCipher(m, "42", wrapped)
	defer reader.Close()
	assert.Equal(t, int32(0), store.unwraps.Load(), "construction should not unwrap")

	for i := 0; i < 3; i++ {
		got, err := reader.DecryptString(ctx, sealed)
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", got)
	}
	assert.Equal(t, int32(1), store.unwraps.Load(), "the data key should be unwrapped once")

	reader.Close()
	_, err = reader.DecryptString(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.unwraps.Load(), "a closed cipher unwraps again on next use")
}

func TestFieldCipher_WithoutDataKey(t *testing.T) {
	m := newTestKeyManager(t, NewLocalStore())
	c := NewFieldCipher(m, "42", "")

	_, err := c.EncryptString(context.Background(), "x")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFieldCipher_DecryptionErrors(t *testing.T) {
	ctx := context.Background()
	m := newTestKeyManager(t, NewLocalStore())
	alice := newProvisionedCipher(t, m, "alice")
	bob := newProvisionedCipher(t, m, "bob")

	sealed, err := alice.EncryptString(ctx, "secret")
	require.NoError(t, err)

	_, err = bob.DecryptString(ctx, sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed, "another user's key must not decrypt")

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = alice.Decrypt(ctx, tampered)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = alice.Decrypt(ctx, []byte{})
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestFieldCipher_InvalidUTF8(t *testing.T) {
	ctx := context.Background()
	m := newTestKeyManager(t, NewLocalStore())
	c := newProvisionedCipher(t, m, "42")

	dek, err := m.DecryptUserDEK(ctx, "42", c.WrappedKey())
	require.NoError(t, err)
	sealed, err := Seal(dek, []byte{0xff, 0xfe})
	require.NoError(t, err)

	_, err = c.DecryptString(ctx, sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestFieldCipher_GenerateEncryptedDataKey(t *testing.T) {
	ctx := context.Background()
	local := NewLocalStore()
	m := newTestKeyManager(t, local)

	c := NewFieldCipher(m, "42", "")
	wrapped, err := c.GenerateEncryptedDataKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, wrapped, c.WrappedKey())
	assert.Equal(t, 1, local.KeyVersions(KEKName("42")), "the KEK should be provisioned on first wrap")

	dek, err := m.DecryptUserDEK(ctx, "42", wrapped)
	require.NoError(t, err)
	assert.Len(t, dek.Bytes(), 32)
}

func TestFieldCipher_Reencrypt(t *testing.T) {
	ctx := context.Background()
	m := newTestKeyManager(t, NewLocalStore())
	c := newProvisionedCipher(t, m, "42")

	current, err := c.EncryptString(ctx, "value")
	require.NoError(t, err)

	out, changed, err := c.Reencrypt(ctx, current)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, current, out)

	out, changed, err = c.Reencrypt(ctx, nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, out)

	legacy := append([]byte(nil), current...)
	legacy[0] = 0
	_, _, err = c.Reencrypt(ctx, legacy)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestHMAC(t *testing.T) {
	const secret = "test-secret"

	tests := []struct {
		name  string
		input string
	}{
		{"canonical", "foo@bar.com"},
		{"mixed case and whitespace", "Foo@Bar.com "},
		{"surrounding whitespace", "\t FOO@BAR.COM\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, "553e3720350c4bc6643c97a029e00674643a05ec7dd6c90e99d47a331d7923bd", HMAC(tt.input, secret))
		})
	}

	assert.NotEqual(t, HMAC("foo@bar.com", "secret-1"), HMAC("foo@bar.com", "secret-2"))
	assert.NotEqual(t, HMAC("foo@bar.com", secret), HMAC("bar@foo.com", secret))
}

func TestHMAC_UnicodeNormalization(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"dotted capital I", "İnci@example.com", "0d45a7bf4eef1b0f8ecf6df4ea9cc5032e311168edd1f18d2097b6880ef99c39"},
		{"trailing unit separator", "a@b.com\x1f", "f2d15403cb47c2208bde2f9ae83e4decafe9e748ac524a447f682edbcafaa4c0"},
		{"file separator and ideographic space", "\x1c ΟΔΟΣ@example.com\u3000", "514ce5ea0314e1b9d15a9952c3ca572da397995dd6fc369d2868cd9c85521047"},
		{"final sigma before a mark", "ΑΣ\u0301@x.io", "b7219692f6519151467e6036973a8edf4a1898bef8e7235065723ce1c3700574"},
		{"sigma inside a word", "ΑΣ.b@x.io", "88e8fc7c9144a8b455ac2c4509a0bdcf5cd464867d1dea2814a49e482e176ccb"},
		{"lone sigma", "Σ@x.io", "b198c7797e6e9f6fd67ec252e8ee4c7c4a2b6bdeee09d4d8a141c9045af256bf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HMAC(tt.input, "secret"))
		})
	}
}

func TestNormalizeLookup(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{" Foo@Bar.COM\t", "foo@bar.com"},
		{"\x1d\x1euser@example.com\x1f", "user@example.com"},
		{"\u00a0\u2003x@y.z\u2029", "x@y.z"},
		{"İ", "i\u0307"},
		{"ΟΔΟΣ", "οδος"},
		{"ΟΔΟΣ ΟΔΟΣ", "οδος οδος"},
		{"ΑΣΑ", "ασα"},
		{"Σ", "σ"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeLookup(tt.input))
		})
	}
}
