package crypto

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_CreateKey(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore()

	require.NoError(t, store.CreateKey(ctx, "user-1"))
	assert.ErrorIs(t, store.CreateKey(ctx, "user-1"), ErrAlreadyExists)
	assert.ErrorIs(t, store.CreateKey(ctx, ""), ErrKeyProvisioning)
	assert.Equal(t, 1, store.KeyVersions("user-1"))
}

func TestLocalStore_WrapUnwrap(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore()
	require.NoError(t, store.CreateKey(ctx, "user-1"))

	plaintext := []byte("0123456789abcdef0123456789abcdef")
	token, err := store.Wrap(ctx, "user-1", plaintext)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "local:v1:"), "token should carry its key version")
	assert.NotContains(t, token, string(plaintext))

	got, err := store.Unwrap(ctx, "user-1", token)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestLocalStore_Errors(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore()
	require.NoError(t, store.CreateKey(ctx, "user-a"))
	require.NoError(t, store.CreateKey(ctx, "user-b"))

	token, err := store.Wrap(ctx, "user-a", []byte("dek"))
	require.NoError(t, err)

	tests := []struct {
		name    string
		keyName string
		token   string
		wantErr error
	}{
		{"missing key", "user-c", token, ErrKeyNotFound},
		{"other user's key", "user-b", token, ErrInvalidToken},
		{"foreign token", "user-a", "vault:v1:abc", ErrInvalidToken},
		{"bad base64", "user-a", "local:v1:!!!", ErrInvalidToken},
		{"bad version", "user-a", "local:vx:AAAA", ErrInvalidToken},
		{"future version", "user-a", strings.Replace(token, "local:v1:", "local:v7:", 1), ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Unwrap(ctx, tt.keyName, tt.token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err = store.Wrap(ctx, "user-c", []byte("dek"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLocalStore_RotateAndRewrap(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore()
	require.NoError(t, store.CreateKey(ctx, "user-1"))

	old, err := store.Wrap(ctx, "user-1", []byte("dek"))
	require.NoError(t, err)

	require.NoError(t, store.RotateKey(ctx, "user-1"))
	assert.Equal(t, 2, store.KeyVersions("user-1"))

	rewrapped, err := store.Rewrap(ctx, "user-1", old)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rewrapped, "local:v2:"))

	for _, token := range []string{old, rewrapped} {
		got, err := store.Unwrap(ctx, "user-1", token)
		require.NoError(t, err)
		assert.Equal(t, []byte("dek"), got)
	}

	assert.ErrorIs(t, store.RotateKey(ctx, "missing"), ErrKeyNotFound)
}

func TestLocalStore_DeleteKey(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore()
	require.NoError(t, store.CreateKey(ctx, "user-1"))
	token, err := store.Wrap(ctx, "user-1", []byte("dek"))
	require.NoError(t, err)

	require.NoError(t, store.DeleteKey(ctx, "user-1"))
	assert.ErrorIs(t, store.DeleteKey(ctx, "user-1"), ErrKeyNotFound)

	_, err = store.Unwrap(ctx, "user-1", token)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestLocalStore_Metadata(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore()

	_, err := store.ReadMetadata(ctx, "users/1/kek")
	assert.ErrorIs(t, err, ErrMetadataNotFound)

	data := map[string]string{"kek": "user-1"}
	require.NoError(t, store.WriteMetadata(ctx, "users/1/kek", data))
	data["kek"] = "mutated"

	got, err := store.ReadMetadata(ctx, "users/1/kek")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got["kek"], "store should keep its own copy")

	require.NoError(t, store.DeleteMetadata(ctx, "users/1/kek"))
	_, err = store.ReadMetadata(ctx, "users/1/kek")
	assert.ErrorIs(t, err, ErrMetadataNotFound)
}

func TestCompose_Rotation(t *testing.T) {
	ctx := context.Background()

	rotatable := Compose(NewLocalStore(), NewLocalStore()).(RotatableStore)
	require.NoError(t, rotatable.CreateKey(ctx, "k"))
	assert.NoError(t, rotatable.RotateKey(ctx, "k"))

	plain := Compose(&countingStore{SecretStore: NewLocalStore()}, NewLocalStore()).(RotatableStore)
	assert.ErrorIs(t, plain.RotateKey(ctx, "k"), ErrRotationUnsupported)
	_, err := plain.Rewrap(ctx, "k", "t")
	assert.ErrorIs(t, err, ErrRotationUnsupported)
}
