package crypto

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSecretStore_Local(t *testing.T) {
	b, err := NewSecretStore(context.Background(), StoreConfig{})
	require.NoError(t, err)
	defer b.Close()

	assert.Nil(t, b.VaultClient())

	ctx := context.Background()
	require.NoError(t, b.CreateKey(ctx, "k"))
	require.NoError(t, b.WriteMetadata(ctx, "p", map[string]string{"a": "b"}))
	got, err := b.ReadMetadata(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "b", got["a"])
}

func TestNewSecretStore_Vault(t *testing.T) {
	b, err := NewSecretStore(context.Background(), StoreConfig{
		Keys:     ProviderTypeVault,
		Metadata: ProviderTypeVault,
		Vault:    VaultConfig{Address: "http://127.0.0.1:8200", Token: "root"},
	})
	require.NoError(t, err)
	defer b.Close()

	require.NotNil(t, b.VaultClient())
	assert.Equal(t, "root", b.VaultClient().Token())
}

func TestNewSecretStore_LocalKeysRedisMetadata(t *testing.T) {
	mr := miniredis.RunT(t)

	b, err := NewSecretStore(context.Background(), StoreConfig{
		Keys:     ProviderTypeLocal,
		Metadata: ProviderTypeRedis,
		Redis:    RedisConfig{Addr: mr.Addr()},
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.WriteMetadata(ctx, "users/1/kek", map[string]string{"kek": "user-1"}))
	assert.Equal(t, "user-1", mr.HGet("lifehub:meta:users/1/kek", "kek"))
	assert.NoError(t, b.Close())
}

func TestNewSecretStore_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  StoreConfig
	}{
		{"unknown key provider", StoreConfig{Keys: "gpg"}},
		{"redis cannot hold keys", StoreConfig{Keys: ProviderTypeRedis}},
		{"kms cannot hold metadata", StoreConfig{Metadata: ProviderTypeAWSKMS}},
		{"vault without token", StoreConfig{Keys: ProviderTypeVault, Vault: VaultConfig{Address: "http://127.0.0.1:8200"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSecretStore(ctx, tt.cfg)
			assert.Error(t, err)
		})
	}

	_, err := NewSecretStore(ctx, StoreConfig{Keys: "gpg"})
	var unknown *UnknownProviderTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "key", unknown.Role)
	assert.Equal(t, ProviderType("gpg"), unknown.Provider)
}
