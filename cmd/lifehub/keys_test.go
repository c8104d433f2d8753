package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lifehub/crypto"
	"lifehub/internal/config"
	"lifehub/pbhooks"
)

// mapDataKeys stands in for the auth collection.
type mapDataKeys map[string]crypto.WrappedDEK

func (m mapDataKeys) DataKey(_ context.Context, userID string) (crypto.WrappedDEK, error) {
	k, ok := m[userID]
	if !ok {
		return "", crypto.ErrKeyNotFound
	}
	return k, nil
}

func (m mapDataKeys) SetDataKey(_ context.Context, userID string, wrapped crypto.WrappedDEK) error {
	m[userID] = wrapped
	return nil
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func newKeysFixture(t *testing.T) (*crypto.KeyManager, *crypto.LocalStore, mapDataKeys) {
	t.Helper()
	local := crypto.NewLocalStore()
	keys, err := crypto.NewKeyManager(local)
	require.NoError(t, err)
	return keys, local, mapDataKeys{}
}

func TestKeysCommand(t *testing.T) {
	keys, local, dataKeys := newKeysFixture(t)
	newCmd := func() *cobra.Command {
		return newKeysCommand(keys, func() dataKeyStore { return dataKeys })
	}

	out, err := execute(t, newCmd(), "state", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1: no_key\n", out)

	out, err = execute(t, newCmd(), "ensure", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1: provisioned\n", out)
	first := dataKeys["u1"]
	require.NotEmpty(t, first)

	t.Run("ensure keeps an existing data key", func(t *testing.T) {
		_, err := execute(t, newCmd(), "ensure", "u1")
		require.NoError(t, err)
		assert.Equal(t, first, dataKeys["u1"])
	})

	t.Run("rotate rewraps the data key", func(t *testing.T) {
		out, err := execute(t, newCmd(), "rotate", "u1")
		require.NoError(t, err)
		assert.Equal(t, "rotated key for u1\n", out)
		assert.NotEqual(t, first, dataKeys["u1"])
		assert.Equal(t, 2, local.KeyVersions(crypto.KEKName("u1")))

		dek, err := keys.DecryptUserDEK(context.Background(), "u1", dataKeys["u1"])
		require.NoError(t, err)
		dek.Destroy()
	})

	t.Run("rotate without a data key", func(t *testing.T) {
		_, err := execute(t, newCmd(), "rotate", "ghost")
		assert.ErrorIs(t, err, crypto.ErrKeyNotFound)
	})

	t.Run("revoke needs --force", func(t *testing.T) {
		_, err := execute(t, newCmd(), "revoke", "u1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--force")

		out, err := execute(t, newCmd(), "revoke", "u1", "--force")
		require.NoError(t, err)
		assert.Equal(t, "revoked key for u1\n", out)

		out, err = execute(t, newCmd(), "state", "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1: no_key\n", out)
	})
}

func TestBackfillCommand(t *testing.T) {
	var got pbhooks.BackfillRequest
	cmd := newBackfillCommand(func(_ context.Context, req pbhooks.BackfillRequest) (*pbhooks.BackfillResult, error) {
		got = req
		return &pbhooks.BackfillResult{TotalRecords: 3, Migrated: 2, Skipped: 1, Errors: []string{"record r3: boom"}}, nil
	})

	out, err := execute(t, cmd, "notes", "--dry-run", "--batch-size", "10")
	require.NoError(t, err)
	assert.Equal(t, pbhooks.BackfillRequest{Collection: "notes", DryRun: true, BatchSize: 10}, got)
	assert.Contains(t, out, "notes: 3 records, would migrate 2, skipped 1")
	assert.Contains(t, out, "record r3: boom")

	failing := newBackfillCommand(func(context.Context, pbhooks.BackfillRequest) (*pbhooks.BackfillResult, error) {
		return nil, errors.New("unknown collection")
	})
	_, err = execute(t, failing, "missing")
	assert.Error(t, err)
}

func TestCollectionConfigs(t *testing.T) {
	got := collectionConfigs([]config.Collection{
		{Name: "notes", OwnerField: "author", Fields: []string{"title", "body"}},
		{Name: "journal", Fields: []string{"entry"}},
	})
	assert.Equal(t, []pbhooks.CollectionConfig{
		{Collection: "notes", OwnerField: "author", Fields: []string{"title", "body"}},
		{Collection: "journal", Fields: []string{"entry"}},
	}, got)
}
