package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lifehub/internal/apperror"
	"lifehub/internal/model"
)

func TestProviderToken_CRUD(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	key := newTestKey(t)
	alice := createTestUser(t, db, key, "alice")

	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := &model.ProviderToken{
		UserID:     alice.ID,
		ProviderID: "gocardless",
		Kind:       model.CredentialOAuth,
		Credential: seal(t, key, `{"kind":"oauth","data":{"accessToken":"at"}}`),
		ExpiresAt:  &expires,
	}
	require.NoError(t, db.CreateProviderToken(ctx, tok))
	assert.ErrorIs(t, db.CreateProviderToken(ctx, tok), apperror.ErrConflict)

	got, err := db.GetProviderToken(ctx, alice.ID, "gocardless")
	require.NoError(t, err)
	assert.Equal(t, model.CredentialOAuth, got.Kind)
	assert.Equal(t, tok.Credential, got.Credential)
	assert.Nil(t, got.CustomURL)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, expires.Equal(*got.ExpiresAt))

	got.Kind = model.CredentialToken
	got.CustomURL = seal(t, key, "https://demo.trading212.com")
	got.ExpiresAt = nil
	require.NoError(t, db.UpdateProviderToken(ctx, got))

	list, err := db.ListProviderTokens(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.CredentialToken, list[0].Kind)
	assert.NotNil(t, list[0].CustomURL)
	assert.Nil(t, list[0].ExpiresAt)

	require.NoError(t, db.DeleteProviderToken(ctx, alice.ID, "gocardless"))
	_, err = db.GetProviderToken(ctx, alice.ID, "gocardless")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	assert.ErrorIs(t, db.DeleteProviderToken(ctx, alice.ID, "gocardless"), apperror.ErrNotFound)
}
