package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lifehub/crypto"
	"lifehub/internal/apperror"
	"lifehub/internal/model"
	"lifehub/internal/repository"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestKey(t *testing.T) *crypto.DataKey {
	t.Helper()
	k, err := crypto.NewDataKey()
	require.NoError(t, err)
	return k
}

func seal(t *testing.T, key *crypto.DataKey, s string) []byte {
	t.Helper()
	b, err := crypto.Seal(key, []byte(s))
	require.NoError(t, err)
	return b
}

func createTestUser(t *testing.T, db *DB, key *crypto.DataKey, username string) *model.User {
	t.Helper()
	u := &model.User{
		Username:     username,
		Email:        seal(t, key, username+"@example.com"),
		EmailHash:    crypto.HMAC(username+"@example.com", "test-secret"),
		PasswordHash: "$2a$04$hash",
		DataKey:      "local:v1:wrapped",
	}
	require.NoError(t, db.CreateUser(context.Background(), u))
	return u
}

func TestNew_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = New(path)
	require.NoError(t, err, "migrations are idempotent")
	require.NoError(t, db.Close())
}

func TestUser_CRUD(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	key := newTestKey(t)

	u := createTestUser(t, db, key, "alice")
	assert.NotEmpty(t, u.ID)
	assert.False(t, u.CreatedAt.IsZero())

	got, err := db.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email, "sealed bytes round-trip unchanged")
	assert.Nil(t, got.Name)
	assert.Equal(t, crypto.WrappedDEK("local:v1:wrapped"), got.DataKey)
	assert.WithinDuration(t, u.CreatedAt, got.CreatedAt, time.Second)

	byName, err := db.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byName.ID)

	byHash, err := db.GetUserByEmailHash(ctx, u.EmailHash)
	require.NoError(t, err)
	assert.Equal(t, u.ID, byHash.ID)

	got.Name = seal(t, key, "Alice")
	got.Verified = true
	require.NoError(t, db.UpdateUser(ctx, got))

	updated, err := db.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, updated.Verified)
	assert.Equal(t, got.Name, updated.Name)

	require.NoError(t, db.DeleteUser(ctx, u.ID))
	_, err = db.GetUserByID(ctx, u.ID)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	assert.ErrorIs(t, db.DeleteUser(ctx, u.ID), apperror.ErrNotFound)
}

func TestUser_Conflicts(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	key := newTestKey(t)
	alice := createTestUser(t, db, key, "alice")

	dup := &model.User{Username: "alice", Email: seal(t, key, "x"), EmailHash: "other", PasswordHash: "h"}
	assert.ErrorIs(t, db.CreateUser(ctx, dup), apperror.ErrConflict)

	sameEmail := &model.User{Username: "bob", Email: seal(t, key, "x"), EmailHash: alice.EmailHash, PasswordHash: "h"}
	assert.ErrorIs(t, db.CreateUser(ctx, sameEmail), apperror.ErrConflict)
}

func TestUser_ZeroPlaceholderAndSchemaViolation(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	pending := &model.User{Username: "carol", Email: UserEmail.Zero(), EmailHash: "h", PasswordHash: "h"}
	require.NoError(t, db.CreateUser(ctx, pending), "a user being created may hold the zero placeholder")

	plaintext := &model.User{Username: "dave", Email: []byte("dave@example.com"), EmailHash: "h2", PasswordHash: "h"}
	err := db.CreateUser(ctx, plaintext)
	assert.ErrorIs(t, err, crypto.ErrSchemaViolation)

	var sv *crypto.SchemaViolationError
	require.ErrorAs(t, err, &sv)
	assert.Equal(t, "email", sv.Column)

	_, err = db.GetUserByUsername(ctx, "dave")
	assert.ErrorIs(t, err, apperror.ErrNotFound, "nothing was written")
}

func TestListUsers(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	key := newTestKey(t)
	for _, name := range []string{"a", "b", "c"} {
		createTestUser(t, db, key, name)
	}

	all, err := db.ListUsers(ctx, repository.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := db.ListUsers(ctx, repository.ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestInTx_Rollback(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	key := newTestKey(t)

	boom := errors.New("boom")
	var created string
	err := db.InTx(ctx, func(s repository.Store) error {
		u := &model.User{Username: "eve", Email: seal(t, key, "eve"), EmailHash: "eh", PasswordHash: "h"}
		if err := s.CreateUser(ctx, u); err != nil {
			return err
		}
		created = u.ID

		seen, err := s.GetUserByID(ctx, u.ID)
		require.NoError(t, err, "the transaction sees its own writes")
		assert.Equal(t, "eve", seen.Username)

		return s.InTx(ctx, func(inner repository.Store) error {
			assert.Same(t, s, inner, "nested InTx reuses the enclosing transaction")
			return boom
		})
	})
	assert.ErrorIs(t, err, boom)

	_, err = db.GetUserByID(ctx, created)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestInTx_Commit(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	key := newTestKey(t)

	var id string
	require.NoError(t, db.InTx(ctx, func(s repository.Store) error {
		u := &model.User{Username: "frank", Email: seal(t, key, "f"), EmailHash: "fh", PasswordHash: "h"}
		if err := s.CreateUser(ctx, u); err != nil {
			return err
		}
		id = u.ID
		u.DataKey = "local:v1:late"
		return s.UpdateUser(ctx, u)
	}))

	got, err := db.GetUserByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, crypto.WrappedDEK("local:v1:late"), got.DataKey)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "data/x.db?_pragma=foreign_keys%281%29&_pragma=busy_timeout%285000%29&_pragma=journal_mode%28WAL%29", dsn("data/x.db"))
	assert.Contains(t, dsn("file:x.db?mode=rwc"), "mode=rwc&_pragma=")
	assert.NotContains(t, dsn(":memory:"), "journal_mode")
}
