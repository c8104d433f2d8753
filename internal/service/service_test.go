package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"lifehub/crypto"
	"lifehub/internal/auth"
	"lifehub/internal/repository/sqlite"
)

const testEmailSecret = "test-email-secret-key"

// recordingStore wraps a SecretStore, remembers which keys were created
// and can fail wrapping.
type recordingStore struct {
	crypto.SecretStore

	mu      sync.Mutex
	created []string
	wrapErr error
}

func (s *recordingStore) CreateKey(ctx context.Context, name string) error {
	s.mu.Lock()
	s.created = append(s.created, name)
	s.mu.Unlock()
	return s.SecretStore.CreateKey(ctx, name)
}

func (s *recordingStore) Wrap(ctx context.Context, keyName string, plaintext []byte) (string, error) {
	if s.wrapErr != nil {
		return "", s.wrapErr
	}
	return s.SecretStore.Wrap(ctx, keyName, plaintext)
}

func (s *recordingStore) createdKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.created...)
}

type testEnv struct {
	db    *sqlite.DB
	local *crypto.LocalStore
	keys  *crypto.KeyManager

	users   *UserService
	finance *FinanceService
	creds   *CredentialService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	local := crypto.NewLocalStore()
	return newTestEnvWithStore(t, local, local)
}

func newTestEnvWithStore(t *testing.T, local *crypto.LocalStore, store crypto.SecretStore) *testEnv {
	t.Helper()

	db, err := sqlite.New(filepath.Join(t.TempDir(), "lifehub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	keys, err := crypto.NewKeyManager(store)
	require.NoError(t, err)

	tokens, err := auth.NewTokenService("test-auth-secret-key", auth.DefaultTokenTTL)
	require.NoError(t, err)

	return &testEnv{
		db:      db,
		local:   local,
		keys:    keys,
		users:   NewUserService(db, keys, auth.NewPasswordServiceForTest(4), tokens, testEmailSecret, nil),
		finance: NewFinanceService(db, keys, nil),
		creds:   NewCredentialService(db, keys, nil),
	}
}

func (e *testEnv) createUser(t *testing.T, username string) string {
	t.Helper()
	p, err := e.users.Create(context.Background(), CreateUserRequest{
		Username: username,
		Email:    username + "@example.com",
		Password: "correct horse",
		Name:     "Test " + username,
	})
	require.NoError(t, err)
	return p.ID
}

func strPtr(s string) *string { return &s }
