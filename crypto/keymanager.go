package crypto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
)

// WrappedDEK is a data key wrapped by a user's key encryption key. It is
// the only form of a data key that may be persisted.
type WrappedDEK string

// KeyState is the provisioning state of a user's key hierarchy.
type KeyState int

const (
	KeyStateNoKey KeyState = iota
	KeyStateKEKOnly
	KeyStateProvisioned
)

func (s KeyState) String() string {
	switch s {
	case KeyStateNoKey:
		return "no_key"
	case KeyStateKEKOnly:
		return "kek_only"
	case KeyStateProvisioned:
		return "provisioned"
	default:
		return fmt.Sprintf("KeyState(%d)", int(s))
	}
}

// DEKManager wraps and unwraps per-user data keys.
type DEKManager interface {
	EncryptUserDEK(ctx context.Context, userID string, dek *DataKey) (WrappedDEK, error)
	DecryptUserDEK(ctx context.Context, userID string, wrapped WrappedDEK) (*DataKey, error)
}

const (
	kekNamePrefix         = "user-"
	metaKeyKEK            = "kek"
	metaKeyCreatedAt      = "created_at"
	defaultKnownCacheSize = 4096
)

// KeyManager maps users to key encryption keys in a SecretStore and wraps
// their data keys. It is safe for concurrent use.
type KeyManager struct {
	store  SecretStore
	known  *lru.Cache // user ids whose KEK is known to exist
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

var _ DEKManager = (*KeyManager)(nil)

type keyManagerOptions struct {
	logger    *slog.Logger
	cacheSize int
	now       func() time.Time
}

// KeyManagerOption configures a KeyManager.
type KeyManagerOption func(*keyManagerOptions)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) KeyManagerOption {
	return func(o *keyManagerOptions) { o.logger = logger }
}

// WithKnownKeyCacheSize bounds the in-memory set of provisioned users.
func WithKnownKeyCacheSize(n int) KeyManagerOption {
	return func(o *keyManagerOptions) { o.cacheSize = n }
}

// WithClock overrides the clock used for metadata timestamps.
func WithClock(now func() time.Time) KeyManagerOption {
	return func(o *keyManagerOptions) { o.now = now }
}

// NewKeyManager creates a KeyManager over store.
func NewKeyManager(store SecretStore, opts ...KeyManagerOption) (*KeyManager, error) {
	if store == nil {
		return nil, errors.New("secret store is required")
	}

	o := keyManagerOptions{
		logger:    slog.Default(),
		cacheSize: defaultKnownCacheSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	known, err := lru.New(o.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("known key cache: %w", err)
	}

	return &KeyManager{
		store:  store,
		known:  known,
		logger: o.logger,
		now:    o.now,
	}, nil
}

// KEKName returns the deterministic key name for a user.
func KEKName(userID string) string {
	return kekNamePrefix + userID
}

func metadataPath(userID string) string {
	return "users/" + userID + "/kek"
}

// EnsureUserKey provisions the user's KEK if it does not exist yet.
// Concurrent callers in this process share one provisioning attempt;
// callers in other processes resolve to ErrAlreadyExists, which counts as
// success.
func (m *KeyManager) EnsureUserKey(ctx context.Context, userID string) error {
	if userID == "" {
		return &KeyHierarchyError{Op: "ensure key", Err: fmt.Errorf("%w: empty user id", ErrKeyProvisioning)}
	}
	if m.known.Contains(userID) {
		return nil
	}

	// The flight outlives any single caller, so one caller's cancellation
	// must not fail the others waiting on it.
	flightCtx := context.WithoutCancel(ctx)
	_, err, _ := m.group.Do(userID, func() (interface{}, error) {
		return nil, m.provision(flightCtx, userID)
	})
	if err != nil {
		return &KeyHierarchyError{UserID: userID, Op: "ensure key", Err: err}
	}
	return nil
}

func (m *KeyManager) provision(ctx context.Context, userID string) error {
	name := KEKName(userID)
	path := metadataPath(userID)

	meta, err := m.store.ReadMetadata(ctx, path)
	switch {
	case err == nil && meta[metaKeyKEK] == name:
		m.known.Add(userID, struct{}{})
		return nil
	case err != nil && !errors.Is(err, ErrMetadataNotFound):
		return err
	}

	if err := m.store.CreateKey(ctx, name); err != nil {
		if !errors.Is(err, ErrAlreadyExists) {
			if !errors.Is(err, ErrKeyProvisioning) {
				err = fmt.Errorf("%w: %v", ErrKeyProvisioning, err)
			}
			return err
		}
		if errors.Is(err, ErrKeyProvisioning) {
			m.logger.Warn("key already existed but the duplicate was not cleaned up",
				slog.String("user_id", userID), slog.Any("error", err))
		}
	}

	err = m.store.WriteMetadata(ctx, path, map[string]string{
		metaKeyKEK:       name,
		metaKeyCreatedAt: m.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	m.known.Add(userID, struct{}{})
	m.logger.Info("provisioned key encryption key", slog.String("user_id", userID), slog.String("kek", name))
	return nil
}

// EncryptUserDEK wraps dek under the user's KEK, provisioning the KEK first
// if needed. It is used once per user, at creation.
func (m *KeyManager) EncryptUserDEK(ctx context.Context, userID string, dek *DataKey) (WrappedDEK, error) {
	if !dek.valid() {
		return "", &KeyHierarchyError{UserID: userID, Op: "wrap dek", Err: ErrInvalidKey}
	}
	if err := m.EnsureUserKey(ctx, userID); err != nil {
		return "", err
	}

	raw := dek.Bytes()
	defer zero(raw)

	token, err := m.store.Wrap(ctx, KEKName(userID), raw)
	if err != nil {
		return "", &KeyHierarchyError{UserID: userID, Op: "wrap dek", Err: err}
	}
	return WrappedDEK(token), nil
}

// DecryptUserDEK unwraps a stored data key. It never provisions a KEK: a
// wrapped key whose KEK is gone fails with ErrKeyNotFound.
func (m *KeyManager) DecryptUserDEK(ctx context.Context, userID string, wrapped WrappedDEK) (*DataKey, error) {
	if wrapped == "" {
		return nil, &KeyHierarchyError{UserID: userID, Op: "unwrap dek", Err: fmt.Errorf("%w: empty token", ErrInvalidToken)}
	}

	raw, err := m.store.Unwrap(ctx, KEKName(userID), string(wrapped))
	if err != nil {
		return nil, &KeyHierarchyError{UserID: userID, Op: "unwrap dek", Err: err}
	}
	defer zero(raw)

	dek, err := DataKeyFromBytes(raw)
	if err != nil {
		return nil, &KeyHierarchyError{UserID: userID, Op: "unwrap dek", Err: err}
	}
	return dek, nil
}

// DeleteUserKey revokes the user's KEK and removes its metadata. Every
// value encrypted under the user's data key becomes unreadable. A missing
// KEK is not an error.
func (m *KeyManager) DeleteUserKey(ctx context.Context, userID string) error {
	m.known.Remove(userID)

	if err := m.store.DeleteKey(ctx, KEKName(userID)); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return &KeyHierarchyError{UserID: userID, Op: "delete key", Err: err}
	}
	if err := m.store.DeleteMetadata(ctx, metadataPath(userID)); err != nil {
		return &KeyHierarchyError{UserID: userID, Op: "delete key", Err: err}
	}

	m.logger.Info("revoked key encryption key", slog.String("user_id", userID))
	return nil
}

// KeyState reports the user's provisioning state given the wrapped key
// currently stored on the user row.
func (m *KeyManager) KeyState(ctx context.Context, userID string, wrapped WrappedDEK) (KeyState, error) {
	meta, err := m.store.ReadMetadata(ctx, metadataPath(userID))
	if errors.Is(err, ErrMetadataNotFound) || (err == nil && meta[metaKeyKEK] == "") {
		return KeyStateNoKey, nil
	}
	if err != nil {
		return KeyStateNoKey, &KeyHierarchyError{UserID: userID, Op: "key state", Err: err}
	}
	if wrapped == "" {
		return KeyStateKEKOnly, nil
	}
	return KeyStateProvisioned, nil
}

// RotateUserKEK adds a new version to the user's KEK and rewraps the data
// key under it. The data key itself, and therefore every encrypted field,
// is unchanged.
func (m *KeyManager) RotateUserKEK(ctx context.Context, userID string, wrapped WrappedDEK) (WrappedDEK, error) {
	rotatable, ok := m.store.(RotatableStore)
	if !ok {
		return "", &KeyHierarchyError{UserID: userID, Op: "rotate key", Err: ErrRotationUnsupported}
	}

	name := KEKName(userID)
	if err := rotatable.RotateKey(ctx, name); err != nil {
		return "", &KeyHierarchyError{UserID: userID, Op: "rotate key", Err: err}
	}

	token, err := rotatable.Rewrap(ctx, name, string(wrapped))
	if err != nil {
		return "", &KeyHierarchyError{UserID: userID, Op: "rewrap dek", Err: err}
	}

	m.logger.Info("rotated key encryption key", slog.String("user_id", userID))
	return WrappedDEK(token), nil
}
