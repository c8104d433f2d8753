// Package service holds the units of work that read and write encrypted
// records. Each call that touches sealed fields opens one FieldCipher for
// the owning user and closes it before returning.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"lifehub/crypto"
	"lifehub/internal/apperror"
	"lifehub/internal/model"
	"lifehub/internal/repository"
)

// KeyManager is the part of *crypto.KeyManager the services use.
type KeyManager interface {
	crypto.DEKManager
	DeleteUserKey(ctx context.Context, userID string) error
}

var _ KeyManager = (*crypto.KeyManager)(nil)

func defaultLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// userCipher loads the user and returns a cipher over its data key. The
// caller must Close the cipher.
func userCipher(ctx context.Context, users repository.UserRepository, keys KeyManager, userID string) (*model.User, *crypto.FieldCipher, error) {
	user, err := users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if user.DataKey == "" {
		return nil, nil, apperror.Internal("user has no data key", fmt.Errorf("user %s: %w", userID, crypto.ErrKeyNotFound))
	}
	return user, crypto.NewFieldCipher(keys, user.ID, user.DataKey), nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
