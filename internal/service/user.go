package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"lifehub/crypto"
	"lifehub/internal/apperror"
	"lifehub/internal/auth"
	"lifehub/internal/model"
	"lifehub/internal/repository"
)

const (
	maxUsernameLen = 32
	maxEmailLen    = 64
	maxNameLen     = 64
	minPasswordLen = 8
)

type UserService struct {
	store       repository.Store
	keys        KeyManager
	passwords   *auth.PasswordService
	tokens      *auth.TokenService
	emailSecret string
	logger      *slog.Logger
}

func NewUserService(
	store repository.Store,
	keys KeyManager,
	passwords *auth.PasswordService,
	tokens *auth.TokenService,
	emailSecret string,
	logger *slog.Logger,
) *UserService {
	return &UserService{
		store:       store,
		keys:        keys,
		passwords:   passwords,
		tokens:      tokens,
		emailSecret: emailSecret,
		logger:      defaultLogger(logger),
	}
}

type CreateUserRequest struct {
	Username string
	Email    string
	Password string
	Name     string
}

// UpdateUserRequest changes only the non-nil fields.
type UpdateUserRequest struct {
	Name     *string
	Email    *string
	Password *string
}

type LoginResult struct {
	UserID string
	Token  auth.Token
}

// Create registers a user. The row, its data key and its sealed fields are
// written in one transaction; if any step fails nothing is stored and a key
// created for the discarded id is revoked.
func (s *UserService) Create(ctx context.Context, req CreateUserRequest) (*model.Profile, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	req.Name = strings.TrimSpace(req.Name)
	if err := validateNewUser(req); err != nil {
		return nil, err
	}

	emailHash := s.EmailHash(req.Email)
	if err := s.ensureAvailable(ctx, req.Username, emailHash); err != nil {
		return nil, err
	}

	passwordHash, err := s.passwords.Hash(req.Password)
	if err != nil {
		return nil, apperror.ValidationFailed("password", err.Error())
	}

	var (
		user        *model.User
		provisioned bool
	)
	err = s.store.InTx(ctx, func(tx repository.Store) error {
		user = &model.User{
			Username:     req.Username,
			EmailHash:    emailHash,
			PasswordHash: passwordHash,
		}
		if err := tx.CreateUser(ctx, user); err != nil {
			return err
		}

		cipher := crypto.NewFieldCipher(s.keys, user.ID, "")
		defer cipher.Close()

		provisioned = true
		wrapped, err := cipher.GenerateEncryptedDataKey(ctx)
		if err != nil {
			return err
		}
		user.DataKey = wrapped

		if user.Email, err = cipher.EncryptString(ctx, req.Email); err != nil {
			return err
		}
		if user.Name, err = cipher.Encrypt(ctx, optionalString(req.Name)); err != nil {
			return err
		}
		return tx.UpdateUser(ctx, user)
	})
	if err != nil {
		if provisioned {
			s.revokeAbandonedKey(ctx, user.ID)
		}
		s.logger.Error("user creation failed", slog.String("username", req.Username), slog.Any("error", err))
		return nil, apperror.FromKeyError("failed to create user", err)
	}

	s.logger.Info("user created", slog.String("userID", user.ID))
	return &model.Profile{
		ID:        user.ID,
		Username:  user.Username,
		Email:     req.Email,
		Name:      req.Name,
		CreatedAt: user.CreatedAt,
	}, nil
}

func (s *UserService) revokeAbandonedKey(ctx context.Context, userID string) {
	if err := s.keys.DeleteUserKey(context.WithoutCancel(ctx), userID); err != nil {
		s.logger.Warn("revoking key of rolled-back user failed",
			slog.String("userID", userID),
			slog.Any("error", err),
		)
	}
}

func (s *UserService) ensureAvailable(ctx context.Context, username, emailHash string) error {
	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return apperror.Conflict("user", username)
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return fmt.Errorf("service/user: checking username: %w", err)
	}
	if _, err := s.store.GetUserByEmailHash(ctx, emailHash); err == nil {
		return &apperror.AppError{Err: apperror.ErrConflict, Message: "email already registered", Field: "email"}
	} else if !errors.Is(err, apperror.ErrNotFound) {
		return fmt.Errorf("service/user: checking email: %w", err)
	}
	return nil
}

// Login checks credentials and issues an access token. Unverified users
// are refused even with a correct password.
func (s *UserService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return nil, fmt.Errorf("service/user: loading user: %w", err)
	}
	if user == nil || s.passwords.Verify(user.PasswordHash, password) != nil {
		return nil, apperror.Unauthorized("invalid credentials")
	}
	if !user.Verified {
		return nil, apperror.Forbidden("user not verified")
	}

	token, err := s.tokens.Generate(user.ID)
	if err != nil {
		return nil, apperror.Internal("failed to issue token", err)
	}
	s.logger.Info("user logged in", slog.String("userID", user.ID))
	return &LoginResult{UserID: user.ID, Token: token}, nil
}

// Authenticate resolves an access token to a verified user.
func (s *UserService) Authenticate(ctx context.Context, token string) (*model.User, error) {
	userID, err := s.tokens.Validate(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return nil, apperror.Unauthorized("token expired")
		}
		return nil, apperror.Unauthorized("invalid token")
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.Verified {
		return nil, apperror.Forbidden("user not verified")
	}
	return user, nil
}

// Verify marks the user as verified.
func (s *UserService) Verify(ctx context.Context, userID string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Verified {
		return nil
	}
	user.Verified = true
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("service/user: verifying %s: %w", userID, err)
	}
	s.logger.Info("user verified", slog.String("userID", userID))
	return nil
}

// Profile returns the decrypted profile of userID.
func (s *UserService) Profile(ctx context.Context, userID string) (*model.Profile, error) {
	user, cipher, err := userCipher(ctx, s.store, s.keys, userID)
	if err != nil {
		return nil, err
	}
	defer cipher.Close()
	return decryptProfile(ctx, cipher, user)
}

// EmailHash returns the lookup hash stored for email.
func (s *UserService) EmailHash(email string) string {
	return crypto.EmailHash(email, s.emailSecret)
}

// FindByEmail looks a user up through the email hash.
func (s *UserService) FindByEmail(ctx context.Context, email string) (*model.Profile, error) {
	user, err := s.store.GetUserByEmailHash(ctx, s.EmailHash(email))
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, &apperror.AppError{Err: apperror.ErrNotFound, Message: "no user with that email"}
		}
		return nil, err
	}

	cipher := crypto.NewFieldCipher(s.keys, user.ID, user.DataKey)
	defer cipher.Close()
	return decryptProfile(ctx, cipher, user)
}

// UpdateProfile re-encrypts changed fields. An email change recomputes the
// lookup hash and fails with a conflict if another user holds the address.
func (s *UserService) UpdateProfile(ctx context.Context, userID string, req UpdateUserRequest) (*model.Profile, error) {
	var profile *model.Profile
	err := s.store.InTx(ctx, func(tx repository.Store) error {
		user, cipher, err := userCipher(ctx, tx, s.keys, userID)
		if err != nil {
			return err
		}
		defer cipher.Close()

		if req.Email != nil {
			email := strings.TrimSpace(*req.Email)
			if err := validateEmail(email); err != nil {
				return err
			}
			hash := s.EmailHash(email)
			if hash != user.EmailHash {
				other, err := tx.GetUserByEmailHash(ctx, hash)
				if err == nil && other.ID != user.ID {
					return &apperror.AppError{Err: apperror.ErrConflict, Message: "email already registered", Field: "email"}
				}
				if err != nil && !errors.Is(err, apperror.ErrNotFound) {
					return err
				}
			}
			if user.Email, err = cipher.EncryptString(ctx, email); err != nil {
				return err
			}
			user.EmailHash = hash
		}

		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if err := validateName(name); err != nil {
				return err
			}
			if user.Name, err = cipher.Encrypt(ctx, optionalString(name)); err != nil {
				return err
			}
		}

		if req.Password != nil {
			if err := validatePassword(*req.Password); err != nil {
				return err
			}
			hash, err := s.passwords.Hash(*req.Password)
			if err != nil {
				return apperror.ValidationFailed("password", err.Error())
			}
			user.PasswordHash = hash
		}

		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}
		profile, err = decryptProfile(ctx, cipher, user)
		return err
	})
	if err != nil {
		return nil, apperror.FromKeyError("failed to update user", err)
	}
	s.logger.Info("user updated", slog.String("userID", userID))
	return profile, nil
}

// Delete removes the user and everything it owns, then revokes its KEK so
// any copies of its sealed data become unreadable.
func (s *UserService) Delete(ctx context.Context, userID string) error {
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return err
	}
	if err := s.keys.DeleteUserKey(ctx, userID); err != nil {
		s.logger.Error("user deleted but key revocation failed",
			slog.String("userID", userID),
			slog.Any("error", err),
		)
		return apperror.FromKeyError("user deleted but key revocation failed", err)
	}
	s.logger.Info("user deleted", slog.String("userID", userID))
	return nil
}

// List returns decrypted profiles, one cipher per user.
func (s *UserService) List(ctx context.Context, opts repository.ListOptions) ([]model.Profile, error) {
	users, err := s.store.ListUsers(ctx, opts)
	if err != nil {
		return nil, err
	}

	profiles := make([]model.Profile, 0, len(users))
	for i := range users {
		p, err := func() (*model.Profile, error) {
			cipher := crypto.NewFieldCipher(s.keys, users[i].ID, users[i].DataKey)
			defer cipher.Close()
			return decryptProfile(ctx, cipher, &users[i])
		}()
		if err != nil {
			return nil, apperror.FromKeyError("failed to decrypt user", err)
		}
		profiles = append(profiles, *p)
	}
	return profiles, nil
}

func decryptProfile(ctx context.Context, cipher *crypto.FieldCipher, user *model.User) (*model.Profile, error) {
	email, err := cipher.DecryptString(ctx, user.Email)
	if err != nil {
		return nil, fmt.Errorf("service/user: decrypting email of %s: %w", user.ID, err)
	}
	name, err := cipher.Decrypt(ctx, user.Name)
	if err != nil {
		return nil, fmt.Errorf("service/user: decrypting name of %s: %w", user.ID, err)
	}
	return &model.Profile{
		ID:        user.ID,
		Username:  user.Username,
		Email:     email,
		Name:      derefString(name),
		Verified:  user.Verified,
		IsAdmin:   user.IsAdmin,
		CreatedAt: user.CreatedAt,
	}, nil
}

func validateNewUser(req CreateUserRequest) error {
	switch {
	case req.Username == "":
		return apperror.ValidationFailed("username", "username is required")
	case utf8.RuneCountInString(req.Username) > maxUsernameLen:
		return apperror.ValidationFailed("username", fmt.Sprintf("username must be at most %d characters", maxUsernameLen))
	}
	if err := validateEmail(req.Email); err != nil {
		return err
	}
	if err := validateName(req.Name); err != nil {
		return err
	}
	return validatePassword(req.Password)
}

func validateEmail(email string) error {
	at := strings.LastIndex(email, "@")
	switch {
	case email == "":
		return apperror.ValidationFailed("email", "email is required")
	case at <= 0 || at == len(email)-1:
		return apperror.ValidationFailed("email", "email is not valid")
	case len(email) > maxEmailLen:
		return apperror.ValidationFailed("email", fmt.Sprintf("email must be at most %d bytes", maxEmailLen))
	}
	return nil
}

func validateName(name string) error {
	if len(name) > maxNameLen {
		return apperror.ValidationFailed("name", fmt.Sprintf("name must be at most %d bytes", maxNameLen))
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLen {
		return apperror.ValidationFailed("password", fmt.Sprintf("password must be at least %d characters", minPasswordLen))
	}
	return nil
}
