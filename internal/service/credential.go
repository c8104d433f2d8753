package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"lifehub/internal/apperror"
	"lifehub/internal/model"
	"lifehub/internal/repository"
)

// ProviderConfig describes one external data provider a user can connect.
type ProviderConfig struct {
	ID             string
	Name           string
	Kind           model.CredentialKind
	AllowCustomURL bool
}

// DefaultProviders is the built-in provider registry.
var DefaultProviders = []ProviderConfig{
	{ID: "gocardless", Name: "GoCardless", Kind: model.CredentialToken},
	{ID: "google_calendar", Name: "Google Calendar", Kind: model.CredentialOAuth},
	{ID: "google_tasks", Name: "Google Tasks", Kind: model.CredentialOAuth},
	{ID: "spotify", Name: "Spotify", Kind: model.CredentialOAuth},
	{ID: "strava", Name: "Strava", Kind: model.CredentialOAuth},
	{ID: "trading212", Name: "Trading 212", Kind: model.CredentialToken},
	{ID: "ynab", Name: "YNAB", Kind: model.CredentialOAuth},
	{ID: "webdav", Name: "WebDAV", Kind: model.CredentialBasic, AllowCustomURL: true},
}

// CredentialService stores users' provider credentials. The encoded
// credential and the custom URL are sealed as separate fields.
type CredentialService struct {
	store     repository.Store
	keys      KeyManager
	providers map[string]ProviderConfig
	logger    *slog.Logger
}

// NewCredentialService creates a CredentialService over providers, or
// DefaultProviders when none are given.
func NewCredentialService(store repository.Store, keys KeyManager, logger *slog.Logger, providers ...ProviderConfig) *CredentialService {
	if len(providers) == 0 {
		providers = DefaultProviders
	}
	registry := make(map[string]ProviderConfig, len(providers))
	for _, p := range providers {
		registry[p.ID] = p
	}
	return &CredentialService{store: store, keys: keys, providers: registry, logger: defaultLogger(logger)}
}

// Providers returns the registry sorted by id.
func (s *CredentialService) Providers() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type SaveCredentialRequest struct {
	ProviderID string
	Credential model.Credential
	CustomURL  *string
}

// Save stores a credential for a provider the user has not connected yet.
func (s *CredentialService) Save(ctx context.Context, userID string, req SaveCredentialRequest) (*model.ProviderCredential, error) {
	provider, err := s.checkRequest(req)
	if err != nil {
		return nil, err
	}

	_, cipher, err := userCipher(ctx, s.store, s.keys, userID)
	if err != nil {
		return nil, err
	}
	defer cipher.Close()

	token := &model.ProviderToken{
		UserID:     userID,
		ProviderID: provider.ID,
		Kind:       provider.Kind,
		ExpiresAt:  credentialExpiry(req.Credential),
	}
	if err := sealCredential(ctx, cipher, token, req); err != nil {
		return nil, err
	}
	if err := s.store.CreateProviderToken(ctx, token); err != nil {
		return nil, apperror.FromKeyError("failed to store credential", err)
	}

	s.logger.Info("provider connected", slog.String("userID", userID), slog.String("provider", provider.ID))
	return &model.ProviderCredential{
		ProviderID: provider.ID,
		Credential: req.Credential,
		CustomURL:  req.CustomURL,
		CreatedAt:  token.CreatedAt,
		ExpiresAt:  token.ExpiresAt,
	}, nil
}

// Update replaces the stored credential, for example after an OAuth
// refresh. The provider must already be connected.
func (s *CredentialService) Update(ctx context.Context, userID string, req SaveCredentialRequest) (*model.ProviderCredential, error) {
	provider, err := s.checkRequest(req)
	if err != nil {
		return nil, err
	}

	token, err := s.store.GetProviderToken(ctx, userID, provider.ID)
	if err != nil {
		return nil, err
	}

	_, cipher, err := userCipher(ctx, s.store, s.keys, userID)
	if err != nil {
		return nil, err
	}
	defer cipher.Close()

	token.ExpiresAt = credentialExpiry(req.Credential)
	if err := sealCredential(ctx, cipher, token, req); err != nil {
		return nil, err
	}
	if err := s.store.UpdateProviderToken(ctx, token); err != nil {
		return nil, apperror.FromKeyError("failed to store credential", err)
	}

	s.logger.Info("provider credential updated", slog.String("userID", userID), slog.String("provider", provider.ID))
	return &model.ProviderCredential{
		ProviderID: provider.ID,
		Credential: req.Credential,
		CustomURL:  req.CustomURL,
		CreatedAt:  token.CreatedAt,
		ExpiresAt:  token.ExpiresAt,
	}, nil
}

func (s *CredentialService) Get(ctx context.Context, userID, providerID string) (*model.ProviderCredential, error) {
	token, err := s.store.GetProviderToken(ctx, userID, providerID)
	if err != nil {
		return nil, err
	}

	_, cipher, err := userCipher(ctx, s.store, s.keys, userID)
	if err != nil {
		return nil, err
	}
	defer cipher.Close()

	return openCredential(ctx, cipher, *token)
}

// List decrypts every credential the user has stored.
func (s *CredentialService) List(ctx context.Context, userID string) ([]model.ProviderCredential, error) {
	_, cipher, err := userCipher(ctx, s.store, s.keys, userID)
	if err != nil {
		return nil, err
	}
	defer cipher.Close()

	tokens, err := s.store.ListProviderTokens(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.ProviderCredential, 0, len(tokens))
	for _, t := range tokens {
		c, err := openCredential(ctx, cipher, t)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *CredentialService) Delete(ctx context.Context, userID, providerID string) error {
	if err := s.store.DeleteProviderToken(ctx, userID, providerID); err != nil {
		return err
	}
	s.logger.Info("provider disconnected", slog.String("userID", userID), slog.String("provider", providerID))
	return nil
}

// checkRequest applies the provider's rules: the credential kind must match
// and a custom URL is accepted only where the provider allows one, in which
// case it is required.
func (s *CredentialService) checkRequest(req SaveCredentialRequest) (ProviderConfig, error) {
	provider, ok := s.providers[req.ProviderID]
	if !ok {
		return ProviderConfig{}, apperror.NotFound("provider", req.ProviderID)
	}
	if req.Credential == nil {
		return ProviderConfig{}, apperror.ValidationFailed("credential", "credential is required")
	}
	if req.Credential.Kind() != provider.Kind {
		return ProviderConfig{}, apperror.ValidationFailed("credential",
			fmt.Sprintf("%s expects a %s credential, got %s", provider.ID, provider.Kind, req.Credential.Kind()))
	}

	switch {
	case !provider.AllowCustomURL && req.CustomURL != nil:
		return ProviderConfig{}, apperror.ValidationFailed("customUrl", "custom URL not allowed for this provider")
	case provider.AllowCustomURL && strings.TrimSpace(derefString(req.CustomURL)) == "":
		return ProviderConfig{}, apperror.ValidationFailed("customUrl", "custom URL is required for this provider")
	case provider.AllowCustomURL:
		u, err := url.Parse(*req.CustomURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return ProviderConfig{}, apperror.ValidationFailed("customUrl", "custom URL must be an absolute http(s) URL")
		}
	}
	return provider, nil
}

type fieldSealer interface {
	Encrypt(ctx context.Context, plaintext *string) ([]byte, error)
	EncryptString(ctx context.Context, plaintext string) ([]byte, error)
}

type fieldOpener interface {
	Decrypt(ctx context.Context, data []byte) (*string, error)
	DecryptString(ctx context.Context, data []byte) (string, error)
}

func sealCredential(ctx context.Context, cipher fieldSealer, token *model.ProviderToken, req SaveCredentialRequest) error {
	encoded, err := model.MarshalCredential(req.Credential)
	if err != nil {
		return apperror.ValidationFailed("credential", err.Error())
	}
	if token.Credential, err = cipher.EncryptString(ctx, string(encoded)); err != nil {
		return apperror.FromKeyError("failed to encrypt credential", err)
	}
	if token.CustomURL, err = cipher.Encrypt(ctx, req.CustomURL); err != nil {
		return apperror.FromKeyError("failed to encrypt custom URL", err)
	}
	return nil
}

func openCredential(ctx context.Context, cipher fieldOpener, token model.ProviderToken) (*model.ProviderCredential, error) {
	encoded, err := cipher.DecryptString(ctx, token.Credential)
	if err != nil {
		return nil, apperror.FromKeyError("failed to decrypt credential", err)
	}
	cred, err := model.UnmarshalCredential([]byte(encoded))
	if err != nil {
		return nil, apperror.Internal("stored credential is unreadable", err)
	}
	customURL, err := cipher.Decrypt(ctx, token.CustomURL)
	if err != nil {
		return nil, apperror.FromKeyError("failed to decrypt custom URL", err)
	}
	return &model.ProviderCredential{
		ProviderID: token.ProviderID,
		Credential: cred,
		CustomURL:  customURL,
		CreatedAt:  token.CreatedAt,
		ExpiresAt:  token.ExpiresAt,
	}, nil
}

func credentialExpiry(c model.Credential) *time.Time {
	if oauth, ok := c.(model.OAuthCredential); ok && oauth.ExpiresAt != nil {
		t := oauth.ExpiresAt.UTC()
		return &t
	}
	return nil
}
