package crypto

import (
	"context"
	"errors"
	"log/slog"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// DefaultRenewInterval matches a short-lived AppRole token's renewal cadence.
const DefaultRenewInterval = 10 * time.Minute

type selfRenewer interface {
	RenewSelfWithContext(ctx context.Context, increment int) (*vault.Secret, error)
}

// TokenRenewer periodically renews the Vault client token. It runs only
// while the context passed to Run is alive.
type TokenRenewer struct {
	token    selfRenewer
	interval time.Duration
	logger   *slog.Logger
}

// NewTokenRenewer creates a renewer for the client's own token.
func NewTokenRenewer(client *vault.Client, interval time.Duration, logger *slog.Logger) (*TokenRenewer, error) {
	if client == nil {
		return nil, errors.New("vault client is required")
	}
	return newTokenRenewer(client.Auth().Token(), interval, logger), nil
}

func newTokenRenewer(token selfRenewer, interval time.Duration, logger *slog.Logger) *TokenRenewer {
	if interval <= 0 {
		interval = DefaultRenewInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenRenewer{token: token, interval: interval, logger: logger}
}

// RenewOnce renews the token a single time.
func (r *TokenRenewer) RenewOnce(ctx context.Context) error {
	secret, err := r.token.RenewSelfWithContext(ctx, 0)
	if err != nil {
		return err
	}
	if secret != nil && secret.Auth != nil {
		r.logger.Debug("vault token renewed", slog.Int("lease_seconds", secret.Auth.LeaseDuration))
	}
	return nil
}

// Run renews the token every interval until ctx is cancelled. Renewal
// failures are logged and retried on the next tick.
func (r *TokenRenewer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.RenewOnce(ctx); err != nil {
				r.logger.Error("vault token renewal failed", slog.Any("error", err))
			}
		}
	}
}
