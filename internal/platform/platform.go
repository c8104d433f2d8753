// Package platform opens the key infrastructure both binaries share: the
// configured secret store, the key manager over it and, when Vault is in
// use, the background token renewal.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"lifehub/crypto"
	"lifehub/internal/config"
)

type Platform struct {
	Config  config.Config
	Logger  *slog.Logger
	Keys    *crypto.KeyManager
	Backend *crypto.Backend
}

// Open connects to the configured secret store.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Platform, error) {
	if logger == nil {
		logger = cfg.NewLogger()
	}

	backend, err := crypto.NewSecretStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("platform: opening secret store: %w", err)
	}
	keys, err := crypto.NewKeyManager(backend, crypto.WithLogger(logger))
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("platform: creating key manager: %w", err)
	}

	if cfg.Store.Keys == crypto.ProviderTypeLocal {
		logger.Warn("using the in-process key store; keys are lost when the process exits")
	}
	logger.Info("secret store ready",
		slog.String("keys", string(cfg.Store.Keys)),
		slog.String("metadata", string(cfg.Store.Metadata)),
	)
	return &Platform{Config: cfg, Logger: logger, Keys: keys, Backend: backend}, nil
}

// StartRenewer renews the Vault token in the background until ctx ends.
// It does nothing when Vault is not configured.
func (p *Platform) StartRenewer(ctx context.Context) error {
	if !p.Config.UsesVault() {
		return nil
	}
	renewer, err := crypto.NewTokenRenewer(p.Backend.VaultClient(), p.Config.RenewInterval, p.Logger)
	if err != nil {
		return fmt.Errorf("platform: starting token renewal: %w", err)
	}
	go func() {
		if err := renewer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.Logger.Error("token renewal stopped", slog.Any("error", err))
		}
	}()
	p.Logger.Info("vault token renewal started", slog.Duration("interval", p.Config.RenewInterval))
	return nil
}

func (p *Platform) Close() error {
	return p.Backend.Close()
}
