package crypto

import (
	"context"
	"errors"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// ProviderType names a secret store backend.
type ProviderType string

const (
	// ProviderTypeLocal keeps keys or metadata in process memory.
	ProviderTypeLocal ProviderType = "local"
	// ProviderTypeVault uses HashiCorp Vault transit and KV.
	ProviderTypeVault ProviderType = "vault"
	// ProviderTypeAWSKMS uses AWS Key Management Service (keys only).
	ProviderTypeAWSKMS ProviderType = "aws-kms"
	// ProviderTypeRedis uses Redis (metadata only).
	ProviderTypeRedis ProviderType = "redis"
)

// StoreConfig selects and configures the key and metadata backends.
type StoreConfig struct {
	Keys     ProviderType
	Metadata ProviderType
	Vault    VaultConfig
	KMS      KMSConfig
	Redis    RedisConfig
}

// UnknownProviderTypeError is returned for a backend name outside the
// supported set, or a backend that cannot serve the requested role.
type UnknownProviderTypeError struct {
	Role     string
	Provider ProviderType
}

func (e *UnknownProviderTypeError) Error() string {
	return fmt.Sprintf("unknown %s provider type %q", e.Role, e.Provider)
}

// Backend is an opened SecretStore plus the resources behind it.
type Backend struct {
	SecretStore

	vault   *VaultStore
	closers []func() error
}

// VaultClient returns the Vault client when either role uses Vault.
func (b *Backend) VaultClient() *vault.Client {
	if b.vault == nil {
		return nil
	}
	return b.vault.Client()
}

// Close releases backend connections.
func (b *Backend) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewSecretStore opens the configured backends. Empty provider types
// default to local.
func NewSecretStore(ctx context.Context, cfg StoreConfig) (*Backend, error) {
	b := &Backend{}

	openVault := func() (*VaultStore, error) {
		if b.vault != nil {
			return b.vault, nil
		}
		store, err := NewVaultStore(cfg.Vault)
		if err != nil {
			return nil, err
		}
		b.vault = store
		return store, nil
	}

	var keys KeyStore
	switch cfg.Keys {
	case "", ProviderTypeLocal:
		keys = NewLocalStore()
	case ProviderTypeVault:
		store, err := openVault()
		if err != nil {
			return nil, err
		}
		keys = store
	case ProviderTypeAWSKMS:
		store, err := NewKMSStore(ctx, cfg.KMS)
		if err != nil {
			return nil, err
		}
		keys = store
	default:
		return nil, &UnknownProviderTypeError{Role: "key", Provider: cfg.Keys}
	}

	var meta MetadataStore
	switch cfg.Metadata {
	case "", ProviderTypeLocal:
		if local, ok := keys.(*LocalStore); ok {
			meta = local
		} else {
			meta = NewLocalStore()
		}
	case ProviderTypeVault:
		store, err := openVault()
		if err != nil {
			return nil, err
		}
		meta = store
	case ProviderTypeRedis:
		store, err := NewRedisMetadataStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, store.Close)
		meta = store
	default:
		return nil, &UnknownProviderTypeError{Role: "metadata", Provider: cfg.Metadata}
	}

	b.SecretStore = Compose(keys, meta)
	return b, nil
}
