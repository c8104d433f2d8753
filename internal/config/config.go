// Package config loads the process configuration from an optional YAML file
// overlaid by environment variables. A Config is built once at startup and
// passed by value to constructors; nothing mutates it afterwards.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lifehub/crypto"
)

const (
	defaultDatabasePath = "data/lifehub.db"
	defaultTokenTTL     = 30 * 24 * time.Hour
	minSecretLength     = 16
)

// Config is the validated process configuration.
type Config struct {
	Store crypto.StoreConfig

	EmailSecretKey string
	AuthSecretKey  string

	DatabasePath  string
	LogLevel      slog.Level
	TokenTTL      time.Duration
	RenewInterval time.Duration

	// Collections lists the PocketBase collections whose fields are sealed
	// per owner.
	Collections []Collection
}

// Collection configures one owner-scoped PocketBase collection.
type Collection struct {
	Name       string   `yaml:"name"`
	OwnerField string   `yaml:"owner_field"`
	Fields     []string `yaml:"fields"`
}

// file mirrors the YAML layout. Durations are Go duration strings.
type file struct {
	KeyProvider      string `yaml:"key_provider"`
	MetadataProvider string `yaml:"metadata_provider"`

	Vault struct {
		Address       string `yaml:"address"`
		Token         string `yaml:"token"`
		TransitMount  string `yaml:"transit_mount"`
		KVMount       string `yaml:"kv_mount"`
		RenewInterval string `yaml:"renew_interval"`
	} `yaml:"vault"`

	KMS struct {
		Region             string `yaml:"region"`
		AliasPrefix        string `yaml:"alias_prefix"`
		DeletionWindowDays int32  `yaml:"deletion_window_days"`
	} `yaml:"kms"`

	Redis struct {
		Addr      string `yaml:"addr"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	EmailSecretKey string `yaml:"email_secret_key"`
	AuthSecretKey  string `yaml:"auth_secret_key"`
	DatabasePath   string `yaml:"database_path"`
	LogLevel       string `yaml:"log_level"`
	TokenTTL       string `yaml:"token_ttl"`

	Collections []Collection `yaml:"collections"`
}

// Load reads the file named by LIFEHUB_CONFIG (if set), applies environment
// overrides and validates the result.
func Load() (Config, error) {
	return load(os.Getenv("LIFEHUB_CONFIG"), os.LookupEnv)
}

// LoadFile is Load with an explicit file path. An empty path skips the file.
func LoadFile(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	var f file
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	overlay(&f, lookup)

	cfg, err := f.build()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlay(f *file, lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&f.KeyProvider, "KEY_PROVIDER")
	set(&f.MetadataProvider, "METADATA_PROVIDER")
	set(&f.Vault.Address, "VAULT_ADDR")
	set(&f.Vault.Token, "VAULT_TOKEN")
	set(&f.Vault.TransitMount, "VAULT_TRANSIT_MOUNT")
	set(&f.Vault.KVMount, "VAULT_KV_MOUNT")
	set(&f.Vault.RenewInterval, "VAULT_RENEW_INTERVAL")
	set(&f.KMS.Region, "AWS_REGION")
	set(&f.KMS.AliasPrefix, "KMS_ALIAS_PREFIX")
	set(&f.Redis.Addr, "REDIS_ADDR")
	set(&f.Redis.Password, "REDIS_PASSWORD")
	set(&f.EmailSecretKey, "EMAIL_SECRET_KEY")
	set(&f.AuthSecretKey, "AUTH_SECRET_KEY")
	set(&f.DatabasePath, "DATABASE_PATH")
	set(&f.LogLevel, "LOG_LEVEL")
	set(&f.TokenTTL, "TOKEN_TTL")
}

func (f *file) build() (Config, error) {
	cfg := Config{
		Store: crypto.StoreConfig{
			Keys:     crypto.ProviderType(strings.ToLower(f.KeyProvider)),
			Metadata: crypto.ProviderType(strings.ToLower(f.MetadataProvider)),
			Vault: crypto.VaultConfig{
				Address:      f.Vault.Address,
				Token:        f.Vault.Token,
				TransitMount: f.Vault.TransitMount,
				KVMount:      f.Vault.KVMount,
			},
			KMS: crypto.KMSConfig{
				Region:             f.KMS.Region,
				AliasPrefix:        f.KMS.AliasPrefix,
				DeletionWindowDays: f.KMS.DeletionWindowDays,
			},
			Redis: crypto.RedisConfig{
				Addr:      f.Redis.Addr,
				Password:  f.Redis.Password,
				DB:        f.Redis.DB,
				KeyPrefix: f.Redis.KeyPrefix,
			},
		},
		EmailSecretKey: f.EmailSecretKey,
		AuthSecretKey:  f.AuthSecretKey,
		DatabasePath:   f.DatabasePath,
		TokenTTL:       defaultTokenTTL,
		RenewInterval:  crypto.DefaultRenewInterval,
		Collections:    f.Collections,
	}
	if cfg.Store.Keys == "" {
		cfg.Store.Keys = crypto.ProviderTypeLocal
	}
	if cfg.Store.Metadata == "" {
		// Vault and local serve both roles; KMS needs a separate metadata store.
		if cfg.Store.Keys == crypto.ProviderTypeVault {
			cfg.Store.Metadata = crypto.ProviderTypeVault
		} else {
			cfg.Store.Metadata = crypto.ProviderTypeLocal
		}
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaultDatabasePath
	}

	if f.LogLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(f.LogLevel)); err != nil {
			return Config{}, fmt.Errorf("config: log level %q: %w", f.LogLevel, err)
		}
	}

	var err error
	if cfg.TokenTTL, err = duration("token_ttl", f.TokenTTL, cfg.TokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.RenewInterval, err = duration("vault.renew_interval", f.Vault.RenewInterval, cfg.RenewInterval); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func duration(name, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		// Bare integers are seconds.
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, fmt.Errorf("config: %s %q: %w", name, raw, err)
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %s", name, raw)
	}
	return d, nil
}

// Validate checks that the secrets each selected backend needs are present.
func (c Config) Validate() error {
	var errs []error

	if len(c.EmailSecretKey) < minSecretLength {
		errs = append(errs, fmt.Errorf("EMAIL_SECRET_KEY must be at least %d characters", minSecretLength))
	}
	if len(c.AuthSecretKey) < minSecretLength {
		errs = append(errs, fmt.Errorf("AUTH_SECRET_KEY must be at least %d characters", minSecretLength))
	}

	switch c.Store.Keys {
	case crypto.ProviderTypeLocal:
	case crypto.ProviderTypeVault:
		errs = append(errs, c.requireVault()...)
	case crypto.ProviderTypeAWSKMS:
		if c.Store.KMS.Region == "" {
			errs = append(errs, errors.New("AWS_REGION is required for the aws-kms key provider"))
		}
	default:
		errs = append(errs, &crypto.UnknownProviderTypeError{Role: "key", Provider: c.Store.Keys})
	}

	switch c.Store.Metadata {
	case crypto.ProviderTypeLocal:
	case crypto.ProviderTypeVault:
		if c.Store.Keys != crypto.ProviderTypeVault {
			errs = append(errs, c.requireVault()...)
		}
	case crypto.ProviderTypeRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis metadata provider"))
		}
	default:
		errs = append(errs, &crypto.UnknownProviderTypeError{Role: "metadata", Provider: c.Store.Metadata})
	}

	for i, col := range c.Collections {
		if col.Name == "" || len(col.Fields) == 0 {
			errs = append(errs, fmt.Errorf("collections[%d] needs a name and at least one field", i))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c Config) requireVault() []error {
	var errs []error
	if c.Store.Vault.Address == "" {
		errs = append(errs, errors.New("VAULT_ADDR is required for the vault provider"))
	}
	if c.Store.Vault.Token == "" {
		errs = append(errs, errors.New("VAULT_TOKEN is required for the vault provider"))
	}
	return errs
}

// UsesVault reports whether either store role is served by Vault.
func (c Config) UsesVault() bool {
	return c.Store.Keys == crypto.ProviderTypeVault || c.Store.Metadata == crypto.ProviderTypeVault
}

// NewLogger returns a text logger at the configured level.
func (c Config) NewLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel}))
}
