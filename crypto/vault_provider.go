package crypto

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// Default Vault mounts.
const (
	DefaultTransitMount = "transit/lifehub"
	DefaultKVMount      = "kv/lifehub"
)

// VaultConfig configures a VaultStore.
type VaultConfig struct {
	Address      string
	Token        string
	TransitMount string
	KVMount      string
}

// vaultLogical is the subset of *vault.Logical used by VaultStore.
type vaultLogical interface {
	ReadWithContext(ctx context.Context, path string) (*vault.Secret, error)
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*vault.Secret, error)
	DeleteWithContext(ctx context.Context, path string) (*vault.Secret, error)
}

// VaultStore implements SecretStore on HashiCorp Vault: named keys live in
// the transit engine and metadata in a KV version 2 mount.
type VaultStore struct {
	client       *vault.Client
	logical      vaultLogical
	transitMount string
	kvMount      string
}

var (
	_ SecretStore    = (*VaultStore)(nil)
	_ RotatableStore = (*VaultStore)(nil)
)

// NewVaultStore creates a VaultStore with a token-authenticated client.
func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	if cfg.Address == "" || cfg.Token == "" {
		return nil, errors.New("vault address and token must be set")
	}

	config := vault.DefaultConfig()
	config.Address = cfg.Address

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, err
	}
	client.SetToken(cfg.Token)

	return NewVaultStoreWithClient(client, cfg.TransitMount, cfg.KVMount), nil
}

// NewVaultStoreWithClient creates a VaultStore with an existing client.
// Empty mounts fall back to the defaults.
func NewVaultStoreWithClient(client *vault.Client, transitMount, kvMount string) *VaultStore {
	s := newVaultStore(client.Logical(), transitMount, kvMount)
	s.client = client
	return s
}

func newVaultStore(logical vaultLogical, transitMount, kvMount string) *VaultStore {
	if transitMount == "" {
		transitMount = DefaultTransitMount
	}
	if kvMount == "" {
		kvMount = DefaultKVMount
	}
	return &VaultStore{
		logical:      logical,
		transitMount: strings.Trim(transitMount, "/"),
		kvMount:      strings.Trim(kvMount, "/"),
	}
}

// Client returns the underlying Vault client, or nil when built from a
// bare logical backend.
func (s *VaultStore) Client() *vault.Client {
	return s.client
}

func (s *VaultStore) transitPath(parts ...string) string {
	return s.transitMount + "/" + strings.Join(parts, "/")
}

// CreateKey creates an aes256-gcm96 transit key.
func (s *VaultStore) CreateKey(ctx context.Context, name string) error {
	existing, err := s.logical.ReadWithContext(ctx, s.transitPath("keys", name))
	if err != nil && !isVaultStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: read key %s: %v", ErrKeyProvisioning, name, err)
	}
	if existing != nil {
		return ErrAlreadyExists
	}

	_, err = s.logical.WriteWithContext(ctx, s.transitPath("keys", name), map[string]interface{}{
		"type": "aes256-gcm96",
	})
	if err != nil {
		return fmt.Errorf("%w: create key %s: %v", ErrKeyProvisioning, name, err)
	}
	return nil
}

// DeleteKey marks the transit key deletable and deletes it.
func (s *VaultStore) DeleteKey(ctx context.Context, name string) error {
	_, err := s.logical.WriteWithContext(ctx, s.transitPath("keys", name, "config"), map[string]interface{}{
		"deletion_allowed": true,
	})
	if err != nil {
		return classifyVaultError(err, ErrTransit)
	}
	if _, err := s.logical.DeleteWithContext(ctx, s.transitPath("keys", name)); err != nil {
		return classifyVaultError(err, ErrTransit)
	}
	return nil
}

// RotateKey adds a new version to the transit key.
func (s *VaultStore) RotateKey(ctx context.Context, name string) error {
	if _, err := s.logical.WriteWithContext(ctx, s.transitPath("keys", name, "rotate"), nil); err != nil {
		return classifyVaultError(err, ErrTransit)
	}
	return nil
}

// Wrap encrypts plaintext with transit and returns the vault:vN: token.
func (s *VaultStore) Wrap(ctx context.Context, keyName string, plaintext []byte) (string, error) {
	secret, err := s.logical.WriteWithContext(ctx, s.transitPath("encrypt", keyName), map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return "", classifyVaultError(err, ErrTransit)
	}
	return stringField(secret, "ciphertext")
}

// Unwrap decrypts a vault:vN: token with transit.
func (s *VaultStore) Unwrap(ctx context.Context, keyName, token string) ([]byte, error) {
	if !strings.HasPrefix(token, "vault:v") {
		return nil, fmt.Errorf("%w: not a transit ciphertext", ErrInvalidToken)
	}

	secret, err := s.logical.WriteWithContext(ctx, s.transitPath("decrypt", keyName), map[string]interface{}{
		"ciphertext": token,
	})
	if err != nil {
		return nil, classifyVaultError(err, ErrInvalidToken)
	}

	encoded, err := stringField(secret, "plaintext")
	if err != nil {
		return nil, err
	}
	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid plaintext encoding", ErrTransit)
	}
	return plaintext, nil
}

// Rewrap re-encrypts a token under the newest transit key version without
// exposing the plaintext.
func (s *VaultStore) Rewrap(ctx context.Context, keyName, token string) (string, error) {
	secret, err := s.logical.WriteWithContext(ctx, s.transitPath("rewrap", keyName), map[string]interface{}{
		"ciphertext": token,
	})
	if err != nil {
		return "", classifyVaultError(err, ErrInvalidToken)
	}
	return stringField(secret, "ciphertext")
}

// ReadMetadata reads the latest KV v2 version at path.
func (s *VaultStore) ReadMetadata(ctx context.Context, path string) (map[string]string, error) {
	secret, err := s.logical.ReadWithContext(ctx, s.kvMount+"/data/"+path)
	if err != nil {
		if isVaultStatus(err, http.StatusNotFound) {
			return nil, ErrMetadataNotFound
		}
		return nil, fmt.Errorf("%w: read metadata: %v", ErrTransit, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrMetadataNotFound
	}

	// Deleted versions come back with a nil data section.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok || data == nil {
		return nil, ErrMetadataNotFound
	}

	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}

// WriteMetadata writes a new KV v2 version at path.
func (s *VaultStore) WriteMetadata(ctx context.Context, path string, data map[string]string) error {
	payload := make(map[string]interface{}, len(data))
	for k, v := range data {
		payload[k] = v
	}
	_, err := s.logical.WriteWithContext(ctx, s.kvMount+"/data/"+path, map[string]interface{}{
		"data": payload,
	})
	if err != nil {
		return fmt.Errorf("%w: write metadata: %v", ErrTransit, err)
	}
	return nil
}

// DeleteMetadata removes every version and the metadata at path.
func (s *VaultStore) DeleteMetadata(ctx context.Context, path string) error {
	if _, err := s.logical.DeleteWithContext(ctx, s.kvMount+"/metadata/"+path); err != nil {
		if isVaultStatus(err, http.StatusNotFound) {
			return nil
		}
		return fmt.Errorf("%w: delete metadata: %v", ErrTransit, err)
	}
	return nil
}

func stringField(secret *vault.Secret, field string) (string, error) {
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: empty response", ErrTransit)
	}
	v, ok := secret.Data[field].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: response missing %s", ErrTransit, field)
	}
	return v, nil
}

func isVaultStatus(err error, status int) bool {
	var respErr *vault.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}

// classifyVaultError maps a Vault failure onto the store sentinels.
// badRequest is used for 400 responses, which transit returns for
// malformed or foreign ciphertexts.
func classifyVaultError(err error, badRequest error) error {
	var respErr *vault.ResponseError
	if !errors.As(err, &respErr) {
		return fmt.Errorf("%w: %v", ErrTransit, err)
	}

	msg := strings.Join(respErr.Errors, "; ")
	switch {
	case respErr.StatusCode == http.StatusNotFound,
		strings.Contains(msg, "key not found"),
		strings.Contains(msg, "no existing key named"):
		return fmt.Errorf("%w: %s", ErrKeyNotFound, msg)
	case respErr.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", badRequest, msg)
	default:
		return fmt.Errorf("%w: vault returned %d: %s", ErrTransit, respErr.StatusCode, msg)
	}
}
