package crypto

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

const (
	kmsTokenPrefix           = "kms:v1:"
	kmsContextKey            = "kek"
	defaultKMSAliasPrefix    = "lifehub-"
	defaultKMSDeletionWindow = 7
)

// KMSConfig configures a KMSStore.
type KMSConfig struct {
	Region             string
	AliasPrefix        string
	DeletionWindowDays int32
}

// kmsAPI is the subset of *kms.Client used by KMSStore.
type kmsAPI interface {
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
	CreateAlias(ctx context.Context, params *kms.CreateAliasInput, optFns ...func(*kms.Options)) (*kms.CreateAliasOutput, error)
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	DeleteAlias(ctx context.Context, params *kms.DeleteAliasInput, optFns ...func(*kms.Options)) (*kms.DeleteAliasOutput, error)
	ScheduleKeyDeletion(ctx context.Context, params *kms.ScheduleKeyDeletionInput, optFns ...func(*kms.Options)) (*kms.ScheduleKeyDeletionOutput, error)
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	ReEncrypt(ctx context.Context, params *kms.ReEncryptInput, optFns ...func(*kms.Options)) (*kms.ReEncryptOutput, error)
	RotateKeyOnDemand(ctx context.Context, params *kms.RotateKeyOnDemandInput, optFns ...func(*kms.Options)) (*kms.RotateKeyOnDemandOutput, error)
}

// KMSStore implements KeyStore on AWS Key Management Service. Each named
// key is a customer managed key reachable through an alias. Wrapped tokens
// are bound to the key name through the KMS encryption context.
//
// KMS has no general metadata facility; pair KMSStore with a MetadataStore
// through Compose.
type KMSStore struct {
	client         kmsAPI
	aliasPrefix    string
	deletionWindow int32
}

var (
	_ KeyStore       = (*KMSStore)(nil)
	_ RotatableStore = (*KMSStore)(nil)
)

// NewKMSStore creates a KMSStore using the default AWS credential chain.
func NewKMSStore(ctx context.Context, cfg KMSConfig) (*KMSStore, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return newKMSStore(kms.NewFromConfig(awsCfg), cfg), nil
}

func newKMSStore(client kmsAPI, cfg KMSConfig) *KMSStore {
	prefix := cfg.AliasPrefix
	if prefix == "" {
		prefix = defaultKMSAliasPrefix
	}
	window := cfg.DeletionWindowDays
	if window == 0 {
		window = defaultKMSDeletionWindow
	}
	return &KMSStore{client: client, aliasPrefix: prefix, deletionWindow: window}
}

// Alias returns the KMS alias for a key name.
func (s *KMSStore) Alias(name string) string {
	return "alias/" + s.aliasPrefix + name
}

func (s *KMSStore) encryptionContext(name string) map[string]string {
	return map[string]string{kmsContextKey: name}
}

// CreateKey creates a symmetric key and points the alias at it. If the
// alias cannot be created the fresh key is scheduled for deletion, and a
// failed cleanup is joined to the returned error. A concurrently claimed
// alias yields ErrAlreadyExists.
func (s *KMSStore) CreateKey(ctx context.Context, name string) error {
	alias := s.Alias(name)

	_, err := s.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(alias)})
	if err == nil {
		return ErrAlreadyExists
	}
	var notFound *types.NotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("%w: describe %s: %v", ErrKeyProvisioning, alias, err)
	}

	out, err := s.client.CreateKey(ctx, &kms.CreateKeyInput{
		Description: aws.String("lifehub key encryption key " + name),
		KeySpec:     types.KeySpecSymmetricDefault,
		KeyUsage:    types.KeyUsageTypeEncryptDecrypt,
		Tags: []types.Tag{
			{TagKey: aws.String(kmsContextKey), TagValue: aws.String(name)},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: create key %s: %v", ErrKeyProvisioning, name, err)
	}
	keyID := out.KeyMetadata.KeyId

	_, err = s.client.CreateAlias(ctx, &kms.CreateAliasInput{
		AliasName:   aws.String(alias),
		TargetKeyId: keyID,
	})
	if err != nil {
		result := fmt.Errorf("%w: create alias %s: %v", ErrKeyProvisioning, alias, err)
		var exists *types.AlreadyExistsException
		if errors.As(err, &exists) {
			result = ErrAlreadyExists
		}
		return errors.Join(result, s.discardKey(ctx, keyID))
	}
	return nil
}

// discardKey schedules deletion of a key that never got its alias.
func (s *KMSStore) discardKey(ctx context.Context, keyID *string) error {
	_, err := s.client.ScheduleKeyDeletion(ctx, &kms.ScheduleKeyDeletionInput{
		KeyId:               keyID,
		PendingWindowInDays: aws.Int32(s.deletionWindow),
	})
	if err != nil {
		return fmt.Errorf("%w: scheduling deletion of orphaned key %s: %v", ErrKeyProvisioning, aws.ToString(keyID), err)
	}
	return nil
}

// DeleteKey schedules the key for deletion and removes its alias.
func (s *KMSStore) DeleteKey(ctx context.Context, name string) error {
	alias := s.Alias(name)

	desc, err := s.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(alias)})
	if err != nil {
		return classifyKMSError(err)
	}

	_, err = s.client.ScheduleKeyDeletion(ctx, &kms.ScheduleKeyDeletionInput{
		KeyId:               desc.KeyMetadata.KeyId,
		PendingWindowInDays: aws.Int32(s.deletionWindow),
	})
	if err != nil {
		return classifyKMSError(err)
	}

	if _, err := s.client.DeleteAlias(ctx, &kms.DeleteAliasInput{AliasName: aws.String(alias)}); err != nil {
		return classifyKMSError(err)
	}
	return nil
}

// RotateKey starts on-demand rotation of the key material.
func (s *KMSStore) RotateKey(ctx context.Context, name string) error {
	_, err := s.client.RotateKeyOnDemand(ctx, &kms.RotateKeyOnDemandInput{KeyId: aws.String(s.Alias(name))})
	if err != nil {
		return classifyKMSError(err)
	}
	return nil
}

// Wrap encrypts plaintext with KMS Encrypt.
func (s *KMSStore) Wrap(ctx context.Context, keyName string, plaintext []byte) (string, error) {
	out, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(s.Alias(keyName)),
		Plaintext:         plaintext,
		EncryptionContext: s.encryptionContext(keyName),
	})
	if err != nil {
		return "", classifyKMSError(err)
	}
	return kmsTokenPrefix + base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

// Unwrap decrypts a token with KMS Decrypt.
func (s *KMSStore) Unwrap(ctx context.Context, keyName, token string) ([]byte, error) {
	blob, err := parseKMSToken(token)
	if err != nil {
		return nil, err
	}

	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:             aws.String(s.Alias(keyName)),
		CiphertextBlob:    blob,
		EncryptionContext: s.encryptionContext(keyName),
	})
	if err != nil {
		return nil, classifyKMSError(err)
	}
	return out.Plaintext, nil
}

// Rewrap re-encrypts a token under the current key material inside KMS.
func (s *KMSStore) Rewrap(ctx context.Context, keyName, token string) (string, error) {
	blob, err := parseKMSToken(token)
	if err != nil {
		return "", err
	}

	alias := aws.String(s.Alias(keyName))
	out, err := s.client.ReEncrypt(ctx, &kms.ReEncryptInput{
		CiphertextBlob:               blob,
		SourceKeyId:                  alias,
		DestinationKeyId:             alias,
		SourceEncryptionContext:      s.encryptionContext(keyName),
		DestinationEncryptionContext: s.encryptionContext(keyName),
	})
	if err != nil {
		return "", classifyKMSError(err)
	}
	return kmsTokenPrefix + base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

func parseKMSToken(token string) ([]byte, error) {
	payload, ok := strings.CutPrefix(token, kmsTokenPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidToken, kmsTokenPrefix)
	}
	blob, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return blob, nil
}

func classifyKMSError(err error) error {
	var (
		notFound  *types.NotFoundException
		invalidCT *types.InvalidCiphertextException
		incorrect *types.IncorrectKeyException
	)
	switch {
	case errors.As(err, &notFound):
		return fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	case errors.As(err, &invalidCT), errors.As(err, &incorrect):
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransit, err)
	}
}
