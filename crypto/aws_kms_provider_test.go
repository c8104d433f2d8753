package crypto

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKMS emulates the slice of KMS used by KMSStore. Ciphertexts are
// "<keyID>|<context>|<plaintext>" so tests can inspect what was bound.
type fakeKMS struct {
	mu        sync.Mutex
	aliases   map[string]string // alias -> key id
	scheduled []string
	nextID    int

	aliasErr    error
	scheduleErr error
}

func newFakeKMS() *fakeKMS {
	return &fakeKMS{aliases: make(map[string]string)}
}

func (f *fakeKMS) resolve(id *string) (string, error) {
	if v, ok := f.aliases[aws.ToString(id)]; ok {
		return v, nil
	}
	return "", &types.NotFoundException{Message: aws.String("alias not found")}
}

func (f *fakeKMS) CreateKey(_ context.Context, _ *kms.CreateKeyInput, _ ...func(*kms.Options)) (*kms.CreateKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "key-" + strconv.Itoa(f.nextID)
	return &kms.CreateKeyOutput{KeyMetadata: &types.KeyMetadata{KeyId: aws.String(id)}}, nil
}

func (f *fakeKMS) CreateAlias(_ context.Context, in *kms.CreateAliasInput, _ ...func(*kms.Options)) (*kms.CreateAliasOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aliasErr != nil {
		return nil, f.aliasErr
	}
	f.aliases[aws.ToString(in.AliasName)] = aws.ToString(in.TargetKeyId)
	return &kms.CreateAliasOutput{}, nil
}

func (f *fakeKMS) DescribeKey(_ context.Context, in *kms.DescribeKeyInput, _ ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := f.resolve(in.KeyId)
	if err != nil {
		return nil, err
	}
	return &kms.DescribeKeyOutput{KeyMetadata: &types.KeyMetadata{KeyId: aws.String(id)}}, nil
}

func (f *fakeKMS) DeleteAlias(_ context.Context, in *kms.DeleteAliasInput, _ ...func(*kms.Options)) (*kms.DeleteAliasOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.aliases, aws.ToString(in.AliasName))
	return &kms.DeleteAliasOutput{}, nil
}

func (f *fakeKMS) ScheduleKeyDeletion(_ context.Context, in *kms.ScheduleKeyDeletionInput, _ ...func(*kms.Options)) (*kms.ScheduleKeyDeletionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return nil, f.scheduleErr
	}
	f.scheduled = append(f.scheduled, aws.ToString(in.KeyId))
	return &kms.ScheduleKeyDeletionOutput{}, nil
}

func (f *fakeKMS) Encrypt(_ context.Context, in *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := f.resolve(in.KeyId)
	if err != nil {
		return nil, err
	}
	blob := id + "|" + in.EncryptionContext[kmsContextKey] + "|" + string(in.Plaintext)
	return &kms.EncryptOutput{CiphertextBlob: []byte(blob)}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := f.resolve(in.KeyId)
	if err != nil {
		return nil, err
	}
	parts := bytes.SplitN(in.CiphertextBlob, []byte("|"), 3)
	if len(parts) != 3 {
		return nil, &types.InvalidCiphertextException{Message: aws.String("bad blob")}
	}
	if string(parts[0]) != id {
		return nil, &types.IncorrectKeyException{Message: aws.String("wrong key")}
	}
	if string(parts[1]) != in.EncryptionContext[kmsContextKey] {
		return nil, &types.InvalidCiphertextException{Message: aws.String("context mismatch")}
	}
	return &kms.DecryptOutput{Plaintext: parts[2]}, nil
}

func (f *fakeKMS) ReEncrypt(_ context.Context, in *kms.ReEncryptInput, _ ...func(*kms.Options)) (*kms.ReEncryptOutput, error) {
	return &kms.ReEncryptOutput{CiphertextBlob: append([]byte(nil), in.CiphertextBlob...)}, nil
}

func (f *fakeKMS) RotateKeyOnDemand(_ context.Context, in *kms.RotateKeyOnDemandInput, _ ...func(*kms.Options)) (*kms.RotateKeyOnDemandOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.resolve(in.KeyId); err != nil {
		return nil, err
	}
	return &kms.RotateKeyOnDemandOutput{}, nil
}

func TestKMSStore_Alias(t *testing.T) {
	s := newKMSStore(newFakeKMS(), KMSConfig{})
	assert.Equal(t, "alias/lifehub-user-1", s.Alias("user-1"))
	assert.Equal(t, int32(7), s.deletionWindow)

	s = newKMSStore(newFakeKMS(), KMSConfig{AliasPrefix: "prod-", DeletionWindowDays: 30})
	assert.Equal(t, "alias/prod-user-1", s.Alias("user-1"))
	assert.Equal(t, int32(30), s.deletionWindow)
}

func TestKMSStore_CreateKey(t *testing.T) {
	ctx := context.Background()
	fake := newFakeKMS()
	s := newKMSStore(fake, KMSConfig{})

	require.NoError(t, s.CreateKey(ctx, "user-1"))
	assert.Equal(t, "key-1", fake.aliases["alias/lifehub-user-1"])
	assert.ErrorIs(t, s.CreateKey(ctx, "user-1"), ErrAlreadyExists)
}

func TestKMSStore_CreateKey_LostAliasRace(t *testing.T) {
	fake := newFakeKMS()
	fake.aliasErr = &types.AlreadyExistsException{Message: aws.String("alias exists")}
	s := newKMSStore(fake, KMSConfig{})

	err := s.CreateKey(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, []string{"key-1"}, fake.scheduled, "the orphaned key should be scheduled for deletion")

	fake.aliasErr = errors.New("throttled")
	assert.ErrorIs(t, s.CreateKey(context.Background(), "user-2"), ErrKeyProvisioning)
	assert.Equal(t, []string{"key-1", "key-2"}, fake.scheduled)
}

func TestKMSStore_CreateKey_CleanupFailure(t *testing.T) {
	fake := newFakeKMS()
	fake.aliasErr = &types.AlreadyExistsException{Message: aws.String("alias exists")}
	fake.scheduleErr = errors.New("access denied")
	s := newKMSStore(fake, KMSConfig{})

	err := s.CreateKey(context.Background(), "user-1")
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.ErrorIs(t, err, ErrKeyProvisioning)
	assert.Contains(t, err.Error(), "orphaned key key-1")
	assert.Contains(t, err.Error(), "access denied")
}

func TestKMSStore_WrapUnwrap(t *testing.T) {
	ctx := context.Background()
	s := newKMSStore(newFakeKMS(), KMSConfig{})
	require.NoError(t, s.CreateKey(ctx, "user-a"))
	require.NoError(t, s.CreateKey(ctx, "user-b"))

	token, err := s.Wrap(ctx, "user-a", []byte("dek"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "kms:v1:"))

	got, err := s.Unwrap(ctx, "user-a", token)
	require.NoError(t, err)
	assert.Equal(t, []byte("dek"), got)

	_, err = s.Unwrap(ctx, "user-b", token)
	assert.ErrorIs(t, err, ErrInvalidToken, "tokens are bound to their key")

	_, err = s.Unwrap(ctx, "user-c", token)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = s.Unwrap(ctx, "user-a", "vault:v1:abc")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Wrap(ctx, "user-c", []byte("dek"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKMSStore_DeleteKey(t *testing.T) {
	ctx := context.Background()
	fake := newFakeKMS()
	s := newKMSStore(fake, KMSConfig{})
	require.NoError(t, s.CreateKey(ctx, "user-1"))

	require.NoError(t, s.DeleteKey(ctx, "user-1"))
	assert.Equal(t, []string{"key-1"}, fake.scheduled)
	assert.Empty(t, fake.aliases)

	assert.ErrorIs(t, s.DeleteKey(ctx, "user-1"), ErrKeyNotFound)
}

func TestKMSStore_RotateAndRewrap(t *testing.T) {
	ctx := context.Background()
	s := newKMSStore(newFakeKMS(), KMSConfig{})
	require.NoError(t, s.CreateKey(ctx, "user-1"))

	token, err := s.Wrap(ctx, "user-1", []byte("dek"))
	require.NoError(t, err)

	require.NoError(t, s.RotateKey(ctx, "user-1"))
	rewrapped, err := s.Rewrap(ctx, "user-1", token)
	require.NoError(t, err)

	got, err := s.Unwrap(ctx, "user-1", rewrapped)
	require.NoError(t, err)
	assert.Equal(t, []byte("dek"), got)

	assert.ErrorIs(t, s.RotateKey(ctx, "missing"), ErrKeyNotFound)
}

func TestKMSStore_ComposedWithKeyManager(t *testing.T) {
	ctx := context.Background()
	store := Compose(newKMSStore(newFakeKMS(), KMSConfig{}), NewLocalStore())
	m := newTestKeyManager(t, store)

	c := NewFieldCipher(m, "42", "")
	wrapped, err := c.GenerateEncryptedDataKey(ctx)
	require.NoError(t, err)
	sealed, err := c.EncryptString(ctx, "alice@example.com")
	require.NoError(t, err)
	c.Close()

	reader := NewFieldCipher(m, "42", wrapped)
	defer reader.Close()
	got, err := reader.DecryptString(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got)
}
