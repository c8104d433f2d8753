package crypto

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisMetadataStore.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisMetadataStore keeps metadata records as Redis hashes, one hash per path.
type RedisMetadataStore struct {
	client redis.UniversalClient
	prefix string
}

var _ MetadataStore = (*RedisMetadataStore)(nil)

// NewRedisMetadataStore connects to Redis and verifies the connection.
func NewRedisMetadataStore(ctx context.Context, cfg RedisConfig) (*RedisMetadataStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return NewRedisMetadataStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisMetadataStoreWithClient wraps an existing client.
func NewRedisMetadataStoreWithClient(client redis.UniversalClient, prefix string) *RedisMetadataStore {
	if prefix == "" {
		prefix = "lifehub:meta:"
	}
	return &RedisMetadataStore{client: client, prefix: prefix}
}

// Close closes the underlying client.
func (s *RedisMetadataStore) Close() error {
	return s.client.Close()
}

func (s *RedisMetadataStore) key(path string) string {
	return s.prefix + path
}

// ReadMetadata returns the hash stored at path.
func (s *RedisMetadataStore) ReadMetadata(ctx context.Context, path string) (map[string]string, error) {
	data, err := s.client.HGetAll(ctx, s.key(path)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis read %s: %v", ErrTransit, path, err)
	}
	if len(data) == 0 {
		return nil, ErrMetadataNotFound
	}
	return data, nil
}

// WriteMetadata replaces the hash stored at path.
func (s *RedisMetadataStore) WriteMetadata(ctx context.Context, path string, data map[string]string) error {
	key := s.key(path)
	values := make(map[string]interface{}, len(data))
	for k, v := range data {
		values[k] = v
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.HSet(ctx, key, values)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: redis write %s: %v", ErrTransit, path, err)
	}
	return nil
}

// DeleteMetadata removes the hash stored at path.
func (s *RedisMetadataStore) DeleteMetadata(ctx context.Context, path string) error {
	if err := s.client.Del(ctx, s.key(path)).Err(); err != nil {
		return fmt.Errorf("%w: redis delete %s: %v", ErrTransit, path, err)
	}
	return nil
}
