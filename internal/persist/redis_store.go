package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/boundary-gateway/internal/snapshot"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the key the snapshot is stored under.
const DefaultRedisKey = "boundary-gateway:snapshot"

// RedisConfig holds connection settings for RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisStore keeps the snapshot under one key, so gateways sharing a Redis
// can start from the same table.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	key := cfg.Key
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}, nil
}

// Save replaces the stored snapshot.
func (s *RedisStore) Save(ctx context.Context, snap *snapshot.Snapshot) error {
	blob, err := Encode(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, blob, 0).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Load reads the stored snapshot.
func (s *RedisStore) Load(ctx context.Context) (*snapshot.Snapshot, error) {
	blob, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return Decode(blob)
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
