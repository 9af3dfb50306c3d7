package refstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/fedflow/types"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisStore is a Redis-backed Store for distributed deployments where
// workers on several hosts publish into a shared artifact namespace.
// Single-writer-per-key is enforced with SETNX, so duplicate publishes
// fail regardless of which worker races first.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "fedflow:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}, nil
}

func (s *RedisStore) artifactKey(key Key) string {
	return s.keyPrefix + "artifact:" + key.String()
}

func (s *RedisStore) journalKey() string {
	return s.keyPrefix + "journal"
}

// Publish records an artifact, rejecting duplicate keys via SETNX.
func (s *RedisStore) Publish(ctx context.Context, artifact Artifact) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	set, err := s.client.SetNX(ctx, s.artifactKey(artifact.Key), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to publish artifact: %w", err)
	}
	if !set {
		return types.Errorf(types.ErrDuplicateArtifact,
			"artifact %s already published", artifact.Key).
			WithRound(artifact.Key.Round).WithParticipant(artifact.Key.Owner)
	}

	entry, err := json.Marshal(artifact.Key)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	return s.client.RPush(ctx, s.journalKey(), entry).Err()
}

// Resolve reads an artifact on behalf of caller.
func (s *RedisStore) Resolve(ctx context.Context, caller types.ParticipantID, key Key) (any, error) {
	data, err := s.client.Get(ctx, s.artifactKey(key)).Bytes()
	if err == redis.Nil {
		return nil, types.Errorf(types.ErrReferenceResolution,
			"artifact %s not found", key).WithRound(key.Round).WithParticipant(caller)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact: %w", err)
	}
	if err := checkAccess(caller, artifact); err != nil {
		return nil, err
	}
	return decodeValue(artifact)
}

// Journal returns all published keys in publish order.
func (s *RedisStore) Journal(ctx context.Context) ([]Key, error) {
	entries, err := s.client.LRange(ctx, s.journalKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		var key Key
		if err := json.Unmarshal([]byte(entry), &key); err != nil {
			return nil, fmt.Errorf("failed to unmarshal journal entry: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Snapshot captures the store content in publish order.
func (s *RedisStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	keys, err := s.Journal(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Artifacts: make([]Artifact, 0, len(keys))}
	for _, key := range keys {
		data, err := s.client.Get(ctx, s.artifactKey(key)).Bytes()
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact %s: %w", key, err)
		}
		var artifact Artifact
		if err := json.Unmarshal(data, &artifact); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact %s: %w", key, err)
		}
		snap.Artifacts = append(snap.Artifacts, artifact)
	}
	return snap, nil
}

// Restore replaces the store content with a snapshot.
func (s *RedisStore) Restore(ctx context.Context, snap *Snapshot) error {
	keys, err := s.Journal(ctx)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for _, key := range keys {
		pipe.Del(ctx, s.artifactKey(key))
	}
	pipe.Del(ctx, s.journalKey())
	for _, artifact := range snap.Artifacts {
		data, err := json.Marshal(artifact)
		if err != nil {
			return fmt.Errorf("failed to marshal artifact %s: %w", artifact.Key, err)
		}
		entry, err := json.Marshal(artifact.Key)
		if err != nil {
			return fmt.Errorf("failed to marshal journal entry: %w", err)
		}
		pipe.Set(ctx, s.artifactKey(artifact.Key), data, 0)
		pipe.RPush(ctx, s.journalKey(), entry)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
