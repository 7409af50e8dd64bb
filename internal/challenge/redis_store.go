package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists challenges as JSON values with a Redis-managed TTL, so
// stale challenges disappear without any sweeper of our own. The key lives a
// grace period past the challenge's ExpiresAt so that late verification
// attempts still report EXPIRED.
type RedisStore struct {
	client *redis.Client
}

const keyPrefix = "challenge:"

// NewRedisStore creates a Redis-backed challenge store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Put(ctx context.Context, ch *Challenge) error {
	data, err := json.Marshal(redisChallenge{Challenge: ch, SecretHash: ch.SecretHash})
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	ttl := time.Until(ch.ExpiresAt) + retention
	if err := r.client.Set(ctx, keyPrefix+ch.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Challenge, error) {
	data, err := r.client.Get(ctx, keyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var rc redisChallenge
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("unmarshal challenge: %w", err)
	}
	rc.Challenge.SecretHash = rc.SecretHash
	return rc.Challenge, nil
}

func (r *RedisStore) Save(ctx context.Context, ch *Challenge) error {
	data, err := json.Marshal(redisChallenge{Challenge: ch, SecretHash: ch.SecretHash})
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	// Reissue extends ExpiresAt, so recompute the TTL instead of KEEPTTL.
	ttl := time.Until(ch.ExpiresAt) + retention
	if ttl <= 0 {
		return ErrNotFound
	}
	set, err := r.client.SetXX(ctx, keyPrefix+ch.ID, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	if !set {
		return ErrNotFound
	}
	return nil
}

// redisChallenge carries the secret hash, which Challenge itself excludes
// from JSON so it never leaks into API responses.
type redisChallenge struct {
	*Challenge
	SecretHash string `json:"secretHash"`
}
