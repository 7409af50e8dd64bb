package velocity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const keyPrefix = "velocity:daily:"

// Totals are stored as integer micro-units so the increment stays exact.
// INCRBY is atomic server-side, which is what prevents lost updates under
// concurrent transfers by the same user.
const microExp = -6

// addScript increments the counter and resets its TTL in one atomic step.
var addScript = redis.NewScript(`
local total = redis.call('INCRBY', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return total
`)

// RedisStore is a Redis-backed velocity store. Window expiry is handled by
// the key TTL, no application-level cleanup.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed velocity store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Total(ctx context.Context, userID string) (decimal.Decimal, error) {
	val, err := r.client.Get(ctx, keyPrefix+userID).Result()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("velocity get: %w", err)
	}
	micros, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return decimal.Zero, fmt.Errorf("velocity parse %q: %w", val, err)
	}
	return decimal.New(micros, microExp), nil
}

func (r *RedisStore) Add(ctx context.Context, userID string, amount decimal.Decimal, window time.Duration) (decimal.Decimal, error) {
	micros := amount.Shift(-microExp).IntPart()
	res, err := addScript.Run(ctx, r.client,
		[]string{keyPrefix + userID},
		micros, window.Milliseconds(),
	).Int64()
	if err != nil {
		return decimal.Zero, fmt.Errorf("velocity incr: %w", err)
	}
	return decimal.New(res, microExp), nil
}
