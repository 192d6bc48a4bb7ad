// Package hotstate is the Redis-backed fast path: the API-key lookup cache
// and the per-account in-flight cost queues the credit gate sums over.
//
// Durability is explicitly not required here. Losing Redis only relaxes the
// cumulative gate - the point check against the ledger still applies - so
// the store runs with no persistence expectations and aggressive timeouts.
//
// Key layout:
//
//	apikey:<sha256 hash>                          -> user_id
//	pending:<user_id>:<acc_balance>:<user_balance> -> list of "<submission_id>|<cost>"
//
// The pending key embeds the balances observed when the first entry was
// appended. A balance change after finalization produces a fresh key, so
// stale queues stop being read without explicit removal. The core never
// collects them; PrunePrefix exists for operators.
package hotstate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Store is the minimal contract the credit gate and authenticator need.
// The redis implementation backs production; Memory backs tests.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	RPush(ctx context.Context, key, value string) error
	LRange(ctx context.Context, key string) ([]string, error)
	// PrunePrefix deletes every key beginning with prefix and returns the
	// number removed.
	PrunePrefix(ctx context.Context, prefix string) (int, error)
}

// APIKeyCacheKey builds the cache key for a hashed API key.
func APIKeyCacheKey(keyHash string) string {
	return "apikey:" + keyHash
}

// PendingQueueKey builds the balance-scoped in-flight queue key for an
// account. Balances are rendered by the caller so the engine controls the
// precision of the embedded values.
func PendingQueueKey(userID, accountBalance, userBalance string) string {
	return fmt.Sprintf("pending:%s:%s:%s", userID, accountBalance, userBalance)
}

// PendingPrefix is the prefix of every in-flight queue key for a user.
func PendingPrefix(userID string) string {
	return "pending:" + userID + ":"
}

// Redis is the production Store.
type Redis struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedis connects with the same aggressive-timeout profile the rest of
// the hot path uses: if Redis is slow we want to fail fast, not queue.
func NewRedis(addr, password string, logger zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,

		DialTimeout:  100 * time.Millisecond,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,

		PoolSize:     100,
		MinIdleConns: 25,
		PoolTimeout:  30 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info().Str("addr", addr).Msg("hot-state connection established")

	return &Redis{
		client: client,
		log:    logger.With().Str("component", "hotstate").Logger(),
	}, nil
}

// Client exposes the raw connection for the warmer.
func (r *Redis) Client() *redis.Client { return r.client }

// Close shuts the pool down.
func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hotstate get failed: %w", err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("hotstate set failed: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("hotstate delete failed: %w", err)
	}
	return nil
}

func (r *Redis) RPush(ctx context.Context, key, value string) error {
	if err := r.client.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("hotstate rpush failed: %w", err)
	}
	return nil
}

func (r *Redis) LRange(ctx context.Context, key string) ([]string, error) {
	vals, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("hotstate lrange failed: %w", err)
	}
	return vals, nil
}

// PrunePrefix walks the keyspace with SCAN and deletes matches in batches.
// Used by the operator CLI to reclaim stale pending queues.
func (r *Redis) PrunePrefix(ctx context.Context, prefix string) (int, error) {
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 500).Result()
		if err != nil {
			return deleted, fmt.Errorf("hotstate scan failed: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return deleted, fmt.Errorf("hotstate prune delete failed: %w", err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	r.log.Info().Str("prefix", prefix).Int("deleted", deleted).Msg("pruned hot-state keys")
	return deleted, nil
}
