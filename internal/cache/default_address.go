package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/address-service/internal/domain"
)

const (
	keyPrefix           = "address:default:"
	generationKeyPrefix = "address:default:gen:"

	minGenerationTTL = 24 * time.Hour
)

// DefaultAddressCache caches each user's default address in Redis. A nil
// *DefaultAddressCache is valid and behaves as an always-empty cache.
//
// Every Invalidate bumps a per-user generation counter. Readers capture the
// generation before loading from the database and Set only writes while it
// is unchanged, so a load that raced with a mutation is never cached.
type DefaultAddressCache struct {
	client        *redis.Client
	ttl           time.Duration
	generationTTL time.Duration
}

// NewDefaultAddressCache creates a Redis-backed default address cache.
func NewDefaultAddressCache(client *redis.Client, ttl time.Duration) *DefaultAddressCache {
	return &DefaultAddressCache{
		client:        client,
		ttl:           ttl,
		generationTTL: max(minGenerationTTL, 2*ttl),
	}
}

// Key returns the Redis key holding the default address of userID.
func Key(userID string) string {
	return keyPrefix + userID
}

// GenerationKey returns the Redis key holding the invalidation counter of
// userID.
func GenerationKey(userID string) string {
	return generationKeyPrefix + userID
}

// Generation returns the current invalidation counter of userID. A user
// whose counter was never bumped is at generation zero.
func (c *DefaultAddressCache) Generation(ctx context.Context, userID string) (int64, error) {
	if c == nil {
		return 0, nil
	}

	gen, err := c.client.Get(ctx, GenerationKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get default address generation: %w", err)
	}
	return gen, nil
}

// Get returns the cached default address of userID. The boolean is false on
// a cache miss.
func (c *DefaultAddressCache) Get(ctx context.Context, userID string) (*domain.Address, bool, error) {
	if c == nil {
		return nil, false, nil
	}

	data, err := c.client.Get(ctx, Key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get default address: %w", err)
	}

	var a domain.Address
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, false, fmt.Errorf("unmarshal default address: %w", err)
	}

	return &a, true, nil
}

// Set stores a as the cached default of its owner when the owner's
// generation still equals generation. A stale write is dropped silently.
func (c *DefaultAddressCache) Set(ctx context.Context, a *domain.Address, generation int64) error {
	if c == nil || a == nil {
		return nil
	}

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal default address: %w", err)
	}

	genKey := GenerationKey(a.UserID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, Key(a.UserID), data, c.ttl)
			return nil
		})
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis set default address: %w", err)
	}

	return nil
}

// Invalidate drops the cached default of userID and bumps its generation.
func (c *DefaultAddressCache) Invalidate(ctx context.Context, userID string) error {
	if c == nil {
		return nil
	}

	genKey := GenerationKey(userID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, c.generationTTL)
		pipe.Del(ctx, Key(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate default address: %w", err)
	}

	return nil
}
