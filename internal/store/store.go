// Package store is a thin adapter over the shared backing store. It exposes
// only the primitives the queue core needs: list push/pop, sorted-set
// add/range/remove, set membership, and atomic hash increments. No business
// logic lives here.
package store

import (
	"context"
	"time"
)

type Store interface {
	// Lists.
	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, bool, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Sorted sets. ZAddNX only adds when the member is absent and reports
	// whether it won; ZRem reports how many members it actually removed.
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZAddNX(ctx context.Context, key, member string, score float64) (bool, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Plain values. A zero ttl means no expiration.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Atomic counters, kept in a single hash.
	HIncrBy(ctx context.Context, key, field string, delta int64) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	Ping(ctx context.Context) error
}
