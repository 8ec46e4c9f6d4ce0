package store

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// Redis implements Store on a shared Redis instance. All list and sorted-set
// operations are single commands, so concurrent workers against the same keys
// never observe partial state.
type Redis struct{ rdb *r.Client }

func NewRedis(rdb *r.Client) *Redis { return &Redis{rdb} }

func (s *Redis) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return errors.Wrapf(s.rdb.RPush(ctx, key, args...).Err(), "redis: rpush %s", key)
}

func (s *Redis) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.LPop(ctx, key).Result()
	if err == r.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "redis: lpop %s", key)
	}
	return v, true, nil
}

func (s *Redis) LLen(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.LLen(ctx, key).Result()
	return n, errors.Wrapf(err, "redis: llen %s", key)
}

func (s *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vs, err := s.rdb.LRange(ctx, key, start, stop).Result()
	return vs, errors.Wrapf(err, "redis: lrange %s", key)
}

func (s *Redis) ZAdd(ctx context.Context, key, member string, score float64) error {
	err := s.rdb.ZAdd(ctx, key, r.Z{Score: score, Member: member}).Err()
	return errors.Wrapf(err, "redis: zadd %s", key)
}

func (s *Redis) ZAddNX(ctx context.Context, key, member string, score float64) (bool, error) {
	added, err := s.rdb.ZAddNX(ctx, key, r.Z{Score: score, Member: member}).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis: zaddnx %s", key)
	}
	return added == 1, nil
}

func (s *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	by := &r.ZRangeBy{Min: formatScore(min), Max: formatScore(max)}
	if limit > 0 {
		by.Count = limit
	}
	vs, err := s.rdb.ZRangeByScore(ctx, key, by).Result()
	return vs, errors.Wrapf(err, "redis: zrangebyscore %s", key)
}

func (s *Redis) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.rdb.ZRem(ctx, key, args...).Result()
	return n, errors.Wrapf(err, "redis: zrem %s", key)
}

func (s *Redis) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	v, err := s.rdb.ZScore(ctx, key, member).Result()
	if err == r.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "redis: zscore %s", key)
	}
	return v, true, nil
}

func (s *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	return n, errors.Wrapf(err, "redis: zcard %s", key)
}

func (s *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.Wrapf(s.rdb.Set(ctx, key, value, ttl).Err(), "redis: set %s", key)
}

func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == r.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "redis: get %s", key)
	}
	return v, true, nil
}

func (s *Redis) Del(ctx context.Context, keys ...string) error {
	return errors.Wrap(s.rdb.Del(ctx, keys...).Err(), "redis: del")
}

func (s *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return errors.Wrapf(s.rdb.SAdd(ctx, key, args...).Err(), "redis: sadd %s", key)
}

func (s *Redis) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return errors.Wrapf(s.rdb.SRem(ctx, key, args...).Err(), "redis: srem %s", key)
}

func (s *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	vs, err := s.rdb.SMembers(ctx, key).Result()
	return vs, errors.Wrapf(err, "redis: smembers %s", key)
}

func (s *Redis) HIncrBy(ctx context.Context, key, field string, delta int64) error {
	return errors.Wrapf(s.rdb.HIncrBy(ctx, key, field, delta).Err(), "redis: hincrby %s %s", key, field)
}

func (s *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	return m, errors.Wrapf(err, "redis: hgetall %s", key)
}

func (s *Redis) Ping(ctx context.Context) error {
	return errors.Wrap(s.rdb.Ping(ctx).Err(), "redis: ping")
}

func formatScore(f float64) string {
	switch {
	case f > maxScore:
		return "+inf"
	case f < -maxScore:
		return "-inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

const maxScore = 1 << 52
