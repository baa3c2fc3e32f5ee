package store

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var delIfOwnerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var pexpireIfOwnerScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Redis implements Store using a Redis backend. The conditional operations
// run as Lua scripts so the ownership check and the mutation are a single
// server-side step.
type Redis struct {
	client *redis.Client
}

// NewRedis returns a new Redis store using the provided client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// SetNX implements Store.SetNX.
func (s *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Get implements Store.Get.
func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set implements Store.Set.
func (s *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// TTL implements Store.TTL.
func (s *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.PTTL(ctx, key).Result()
}

// Delete implements Store.Delete.
func (s *Redis) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// CompareAndDelete implements Store.CompareAndDelete.
func (s *Redis) CompareAndDelete(ctx context.Context, key, owner string) (bool, error) {
	res, err := delIfOwnerScript.Run(ctx, s.client, []string{key}, owner).Int()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// CompareAndExpire implements Store.CompareAndExpire.
func (s *Redis) CompareAndExpire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := pexpireIfOwnerScript.Run(ctx, s.client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
