package redis

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

// unlockScript deletes the lock only if the caller still owns it.
const unlockScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

func (c *Cache) Lock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, "lock:"+key, owner, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis setnx")
	}
	return ok, nil
}

func (c *Cache) Unlock(ctx context.Context, key, owner string) error {
	err := c.client.Eval(ctx, unlockScript, []string{"lock:" + key}, owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrap(err, "redis unlock")
	}
	return nil
}

// Sequence is a token id source backed by INCR. Use it only with AOF
// persistence enabled; a Redis restart without it would reissue ids.
type Sequence struct {
	client *redis.Client
	key    string
}

func NewSequence(client *redis.Client, key string) *Sequence {
	return &Sequence{client: client, key: key}
}

func (s *Sequence) Next(ctx context.Context) (int64, error) {
	n, err := s.client.Incr(ctx, s.key).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis incr")
	}
	return n, nil
}
