package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotOwner is returned by Release when the lock expired and was taken by
// someone else before it was released.
var ErrNotOwner = errors.New("locker: lock not owned by this lease")

// Atomic check-and-delete so a lease never frees a lock it no longer owns.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Redis is a distributed Locker for engines running on several instances.
// Each lease is a SET NX PX key holding a random token.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithKeyPrefix sets the prefix prepended to every lock key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithTTL sets how long a lease survives a crashed holder.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// WithPollInterval sets how often a waiting Acquire retries.
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) { r.poll = d }
}

// NewRedis creates a Redis-backed locker.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: "bonus:lock:",
		ttl:    30 * time.Second,
		poll:   25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire implements Locker. It polls until the key is free or ctx is done.
func (r *Redis) Acquire(ctx context.Context, key string) (Lease, error) {
	k := r.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("locker: acquire %s: %w", key, err)
		}
		if ok {
			return &redisLease{client: r.client, key: k, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type redisLease struct {
	client   redis.UniversalClient
	key      string
	token    string
	released bool
}

func (s *redisLease) Release(ctx context.Context) error {
	if s.released {
		return nil
	}
	s.released = true

	n, err := releaseScript.Run(ctx, s.client, []string{s.key}, s.token).Int()
	if err != nil {
		return fmt.Errorf("locker: release %s: %w", s.key, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}
