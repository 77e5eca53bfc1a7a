// Package lease provides a Redis-backed mutual exclusion lease so only one
// recall process runs a reminder scan at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// ErrHeld is returned by Acquire when another holder owns the lease.
var ErrHeld = errors.New("lease held by another process")

// releaseScript deletes the key only if it still carries our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis hands out a single named lease.
type Redis struct {
	rdb *goredis.Client
	key string
	ttl time.Duration
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr, key string, ttl time.Duration) (*Redis, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, key, ttl), nil
}

func New(rdb *goredis.Client, key string, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, key: key, ttl: ttl}
}

// Acquire takes the lease for ttl. The returned release func gives it back if
// it is still ours; an expired lease taken over by someone else is left alone.
func (l *Redis) Acquire(ctx context.Context) (release func(context.Context) error, err error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lease %s: %w", l.key, err)
		}
		return nil
	}, nil
}

func (l *Redis) Close() error {
	return l.rdb.Close()
}
