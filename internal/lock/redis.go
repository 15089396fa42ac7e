// Package lock provides an optional per-conversation mutual exclusion token so
// two invocations for the same counterpart do not build replies from the same
// history at the same time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"persona-sms/internal/domain"
)

// ErrBusy is returned when the lock is still held after the configured wait.
var ErrBusy = errors.New("lock: conversation is busy")

// ReleaseFunc gives the lock back. Releasing a lock that has already expired
// and been taken by someone else is a no-op.
type ReleaseFunc func(ctx context.Context) error

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// redisAPI is the go-redis surface used by RedisLocker.
// *redis.Client satisfies it.
type redisAPI interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Options configures RedisLocker.
type Options struct {
	TTL  time.Duration // lifetime of a held lock
	Wait time.Duration // how long Acquire keeps retrying
	Poll time.Duration // delay between attempts
}

// RedisLocker implements SET NX PX locking keyed by conversation.
type RedisLocker struct {
	api      redisAPI
	opts     Options
	newToken func() string
}

// NewRedisLocker wraps a go-redis client.
func NewRedisLocker(api redisAPI, opts Options) (*RedisLocker, error) {
	if api == nil {
		return nil, errors.New("lock: redis client must not be nil")
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.Wait < 0 {
		opts.Wait = 0
	}
	if opts.Poll <= 0 {
		opts.Poll = 100 * time.Millisecond
	}
	return &RedisLocker{api: api, opts: opts, newToken: uuid.NewString}, nil
}

func lockKey(key domain.ConversationKey) string {
	return "persona-sms:lock:" + string(key)
}

// Acquire blocks until the lock for key is held, the wait elapses (ErrBusy) or
// ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, key domain.ConversationKey) (ReleaseFunc, error) {
	k := lockKey(key)
	token := l.newToken()
	deadline := time.Now().Add(l.opts.Wait)

	for {
		ok, err := l.api.SetNX(ctx, k, token, l.opts.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: acquire %s: %w", k, err)
		}
		if ok {
			return func(ctx context.Context) error {
				if err := l.api.Eval(ctx, releaseScript, []string{k}, token).Err(); err != nil {
					return fmt.Errorf("lock: release %s: %w", k, err)
				}
				return nil
			}, nil
		}
		if !time.Now().Add(l.opts.Poll).Before(deadline) {
			return nil, ErrBusy
		}

		timer := time.NewTimer(l.opts.Poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Noop never contends. It is used when no Redis address is configured and the
// same-key race is accepted.
type Noop struct{}

func (Noop) Acquire(context.Context, domain.ConversationKey) (ReleaseFunc, error) {
	return func(context.Context) error { return nil }, nil
}

// NewRedisClient dials Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("lock: redis address must not be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lock: ping redis: %w", err)
	}
	return client, nil
}
