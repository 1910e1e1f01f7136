package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
)

// Locker serializes sync sessions across server instances.
// Without one, sessions are assumed to be serialized by the deployment.
type Locker interface {
	Obtain(ctx context.Context) (release func(), err error)
}

// RedisLocker holds a single redislock key for the duration of a session.
type RedisLocker struct {
	client *redislock.Client
	key    string
	ttl    time.Duration
	wait   time.Duration
}

func NewRedisLocker(client *redislock.Client, key string, ttl, wait time.Duration) *RedisLocker {
	return &RedisLocker{client: client, key: key, ttl: ttl, wait: wait}
}

func (l *RedisLocker) Obtain(ctx context.Context) (func(), error) {
	opts := &redislock.Options{}
	if l.wait > 0 {
		opts.RetryStrategy = redislock.LimitRetry(redislock.LinearBackoff(250*time.Millisecond), int(l.wait/(250*time.Millisecond)))
	}
	lock, err := l.client.Obtain(ctx, l.key, l.ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrSyncBusy
	}
	if err != nil {
		return nil, err
	}
	return func() {
		// the session context may be done by now
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}, nil
}
