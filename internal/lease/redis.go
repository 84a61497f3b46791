// Package lease provides a Redis-held mutual exclusion lease so periodic work
// such as the timeout sweep runs on one service instance at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trainingjobs/internal/training"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so an
// instance whose lease expired cannot release a lease someone else now holds.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client is the subset of the go-redis client a Lease needs.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// Lease is a named lease backed by SET NX PX. It implements training.Lease.
type Lease struct {
	client Client
	key    string
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	token    string
	newToken func() string
}

// New creates a lease on key. ttl bounds how long a crashed holder blocks
// others and must exceed the longest expected hold (default: 10m).
func New(client Client, key string, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Lease{
		client:   client,
		key:      key,
		ttl:      ttl,
		logger:   slog.With("component", "lease", "key", key),
		newToken: uuid.NewString,
	}
}

// Acquire takes the lease if nobody holds it. It reports false, without
// error, when another holder has it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token != "" {
		return false, errors.New("lease already held by this instance")
	}

	token := l.newToken()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set lease %s: %w", l.key, err)
	}
	if ok {
		l.token = token
		l.logger.Debug("Lease acquired", "ttl", l.ttl)
	}
	return ok, nil
}

// Release gives the lease up. Releasing a lease that is not held, or that
// expired and was taken by someone else, is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == "" {
		return nil
	}
	token := l.token
	l.token = ""

	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Int64()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if deleted == 0 {
		l.logger.Warn("Lease expired before release", "ttl", l.ttl)
	}
	return nil
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

var _ training.Lease = (*Lease)(nil)
