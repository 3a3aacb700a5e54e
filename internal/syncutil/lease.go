package syncutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Lease grants short-lived exclusive ownership of a name. The scheduler
// takes one per sweep so that only one instance runs it at a time.
type Lease interface {
	// TryAcquire returns ok=false without blocking when another holder
	// owns name. The lease expires on its own after ttl.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// LocalLease is an in-process Lease for single-instance deployments.
type LocalLease struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocalLease creates an in-process lease table.
func NewLocalLease() *LocalLease {
	return &LocalLease{held: make(map[string]time.Time), now: time.Now}
}

// TryAcquire implements Lease.
func (l *LocalLease) TryAcquire(_ context.Context, name string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.held[name]; ok && now.Before(exp) {
		return nil, false, nil
	}
	expires := now.Add(ttl)
	l.held[name] = expires

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[name].Equal(expires) {
			delete(l.held, name)
		}
	}, true, nil
}

// releaseScript deletes the key only if it still holds our token, so an
// expired holder cannot release a lease re-acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a Lease backed by SET NX PX for multi-instance deployments.
type RedisLease struct {
	client *redis.Client
	prefix string
}

// NewRedisLease connects to the Redis instance at url (redis://...).
func NewRedisLease(ctx context.Context, url string) (*RedisLease, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisLease{client: client, prefix: "kocescrow:lease:"}, nil
}

// TryAcquire implements Lease.
func (r *RedisLease) TryAcquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := r.prefix + name
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	return func() {
		// Release must not depend on the caller's (possibly cancelled) context.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// On failure the key still expires after ttl.
		_ = releaseScript.Run(rctx, r.client, []string{key}, token).Err()
	}, true, nil
}

// Ping reports whether Redis is reachable.
func (r *RedisLease) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisLease) Close() error {
	return r.client.Close()
}
