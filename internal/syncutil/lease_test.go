package syncutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLease_ExclusiveUntilReleased(t *testing.T) {
	l := NewLocalLease()
	ctx := context.Background()

	release, ok, err := l.TryAcquire(ctx, "due-sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.TryAcquire(ctx, "due-sweep", time.Minute)
	assert.False(t, ok, "second holder must be refused")

	_, ok, _ = l.TryAcquire(ctx, "warning-sweep", time.Minute)
	assert.True(t, ok, "different names are independent")

	release()
	_, ok, _ = l.TryAcquire(ctx, "due-sweep", time.Minute)
	assert.True(t, ok)
}

func TestLocalLease_ExpiresAfterTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLease()
	l.now = func() time.Time { return now }

	staleRelease, ok, _ := l.TryAcquire(context.Background(), "sweep", time.Minute)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = l.TryAcquire(context.Background(), "sweep", time.Minute)
	require.True(t, ok, "expired lease can be taken over")

	// The stale holder must not release the new holder's lease.
	staleRelease()
	_, ok, _ = l.TryAcquire(context.Background(), "sweep", time.Minute)
	assert.False(t, ok)
}

func TestRedisLease(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping redis lease test")
	}
	ctx := context.Background()
	l, err := NewRedisLease(ctx, url)
	require.NoError(t, err)
	defer l.Close()

	name := "test-" + time.Now().Format("150405.000000")
	release, ok, err := l.TryAcquire(ctx, name, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryAcquire(ctx, name, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release2, ok, err := l.TryAcquire(ctx, name, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}
