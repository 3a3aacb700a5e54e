// Package syncutil provides the locking primitives used to serialize work
// on a single escrow contract and to keep scheduler sweeps from overlapping.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyedMutex is a fixed pool of channel-based mutexes keyed by string.
// Memory stays bounded no matter how many contracts are seen, at the cost
// of occasional false sharing between keys in the same shard. Callers
// must therefore never hold two keys at once.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewKeyedMutex creates a context-aware keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	m := &KeyedMutex{}
	m.init()
	return m
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// Lock acquires the mutex for key, giving up when ctx is done.
// On success the caller must call the returned unlock function.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	ch := m.shards[shardOf(key)]

	select {
	case <-ch:
		var once sync.Once
		return func() { once.Do(func() { ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
