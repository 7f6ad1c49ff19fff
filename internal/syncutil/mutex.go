// Package syncutil provides bounded per-key locks.
//
// Both lock types hash keys onto a fixed pool of shards, so memory stays
// constant no matter how many keys are seen. Two keys may share a shard and
// serialize against each other; callers must never hold two keys at once
// except through LockMany, which takes shards in ascending order.
package syncutil

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"
)

const shardCount = 256

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex is a per-key mutex. The zero value is ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardOf(key)]
	mu.Lock()
	return mu.Unlock
}

// LockMany acquires the mutexes for every key and returns one function that
// releases them all. Keys sharing a shard are locked once.
func (s *ShardedMutex) LockMany(keys ...string) func() {
	idx := make([]uint32, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, shardOf(k))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for _, i := range idx {
		s.shards[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.shards[idx[j]].Unlock()
		}
	}
}

// ContextShardedMutex is a per-key mutex whose waiters give up when their
// context ends.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
}

// NewContextShardedMutex returns an unlocked ContextShardedMutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// LockContext acquires the mutex for key. It returns the unlock function, or
// the context error if ctx ends first.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shards[shardOf(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
