package coord

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// MemStore is a sharded in-process implementation of Store.
type MemStore struct {
	shards [numShards]*shard
}

type shard struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	flags map[string]Flag
}

type lockEntry struct {
	owner   string
	expires time.Time
}

// NewMemStore creates an empty in-memory coordination store.
func NewMemStore() *MemStore {
	s := &MemStore{}
	for i := 0; i < numShards; i++ {
		s.shards[i] = &shard{
			locks: make(map[string]lockEntry),
			flags: make(map[string]Flag),
		}
	}
	return s
}

func (s *MemStore) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%numShards]
}

// AcquireLock implements test-and-set acquisition under the shard mutex.
func (s *MemStore) AcquireLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	if cur, ok := sh.locks[key]; ok && cur.expires.After(now) && cur.owner != owner {
		return false, nil
	}
	sh.locks[key] = lockEntry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// RenewLock extends a lock only while owner still holds it.
func (s *MemStore) RenewLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := time.Now()
	cur, ok := sh.locks[key]
	if !ok || cur.owner != owner || !cur.expires.After(now) {
		return false, nil
	}
	cur.expires = now.Add(ttl)
	sh.locks[key] = cur
	return true, nil
}

// ReleaseLock removes the lock if owner holds it.
func (s *MemStore) ReleaseLock(_ context.Context, key, owner string) error {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if cur, ok := sh.locks[key]; ok && cur.owner == owner {
		delete(sh.locks, key)
	}
	return nil
}

// SetFlag atomically replaces the flag under key.
func (s *MemStore) SetFlag(_ context.Context, key string, f Flag) error {
	sh := s.getShard(key)
	sh.mu.Lock()
	sh.flags[key] = f
	sh.mu.Unlock()
	return nil
}

// Flag returns the stored flag, or a zero Flag when absent.
func (s *MemStore) Flag(_ context.Context, key string) (Flag, error) {
	sh := s.getShard(key)
	sh.mu.Lock()
	f := sh.flags[key]
	sh.mu.Unlock()
	return f, nil
}

// LockHolder reports the current owner of a lock, for health inspection.
func (s *MemStore) LockHolder(key string) (string, bool) {
	sh := s.getShard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.locks[key]
	if !ok || !cur.expires.After(time.Now()) {
		return "", false
	}
	return cur.owner, true
}
