package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory KV implementation.
// It honours TTLs lazily (expired entries are dropped on read) and is meant
// for tests and single-process development; production coordination requires
// a shared backend such as Redis.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]memoryEntry
	sets   map[string]memorySet
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

type memorySet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memoryEntry),
		sets:   make(map[string]memorySet),
	}
}

func expired(at time.Time) bool {
	return !at.IsZero() && time.Now().After(at)
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.values[key]
	if !ok {
		return "", false, nil
	}
	if expired(entry.expiresAt) {
		delete(s.values, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = memoryEntry{value: value, expiresAt: deadline(ttl)}
	return nil
}

func (s *MemoryStore) Add(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.values[key]
	if ok && !expired(entry.expiresAt) {
		return false, nil
	}
	s.values[key] = memoryEntry{value: value, expiresAt: deadline(ttl)}
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	delete(s.sets, key)
	return nil
}

func (s *MemoryStore) SetAdd(ctx context.Context, key string, members []string, ttl time.Duration) error {
	if len(members) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok || expired(set.expiresAt) {
		set = memorySet{members: make(map[string]struct{})}
	}
	for _, m := range members {
		set.members[m] = struct{}{}
	}
	set.expiresAt = deadline(ttl)
	s.sets[key] = set
	return nil
}

func (s *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return nil, nil
	}
	if expired(set.expiresAt) {
		delete(s.sets, key)
		return nil, nil
	}

	members := make([]string, 0, len(set.members))
	for m := range set.members {
		members = append(members, m)
	}
	return members, nil
}

func (s *MemoryStore) SetRemove(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set.members, m)
	}
	if len(set.members) == 0 {
		delete(s.sets, key)
	}
	return nil
}
