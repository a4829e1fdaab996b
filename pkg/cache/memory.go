package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memoryEntry holds one encoded value and its expiry.
type memoryEntry struct {
	raw       []byte
	expiresAt time.Time
}

// MemoryStore implements Store using an in-memory map. It mirrors the
// relational backend's encode-before-write and counter semantics so tests
// and local development behave like production.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates a new in-memory cache store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
	}
}

// Get retrieves the decoded value for key.
func (s *MemoryStore) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}

	var value any
	if err := json.Unmarshal(entry.raw, &value); err != nil {
		return nil, false, fmt.Errorf("decoding cache value: %w", err)
	}
	return value, true, nil
}

// Put stores value under key, skipping the write when the encoded value
// is unchanged.
func (s *MemoryStore) Put(_ context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding cache value: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok {
		if !bytes.Equal(entry.raw, raw) {
			entry.raw = raw
			s.entries[key] = entry
		}
		return nil
	}

	s.entries[key] = memoryEntry{raw: raw, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Forever stores value under key with the maximal retention.
func (s *MemoryStore) Forever(ctx context.Context, key string, value any) error {
	return s.Put(ctx, key, value, DefaultTTL)
}

// Increment atomically adds delta to the counter under key.
func (s *MemoryStore) Increment(ctx context.Context, key string, delta int64) (int64, bool, error) {
	return s.applyDelta(ctx, key, delta)
}

// Decrement atomically subtracts delta from the counter under key.
func (s *MemoryStore) Decrement(ctx context.Context, key string, delta int64) (int64, bool, error) {
	return s.applyDelta(ctx, key, -delta)
}

func (s *MemoryStore) applyDelta(_ context.Context, key string, delta int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return 0, false, nil
	}

	current, err := strconv.ParseInt(strings.TrimSpace(string(entry.raw)), 10, 64)
	if err != nil {
		return 0, false, nil
	}

	next := current + delta
	entry.raw = []byte(strconv.FormatInt(next, 10))
	s.entries[key] = entry
	return next, true, nil
}

// Forget removes the entry for key.
func (s *MemoryStore) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Flush removes all entries.
func (s *MemoryStore) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]memoryEntry)
	return nil
}

// Cleanup removes expired entries.
func (s *MemoryStore) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
		}
	}
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
