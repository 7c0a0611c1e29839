package infrastructure

import (
	"context"
	"sync"
	"time"

	"attribgo/internal/domain"
	"attribgo/pkg/logger"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// implements domain.KVStore in process memory
type MemoryStore struct {
	data   map[string]memoryEntry
	mutex  sync.RWMutex
	logger *logger.Logger
	now    func() time.Time
}

func NewMemoryStore(logger *logger.Logger) *MemoryStore {
	return &MemoryStore{
		data:   make(map[string]memoryEntry),
		logger: logger,
		now:    time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mutex.RLock()
	entry, exists := s.data[key]
	s.mutex.RUnlock()

	if !exists {
		return "", domain.ErrCacheMiss
	}

	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		s.mutex.Lock()
		// re-check under the write lock; a concurrent Set may have refreshed it
		if current, ok := s.data[key]; ok && current.expiresAt.Equal(entry.expiresAt) {
			delete(s.data, key)
		}
		s.mutex.Unlock()

		s.logger.WithContext(ctx).WithField("key", key).Debug("Evicted expired entry")
		return "", domain.ErrCacheMiss
	}

	return entry.value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}

	s.mutex.Lock()
	s.data[key] = entry
	s.mutex.Unlock()

	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mutex.Lock()
	delete(s.data, key)
	s.mutex.Unlock()
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.data)
}
