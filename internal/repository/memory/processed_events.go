package memory

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/dunning-engine/internal/repository"
)

type processedEventStore struct {
	cache *cache.Cache
}

// NewProcessedEventStore keeps webhook event ids in a process-local expiring cache
func NewProcessedEventStore(defaultTTL time.Duration) repository.ProcessedEventStore {
	return &processedEventStore{cache: cache.New(defaultTTL, defaultTTL/2+time.Minute)}
}

func (s *processedEventStore) Reserve(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	// Add fails when the key is already present and unexpired
	if err := s.cache.Add(id, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *processedEventStore) Release(ctx context.Context, id string) error {
	s.cache.Delete(id)
	return nil
}
