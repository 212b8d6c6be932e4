package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jwalitptl/dunning-engine/internal/repository"
)

const keyPrefix = "dunning:webhook:"

type processedEventStore struct {
	client redis.UniversalClient
}

// NewProcessedEventStore records webhook event ids as expiring redis keys
func NewProcessedEventStore(client redis.UniversalClient) repository.ProcessedEventStore {
	return &processedEventStore{client: client}
}

func (s *processedEventStore) Reserve(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, keyPrefix+id, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve webhook event %s: %w", id, err)
	}
	return ok, nil
}

func (s *processedEventStore) Release(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to release webhook event %s: %w", id, err)
	}
	return nil
}
