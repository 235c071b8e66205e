package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sicko7947/stepflow"
)

// RedisSequencer allocates reference numbers with INCR on a per-year key
type RedisSequencer struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSequencer creates a sequencer on an existing client
func NewRedisSequencer(client redis.UniversalClient) *RedisSequencer {
	return &RedisSequencer{client: client, prefix: stepflow.ReferencePrefix}
}

func (s *RedisSequencer) key(year int) string {
	return fmt.Sprintf("seq:%s:%d", s.prefix, year)
}

func (s *RedisSequencer) Next(ctx context.Context, year int) (int64, error) {
	n, err := s.client.Incr(ctx, s.key(year)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}
	return n, nil
}

var _ stepflow.Sequencer = (*RedisSequencer)(nil)
