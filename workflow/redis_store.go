package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore persists executions in Redis so state survives restarts and
// multiple replicas see the same history. Executions live under a key
// prefix with a TTL; per-workflow indexes are sorted sets keyed by start
// time.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis at the given URL
// (redis://host:port/db) and verifies connectivity.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisStore{
		client: client,
		prefix: "actioncore:executions",
		ttl:    7 * 24 * time.Hour,
	}, nil
}

// WithTTL sets how long executions are retained
func (s *RedisStore) WithTTL(ttl time.Duration) *RedisStore {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

func (s *RedisStore) executionKey(id string) string {
	return s.prefix + ":" + id
}

func (s *RedisStore) workflowIndexKey(workflowID string) string {
	return s.prefix + ":by-workflow:" + workflowID
}

func (s *RedisStore) Save(ctx context.Context, execution *Execution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("marshaling execution: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.executionKey(execution.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.workflowIndexKey(execution.WorkflowID), &redis.Z{
		Score:  float64(execution.StartedAt.UnixNano()),
		Member: execution.ID,
	})
	pipe.Expire(ctx, s.workflowIndexKey(execution.WorkflowID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving execution: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, executionID string) (*Execution, error) {
	data, err := s.client.Get(ctx, s.executionKey(executionID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrExecutionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading execution: %w", err)
	}

	var execution Execution
	if err := json.Unmarshal(data, &execution); err != nil {
		return nil, fmt.Errorf("unmarshaling execution: %w", err)
	}
	return &execution, nil
}

func (s *RedisStore) ListByWorkflow(ctx context.Context, workflowID string) ([]*Execution, error) {
	ids, err := s.client.ZRevRange(ctx, s.workflowIndexKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	out := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		execution, err := s.Get(ctx, id)
		if err != nil {
			// Index entries can outlive expired executions
			continue
		}
		out = append(out, execution)
	}
	return out, nil
}

// Close releases the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ StateStore = (*RedisStore)(nil)
