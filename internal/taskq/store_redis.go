package taskq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	groupKeyPrefix = "co2group:"
	taskKeyPrefix  = "co2task:"
)

// RedisStore keeps task states and group membership in Redis so group
// progress can be polled from any process. Keys expire after the result
// TTL; an expired group reads back as ErrNotFound.
type RedisStore struct {
	Client *redis.Client
}

func (s RedisStore) CreateGroup(ctx context.Context, groupID string, taskIDs []string, ttl time.Duration) error {
	payload, err := json.Marshal(taskIDs)
	if err != nil {
		return err
	}
	if err := s.Client.Set(ctx, groupKeyPrefix+groupID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist group membership: %w", err)
	}
	return nil
}

func (s RedisStore) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	payload, err := s.Client.Get(ctx, groupKeyPrefix+groupID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read group membership: %w", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(payload), &ids); err != nil {
		return nil, fmt.Errorf("decode group membership: %w", err)
	}
	return ids, nil
}

func (s RedisStore) SetTaskState(ctx context.Context, taskID string, state State, ttl time.Duration) error {
	if err := s.Client.Set(ctx, taskKeyPrefix+taskID, string(state), ttl).Err(); err != nil {
		return fmt.Errorf("persist task state: %w", err)
	}
	return nil
}

func (s RedisStore) TaskState(ctx context.Context, taskID string) (State, error) {
	v, err := s.Client.Get(ctx, taskKeyPrefix+taskID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read task state: %w", err)
	}
	return State(v), nil
}
