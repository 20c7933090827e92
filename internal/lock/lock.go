// Package lock provides the period lock: a short-lived exclusive marker
// keyed by (client, year, month) that prevents overlapping calculation
// batches for the same period.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when a period lock is already held by another batch.
var ErrHeld = errors.New("period lock already held")

// Guard acquires and releases period locks in Redis. The TTL is a
// dead-lock fallback: if the release continuation never runs (coordinator
// crash), the key expires on its own.
type Guard struct {
	Client *redis.Client
	TTL    time.Duration
}

func key(clientID int64, year, month int) string {
	return fmt.Sprintf("co2lock:%d:%d:%d", clientID, year, month)
}

// Acquire performs a conditional only-if-absent write of groupID under the
// period key. Returns ErrHeld when another batch owns the period.
func (g Guard) Acquire(ctx context.Context, clientID int64, year, month int, groupID string) error {
	ok, err := g.Client.SetNX(ctx, key(clientID, year, month), groupID, g.TTL).Result()
	if err != nil {
		return fmt.Errorf("acquire period lock: %w", err)
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

// Release deletes the period key. Idempotent: releasing an already-released
// or expired lock is a no-op, never an error.
func (g Guard) Release(ctx context.Context, clientID int64, year, month int) error {
	if err := g.Client.Del(ctx, key(clientID, year, month)).Err(); err != nil {
		return fmt.Errorf("release period lock: %w", err)
	}
	return nil
}

// IsLocked reports whether a live lock exists for the period.
func (g Guard) IsLocked(ctx context.Context, clientID int64, year, month int) (bool, error) {
	n, err := g.Client.Exists(ctx, key(clientID, year, month)).Result()
	if err != nil {
		return false, fmt.Errorf("check period lock: %w", err)
	}
	return n > 0, nil
}

// Holder returns the group id that owns the period lock, or "" when free.
func (g Guard) Holder(ctx context.Context, clientID int64, year, month int) (string, error) {
	v, err := g.Client.Get(ctx, key(clientID, year, month)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read period lock: %w", err)
	}
	return v, nil
}
