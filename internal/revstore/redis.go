package revstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis persists revisions in a Redis server, letting multiple tunnel
// processes on the same host share revision state across restarts.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedis builds a Store backed by client. Keys are namespaced under
// keyPrefix (e.g. "tuman:revstore:") so the database can be shared with
// other tenants.
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "tuman:revstore:"
	}
	return &Redis{client: client, keyPrefix: keyPrefix}
}

func (r *Redis) key(role string) string {
	return r.keyPrefix + role
}

// Load returns the stored revision for role, if any.
func (r *Redis) Load(ctx context.Context, role string) (int64, bool, error) {
	val, err := r.client.Get(ctx, r.key(role)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("revstore: redis get: %w", err)
	}
	rev, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("revstore: parse stored revision: %w", err)
	}
	return rev, true, nil
}

// Save stores revision for role.
func (r *Redis) Save(ctx context.Context, role string, revision int64) error {
	if err := r.client.Set(ctx, r.key(role), revision, 0).Err(); err != nil {
		return fmt.Errorf("revstore: redis set: %w", err)
	}
	return nil
}
