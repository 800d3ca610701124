package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OverrideCache shares per-session executor_overrides across replicas of
// the runtime, so a session's overrides resolve the same way regardless
// of which replica handles a later reconnect. Resolve never consults it,
// and the session start path neither reads nor writes it; it is used only
// through its own Store/Load/Forget methods.
type OverrideCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewOverrideCache connects to addr. A nil *OverrideCache (constructed by
// passing an empty addr) is a valid no-op cache: callers needn't branch on
// whether Redis is configured.
func NewOverrideCache(addr string, ttl time.Duration) *OverrideCache {
	if addr == "" {
		return nil
	}
	return &OverrideCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (c *OverrideCache) key(sessionID string) string {
	return fmt.Sprintf("pipelinert:overrides:%s", sessionID)
}

// Store persists a session's resolved executor_overrides so a replica
// serving a reconnect picks up the same assignment.
func (c *OverrideCache) Store(ctx context.Context, sessionID string, overrides map[string]Kind) error {
	if c == nil {
		return nil
	}
	fields := make(map[string]interface{}, len(overrides))
	for nodeID, kind := range overrides {
		fields[nodeID] = string(kind)
	}
	if len(fields) == 0 {
		return nil
	}
	key := c.key(sessionID)
	if err := c.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("registry: override cache store: %w", err)
	}
	return c.client.Expire(ctx, key, c.ttl).Err()
}

// Load fetches a session's previously stored overrides, if any.
func (c *OverrideCache) Load(ctx context.Context, sessionID string) (map[string]Kind, error) {
	if c == nil {
		return nil, nil
	}
	raw, err := c.client.HGetAll(ctx, c.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: override cache load: %w", err)
	}
	out := make(map[string]Kind, len(raw))
	for nodeID, kind := range raw {
		out[nodeID] = Kind(kind)
	}
	return out, nil
}

// Forget removes a session's cached overrides at teardown.
func (c *OverrideCache) Forget(ctx context.Context, sessionID string) error {
	if c == nil {
		return nil
	}
	return c.client.Del(ctx, c.key(sessionID)).Err()
}

// Close releases the underlying connection pool.
func (c *OverrideCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
