package cluster

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hrygo/deskops/store"
)

// Acquire takes the named lock for ttl via SET NX EX and writes the audit
// row. Locks and leadership are independent primitives; neither is derived
// from the other.
func (c *Coordinator) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	acquired, err := c.redis.SetNX(ctx, "lock:"+name, c.profile.NodeID, ttl).Result()
	if err != nil || !acquired {
		return false, err
	}
	now := time.Now()
	if err := c.store.SaveLockAudit(ctx, &store.LockAudit{
		Name:       name,
		NodeID:     c.profile.NodeID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}); err != nil {
		// The Redis key is the authority; a missing audit row only hurts
		// observability.
		slog.Warn("cluster: failed to write lock audit", "lock", name, "error", err)
	}
	return true, nil
}

// Release drops the lock only when this node still owns it.
func (c *Coordinator) Release(ctx context.Context, name string) error {
	holder, err := c.redis.Get(ctx, "lock:"+name).Result()
	if err == redis.Nil || (err == nil && holder != c.profile.NodeID) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := c.redis.Del(ctx, "lock:"+name).Err(); err != nil {
		return err
	}
	return c.store.DeleteLockAudit(ctx, name, c.profile.NodeID)
}
