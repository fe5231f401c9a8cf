// Package cluster implements node registration, leader election per node
// kind and named task locks. Redis keys are the authority; the database rows
// are a mirror for the admin UI.
package cluster

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hrygo/deskops/internal/profile"
	"github.com/hrygo/deskops/store"
)

const (
	// DefaultHeartbeatInterval drives both loops of the coordinator.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultLeaderTTL is renewed on every step while leading.
	DefaultLeaderTTL = 60 * time.Second
)

// Registry is the durable mirror of the coordination state, satisfied by
// *store.Store.
type Registry interface {
	UpsertNode(ctx context.Context, upsert *store.Node) error
	SetLeader(ctx context.Context, kind profile.NodeKind, nodeID string) error
	ClearLeader(ctx context.Context, nodeID string) error
	MarkNodeInactive(ctx context.Context, nodeID string) error
	SaveLockAudit(ctx context.Context, audit *store.LockAudit) error
	DeleteLockAudit(ctx context.Context, name, nodeID string) error
}

// Coordinator runs the heartbeat and leader-step loops for one node.
type Coordinator struct {
	redis   *redis.Client
	store   Registry
	profile *profile.Profile

	heartbeatInterval time.Duration
	leaderTTL         time.Duration

	leading atomic.Bool
}

func NewCoordinator(redisClient *redis.Client, storeInstance Registry, instanceProfile *profile.Profile) *Coordinator {
	return &Coordinator{
		redis:             redisClient,
		store:             storeInstance,
		profile:           instanceProfile,
		heartbeatInterval: DefaultHeartbeatInterval,
		leaderTTL:         DefaultLeaderTTL,
	}
}

// IsLeader reports whether this node currently leads its kind.
func (c *Coordinator) IsLeader() bool {
	return c.leading.Load()
}

func (c *Coordinator) heartbeatKey() string {
	return "node:" + c.profile.NodeID + ":heartbeat"
}

func leaderKey(kind profile.NodeKind) string {
	return "leader:" + string(kind)
}

// Run performs a step immediately and then every heartbeat interval until ctx
// is cancelled, releasing leadership and marking the node inactive on exit.
func (c *Coordinator) Run(ctx context.Context) error {
	c.step(ctx)

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-ticker.C:
			c.step(ctx)
		}
	}
}

// step runs one heartbeat plus one leader election round. Failures are
// logged and retried on the next tick; missing a beat only risks losing
// leadership, which the election recovers from.
func (c *Coordinator) step(ctx context.Context) {
	if err := c.heartbeat(ctx); err != nil {
		slog.Error("cluster: heartbeat failed", "node", c.profile.NodeID, "error", err)
	}
	if err := c.leaderStep(ctx); err != nil {
		slog.Error("cluster: leader step failed", "node", c.profile.NodeID, "error", err)
	}
}

func (c *Coordinator) heartbeat(ctx context.Context) error {
	if err := c.redis.Set(ctx, c.heartbeatKey(), time.Now().Unix(), 2*c.heartbeatInterval).Err(); err != nil {
		return err
	}
	return c.store.UpsertNode(ctx, &store.Node{
		ID:       c.profile.NodeID,
		Kind:     c.profile.NodeKind,
		Hostname: c.profile.Hostname,
	})
}

func (c *Coordinator) leaderStep(ctx context.Context) error {
	key := leaderKey(c.profile.NodeKind)

	acquired, err := c.redis.SetNX(ctx, key, c.profile.NodeID, c.leaderTTL).Result()
	if err != nil {
		return err
	}
	if acquired {
		return c.assumeLeadership(ctx)
	}

	holder, err := c.redis.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if holder == c.profile.NodeID {
		// Still us: renew and keep the DB flag in sync in case a prior
		// step failed halfway.
		if err := c.redis.Expire(ctx, key, c.leaderTTL).Err(); err != nil {
			return err
		}
		return c.assumeLeadership(ctx)
	}

	// Someone else holds the key.
	if c.leading.CompareAndSwap(true, false) {
		slog.Info("cluster: lost leadership", "node", c.profile.NodeID, "kind", c.profile.NodeKind, "holder", holder)
		return c.store.ClearLeader(ctx, c.profile.NodeID)
	}
	return nil
}

func (c *Coordinator) assumeLeadership(ctx context.Context) error {
	if c.leading.CompareAndSwap(false, true) {
		slog.Info("cluster: assumed leadership", "node", c.profile.NodeID, "kind", c.profile.NodeKind)
	}
	return c.store.SetLeader(ctx, c.profile.NodeKind, c.profile.NodeID)
}

// shutdown releases leadership and marks the node inactive. It runs with its
// own deadline because the run context is already cancelled.
func (c *Coordinator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := leaderKey(c.profile.NodeKind)
	if c.leading.Load() {
		// Delete only when still ours.
		holder, err := c.redis.Get(ctx, key).Result()
		if err == nil && holder == c.profile.NodeID {
			if err := c.redis.Del(ctx, key).Err(); err != nil {
				slog.Warn("cluster: failed to release leader key", "error", err)
			}
		}
		c.leading.Store(false)
	}
	if err := c.store.ClearLeader(ctx, c.profile.NodeID); err != nil {
		slog.Warn("cluster: failed to clear leader flag", "error", err)
	}
	if err := c.store.MarkNodeInactive(ctx, c.profile.NodeID); err != nil {
		slog.Warn("cluster: failed to mark node inactive", "error", err)
	}
	if err := c.redis.Del(ctx, c.heartbeatKey()).Err(); err != nil {
		slog.Warn("cluster: failed to drop heartbeat key", "error", err)
	}
}

// LeaderOf returns the current holder of the kind's leadership, empty when
// vacant.
func (c *Coordinator) LeaderOf(ctx context.Context, kind profile.NodeKind) (string, error) {
	holder, err := c.redis.Get(ctx, leaderKey(kind)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return holder, err
}
