package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/deskops/internal/profile"
	"github.com/hrygo/deskops/store"
)

// fakeRegistry records the DB mirror calls.
type fakeRegistry struct {
	mu       sync.Mutex
	leaders  map[profile.NodeKind]string
	inactive map[string]bool
	locks    map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		leaders:  make(map[profile.NodeKind]string),
		inactive: make(map[string]bool),
		locks:    make(map[string]string),
	}
}

func (f *fakeRegistry) UpsertNode(_ context.Context, _ *store.Node) error { return nil }

func (f *fakeRegistry) SetLeader(_ context.Context, kind profile.NodeKind, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaders[kind] = nodeID
	return nil
}

func (f *fakeRegistry) ClearLeader(_ context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for kind, holder := range f.leaders {
		if holder == nodeID {
			delete(f.leaders, kind)
		}
	}
	return nil
}

func (f *fakeRegistry) MarkNodeInactive(_ context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inactive[nodeID] = true
	return nil
}

func (f *fakeRegistry) SaveLockAudit(_ context.Context, audit *store.LockAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks[audit.Name] = audit.NodeID
	return nil
}

func (f *fakeRegistry) DeleteLockAudit(_ context.Context, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, name)
	return nil
}

func (f *fakeRegistry) leaderOf(kind profile.NodeKind) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaders[kind]
}

func newTestCoordinator(t *testing.T, mr *miniredis.Miniredis, nodeID string) (*Coordinator, *fakeRegistry) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	registry := newFakeRegistry()
	c := NewCoordinator(client, registry, &profile.Profile{
		NodeID:   nodeID,
		NodeKind: profile.NodeKindBot,
		Hostname: "test-host",
	})
	return c, registry
}

func TestLeaderElectionSingleWinner(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a, regA := newTestCoordinator(t, mr, "node-a")
	b, regB := newTestCoordinator(t, mr, "node-b")

	a.step(ctx)
	b.step(ctx)

	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())
	assert.Equal(t, "node-a", regA.leaderOf(profile.NodeKindBot))
	assert.Empty(t, regB.leaderOf(profile.NodeKindBot))

	// Repeated steps keep the holder stable.
	b.step(ctx)
	a.step(ctx)
	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())
}

func TestLeaderFailoverAfterExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a, _ := newTestCoordinator(t, mr, "node-a")
	b, regB := newTestCoordinator(t, mr, "node-b")

	a.step(ctx)
	require.True(t, a.IsLeader())

	// Simulate node A dying without cleanup: the key just expires.
	mr.FastForward(DefaultLeaderTTL + time.Second)

	b.step(ctx)
	assert.True(t, b.IsLeader())
	assert.Equal(t, "node-b", regB.leaderOf(profile.NodeKindBot))
}

func TestLeaderRelinquishedOnShutdown(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a, regA := newTestCoordinator(t, mr, "node-a")
	b, _ := newTestCoordinator(t, mr, "node-b")

	a.step(ctx)
	require.True(t, a.IsLeader())

	a.shutdown()
	assert.False(t, a.IsLeader())
	assert.Empty(t, regA.leaderOf(profile.NodeKindBot))
	assert.True(t, regA.inactive["node-a"])

	// The key is gone, so B wins immediately.
	b.step(ctx)
	assert.True(t, b.IsLeader())
}

func TestNamedLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a, regA := newTestCoordinator(t, mr, "node-a")
	b, _ := newTestCoordinator(t, mr, "node-b")

	ok, err := a.Acquire(ctx, "ticket-poll", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "node-a", regA.locks["ticket-poll"])

	ok, err = b.Acquire(ctx, "ticket-poll", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	// Release by the non-owner is a no-op.
	require.NoError(t, b.Release(ctx, "ticket-poll"))
	ok, _ = b.Acquire(ctx, "ticket-poll", time.Minute)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx, "ticket-poll"))
	ok, err = b.Acquire(ctx, "ticket-poll", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockExpiresByTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	a, _ := newTestCoordinator(t, mr, "node-a")
	b, _ := newTestCoordinator(t, mr, "node-b")

	ok, err := a.Acquire(ctx, "monitor", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	ok, err = b.Acquire(ctx, "monitor", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
