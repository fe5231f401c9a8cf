// Package server wires the components together and routes incoming platform
// updates to them.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/deskops/internal/profile"
	"github.com/hrygo/deskops/plugin/email"
	"github.com/hrygo/deskops/plugin/ldap"
	"github.com/hrygo/deskops/plugin/otrs"
	"github.com/hrygo/deskops/plugin/telegram"
	"github.com/hrygo/deskops/server/auth"
	"github.com/hrygo/deskops/server/cluster"
	"github.com/hrygo/deskops/server/messenger"
	"github.com/hrygo/deskops/server/monitor"
	"github.com/hrygo/deskops/server/scheduler"
	"github.com/hrygo/deskops/server/tickets"
	"github.com/hrygo/deskops/store"
)

// startupCleanupWait bounds how long a node waits for leadership before
// giving up on the startup topic cleanup; a follower leaves it to the leader.
const startupCleanupWait = 90 * time.Second

// Server is the composed bot process.
type Server struct {
	profile     *profile.Profile
	store       *store.Store
	telegram    *telegram.Client
	coordinator *cluster.Coordinator
	messenger   *messenger.Manager
	auth        *auth.Machine
	tickets     *tickets.Reconciler
	monitor     *monitor.Engine
	scheduler   *scheduler.Scheduler
}

// New wires the full component graph from the externally constructed clients.
func New(prof *profile.Profile, st *store.Store, redisClient *redis.Client,
	tg *telegram.Client, ticketStore *otrs.Client, mailer *email.Sender, directory *ldap.Client) *Server {
	m := messenger.NewManager(tg, st, st.Settings)
	reconciler := tickets.NewReconciler(ticketStore, st, m, st.Settings)
	machine := auth.NewMachine(st, m, mailer, reconciler, directory, st.Settings)
	engine := monitor.NewEngine(st, m, &monitor.PingProber{}, st.Settings)
	coordinator := cluster.NewCoordinator(redisClient, st, prof)
	sched := scheduler.New(coordinator, prof.NodeKind, st, m, st.Settings, m, machine, engine, reconciler)

	return &Server{
		profile:     prof,
		store:       st,
		telegram:    tg,
		coordinator: coordinator,
		messenger:   m,
		auth:        machine,
		tickets:     reconciler,
		monitor:     engine,
		scheduler:   sched,
	}
}

// Run starts the coordinator, the scheduler and the update loop and blocks
// until ctx is cancelled or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	defer s.messenger.Close()

	group.Go(func() error { return s.coordinator.Run(ctx) })
	group.Go(func() error { return s.scheduler.Run(ctx) })
	group.Go(func() error {
		s.startupCleanup(ctx)
		return nil
	})
	group.Go(func() error {
		for update := range s.telegram.Updates(ctx) {
			s.dispatch(ctx, update)
		}
		return ctx.Err()
	})

	slog.Info("server: running", "node", s.profile.NodeID, "kind", s.profile.NodeKind)
	return group.Wait()
}

// startupCleanup sweeps the employee-search topic once, on the node that wins
// the first election.
func (s *Server) startupCleanup(ctx context.Context) {
	deadline := time.NewTimer(startupCleanupWait)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			if s.coordinator.IsLeader() {
				s.messenger.CleanupEphemeralTopics(ctx)
				return
			}
		}
	}
}
