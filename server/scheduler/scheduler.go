// Package scheduler owns the periodic work: the deletion drain, monitor
// ticks, ticket polls, the verification sweeper, the weekly ticket report and
// the nightly employee snapshot. Cluster-wide jobs run only on the elected
// leader; per-node jobs run everywhere.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hrygo/deskops/internal/profile"
	"github.com/hrygo/deskops/server/messenger"
	"github.com/hrygo/deskops/store"
)

const (
	scheduleDrain      = "*/5 * * * * *"
	scheduleTicketPoll = "0 * * * * *"
	scheduleSweeper    = "15 * * * * *"

	defaultCheckIntervalSeconds = 30
	defaultWeeklyReportDay      = "MON"
	defaultWeeklyReportHour     = 9
	defaultSnapshotHour         = 0

	// snapshotKeep bounds how many auto snapshots survive pruning.
	snapshotKeep = 30
	// workerStaleAfter is how long without a heartbeat a worker node counts
	// as gone, after which the bot leader takes the snapshot job over.
	workerStaleAfter = 2 * time.Minute
)

// Leader reports this node's election state and hands out named task locks,
// satisfied by *cluster.Coordinator.
type Leader interface {
	IsLeader() bool
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// Repo is the persistence slice the scheduled jobs need, satisfied by
// *store.Store.
type Repo interface {
	ListTicketActions(ctx context.Context, since, until time.Time) ([]*store.TicketAction, error)
	GetChatUser(ctx context.Context, id int32) (*store.ChatUser, error)
	GetVerifiedUser(ctx context.Context, chatUserID int32) (*store.VerifiedUser, error)
	ListEmployeeRecords(ctx context.Context) ([]*store.EmployeeRecord, error)
	CreateEmployeeSnapshot(ctx context.Context, create *store.EmployeeSnapshot) (int64, error)
	PruneAutoSnapshots(ctx context.Context, keep int) (int64, error)
	HasActiveNode(ctx context.Context, kind profile.NodeKind, staleAfter time.Duration) (bool, error)
}

// Messenger is the outbound slice the jobs need, satisfied by
// *messenger.Manager.
type Messenger interface {
	Notify(ctx context.Context, dest messenger.Destination, notice messenger.Notice) (int, error)
}

// Options reads the admin-tunable schedule settings, satisfied by
// *store.Settings.
type Options interface {
	Int(ctx context.Context, key string, def int) int
	String(ctx context.Context, key, def string) string
}

// Drainer empties the pending-deletion queue, satisfied by
// *messenger.Manager.
type Drainer interface {
	DrainDeletions(ctx context.Context)
}

// Sweeper drops expired verification codes, satisfied by *auth.Machine.
type Sweeper interface {
	SweepExpired(ctx context.Context)
}

// MonitorTicker runs one monitoring round, satisfied by *monitor.Engine.
type MonitorTicker interface {
	Tick(ctx context.Context)
}

// TicketPoller runs one ticket reconcile round, satisfied by
// *tickets.Reconciler.
type TicketPoller interface {
	Poll(ctx context.Context) error
}

// Scheduler wires the jobs into one cron with a seconds field.
type Scheduler struct {
	leader    Leader
	kind      profile.NodeKind
	store     Repo
	messenger Messenger
	options   Options
	drainer   Drainer
	sweeper   Sweeper
	monitor   MonitorTicker
	tickets   TicketPoller

	now func() time.Time
}

func New(leader Leader, kind profile.NodeKind, repo Repo, m Messenger, options Options, drainer Drainer, sweeper Sweeper, monitor MonitorTicker, tickets TicketPoller) *Scheduler {
	return &Scheduler{
		leader:    leader,
		kind:      kind,
		store:     repo,
		messenger: m,
		options:   options,
		drainer:   drainer,
		sweeper:   sweeper,
		monitor:   monitor,
		tickets:   tickets,
		now:       time.Now,
	}
}

// leadsBot reports whether this node is the elected leader of the bot kind.
// Chat-facing cluster jobs fire only there; a leader of another kind would
// duplicate alerts and cards otherwise.
func (s *Scheduler) leadsBot() bool {
	return s.kind == profile.NodeKindBot && s.leader.IsLeader()
}

// Run registers the jobs and blocks until ctx is cancelled. Running jobs get
// to finish before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cron.VerbosePrintfLogger(slogPrintf{})
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
	)

	register := func(spec, name string, job func()) {
		if _, err := c.AddFunc(spec, job); err != nil {
			// Builders fall back to known-good specs; a parse failure is a bug.
			slog.Error("scheduler: invalid schedule", "job", name, "spec", spec, "error", err)
		}
	}

	register(scheduleDrain, "drain", func() { s.drainer.DrainDeletions(ctx) })
	register(scheduleSweeper, "sweeper", func() { s.sweeper.SweepExpired(ctx) })
	register(monitorSchedule(s.options.Int(ctx, store.SettingCheckInterval, defaultCheckIntervalSeconds)), "monitor", func() {
		if !s.leadsBot() {
			return
		}
		s.monitor.Tick(ctx)
	})
	register(scheduleTicketPoll, "tickets", func() {
		if !s.leadsBot() {
			return
		}
		if err := s.tickets.Poll(ctx); err != nil && ctx.Err() == nil {
			slog.Error("scheduler: ticket poll failed", "error", err)
		}
	})
	weeklySpec := weeklySchedule(
		s.options.String(ctx, store.SettingWeeklyReportDay, defaultWeeklyReportDay),
		s.options.Int(ctx, store.SettingWeeklyReportHour, defaultWeeklyReportHour),
	)
	register(weeklySpec, "weekly-report", func() {
		if !s.leadsBot() {
			return
		}
		if err := s.SendWeeklyReport(ctx); err != nil && ctx.Err() == nil {
			slog.Error("scheduler: weekly report failed", "error", err)
		}
	})
	register(snapshotSchedule(s.options.Int(ctx, store.SettingSnapshotHour, defaultSnapshotHour)), "snapshot", func() {
		if err := s.TakeSnapshot(ctx); err != nil && ctx.Err() == nil {
			slog.Error("scheduler: employee snapshot failed", "error", err)
		}
	})

	c.Start()
	<-ctx.Done()
	stopped := c.Stop()
	<-stopped.Done()
	return nil
}

// monitorSchedule builds the monitor tick spec from the configured interval
// in seconds. The interval must divide the minute evenly so ticks stay
// aligned; anything else falls back to the default.
func monitorSchedule(seconds int) string {
	if seconds <= 0 || seconds > 60 || 60%seconds != 0 {
		seconds = defaultCheckIntervalSeconds
	}
	if seconds == 60 {
		return "0 * * * * *"
	}
	return fmt.Sprintf("*/%d * * * * *", seconds)
}

// weeklySchedule builds the weekly report spec from the configured day
// abbreviation and hour, falling back per field when malformed.
func weeklySchedule(day string, hour int) string {
	day = strings.ToUpper(strings.TrimSpace(day))
	switch day {
	case "MON", "TUE", "WED", "THU", "FRI", "SAT", "SUN":
	default:
		day = defaultWeeklyReportDay
	}
	if hour < 0 || hour > 23 {
		hour = defaultWeeklyReportHour
	}
	return fmt.Sprintf("0 0 %d * * %s", hour, day)
}

// snapshotSchedule builds the nightly snapshot spec from the configured hour.
func snapshotSchedule(hour int) string {
	if hour < 0 || hour > 23 {
		hour = defaultSnapshotHour
	}
	return fmt.Sprintf("0 0 %d * * *", hour)
}

// slogPrintf adapts cron's printf-style logging to slog.
type slogPrintf struct{}

func (slogPrintf) Printf(format string, args ...interface{}) {
	slog.Debug("scheduler: " + fmt.Sprintf(format, args...))
}
