// Package monitor probes the server fleet, journals UP/DOWN transitions and
// keeps the dashboard and metrics summary rendered. Alerts are ephemeral;
// the dashboard is a persistent message edited in place.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskops/plugin/telegram"
	"github.com/hrygo/deskops/server/messenger"
	"github.com/hrygo/deskops/store"
)

const (
	defaultPingTimeout = 2 * time.Second
	// reminderInterval is how often a still-down server re-alerts.
	reminderInterval = 120 * time.Second
)

// Prober answers whether the address is reachable.
type Prober interface {
	Probe(ctx context.Context, address string, timeout time.Duration) error
}

// Repo is the persistence slice the engine needs, satisfied by *store.Store.
type Repo interface {
	ListServers(ctx context.Context) ([]*store.Server, error)
	TouchServerLastSeen(ctx context.Context, serverID int32, at time.Time) error
	RecordServerEvent(ctx context.Context, record *store.RecordServerEvent) error
	ListServerMetrics(ctx context.Context) ([]*store.ServerMetrics, error)
}

// Messenger is the outbound slice the engine needs, satisfied by
// *messenger.Manager.
type Messenger interface {
	Notify(ctx context.Context, dest messenger.Destination, notice messenger.Notice) (int, error)
	RenderPersistent(ctx context.Context, dest messenger.Destination, kind store.MessageKind, text string, keyboard telegram.Keyboard) (int, error)
	Delete(ctx context.Context, chatID int64, messageID int) error
	Chat(ctx context.Context) int64
	TopicOf(ctx context.Context, dest messenger.Destination) *int64
}

// Options is the runtime configuration slice, satisfied by *store.Settings.
type Options interface {
	Seconds(ctx context.Context, key string, def time.Duration) time.Duration
}

// status is the in-memory view of one server between ticks.
type status struct {
	serverID  int32
	name      string
	address   string
	group     string
	firstSeen time.Time
	lastSeen  time.Time

	isAlive             bool
	lastCheck           time.Time
	lastStateChange     time.Time
	consecutiveFailures int
	firstCheckDone      bool
	alertedDown         bool
	lastAlertAt         time.Time
	alertMessageIDs     []int
}

// Engine owns the status table and runs the tick.
type Engine struct {
	store     Repo
	messenger Messenger
	prober    Prober
	options   Options

	mu       sync.Mutex
	statuses map[int32]*status

	running atomic.Bool
	now     func() time.Time
}

func NewEngine(repo Repo, m Messenger, prober Prober, options Options) *Engine {
	return &Engine{
		store:     repo,
		messenger: m,
		prober:    prober,
		options:   options,
		statuses:  make(map[int32]*status),
		now:       time.Now,
	}
}

// Tick probes every server once and re-renders the dashboard. A tick that
// finds the prior one still running returns immediately so overruns do not
// stack.
func (e *Engine) Tick(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		slog.Warn("monitor: previous tick still running, skipping")
		return
	}
	defer e.running.Store(false)

	servers, err := e.store.ListServers(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("monitor: failed to list servers", "error", err)
		}
		return
	}

	timeout := e.options.Seconds(ctx, store.SettingPingTimeout, defaultPingTimeout)
	seen := make(map[int32]bool, len(servers))
	for _, server := range servers {
		if ctx.Err() != nil {
			return
		}
		seen[server.ID] = true
		e.checkServer(ctx, server, timeout)
	}

	// Servers deleted by the admin UI disappear from the table.
	e.mu.Lock()
	for id := range e.statuses {
		if !seen[id] {
			delete(e.statuses, id)
		}
	}
	e.mu.Unlock()

	e.renderDashboard(ctx)
	e.renderMetricsSummary(ctx)
}

func (e *Engine) statusOf(server *store.Server) *status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.statuses[server.ID]
	if !ok {
		st = &status{serverID: server.ID}
		e.statuses[server.ID] = st
	}
	st.name = server.Name
	st.address = server.Address
	st.group = server.GroupName
	st.firstSeen = server.FirstSeen
	st.lastSeen = server.LastSeen
	return st
}

func (e *Engine) checkServer(ctx context.Context, server *store.Server, timeout time.Duration) {
	st := e.statusOf(server)
	now := e.now()

	alive := e.prober.Probe(ctx, e.resolve(ctx, server.Address), timeout) == nil
	st.lastCheck = now
	if err := e.store.TouchServerLastSeen(ctx, server.ID, now); err != nil {
		slog.Warn("monitor: failed to touch last_seen", "server", server.Name, "error", err)
	}

	switch {
	case !st.firstCheckDone:
		st.firstCheckDone = true
		st.isAlive = alive
		st.lastStateChange = now
		if !alive {
			// First ever observation as down alerts without the
			// two-failure grace.
			e.recordEvent(ctx, st, store.ServerEventDown, now, nil)
			st.alertedDown = true
			st.lastAlertAt = now
			e.alertDown(ctx, st, now)
		}

	case st.isAlive && !alive:
		st.consecutiveFailures++
		if st.consecutiveFailures >= 2 && !st.alertedDown {
			st.isAlive = false
			st.lastStateChange = now
			st.consecutiveFailures = 0
			st.alertedDown = true
			st.lastAlertAt = now
			e.recordEvent(ctx, st, store.ServerEventDown, now, nil)
			e.alertDown(ctx, st, now)
		}

	case !st.isAlive && alive:
		downtime := now.Sub(st.lastStateChange)
		seconds := int64(downtime.Seconds())
		e.recordEvent(ctx, st, store.ServerEventUp, now, &seconds)
		e.dropDownAlerts(ctx, st)
		e.alertUp(ctx, st, downtime)
		st.isAlive = true
		st.lastStateChange = now
		st.consecutiveFailures = 0
		st.alertedDown = false

	case !st.isAlive && !alive:
		if st.alertedDown && now.Sub(st.lastAlertAt) >= reminderInterval {
			st.lastAlertAt = now
			e.alertReminder(ctx, st, now)
		}

	default:
		st.consecutiveFailures = 0
	}
}

// resolve maps a hostname to its first A record, keeping the literal on
// lookup failure.
func (e *Engine) resolve(ctx context.Context, address string) string {
	if net.ParseIP(address) != nil {
		return address
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, address)
	if err != nil || len(addrs) == 0 {
		return address
	}
	return addrs[0]
}

// recordEvent journals the transition before any alert goes out; a failed
// alert never reverts the event.
func (e *Engine) recordEvent(ctx context.Context, st *status, kind store.ServerEventKind, at time.Time, duration *int64) {
	if err := e.store.RecordServerEvent(ctx, &store.RecordServerEvent{
		ServerID:        st.serverID,
		Kind:            kind,
		At:              at,
		DurationSeconds: duration,
	}); err != nil {
		slog.Error("monitor: failed to record event", "server", st.name, "kind", kind, "error", err)
	}
}

func (e *Engine) alertDown(ctx context.Context, st *status, now time.Time) {
	text := fmt.Sprintf("🔴 <b>%s</b> (%s) недоступен\n%s", st.name, st.group, now.Format("15:04:05 02.01.2006"))
	e.sendAlert(ctx, st, text, true)
}

func (e *Engine) alertReminder(ctx context.Context, st *status, now time.Time) {
	text := fmt.Sprintf("🔴 <b>%s</b> (%s) всё ещё недоступен (%s)",
		st.name, st.group, formatDuration(now.Sub(st.lastStateChange)))
	e.sendAlert(ctx, st, text, true)
}

func (e *Engine) alertUp(ctx context.Context, st *status, downtime time.Duration) {
	text := fmt.Sprintf("🟢 <b>%s</b> (%s) снова в сети, простой %s",
		st.name, st.group, formatDuration(downtime))
	e.sendAlert(ctx, st, text, false)
}

func (e *Engine) sendAlert(ctx context.Context, st *status, text string, trackForCleanup bool) {
	messageID, err := e.messenger.Notify(ctx, messenger.DestinationPing, messenger.Notice{
		Text:      text,
		Ephemeral: true,
	})
	if err != nil {
		slog.Warn("monitor: failed to send alert", "server", st.name, "error", err)
		return
	}
	if trackForCleanup {
		st.alertMessageIDs = append(st.alertMessageIDs, messageID)
	}
}

// dropDownAlerts removes every outstanding DOWN alert of the server once it
// comes back.
func (e *Engine) dropDownAlerts(ctx context.Context, st *status) {
	chatID := e.messenger.Chat(ctx)
	for _, messageID := range st.alertMessageIDs {
		if err := e.messenger.Delete(ctx, chatID, messageID); err != nil {
			slog.Warn("monitor: failed to delete stale alert", "server", st.name, "error", err)
		}
	}
	st.alertMessageIDs = nil
}

func (e *Engine) renderDashboard(ctx context.Context) {
	text := e.dashboardText(e.now())
	if _, err := e.messenger.RenderPersistent(ctx, messenger.DestinationPing, store.MessageKindDashboard, text, nil); err != nil {
		if !errors.Is(err, messenger.ErrNoChat) {
			slog.Error("monitor: failed to render dashboard", "error", err)
		}
	}
}

func (e *Engine) renderMetricsSummary(ctx context.Context) {
	if e.messenger.TopicOf(ctx, messenger.DestinationMetrics) == nil {
		return
	}
	metrics, err := e.store.ListServerMetrics(ctx)
	if err != nil {
		slog.Error("monitor: failed to load metrics", "error", err)
		return
	}
	text := e.metricsText(metrics)
	if _, err := e.messenger.RenderPersistent(ctx, messenger.DestinationMetrics, store.MessageKindMetrics, text, nil); err != nil {
		if !errors.Is(err, messenger.ErrNoChat) {
			slog.Error("monitor: failed to render metrics summary", "error", err)
		}
	}
}
