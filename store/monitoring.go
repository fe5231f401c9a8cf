package store

import (
	"context"
	"time"
)

// ServerEventKind is the direction of a reachability transition.
type ServerEventKind string

const (
	ServerEventUp   ServerEventKind = "UP"
	ServerEventDown ServerEventKind = "DOWN"
)

// ServerGroup is a named set of monitored servers.
type ServerGroup struct {
	ID   int32
	Name string
}

// Server is one monitored host. The admin UI may add or edit rows between
// ticks; the monitor reloads the list every tick.
type Server struct {
	ID        int32
	GroupID   int32
	GroupName string
	Name      string
	Address   string
	FirstSeen time.Time
	LastSeen  time.Time
}

// ServerEvent is one UP/DOWN journal entry. DurationSeconds is set on an UP
// that follows a DOWN and equals the outage length.
type ServerEvent struct {
	ID              int64
	ServerID        int32
	Kind            ServerEventKind
	At              time.Time
	DurationSeconds *int64
}

// ServerMetrics is the cached aggregate per server.
type ServerMetrics struct {
	ServerID               int32
	DowntimeCount          int64
	TotalDowntimeSeconds   int64
	LongestDowntimeSeconds int64
	LastStatus             string // UP, DOWN or UNKNOWN
	LastStatusChange       *time.Time
}

// RecordServerEvent is the input of the transactional event write.
type RecordServerEvent struct {
	ServerID        int32
	Kind            ServerEventKind
	At              time.Time
	DurationSeconds *int64
}

// ListServers returns all monitored servers with their group names.
func (s *Store) ListServers(ctx context.Context) ([]*Server, error) {
	return s.driver.ListServers(ctx)
}

// TouchServerLastSeen advances last_seen for the server.
func (s *Store) TouchServerLastSeen(ctx context.Context, serverID int32, at time.Time) error {
	return s.driver.TouchServerLastSeen(ctx, serverID, at)
}

// RecordServerEvent writes the event, bumps the metrics counters and upserts
// the daily stat in a single transaction. On kind=UP with a duration it adds
// to the daily downtime and extends longest_downtime_seconds via max().
func (s *Store) RecordServerEvent(ctx context.Context, record *RecordServerEvent) error {
	return s.driver.RecordServerEvent(ctx, record)
}

// GetServerMetrics returns the cached aggregate, or ErrNotFound when the
// server has never produced an event.
func (s *Store) GetServerMetrics(ctx context.Context, serverID int32) (*ServerMetrics, error) {
	return s.driver.GetServerMetrics(ctx, serverID)
}

// ListServerMetrics returns aggregates for every server that has any.
func (s *Store) ListServerMetrics(ctx context.Context) ([]*ServerMetrics, error) {
	return s.driver.ListServerMetrics(ctx)
}

// ListServerEvents returns the newest events for the server, newest first.
func (s *Store) ListServerEvents(ctx context.Context, serverID int32, limit int) ([]*ServerEvent, error) {
	return s.driver.ListServerEvents(ctx, serverID, limit)
}
