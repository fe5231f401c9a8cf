package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/deskops/internal/profile"
	"github.com/hrygo/deskops/server/messenger"
	"github.com/hrygo/deskops/store"
)

type fakeLeader struct {
	leading  bool
	lockBusy bool
	acquired []string
	released []string
}

func (f *fakeLeader) IsLeader() bool { return f.leading }

func (f *fakeLeader) Acquire(_ context.Context, name string, _ time.Duration) (bool, error) {
	if f.lockBusy {
		return false, nil
	}
	f.acquired = append(f.acquired, name)
	return true, nil
}

func (f *fakeLeader) Release(_ context.Context, name string) error {
	f.released = append(f.released, name)
	return nil
}

type fakeRepo struct {
	actions     []*store.TicketAction
	users       map[int32]*store.ChatUser
	verified    map[int32]*store.VerifiedUser
	employees   []*store.EmployeeRecord
	snapshots   []*store.EmployeeSnapshot
	prunedWith  int
	workerAlive bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:    make(map[int32]*store.ChatUser),
		verified: make(map[int32]*store.VerifiedUser),
	}
}

func (f *fakeRepo) ListTicketActions(_ context.Context, since, until time.Time) ([]*store.TicketAction, error) {
	var out []*store.TicketAction
	for _, action := range f.actions {
		if !action.At.Before(since) && action.At.Before(until) {
			out = append(out, action)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetChatUser(_ context.Context, id int32) (*store.ChatUser, error) {
	if user, ok := f.users[id]; ok {
		return user, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeRepo) GetVerifiedUser(_ context.Context, chatUserID int32) (*store.VerifiedUser, error) {
	if v, ok := f.verified[chatUserID]; ok {
		return v, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeRepo) ListEmployeeRecords(context.Context) ([]*store.EmployeeRecord, error) {
	return f.employees, nil
}

func (f *fakeRepo) CreateEmployeeSnapshot(_ context.Context, create *store.EmployeeSnapshot) (int64, error) {
	f.snapshots = append(f.snapshots, create)
	return int64(len(f.snapshots)), nil
}

func (f *fakeRepo) PruneAutoSnapshots(_ context.Context, keep int) (int64, error) {
	f.prunedWith = keep
	return 0, nil
}

func (f *fakeRepo) HasActiveNode(context.Context, profile.NodeKind, time.Duration) (bool, error) {
	return f.workerAlive, nil
}

type fakeMessenger struct {
	notices []messenger.Notice
}

func (f *fakeMessenger) Notify(_ context.Context, _ messenger.Destination, notice messenger.Notice) (int, error) {
	f.notices = append(f.notices, notice)
	return len(f.notices), nil
}

type fakeOptions struct {
	ints map[string]int
	strs map[string]string
}

func (f *fakeOptions) Int(_ context.Context, key string, def int) int {
	if f.ints != nil {
		if n, ok := f.ints[key]; ok {
			return n
		}
	}
	return def
}

func (f *fakeOptions) String(_ context.Context, key, def string) string {
	if f.strs != nil {
		if s, ok := f.strs[key]; ok {
			return s
		}
	}
	return def
}

func newTestScheduler(kind profile.NodeKind, repo *fakeRepo, m *fakeMessenger) *Scheduler {
	s := New(&fakeLeader{leading: true}, kind, repo, m, &fakeOptions{}, nil, nil, nil, nil)
	s.now = func() time.Time { return time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC) }
	return s
}

func action(userID int32, kind store.TicketActionKind, daysAgo int) *store.TicketAction {
	return &store.TicketAction{
		ChatUserID: userID,
		Kind:       kind,
		TicketID:   501,
		At:         time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC).Add(-time.Duration(daysAgo) * 24 * time.Hour),
	}
}

func TestWeeklyReportAggregatesPerAgent(t *testing.T) {
	repo := newFakeRepo()
	repo.verified[1] = &store.VerifiedUser{ChatUserID: 1, Email: "alice@a.com"}
	repo.users[2] = &store.ChatUser{ID: 2, FullName: "Боб Боборыкин"}
	repo.actions = []*store.TicketAction{
		action(1, store.TicketActionAssigned, 1),
		action(1, store.TicketActionClosed, 1),
		action(1, store.TicketActionClosed, 2),
		action(2, store.TicketActionCommented, 3),
		action(2, store.TicketActionRejected, 9), // outside the window
	}
	m := &fakeMessenger{}
	s := newTestScheduler(profile.NodeKindBot, repo, m)

	require.NoError(t, s.SendWeeklyReport(context.Background()))
	require.Len(t, m.notices, 1)
	text := m.notices[0].Text

	assert.Contains(t, text, "alice@a.com")
	assert.Contains(t, text, "Взято: 1, закрыто: 2, отклонено: 0, комментариев: 0")
	assert.Contains(t, text, "Боб Боборыкин")
	assert.Contains(t, text, "комментариев: 1")
	assert.Contains(t, text, "Всего действий: 4")
	assert.NotContains(t, text, "отклонено: 1", "stale action excluded")
}

func TestWeeklyReportEmptyWeek(t *testing.T) {
	m := &fakeMessenger{}
	s := newTestScheduler(profile.NodeKindBot, newFakeRepo(), m)

	require.NoError(t, s.SendWeeklyReport(context.Background()))
	require.Len(t, m.notices, 1)
	assert.Contains(t, m.notices[0].Text, "действий по заявкам не было")
}

func TestSnapshotOnWorkerLeader(t *testing.T) {
	email := "e@a.com"
	repo := newFakeRepo()
	repo.employees = []*store.EmployeeRecord{{ID: 1, FullName: "Alice", Email: &email}}
	s := newTestScheduler(profile.NodeKindWorker, repo, &fakeMessenger{})

	require.NoError(t, s.TakeSnapshot(context.Background()))
	require.Len(t, repo.snapshots, 1)

	snapshot := repo.snapshots[0]
	assert.Equal(t, "auto-2024-03-11", snapshot.Name)
	assert.Equal(t, store.SnapshotKindAuto, snapshot.Kind)
	assert.Equal(t, "scheduler", snapshot.CreatedBy)
	assert.Equal(t, snapshotKeep, repo.prunedWith)

	var decoded []*store.EmployeeRecord
	require.NoError(t, json.Unmarshal(snapshot.Payload, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "Alice", decoded[0].FullName)
}

func TestSnapshotBotYieldsToLiveWorker(t *testing.T) {
	repo := newFakeRepo()
	repo.workerAlive = true
	s := newTestScheduler(profile.NodeKindBot, repo, &fakeMessenger{})

	require.NoError(t, s.TakeSnapshot(context.Background()))
	assert.Empty(t, repo.snapshots)
}

func TestSnapshotBotCoversMissingWorker(t *testing.T) {
	repo := newFakeRepo()
	s := newTestScheduler(profile.NodeKindBot, repo, &fakeMessenger{})

	require.NoError(t, s.TakeSnapshot(context.Background()))
	assert.Len(t, repo.snapshots, 1)
}

func TestSnapshotSkippedWhenNotLeading(t *testing.T) {
	repo := newFakeRepo()
	s := New(&fakeLeader{leading: false}, profile.NodeKindWorker, repo, &fakeMessenger{}, &fakeOptions{}, nil, nil, nil, nil)
	s.now = time.Now

	require.NoError(t, s.TakeSnapshot(context.Background()))
	assert.Empty(t, repo.snapshots)
}

func TestSnapshotYieldsWhenLockHeld(t *testing.T) {
	repo := newFakeRepo()
	leader := &fakeLeader{leading: true, lockBusy: true}
	s := New(leader, profile.NodeKindWorker, repo, &fakeMessenger{}, &fakeOptions{}, nil, nil, nil, nil)
	s.now = time.Now

	require.NoError(t, s.TakeSnapshot(context.Background()))
	assert.Empty(t, repo.snapshots)
	assert.Empty(t, leader.released)
}

func TestChatJobsRequireBotLeader(t *testing.T) {
	tests := []struct {
		name    string
		kind    profile.NodeKind
		leading bool
		want    bool
	}{
		{"bot leader", profile.NodeKindBot, true, true},
		{"bot follower", profile.NodeKindBot, false, false},
		{"worker leader", profile.NodeKindWorker, true, false},
		{"web leader", profile.NodeKindWeb, true, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := New(&fakeLeader{leading: tc.leading}, tc.kind, newFakeRepo(), &fakeMessenger{}, &fakeOptions{}, nil, nil, nil, nil)
			assert.Equal(t, tc.want, s.leadsBot())
		})
	}
}

func TestMonitorSchedule(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{30, "*/30 * * * * *"},
		{15, "*/15 * * * * *"},
		{60, "0 * * * * *"},
		{0, "*/30 * * * * *"},
		{-5, "*/30 * * * * *"},
		{45, "*/30 * * * * *"}, // does not divide the minute
		{90, "*/30 * * * * *"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, monitorSchedule(tc.seconds), "seconds=%d", tc.seconds)
	}
}

func TestWeeklySchedule(t *testing.T) {
	assert.Equal(t, "0 0 9 * * MON", weeklySchedule("MON", 9))
	assert.Equal(t, "0 0 18 * * FRI", weeklySchedule(" fri ", 18))
	assert.Equal(t, "0 0 9 * * MON", weeklySchedule("someday", 9))
	assert.Equal(t, "0 0 9 * * SUN", weeklySchedule("SUN", 42))
}

func TestSnapshotSchedule(t *testing.T) {
	assert.Equal(t, "0 0 0 * * *", snapshotSchedule(0))
	assert.Equal(t, "0 0 3 * * *", snapshotSchedule(3))
	assert.Equal(t, "0 0 0 * * *", snapshotSchedule(24))
}

func TestSnapshotReleasesLock(t *testing.T) {
	repo := newFakeRepo()
	leader := &fakeLeader{leading: true}
	s := New(leader, profile.NodeKindWorker, repo, &fakeMessenger{}, &fakeOptions{}, nil, nil, nil, nil)
	s.now = time.Now

	require.NoError(t, s.TakeSnapshot(context.Background()))
	assert.Equal(t, []string{"employee-snapshot"}, leader.acquired)
	assert.Equal(t, []string{"employee-snapshot"}, leader.released)
}
