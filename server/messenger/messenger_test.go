package messenger

import (
	"context"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/deskops/plugin/telegram"
	"github.com/hrygo/deskops/store"
)

type sentMessage struct {
	chatID int64
	text   string
	opts   telegram.SendOptions
}

type fakePlatform struct {
	mu      sync.Mutex
	nextID  int
	sends   []sentMessage
	edits   []int
	deletes []int

	sendErrs   []error
	editErrs   []error
	deleteErrs []error
	probeErr   error
	probes     int
}

func (f *fakePlatform) popErr(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (f *fakePlatform) SendMessage(_ context.Context, chatID int64, text string, opts telegram.SendOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popErr(&f.sendErrs); err != nil {
		return 0, err
	}
	f.nextID++
	f.sends = append(f.sends, sentMessage{chatID: chatID, text: text, opts: opts})
	return f.nextID, nil
}

func (f *fakePlatform) EditMessage(_ context.Context, _ int64, messageID int, _ string, _ telegram.Keyboard, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popErr(&f.editErrs); err != nil {
		return err
	}
	f.edits = append(f.edits, messageID)
	return nil
}

func (f *fakePlatform) DeleteMessage(_ context.Context, _ int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popErr(&f.deleteErrs); err != nil {
		return err
	}
	f.deletes = append(f.deletes, messageID)
	return nil
}

func (f *fakePlatform) ProbeChat(context.Context, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.probeErr
}

func (f *fakePlatform) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

type fakeStore struct {
	persistent []*store.PersistentMessage
	pending    []*store.PendingDeletion
}

func topicKey(topicID *int64) int64 {
	if topicID == nil {
		return 0
	}
	return *topicID
}

func (f *fakeStore) GetPersistentMessage(_ context.Context, chatID int64, topicID *int64, kind store.MessageKind) (*store.PersistentMessage, error) {
	for _, row := range f.persistent {
		if row.ChatID == chatID && topicKey(row.TopicID) == topicKey(topicID) && row.Kind == kind {
			return row, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UpsertPersistentMessage(_ context.Context, upsert *store.PersistentMessage) error {
	for _, row := range f.persistent {
		if row.ChatID == upsert.ChatID && topicKey(row.TopicID) == topicKey(upsert.TopicID) && row.Kind == upsert.Kind {
			row.MessageID = upsert.MessageID
			return nil
		}
	}
	f.persistent = append(f.persistent, upsert)
	return nil
}

func (f *fakeStore) DeletePersistentMessage(_ context.Context, chatID int64, topicID *int64, kind store.MessageKind) error {
	kept := f.persistent[:0]
	for _, row := range f.persistent {
		if !(row.ChatID == chatID && topicKey(row.TopicID) == topicKey(topicID) && row.Kind == kind) {
			kept = append(kept, row)
		}
	}
	f.persistent = kept
	return nil
}

func (f *fakeStore) SchedulePendingDeletion(_ context.Context, pending *store.PendingDeletion) error {
	f.pending = append(f.pending, pending)
	return nil
}

func (f *fakeStore) ListDuePendingDeletions(_ context.Context, now time.Time, _ int) ([]*store.PendingDeletion, error) {
	var due []*store.PendingDeletion
	for _, row := range f.pending {
		if !row.DeleteAt.After(now) {
			due = append(due, row)
		}
	}
	return due, nil
}

func (f *fakeStore) ListPendingDeletionsByTopic(_ context.Context, chatID, topicID int64) ([]*store.PendingDeletion, error) {
	var out []*store.PendingDeletion
	for _, row := range f.pending {
		if row.ChatID == chatID && row.TopicID != nil && *row.TopicID == topicID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) DeletePendingDeletion(_ context.Context, chatID int64, messageID int) error {
	kept := f.pending[:0]
	for _, row := range f.pending {
		if !(row.ChatID == chatID && row.MessageID == messageID) {
			kept = append(kept, row)
		}
	}
	f.pending = kept
	return nil
}

type fakeOptions struct {
	chatID  int64
	topics  map[string]int64
	allowed map[int64]bool
	seconds map[string]time.Duration
}

func (f *fakeOptions) Int64(_ context.Context, key string, def int64) int64 {
	if key == store.SettingChatID && f.chatID != 0 {
		return f.chatID
	}
	return def
}

func (f *fakeOptions) Topic(_ context.Context, key string) *int64 {
	if v, ok := f.topics[key]; ok {
		topic := v
		return &topic
	}
	return nil
}

func (f *fakeOptions) Int64Set(context.Context, string) map[int64]bool {
	if f.allowed == nil {
		return map[int64]bool{}
	}
	return f.allowed
}

func (f *fakeOptions) Seconds(_ context.Context, key string, def time.Duration) time.Duration {
	if v, ok := f.seconds[key]; ok {
		return v
	}
	return def
}

func newTestManager(platform *fakePlatform, st *fakeStore, opts *fakeOptions) *Manager {
	m := NewManager(platform, st, opts)
	m.retryWait = time.Millisecond
	return m
}

func TestEnsurePersistentFreshSend(t *testing.T) {
	platform := &fakePlatform{}
	st := &fakeStore{}
	m := newTestManager(platform, st, &fakeOptions{})
	topic := int64(12)

	id, err := m.EnsurePersistent(context.Background(), 100, &topic, store.MessageKindDashboard, "status", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	require.Len(t, platform.sends, 1)
	assert.True(t, platform.sends[0].opts.Silent, "persistent renders are silent")

	stored, err := st.GetPersistentMessage(context.Background(), 100, &topic, store.MessageKindDashboard)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.MessageID)
}

func TestEnsurePersistentEditsInPlace(t *testing.T) {
	platform := &fakePlatform{}
	topic := int64(12)
	st := &fakeStore{persistent: []*store.PersistentMessage{
		{ChatID: 100, TopicID: &topic, Kind: store.MessageKindDashboard, MessageID: 42},
	}}
	m := newTestManager(platform, st, &fakeOptions{})

	id, err := m.EnsurePersistent(context.Background(), 100, &topic, store.MessageKindDashboard, "status", nil)
	require.NoError(t, err)
	assert.Equal(t, 42, id)
	assert.Empty(t, platform.sends)
	assert.Equal(t, []int{42}, platform.edits)
}

func TestEnsurePersistentNotModifiedIsSuccess(t *testing.T) {
	platform := &fakePlatform{editErrs: []error{telegram.ErrNotModified}}
	topic := int64(12)
	st := &fakeStore{persistent: []*store.PersistentMessage{
		{ChatID: 100, TopicID: &topic, Kind: store.MessageKindDashboard, MessageID: 42},
	}}
	m := newTestManager(platform, st, &fakeOptions{})

	id, err := m.EnsurePersistent(context.Background(), 100, &topic, store.MessageKindDashboard, "status", nil)
	require.NoError(t, err)
	assert.Equal(t, 42, id)
	assert.Empty(t, platform.sends)
}

func TestEnsurePersistentResendsWhenMessageGone(t *testing.T) {
	platform := &fakePlatform{editErrs: []error{telegram.ErrMessageNotFound}}
	topic := int64(12)
	st := &fakeStore{persistent: []*store.PersistentMessage{
		{ChatID: 100, TopicID: &topic, Kind: store.MessageKindDashboard, MessageID: 42},
	}}
	m := newTestManager(platform, st, &fakeOptions{})

	id, err := m.EnsurePersistent(context.Background(), 100, &topic, store.MessageKindDashboard, "status", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, id, "slot falls back to a fresh send")

	stored, err := st.GetPersistentMessage(context.Background(), 100, &topic, store.MessageKindDashboard)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.MessageID)
}

func TestSendRetriesTransientFailures(t *testing.T) {
	serverErr := &tgbotapi.Error{Code: 502, Message: "bad gateway"}
	platform := &fakePlatform{sendErrs: []error{serverErr, serverErr}}
	m := newTestManager(platform, &fakeStore{}, &fakeOptions{})

	id, err := m.Send(context.Background(), 100, "hello", telegram.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	assert.Len(t, platform.sends, 1)
}

func TestSendGivesUpAfterCappedRetries(t *testing.T) {
	serverErr := &tgbotapi.Error{Code: 502, Message: "bad gateway"}
	platform := &fakePlatform{sendErrs: []error{serverErr, serverErr, serverErr, serverErr}}
	m := newTestManager(platform, &fakeStore{}, &fakeOptions{})

	_, err := m.Send(context.Background(), 100, "hello", telegram.SendOptions{})
	require.Error(t, err)
	assert.Empty(t, platform.sends)
}

func TestUnavailableChatShortCircuits(t *testing.T) {
	platform := &fakePlatform{sendErrs: []error{telegram.ErrChatUnavailable}}
	m := newTestManager(platform, &fakeStore{}, &fakeOptions{})

	_, err := m.Send(context.Background(), 100, "first", telegram.SendOptions{})
	require.ErrorIs(t, err, telegram.ErrChatUnavailable)

	// The second send must not reach the platform at all.
	_, err = m.Send(context.Background(), 100, "second", telegram.SendOptions{})
	require.ErrorIs(t, err, telegram.ErrChatUnavailable)
	assert.Empty(t, platform.sends)

	// Other chats are unaffected.
	id, err := m.Send(context.Background(), 200, "other", telegram.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestReprobeLiftsSuppressionWhenChatReturns(t *testing.T) {
	platform := &fakePlatform{sendErrs: []error{telegram.ErrChatUnavailable}}
	m := newTestManager(platform, &fakeStore{}, &fakeOptions{})
	m.reprobeWait = time.Millisecond
	defer m.Close()

	_, err := m.Send(context.Background(), 100, "first", telegram.SendOptions{})
	require.ErrorIs(t, err, telegram.ErrChatUnavailable)

	// The probe succeeds, so the background loop lifts the suppression.
	require.Eventually(t, func() bool { return !m.chatDown(100) }, time.Second, time.Millisecond)

	id, err := m.Send(context.Background(), 100, "second", telegram.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestCloseStopsReprobeLoop(t *testing.T) {
	platform := &fakePlatform{
		sendErrs: []error{telegram.ErrChatUnavailable},
		probeErr: telegram.ErrChatUnavailable,
	}
	m := newTestManager(platform, &fakeStore{}, &fakeOptions{})
	m.reprobeWait = time.Millisecond

	_, err := m.Send(context.Background(), 100, "first", telegram.SendOptions{})
	require.ErrorIs(t, err, telegram.ErrChatUnavailable)

	// The chat keeps failing, so the loop would spin forever without Close.
	require.Eventually(t, func() bool { return platform.probeCount() > 0 }, time.Second, time.Millisecond)
	m.Close()

	// Let any in-flight probe finish, then the count must stop moving.
	time.Sleep(20 * time.Millisecond)
	settled := platform.probeCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, platform.probeCount())
}

func TestDeleteTreatsMissingMessageAsSuccess(t *testing.T) {
	platform := &fakePlatform{deleteErrs: []error{telegram.ErrMessageNotFound}}
	m := newTestManager(platform, &fakeStore{}, &fakeOptions{})

	require.NoError(t, m.Delete(context.Background(), 100, 7))
}

func TestDrainHonorsTopicPolicy(t *testing.T) {
	platform := &fakePlatform{}
	st := &fakeStore{}
	allowedTopic := int64(12)
	strayTopic := int64(99)
	past := time.Now().Add(-time.Second)
	st.pending = []*store.PendingDeletion{
		{ChatID: 100, MessageID: 1, TopicID: &allowedTopic, DeleteAt: past},
		{ChatID: 100, MessageID: 2, TopicID: nil, DeleteAt: past},
		{ChatID: 100, MessageID: 3, TopicID: &strayTopic, DeleteAt: past},
		{ChatID: 100, MessageID: 4, TopicID: &allowedTopic, DeleteAt: time.Now().Add(time.Hour)},
	}
	m := newTestManager(platform, st, &fakeOptions{allowed: map[int64]bool{allowedTopic: true}})

	m.DrainDeletions(context.Background())

	// Only the due message in the allowed topic reaches the platform.
	assert.Equal(t, []int{1}, platform.deletes)
	// Due rows are gone either way; the future row stays.
	require.Len(t, st.pending, 1)
	assert.Equal(t, 4, st.pending[0].MessageID)
}

func TestDrainIsIdempotent(t *testing.T) {
	platform := &fakePlatform{}
	st := &fakeStore{}
	topic := int64(12)
	st.pending = []*store.PendingDeletion{
		{ChatID: 100, MessageID: 1, TopicID: &topic, DeleteAt: time.Now().Add(-time.Second)},
	}
	m := newTestManager(platform, st, &fakeOptions{allowed: map[int64]bool{topic: true}})

	m.DrainDeletions(context.Background())
	m.DrainDeletions(context.Background())

	assert.Equal(t, []int{1}, platform.deletes)
	assert.Empty(t, st.pending)
}

func TestNotifyEphemeralInTasksTopicIsSilent(t *testing.T) {
	platform := &fakePlatform{}
	st := &fakeStore{}
	m := newTestManager(platform, st, &fakeOptions{
		chatID: -100500,
		topics: map[string]int64{store.SettingTopicTasks: 7},
	})

	id, err := m.Notify(context.Background(), DestinationTasks, Notice{Text: "done", Ephemeral: true})
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	require.Len(t, platform.sends, 1)
	sent := platform.sends[0]
	assert.Equal(t, int64(-100500), sent.chatID)
	require.NotNil(t, sent.opts.TopicID)
	assert.Equal(t, int64(7), *sent.opts.TopicID)
	assert.True(t, sent.opts.Silent)

	require.Len(t, st.pending, 1)
	assert.WithinDuration(t, time.Now().Add(tasksEphemeralLifetime), st.pending[0].DeleteAt, 2*time.Second)
}

func TestNotifyNonEphemeralNotifies(t *testing.T) {
	platform := &fakePlatform{}
	m := newTestManager(platform, &fakeStore{}, &fakeOptions{
		chatID: -100500,
		topics: map[string]int64{store.SettingTopicTasks: 7},
	})

	_, err := m.Notify(context.Background(), DestinationTasks, Notice{Text: "new ticket"})
	require.NoError(t, err)
	require.Len(t, platform.sends, 1)
	assert.False(t, platform.sends[0].opts.Silent)
}

func TestNotifyWithoutChatConfigured(t *testing.T) {
	m := newTestManager(&fakePlatform{}, &fakeStore{}, &fakeOptions{})

	_, err := m.Notify(context.Background(), DestinationBot, Notice{Text: "hi"})
	assert.ErrorIs(t, err, ErrNoChat)
}

func TestCleanupEphemeralTopicsSkipsInstruction(t *testing.T) {
	platform := &fakePlatform{}
	searchTopic := int64(33)
	st := &fakeStore{
		persistent: []*store.PersistentMessage{
			{ChatID: -100500, TopicID: &searchTopic, Kind: store.MessageKindInstruction, MessageID: 5},
		},
		pending: []*store.PendingDeletion{
			{ChatID: -100500, MessageID: 5, TopicID: &searchTopic, DeleteAt: time.Now().Add(time.Hour)},
			{ChatID: -100500, MessageID: 6, TopicID: &searchTopic, DeleteAt: time.Now().Add(time.Hour)},
		},
	}
	m := newTestManager(platform, st, &fakeOptions{
		chatID: -100500,
		topics: map[string]int64{store.SettingTopicEmployees: searchTopic},
	})

	m.CleanupEphemeralTopics(context.Background())

	// The pinned instruction survives; both rows are gone.
	assert.Equal(t, []int{6}, platform.deletes)
	assert.Empty(t, st.pending)
}
