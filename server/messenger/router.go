package messenger

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskops/plugin/telegram"
	"github.com/hrygo/deskops/store"
)

// Destination is a configured topic role inside the operations group chat.
// Callers address messages by role; the router resolves the topic id and the
// silence rule.
type Destination string

const (
	DestinationBot            Destination = "bot"
	DestinationPing           Destination = "ping"
	DestinationMetrics        Destination = "metrics"
	DestinationTasks          Destination = "tasks"
	DestinationEmployeeSearch Destination = "employee_search"
)

// Ephemeral replies in the tasks topic self-delete quickly.
const tasksEphemeralLifetime = 30 * time.Second

// Notice is one outbound notification.
type Notice struct {
	Text     string
	Keyboard telegram.Keyboard
	ReplyTo  int
	// Ephemeral schedules the message for deletion after the destination's
	// delete delay.
	Ephemeral bool
	ParseMode string
}

// ErrNoChat means the group chat id is not configured yet.
var ErrNoChat = errors.New("messenger: chat id not configured")

// Chat returns the configured group chat id, 0 when unset.
func (m *Manager) Chat(ctx context.Context) int64 {
	return m.options.Int64(ctx, store.SettingChatID, 0)
}

// TopicOf resolves the destination's topic id, nil when unconfigured.
func (m *Manager) TopicOf(ctx context.Context, dest Destination) *int64 {
	switch dest {
	case DestinationBot:
		return m.options.Topic(ctx, store.SettingTopicBot)
	case DestinationPing:
		return m.options.Topic(ctx, store.SettingTopicPing)
	case DestinationMetrics:
		return m.options.Topic(ctx, store.SettingTopicMetrics)
	case DestinationTasks:
		return m.options.Topic(ctx, store.SettingTopicTasks)
	case DestinationEmployeeSearch:
		return m.options.Topic(ctx, store.SettingTopicEmployees)
	}
	return nil
}

// Notify sends into the destination topic. Ephemeral replies in the tasks
// and employee-search topics are always silent; other sends notify.
func (m *Manager) Notify(ctx context.Context, dest Destination, notice Notice) (int, error) {
	chatID := m.Chat(ctx)
	if chatID == 0 {
		return 0, ErrNoChat
	}
	topicID := m.TopicOf(ctx, dest)

	silent := notice.Ephemeral && (dest == DestinationTasks || dest == DestinationEmployeeSearch)
	parseMode := notice.ParseMode
	if parseMode == "" {
		parseMode = telegram.ParseModeHTML
	}

	messageID, err := m.Send(ctx, chatID, notice.Text, telegram.SendOptions{
		TopicID:   topicID,
		Keyboard:  notice.Keyboard,
		Silent:    silent,
		ReplyTo:   notice.ReplyTo,
		ParseMode: parseMode,
	})
	if err != nil {
		return 0, err
	}

	if notice.Ephemeral {
		if err := m.ScheduleDelete(ctx, chatID, messageID, topicID, m.ephemeralDelay(ctx, dest)); err != nil {
			slog.Warn("messenger: failed to schedule ephemeral deletion", "destination", dest, "error", err)
		}
	}
	return messageID, nil
}

// RenderPersistent is Notify's counterpart for persistent slots: it resolves
// the destination and ensures the (chat, topic, kind) message.
func (m *Manager) RenderPersistent(ctx context.Context, dest Destination, kind store.MessageKind, text string, keyboard telegram.Keyboard) (int, error) {
	chatID := m.Chat(ctx)
	if chatID == 0 {
		return 0, ErrNoChat
	}
	return m.EnsurePersistent(ctx, chatID, m.TopicOf(ctx, dest), kind, text, keyboard)
}

func (m *Manager) ephemeralDelay(ctx context.Context, dest Destination) time.Duration {
	switch dest {
	case DestinationTasks:
		return tasksEphemeralLifetime
	case DestinationPing:
		return m.options.Seconds(ctx, store.SettingAlertLifetime, 30*time.Second)
	case DestinationEmployeeSearch:
		return m.options.Seconds(ctx, store.SettingSearchDeleteDelay, 5*time.Minute)
	}
	return m.options.Seconds(ctx, store.SettingBotDeleteDelay, 10*time.Minute)
}

// UserDeleteDelay is how long a user's own message in a managed topic stays
// before the drain removes it.
func (m *Manager) UserDeleteDelay(ctx context.Context) time.Duration {
	return m.options.Seconds(ctx, store.SettingUserDeleteDelay, 30*time.Second)
}

// AllowedTopic reports whether the topic is in the managed set.
func (m *Manager) AllowedTopic(ctx context.Context, topicID *int64) bool {
	if topicID == nil {
		return false
	}
	return m.options.Int64Set(ctx, store.SettingAllowedTopics)[*topicID]
}
