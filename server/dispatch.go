package server

import (
	"context"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hrygo/deskops/plugin/telegram"
	"github.com/hrygo/deskops/server/auth"
	"github.com/hrygo/deskops/server/tickets"
	"github.com/hrygo/deskops/store"
)

const helpText = "Доступные команды:\n" +
	"/start — авторизация и главное меню\n" +
	"/help — эта справка\n" +
	"/logout — выход из системы\n\n" +
	"Заявки и уведомления публикуются в темах рабочего чата."

func (s *Server) dispatch(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		s.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		s.handleMessage(ctx, update.Message)
	}
}

func (s *Server) upsertSender(ctx context.Context, from *tgbotapi.User) *store.ChatUser {
	if from == nil || from.IsBot {
		return nil
	}
	user, err := s.store.UpsertChatUser(ctx, &store.UpsertChatUser{
		PlatformUserID: from.ID,
		Username:       from.UserName,
		FullName:       strings.TrimSpace(from.FirstName + " " + from.LastName),
	})
	if err != nil {
		slog.Error("server: failed to upsert chat user", "user", from.ID, "error", err)
		return nil
	}
	return user
}

func (s *Server) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	user := s.upsertSender(ctx, msg.From)
	if user == nil {
		return
	}
	if msg.Chat.IsPrivate() {
		s.handlePrivateMessage(ctx, msg, user)
		return
	}
	s.handleGroupMessage(ctx, msg, user)
}

func (s *Server) handlePrivateMessage(ctx context.Context, msg *tgbotapi.Message, user *store.ChatUser) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		if err := s.auth.HandleStart(ctx, chatID, user); err != nil {
			slog.Error("server: /start failed", "user", user.ID, "error", err)
		}
		return
	case "help":
		if _, err := s.messenger.Send(ctx, chatID, helpText, telegram.SendOptions{}); err != nil {
			slog.Warn("server: failed to send help", "user", user.ID, "error", err)
		}
		return
	case "logout":
		if err := s.auth.HandleLogout(ctx, chatID, user); err != nil {
			slog.Error("server: /logout failed", "user", user.ID, "error", err)
		}
		return
	}

	// A pending reason/comment expectation wins over the auth flow.
	handled, err := s.tickets.HandleBrokeredText(ctx, user, chatID, nil, msg.MessageID, msg.Text)
	if err != nil {
		slog.Error("server: brokered text failed", "user", user.ID, "error", err)
	}
	if handled {
		return
	}

	handled, err = s.auth.HandleText(ctx, chatID, user, msg.MessageID, msg.Text)
	if err != nil {
		slog.Error("server: auth input failed", "user", user.ID, "error", err)
		return
	}
	if handled {
		return
	}

	// Anything the flows did not consume is noise; keep the private chat
	// clean.
	if err := s.messenger.Delete(ctx, chatID, msg.MessageID); err != nil {
		slog.Debug("server: failed to delete stray private message", "error", err)
	}
}

func (s *Server) handleGroupMessage(ctx context.Context, msg *tgbotapi.Message, user *store.ChatUser) {
	if msg.Chat.ID != s.messenger.Chat(ctx) {
		return
	}
	topicID := messageTopic(msg)

	handled, err := s.tickets.HandleBrokeredText(ctx, user, msg.Chat.ID, topicID, msg.MessageID, msg.Text)
	if err != nil {
		slog.Error("server: brokered text failed", "user", user.ID, "error", err)
	}
	if handled {
		return
	}

	// User chatter in managed topics gets a deletion deadline.
	if s.messenger.AllowedTopic(ctx, topicID) {
		if err := s.messenger.ScheduleDelete(ctx, msg.Chat.ID, msg.MessageID, topicID, s.messenger.UserDeleteDelay(ctx)); err != nil {
			slog.Warn("server: failed to schedule user message deletion", "error", err)
		}
	}
}

func (s *Server) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	user := s.upsertSender(ctx, cb.From)
	if user == nil || cb.Message == nil {
		s.answerCallback(ctx, cb.ID, "")
		return
	}
	chatID := cb.Message.Chat.ID
	messageID := cb.Message.MessageID

	switch cb.Data {
	case auth.CallbackAuthorize:
		if err := s.auth.HandleAuthorize(ctx, chatID, user); err != nil {
			slog.Error("server: authorize failed", "user", user.ID, "error", err)
		}
		s.answerCallback(ctx, cb.ID, "")
		return
	case auth.CallbackChangeEmail:
		if err := s.auth.HandleChangeEmail(ctx, chatID, user); err != nil {
			slog.Error("server: change email failed", "user", user.ID, "error", err)
		}
		s.answerCallback(ctx, cb.ID, "")
		return
	}

	if action, ticketID, ok := tickets.ParseCallback(cb.Data); ok {
		toast, err := s.tickets.HandleAction(ctx, user, action, ticketID, chatID, messageID)
		if err != nil {
			slog.Error("server: ticket action failed", "user", user.ID, "ticket", ticketID, "action", action, "error", err)
		}
		s.answerCallback(ctx, cb.ID, toast)
		return
	}

	s.answerCallback(ctx, cb.ID, "")
}

func (s *Server) answerCallback(ctx context.Context, callbackID, text string) {
	if err := s.telegram.AnswerCallback(ctx, callbackID, text); err != nil {
		slog.Debug("server: failed to answer callback", "error", err)
	}
}

// messageTopic extracts the forum topic id; general-chat messages have none.
func messageTopic(msg *tgbotapi.Message) *int64 {
	if msg.MessageThreadID == 0 {
		return nil
	}
	topic := int64(msg.MessageThreadID)
	return &topic
}
