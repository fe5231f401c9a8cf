package tickets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskops/plugin/otrs"
	"github.com/hrygo/deskops/plugin/telegram"
	"github.com/hrygo/deskops/server/messenger"
	"github.com/hrygo/deskops/store"
)

const (
	stateOpen             = "open"
	stateClosedSuccessful = "closed successful"
	stateClosedRejected   = "closed unsuccessful"
	reassignOwner         = "telegram_bot"
)

const brokeredCleanupDelay = 30 * time.Second

const (
	toastNotVerified  = "⛔ Сначала авторизуйтесь в личном чате с ботом"
	toastNotAgent     = "⛔ Ваш email не привязан к агенту OTRS"
	toastNotOwner     = "⛔ Заявка назначена на другого агента"
	toastUnavailable  = "⚠️ OTRS недоступен, попробуйте позже"
	toastRefreshed    = "Обновлено"
	toastAwaitReason  = "Отправьте причину ответным сообщением"
	toastAwaitComment = "Отправьте текст комментария ответным сообщением"
)

// HandleAction executes one keyboard callback. The returned toast is shown
// to the user in the callback answer.
func (r *Reconciler) HandleAction(ctx context.Context, user *store.ChatUser, action string, ticketID, chatID int64, messageID int) (string, error) {
	switch action {
	case ActionRefresh:
		return r.refreshShared(ctx, ticketID, chatID, messageID)
	case ActionRefreshPrivate:
		return r.refreshPrivate(ctx, ticketID, chatID, messageID)
	}

	verified, err := r.store.GetVerifiedUser(ctx, user.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return toastNotVerified, nil
		}
		return "", err
	}

	switch action {
	case ActionTake:
		return r.take(ctx, user, verified, ticketID, chatID, messageID)
	case ActionReassign:
		return r.reassign(ctx, ticketID, chatID, messageID)
	case ActionClose:
		return r.expectReason(ctx, user, verified, PendingCloseReason, ticketID, chatID, messageID)
	case ActionReject:
		return r.expectReason(ctx, user, verified, PendingRejectReason, ticketID, chatID, messageID)
	case ActionComment:
		return r.expectComment(ctx, user, ticketID, chatID, messageID)
	}
	return "", errors.Errorf("unknown ticket action %q", action)
}

// ResolveLogin probes the ticket store for an agent login derived from the
// email, trying the local part's first dotted segment, the full local part,
// its collapsed and underscored forms, and the full address. An empty return
// means no variant is an agent. Implements the auth package's resolver.
func (r *Reconciler) ResolveLogin(ctx context.Context, email string) (string, error) {
	r.loginMu.Lock()
	cached, ok := r.loginByEmail[email]
	r.loginMu.Unlock()
	if ok {
		return cached, nil
	}

	for _, candidate := range loginVariants(email) {
		accepted, err := r.tickets.VerifyAgentLogin(ctx, candidate)
		if err != nil {
			return "", err
		}
		if accepted {
			r.loginMu.Lock()
			r.loginByEmail[email] = candidate
			r.loginMu.Unlock()
			return candidate, nil
		}
	}
	r.loginMu.Lock()
	r.loginByEmail[email] = ""
	r.loginMu.Unlock()
	return "", nil
}

func loginVariants(email string) []string {
	local := email
	if at := strings.Index(email, "@"); at > 0 {
		local = email[:at]
	}
	candidates := []string{
		strings.SplitN(local, ".", 2)[0],
		local,
		strings.ReplaceAll(local, ".", ""),
		strings.ReplaceAll(local, ".", "_"),
		email,
	}
	var out []string
	seen := make(map[string]bool)
	for _, candidate := range candidates {
		if candidate == "" || seen[candidate] {
			continue
		}
		seen[candidate] = true
		out = append(out, candidate)
	}
	return out
}

func (r *Reconciler) take(ctx context.Context, user *store.ChatUser, verified *store.VerifiedUser, ticketID, chatID int64, messageID int) (string, error) {
	login, err := r.ResolveLogin(ctx, verified.Email)
	if err != nil {
		return toastUnavailable, nil
	}
	if login == "" {
		return toastNotAgent, nil
	}

	l := r.ticketLock(ticketID)
	l.Lock()
	defer l.Unlock()

	owner := login
	state := stateOpen
	note := fmt.Sprintf("Assigned to %s (%s) via bot", login, verified.Email)
	err = r.tickets.UpdateTicket(ctx, ticketID, &otrs.Update{
		State:   &state,
		Owner:   &owner,
		Article: &otrs.Article{Subject: "Ticket assigned", Body: note},
	})
	if toast, failed := actionFailureToast(err); failed {
		return toast, nil
	}

	ticket, err := r.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return toastUnavailable, nil
	}
	r.recordAction(ctx, user.ID, store.TicketActionAssigned, ticket, map[string]string{"login": login})
	r.rerenderLocked(ctx, ticket, chatID, messageID)

	// Personal copy in the agent's private chat.
	privateID, err := r.messenger.Send(ctx, user.PlatformUserID, renderTicket(ticket), telegram.SendOptions{
		Keyboard:  deriveKeyboard(ticket, ticketURL(r.baseURL(ctx), ticketID), true),
		ParseMode: telegram.ParseModeHTML,
	})
	if err != nil {
		slog.Warn("tickets: failed to send private mirror", "ticket", ticketID, "error", err)
	} else if err := r.store.SavePrivateTicketMessage(ctx, &store.PrivateTicketMessage{
		ChatUserID: user.ID,
		TicketID:   ticketID,
		MessageID:  privateID,
	}); err != nil {
		slog.Error("tickets: failed to save private mirror row", "ticket", ticketID, "error", err)
	}

	return fmt.Sprintf("✅ Заявка назначена на %s", login), nil
}

func (r *Reconciler) reassign(ctx context.Context, ticketID, chatID int64, messageID int) (string, error) {
	l := r.ticketLock(ticketID)
	l.Lock()
	defer l.Unlock()

	owner := reassignOwner
	state := "new"
	err := r.tickets.UpdateTicket(ctx, ticketID, &otrs.Update{State: &state, Owner: &owner})
	if toast, failed := actionFailureToast(err); failed {
		return toast, nil
	}
	ticket, err := r.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return toastUnavailable, nil
	}
	r.rerenderLocked(ctx, ticket, chatID, messageID)
	return "↩️ Заявка возвращена в очередь", nil
}

// expectReason guards ownership and arms the broker for a close or reject
// reason.
func (r *Reconciler) expectReason(ctx context.Context, user *store.ChatUser, verified *store.VerifiedUser, kind PendingKind, ticketID, chatID int64, messageID int) (string, error) {
	login, err := r.ResolveLogin(ctx, verified.Email)
	if err != nil {
		return toastUnavailable, nil
	}
	if login == "" {
		return toastNotAgent, nil
	}

	ticket, err := r.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return toastUnavailable, nil
	}
	if !ownerUnassigned(ticket.Owner) && !strings.EqualFold(ticket.Owner, login) {
		return toastNotOwner, nil
	}

	prompt := fmt.Sprintf("Укажите причину закрытия заявки #%s ответным сообщением.", ticket.Number)
	if kind == PendingRejectReason {
		prompt = fmt.Sprintf("Укажите причину отклонения заявки #%s ответным сообщением.", ticket.Number)
	}
	return r.armBroker(ctx, user.ID, kind, ticketID, chatID, messageID, prompt, toastAwaitReason)
}

func (r *Reconciler) expectComment(ctx context.Context, user *store.ChatUser, ticketID, chatID int64, messageID int) (string, error) {
	prompt := "Отправьте текст комментария ответным сообщением."
	return r.armBroker(ctx, user.ID, PendingComment, ticketID, chatID, messageID, prompt, toastAwaitComment)
}

func (r *Reconciler) armBroker(ctx context.Context, userID int32, kind PendingKind, ticketID, chatID int64, anchorID int, prompt, toast string) (string, error) {
	topicID := r.messenger.TopicOf(ctx, messenger.DestinationTasks)
	promptID, err := r.messenger.Notify(ctx, messenger.DestinationTasks, messenger.Notice{
		Text:    prompt,
		ReplyTo: anchorID,
	})
	if err != nil {
		return "", err
	}
	r.broker.Expect(userID, &PendingAction{
		Kind:            kind,
		TicketID:        ticketID,
		PromptChatID:    chatID,
		PromptTopicID:   topicID,
		PromptMessageID: promptID,
		AnchorMessageID: anchorID,
	})
	return toast, nil
}

// HandleBrokeredText consumes a free-text message when the user owes the
// broker a reason or comment body. Reports false when the text is not ours.
func (r *Reconciler) HandleBrokeredText(ctx context.Context, user *store.ChatUser, chatID int64, topicID *int64, messageID int, text string) (bool, error) {
	action := r.broker.Take(user.ID)
	if action == nil {
		return false, nil
	}

	l := r.ticketLock(action.TicketID)
	l.Lock()
	defer l.Unlock()

	var err error
	switch action.Kind {
	case PendingCloseReason:
		err = r.completeTerminal(ctx, user, action, stateClosedSuccessful, store.TicketActionClosed, text)
	case PendingRejectReason:
		err = r.completeTerminal(ctx, user, action, stateClosedRejected, store.TicketActionRejected, text)
	case PendingComment:
		err = r.completeComment(ctx, user, action, text)
	}

	// The reason and the prompt bubble leave the topic shortly after.
	if err := r.messenger.ScheduleDelete(ctx, chatID, messageID, topicID, brokeredCleanupDelay); err != nil {
		slog.Warn("tickets: failed to schedule reply cleanup", "error", err)
	}
	if err := r.messenger.ScheduleDelete(ctx, action.PromptChatID, action.PromptMessageID, action.PromptTopicID, brokeredCleanupDelay); err != nil {
		slog.Warn("tickets: failed to schedule prompt cleanup", "error", err)
	}
	return true, err
}

func (r *Reconciler) completeTerminal(ctx context.Context, user *store.ChatUser, action *PendingAction, state string, kind store.TicketActionKind, reason string) error {
	note := fmt.Sprintf("Closed via bot. Причина: %s", reason)
	if kind == store.TicketActionRejected {
		note = fmt.Sprintf("Rejected via bot. Причина: %s", reason)
	}
	err := r.tickets.UpdateTicket(ctx, action.TicketID, &otrs.Update{
		State:   &state,
		Article: &otrs.Article{Subject: "Ticket " + string(kind), Body: note},
	})
	if toast, failed := actionFailureToast(err); failed {
		r.ephemeralTasksReply(ctx, toast)
		return err
	}

	ticket, err := r.tickets.GetTicket(ctx, action.TicketID)
	if err != nil {
		slog.Warn("tickets: failed to re-fetch closed ticket", "ticket", action.TicketID, "error", err)
		ticket = &otrs.Ticket{TicketID: action.TicketID}
	}
	r.recordAction(ctx, user.ID, kind, ticket, map[string]string{"reason": reason})

	r.retireLocked(ctx, action.TicketID, r.messenger.Chat(ctx), action.AnchorMessageID)

	confirmation := "☑️ Заявка закрыта"
	if kind == store.TicketActionRejected {
		confirmation = "❌ Заявка отклонена"
	}
	r.ephemeralTasksReply(ctx, confirmation)
	return nil
}

func (r *Reconciler) completeComment(ctx context.Context, user *store.ChatUser, action *PendingAction, body string) error {
	err := r.tickets.UpdateTicket(ctx, action.TicketID, &otrs.Update{
		Article: &otrs.Article{Subject: "Comment via bot", Body: body},
	})
	if toast, failed := actionFailureToast(err); failed {
		r.ephemeralTasksReply(ctx, toast)
		return err
	}

	ticket, err := r.tickets.GetTicket(ctx, action.TicketID)
	if err != nil {
		return err
	}
	r.recordAction(ctx, user.ID, store.TicketActionCommented, ticket, nil)
	r.rerenderLocked(ctx, ticket, r.messenger.Chat(ctx), action.AnchorMessageID)
	r.ephemeralTasksReply(ctx, "💬 Комментарий добавлен")
	return nil
}

func (r *Reconciler) refreshShared(ctx context.Context, ticketID, chatID int64, messageID int) (string, error) {
	l := r.ticketLock(ticketID)
	l.Lock()
	defer l.Unlock()

	ticket, err := r.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return toastUnavailable, nil
	}
	r.rerenderLocked(ctx, ticket, chatID, messageID)
	return toastRefreshed, nil
}

func (r *Reconciler) refreshPrivate(ctx context.Context, ticketID, chatID int64, messageID int) (string, error) {
	l := r.ticketLock(ticketID)
	l.Lock()
	defer l.Unlock()

	ticket, err := r.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return toastUnavailable, nil
	}
	if err := r.messenger.Edit(ctx, chatID, messageID, renderTicket(ticket),
		deriveKeyboard(ticket, ticketURL(r.baseURL(ctx), ticketID), true)); err != nil {
		slog.Warn("tickets: failed to refresh private mirror", "ticket", ticketID, "error", err)
	}
	return toastRefreshed, nil
}

// rerenderLocked edits the shared rendering and keeps the message row in
// step. Callers hold the ticket lock.
func (r *Reconciler) rerenderLocked(ctx context.Context, ticket *otrs.Ticket, chatID int64, messageID int) {
	if err := r.messenger.Edit(ctx, chatID, messageID, renderTicket(ticket),
		deriveKeyboard(ticket, ticketURL(r.baseURL(ctx), ticket.TicketID), false)); err != nil {
		slog.Warn("tickets: failed to edit ticket message", "ticket", ticket.TicketID, "error", err)
		return
	}
	if message, err := r.findMessage(ctx, ticket.TicketID); err == nil && message != nil {
		message.LastRenderedState = ticket.State
		if err := r.store.SaveTicketMessage(ctx, message); err != nil {
			slog.Error("tickets: failed to update message row", "ticket", ticket.TicketID, "error", err)
		}
	}
}

func (r *Reconciler) recordAction(ctx context.Context, userID int32, kind store.TicketActionKind, ticket *otrs.Ticket, details map[string]string) {
	action := &store.TicketAction{
		ChatUserID: userID,
		Kind:       kind,
	}
	if ticket != nil {
		action.TicketID = ticket.TicketID
		action.Number = ticket.Number
		action.Title = ticket.Title
	}
	if len(details) > 0 {
		if raw, err := json.Marshal(details); err == nil {
			action.Details = raw
		}
	}
	if err := r.store.CreateTicketAction(ctx, action); err != nil {
		slog.Error("tickets: failed to record action", "kind", kind, "error", err)
	}
}

func (r *Reconciler) ephemeralTasksReply(ctx context.Context, text string) {
	if _, err := r.messenger.Notify(ctx, messenger.DestinationTasks, messenger.Notice{
		Text:      text,
		Ephemeral: true,
	}); err != nil {
		slog.Warn("tickets: failed to send status reply", "error", err)
	}
}

// actionFailureToast maps an UpdateTicket failure to a user-visible toast.
func actionFailureToast(err error) (string, bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, otrs.ErrRejected):
		message := err.Error()
		if len(message) > 120 {
			message = message[:120] + "…"
		}
		return "⚠️ OTRS отклонил операцию: " + message, true
	default:
		return toastUnavailable, true
	}
}
