// Package tickets reconciles the external ticket store with the chat: new
// active tickets get a message in the tasks topic, state changes edit it,
// retired tickets take their messages down. Agent actions arrive as keyboard
// callbacks and, for reason/comment bodies, through the pending-action
// broker.
package tickets

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskops/plugin/otrs"
	"github.com/hrygo/deskops/plugin/telegram"
	"github.com/hrygo/deskops/server/messenger"
	"github.com/hrygo/deskops/store"
)

const (
	searchLimit = 50
	// Cold-start flood control: at most this many fresh sends per poll, the
	// rest deferred to the next iteration.
	maxNewSendsPerPoll = 5
	sendPacing         = 1500 * time.Millisecond
)

// TicketStore is the external ticket API, satisfied by *otrs.Client.
type TicketStore interface {
	SearchActive(ctx context.Context, limit int) ([]int64, error)
	GetTicket(ctx context.Context, ticketID int64) (*otrs.Ticket, error)
	UpdateTicket(ctx context.Context, ticketID int64, update *otrs.Update) error
	VerifyAgentLogin(ctx context.Context, login string) (bool, error)
}

// Repo is the persistence slice the reconciler needs, satisfied by
// *store.Store.
type Repo interface {
	UpsertTicketShadow(ctx context.Context, upsert *store.TicketShadow) error
	ListTicketShadows(ctx context.Context) ([]*store.TicketShadow, error)
	SaveTicketMessage(ctx context.Context, save *store.TicketMessage) error
	ListTicketMessages(ctx context.Context, chatID int64, topicID *int64) ([]*store.TicketMessage, error)
	DeleteTicketArtifacts(ctx context.Context, ticketID int64) error
	SavePrivateTicketMessage(ctx context.Context, save *store.PrivateTicketMessage) error
	ListPrivateTicketMessages(ctx context.Context, ticketID int64) ([]*store.PrivateTicketMessage, error)
	DeletePrivateTicketMessages(ctx context.Context, ticketID int64) error
	CreateTicketAction(ctx context.Context, create *store.TicketAction) error
	GetChatUser(ctx context.Context, id int32) (*store.ChatUser, error)
	GetVerifiedUser(ctx context.Context, chatUserID int32) (*store.VerifiedUser, error)
}

// Messenger is the outbound slice the reconciler needs, satisfied by
// *messenger.Manager.
type Messenger interface {
	Notify(ctx context.Context, dest messenger.Destination, notice messenger.Notice) (int, error)
	Send(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string, keyboard telegram.Keyboard) error
	Delete(ctx context.Context, chatID int64, messageID int) error
	ScheduleDelete(ctx context.Context, chatID int64, messageID int, topicID *int64, after time.Duration) error
	Chat(ctx context.Context) int64
	TopicOf(ctx context.Context, dest messenger.Destination) *int64
}

// Options is the runtime configuration slice, satisfied by *store.Settings.
type Options interface {
	String(ctx context.Context, key, def string) string
}

// Reconciler drives the poll loop and the agent actions.
type Reconciler struct {
	tickets   TicketStore
	store     Repo
	messenger Messenger
	options   Options
	broker    *Broker
	pacing    time.Duration

	mu          sync.Mutex
	ticketLocks map[int64]*sync.Mutex

	loginMu      sync.Mutex
	loginByEmail map[string]string
}

func NewReconciler(ticketStore TicketStore, repo Repo, m Messenger, options Options) *Reconciler {
	return &Reconciler{
		tickets:      ticketStore,
		store:        repo,
		messenger:    m,
		options:      options,
		broker:       NewBroker(),
		pacing:       sendPacing,
		ticketLocks:  make(map[int64]*sync.Mutex),
		loginByEmail: make(map[string]string),
	}
}

// Broker exposes the pending-action broker to the dispatcher.
func (r *Reconciler) Broker() *Broker {
	return r.broker
}

func (r *Reconciler) ticketLock(ticketID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.ticketLocks[ticketID]
	if !ok {
		l = &sync.Mutex{}
		r.ticketLocks[ticketID] = l
	}
	return l
}

func (r *Reconciler) baseURL(ctx context.Context) string {
	return r.options.String(ctx, store.SettingTicketBaseURL, "")
}

// Poll runs one reconcile iteration against the active ticket set.
func (r *Reconciler) Poll(ctx context.Context) error {
	chatID := r.messenger.Chat(ctx)
	if chatID == 0 {
		return nil
	}
	topicID := r.messenger.TopicOf(ctx, messenger.DestinationTasks)

	activeIDs, err := r.tickets.SearchActive(ctx, searchLimit)
	if err != nil {
		return errors.Wrap(err, "ticket search failed")
	}
	active := make(map[int64]bool, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = true
	}

	shadows, err := r.store.ListTicketShadows(ctx)
	if err != nil {
		return err
	}
	shadowByID := make(map[int64]*store.TicketShadow, len(shadows))
	for _, shadow := range shadows {
		shadowByID[shadow.TicketID] = shadow
	}
	messages, err := r.store.ListTicketMessages(ctx, chatID, topicID)
	if err != nil {
		return err
	}
	messageByID := make(map[int64]*store.TicketMessage, len(messages))
	for _, message := range messages {
		messageByID[message.TicketID] = message
	}

	newSends := 0
	for _, ticketID := range activeIDs {
		message, rendered := messageByID[ticketID]
		shadow := shadowByID[ticketID]
		deferred := shadow != nil && shadow.State == store.StateDeferred

		if !rendered || deferred {
			if newSends >= maxNewSendsPerPoll {
				if shadow == nil || !deferred {
					if err := r.store.UpsertTicketShadow(ctx, &store.TicketShadow{
						TicketID:   ticketID,
						State:      store.StateDeferred,
						LastSeenAt: time.Now(),
					}); err != nil {
						slog.Error("tickets: failed to defer ticket", "ticket", ticketID, "error", err)
					}
				}
				continue
			}
			if newSends > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(r.pacing):
				}
			}
			if err := r.announce(ctx, chatID, topicID, ticketID); err != nil {
				if errors.Is(err, otrs.ErrUnavailable) {
					return err
				}
				slog.Warn("tickets: failed to announce ticket", "ticket", ticketID, "error", err)
				continue
			}
			newSends++
			continue
		}

		if err := r.refreshKnown(ctx, chatID, message); err != nil {
			if errors.Is(err, otrs.ErrUnavailable) {
				return err
			}
			slog.Warn("tickets: failed to refresh ticket", "ticket", ticketID, "error", err)
		}
	}

	// Tickets that left the active set take their messages with them.
	for ticketID, shadow := range shadowByID {
		if active[ticketID] {
			continue
		}
		messageID := 0
		if message, ok := messageByID[ticketID]; ok {
			messageID = message.MessageID
		}
		slog.Info("tickets: ticket left the active set", "ticket", ticketID, "number", shadow.Number)
		r.retire(ctx, ticketID, chatID, messageID)
	}
	return nil
}

// announce fetches the ticket and sends its card to the tasks topic with a
// notification, then persists the shadow and the message row.
func (r *Reconciler) announce(ctx context.Context, chatID int64, topicID *int64, ticketID int64) error {
	l := r.ticketLock(ticketID)
	l.Lock()
	defer l.Unlock()

	ticket, err := r.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	messageID, err := r.messenger.Notify(ctx, messenger.DestinationTasks, messenger.Notice{
		Text:     renderTicket(ticket),
		Keyboard: deriveKeyboard(ticket, ticketURL(r.baseURL(ctx), ticketID), false),
	})
	if err != nil {
		return err
	}
	if err := r.store.UpsertTicketShadow(ctx, &store.TicketShadow{
		TicketID:   ticketID,
		Number:     ticket.Number,
		State:      ticket.State,
		LastSeenAt: time.Now(),
	}); err != nil {
		return err
	}
	return r.store.SaveTicketMessage(ctx, &store.TicketMessage{
		TicketID:          ticketID,
		ChatID:            chatID,
		TopicID:           topicID,
		MessageID:         messageID,
		LastRenderedState: ticket.State,
	})
}

// refreshKnown re-fetches a rendered ticket and edits the card when the
// state moved since the last render.
func (r *Reconciler) refreshKnown(ctx context.Context, chatID int64, message *store.TicketMessage) error {
	l := r.ticketLock(message.TicketID)
	l.Lock()
	defer l.Unlock()

	ticket, err := r.tickets.GetTicket(ctx, message.TicketID)
	if err != nil {
		return err
	}
	if err := r.store.UpsertTicketShadow(ctx, &store.TicketShadow{
		TicketID:   message.TicketID,
		Number:     ticket.Number,
		State:      ticket.State,
		LastSeenAt: time.Now(),
	}); err != nil {
		return err
	}
	if ticket.State == message.LastRenderedState {
		return nil
	}

	if err := r.messenger.Edit(ctx, chatID, message.MessageID, renderTicket(ticket),
		deriveKeyboard(ticket, ticketURL(r.baseURL(ctx), ticket.TicketID), false)); err != nil {
		return err
	}
	message.LastRenderedState = ticket.State
	return r.store.SaveTicketMessage(ctx, message)
}

// retire removes the chat message, every private mirror and the rows. A
// failed message delete downgrades to row deletion only.
func (r *Reconciler) retire(ctx context.Context, ticketID int64, chatID int64, messageID int) {
	l := r.ticketLock(ticketID)
	l.Lock()
	defer l.Unlock()
	r.retireLocked(ctx, ticketID, chatID, messageID)
}

func (r *Reconciler) retireLocked(ctx context.Context, ticketID int64, chatID int64, messageID int) {
	if messageID != 0 {
		if err := r.messenger.Delete(ctx, chatID, messageID); err != nil {
			slog.Warn("tickets: failed to delete ticket message", "ticket", ticketID, "error", err)
		}
	}

	mirrors, err := r.store.ListPrivateTicketMessages(ctx, ticketID)
	if err != nil {
		slog.Error("tickets: failed to list private mirrors", "ticket", ticketID, "error", err)
	}
	for _, mirror := range mirrors {
		owner, err := r.store.GetChatUser(ctx, mirror.ChatUserID)
		if err != nil {
			slog.Warn("tickets: mirror owner unknown", "ticket", ticketID, "user", mirror.ChatUserID, "error", err)
			continue
		}
		if err := r.messenger.Delete(ctx, owner.PlatformUserID, mirror.MessageID); err != nil {
			slog.Warn("tickets: failed to delete private mirror", "ticket", ticketID, "error", err)
		}
	}
	if err := r.store.DeletePrivateTicketMessages(ctx, ticketID); err != nil {
		slog.Error("tickets: failed to delete mirror rows", "ticket", ticketID, "error", err)
	}
	if err := r.store.DeleteTicketArtifacts(ctx, ticketID); err != nil {
		slog.Error("tickets: failed to delete ticket rows", "ticket", ticketID, "error", err)
	}
}

// findMessage returns the tasks-topic rendering of the ticket, nil when the
// ticket has none.
func (r *Reconciler) findMessage(ctx context.Context, ticketID int64) (*store.TicketMessage, error) {
	chatID := r.messenger.Chat(ctx)
	messages, err := r.store.ListTicketMessages(ctx, chatID, r.messenger.TopicOf(ctx, messenger.DestinationTasks))
	if err != nil {
		return nil, err
	}
	for _, message := range messages {
		if message.TicketID == ticketID {
			return message, nil
		}
	}
	return nil, nil
}
