package store

import (
	"context"
	"encoding/json"
	"time"
)

// TicketShadow tracks one external ticket observed as active.
type TicketShadow struct {
	TicketID   int64
	Number     string
	State      string // last seen state; StateDeferred before the first send
	LastSeenAt time.Time
}

// StateDeferred marks a shadow whose chat message has not been sent yet
// (cold-start flood cap); the next poll iteration picks it up.
const StateDeferred = "__deferred__"

// TicketMessage is the chat rendering of a ticket in one (chat, topic).
type TicketMessage struct {
	TicketID          int64
	ChatID            int64
	TopicID           *int64
	MessageID         int
	LastRenderedState string
	SentAt            time.Time
	UpdatedAt         time.Time
}

// PrivateTicketMessage is a per-agent personal copy of a taken ticket.
type PrivateTicketMessage struct {
	ChatUserID int32
	TicketID   int64
	MessageID  int
	CreatedAt  time.Time
}

// TicketActionKind enumerates recorded agent actions.
type TicketActionKind string

const (
	TicketActionAssigned  TicketActionKind = "assigned"
	TicketActionClosed    TicketActionKind = "closed"
	TicketActionRejected  TicketActionKind = "rejected"
	TicketActionCommented TicketActionKind = "commented"
)

// TicketAction is the audit record of an agent acting on a ticket via the bot.
type TicketAction struct {
	ID         int64
	ChatUserID int32
	Kind       TicketActionKind
	TicketID   int64
	Number     string
	Title      string
	Details    json.RawMessage
	At         time.Time
}

// UpsertTicketShadow records the ticket as observed; a conflict on ticket_id
// updates state and last_seen_at.
func (s *Store) UpsertTicketShadow(ctx context.Context, upsert *TicketShadow) error {
	return s.driver.UpsertTicketShadow(ctx, upsert)
}

// ListTicketShadows returns every tracked ticket.
func (s *Store) ListTicketShadows(ctx context.Context) ([]*TicketShadow, error) {
	return s.driver.ListTicketShadows(ctx)
}

// SaveTicketMessage stores the chat rendering; a conflict on
// (ticket, chat, topic) updates message_id and last_rendered_state.
func (s *Store) SaveTicketMessage(ctx context.Context, save *TicketMessage) error {
	return s.driver.SaveTicketMessage(ctx, save)
}

// ListTicketMessages returns the renderings present in one (chat, topic).
func (s *Store) ListTicketMessages(ctx context.Context, chatID int64, topicID *int64) ([]*TicketMessage, error) {
	return s.driver.ListTicketMessages(ctx, chatID, topicID)
}

// DeleteTicketArtifacts removes the shadow and every TicketMessage for the
// ticket in one transaction. Private mirrors are removed separately because
// their chat messages must be deleted first.
func (s *Store) DeleteTicketArtifacts(ctx context.Context, ticketID int64) error {
	return s.driver.DeleteTicketArtifacts(ctx, ticketID)
}

// SavePrivateTicketMessage stores a personal copy reference.
func (s *Store) SavePrivateTicketMessage(ctx context.Context, save *PrivateTicketMessage) error {
	return s.driver.SavePrivateTicketMessage(ctx, save)
}

// ListPrivateTicketMessages returns every personal copy of the ticket.
func (s *Store) ListPrivateTicketMessages(ctx context.Context, ticketID int64) ([]*PrivateTicketMessage, error) {
	return s.driver.ListPrivateTicketMessages(ctx, ticketID)
}

// DeletePrivateTicketMessages removes all personal copy rows of the ticket.
func (s *Store) DeletePrivateTicketMessages(ctx context.Context, ticketID int64) error {
	return s.driver.DeletePrivateTicketMessages(ctx, ticketID)
}

// CreateTicketAction appends to the action journal.
func (s *Store) CreateTicketAction(ctx context.Context, create *TicketAction) error {
	return s.driver.CreateTicketAction(ctx, create)
}

// ListTicketActions returns actions with since <= at < until, oldest first.
// The weekly report is built from this window.
func (s *Store) ListTicketActions(ctx context.Context, since, until time.Time) ([]*TicketAction, error) {
	return s.driver.ListTicketActions(ctx, since, until)
}
