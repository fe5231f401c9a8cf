package tickets

import (
	"sync"
	"time"
)

// PendingKind is the free-text input an action is waiting for.
type PendingKind string

const (
	PendingCloseReason  PendingKind = "close_reason"
	PendingRejectReason PendingKind = "reject_reason"
	PendingComment      PendingKind = "comment"
)

const pendingActionTTL = 10 * time.Minute

// PendingAction binds the next free-text message of a user to a ticket
// action.
type PendingAction struct {
	Kind            PendingKind
	TicketID        int64
	PromptChatID    int64
	PromptTopicID   *int64
	PromptMessageID int
	// AnchorMessageID is the ticket message the prompt replied to.
	AnchorMessageID int
	CreatedAt       time.Time
}

// Broker holds at most one pending action per user. Entries expire lazily
// after ten minutes; a new expectation replaces the prior one.
type Broker struct {
	mu     sync.Mutex
	byUser map[int32]*PendingAction
}

func NewBroker() *Broker {
	return &Broker{byUser: make(map[int32]*PendingAction)}
}

// Expect registers the expectation, replacing any prior one for the user.
func (b *Broker) Expect(chatUserID int32, action *PendingAction) {
	action.CreatedAt = time.Now()
	b.mu.Lock()
	b.byUser[chatUserID] = action
	b.mu.Unlock()
}

// Take removes and returns the user's pending action, nil when none is live.
func (b *Broker) Take(chatUserID int32) *PendingAction {
	b.mu.Lock()
	defer b.mu.Unlock()
	action, ok := b.byUser[chatUserID]
	if !ok {
		return nil
	}
	delete(b.byUser, chatUserID)
	if time.Since(action.CreatedAt) > pendingActionTTL {
		return nil
	}
	return action
}

// Cancel drops the user's expectation, if any.
func (b *Broker) Cancel(chatUserID int32) {
	b.mu.Lock()
	delete(b.byUser, chatUserID)
	b.mu.Unlock()
}
