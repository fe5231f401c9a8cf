package tickets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerSingleSlot(t *testing.T) {
	b := NewBroker()
	b.Expect(1, &PendingAction{Kind: PendingCloseReason, TicketID: 501})
	b.Expect(1, &PendingAction{Kind: PendingComment, TicketID: 502})

	action := b.Take(1)
	require.NotNil(t, action)
	assert.Equal(t, PendingComment, action.Kind)
	assert.Equal(t, int64(502), action.TicketID, "a new expectation replaces the prior one")
	assert.Nil(t, b.Take(1), "the slot is consumed")
}

func TestBrokerExpiry(t *testing.T) {
	b := NewBroker()
	b.Expect(1, &PendingAction{Kind: PendingCloseReason, TicketID: 501})
	b.byUser[1].CreatedAt = time.Now().Add(-pendingActionTTL - time.Minute)

	assert.Nil(t, b.Take(1), "expired expectations are dropped on access")
	assert.Nil(t, b.Take(1))
}

func TestBrokerCancel(t *testing.T) {
	b := NewBroker()
	b.Expect(1, &PendingAction{Kind: PendingRejectReason, TicketID: 501})
	b.Cancel(1)
	assert.Nil(t, b.Take(1))
}

func TestBrokerPerUserIsolation(t *testing.T) {
	b := NewBroker()
	b.Expect(1, &PendingAction{Kind: PendingCloseReason, TicketID: 501})
	b.Expect(2, &PendingAction{Kind: PendingComment, TicketID: 502})

	first := b.Take(1)
	require.NotNil(t, first)
	assert.Equal(t, int64(501), first.TicketID)

	second := b.Take(2)
	require.NotNil(t, second)
	assert.Equal(t, int64(502), second.TicketID)
}
