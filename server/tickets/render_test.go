package tickets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/deskops/plugin/otrs"
	"github.com/hrygo/deskops/plugin/telegram"
)

func buttonTexts(kb telegram.Keyboard) []string {
	var out []string
	for _, row := range kb {
		for _, b := range row {
			out = append(out, b.Text)
		}
	}
	return out
}

func hasButton(kb telegram.Keyboard, data string) bool {
	for _, row := range kb {
		for _, b := range row {
			if b.Data == data {
				return true
			}
		}
	}
	return false
}

func TestOwnerUnassigned(t *testing.T) {
	for _, owner := range []string{"", "root", "Admin", "root@localhost", "telegram_bot", " BOT ", "-", "none"} {
		assert.True(t, ownerUnassigned(owner), "owner %q", owner)
	}
	for _, owner := range []string{"alice", "ivan.petrov", "botvinnik"} {
		assert.False(t, ownerUnassigned(owner), "owner %q", owner)
	}
}

func TestKeyboardForUnassignedTicket(t *testing.T) {
	ticket := &otrs.Ticket{TicketID: 501, State: "new", Owner: "root@localhost"}
	kb := deriveKeyboard(ticket, "https://otrs.example.com/otrs/index.pl?Action=AgentTicketZoom;TicketID=501", false)

	assert.True(t, hasButton(kb, callbackData(ActionTake, 501)))
	assert.True(t, hasButton(kb, callbackData(ActionComment, 501)))
	assert.True(t, hasButton(kb, callbackData(ActionReject, 501)))
	assert.True(t, hasButton(kb, callbackData(ActionRefresh, 501)))
	assert.False(t, hasButton(kb, callbackData(ActionClose, 501)))
	assert.False(t, hasButton(kb, callbackData(ActionReassign, 501)))
}

func TestKeyboardForAssignedTicket(t *testing.T) {
	ticket := &otrs.Ticket{TicketID: 501, State: "open", Owner: "alice"}
	kb := deriveKeyboard(ticket, "", false)

	assert.True(t, hasButton(kb, callbackData(ActionClose, 501)))
	assert.True(t, hasButton(kb, callbackData(ActionComment, 501)))
	assert.True(t, hasButton(kb, callbackData(ActionReject, 501)))
	assert.True(t, hasButton(kb, callbackData(ActionReassign, 501)))
	assert.False(t, hasButton(kb, callbackData(ActionTake, 501)))
}

func TestKeyboardForClosedTicket(t *testing.T) {
	ticket := &otrs.Ticket{TicketID: 501, State: "closed successful", Owner: "alice"}
	kb := deriveKeyboard(ticket, "https://otrs.example.com/x", false)

	require.Len(t, kb, 1, "closed tickets carry only the passive row")
	assert.True(t, hasButton(kb, callbackData(ActionRefresh, 501)))
	assert.Len(t, buttonTexts(kb), 2)
}

func TestPrivateKeyboardDropsTakeAndReassign(t *testing.T) {
	assigned := &otrs.Ticket{TicketID: 501, State: "open", Owner: "alice"}
	kb := deriveKeyboard(assigned, "", true)
	assert.False(t, hasButton(kb, callbackData(ActionReassign, 501)))
	assert.True(t, hasButton(kb, callbackData(ActionRefreshPrivate, 501)))
	assert.False(t, hasButton(kb, callbackData(ActionRefresh, 501)))

	unassigned := &otrs.Ticket{TicketID: 501, State: "new", Owner: ""}
	kb = deriveKeyboard(unassigned, "", true)
	assert.False(t, hasButton(kb, callbackData(ActionTake, 501)))
}

func TestParseCallback(t *testing.T) {
	action, id, ok := ParseCallback("ticket:take:501")
	require.True(t, ok)
	assert.Equal(t, ActionTake, action)
	assert.Equal(t, int64(501), id)

	for _, data := range []string{"auth:authorize", "ticket:take", "ticket:take:abc", "garbage"} {
		_, _, ok := ParseCallback(data)
		assert.False(t, ok, "data %q", data)
	}
}

func TestRenderTicketEscapesHTML(t *testing.T) {
	ticket := &otrs.Ticket{
		TicketID: 501,
		Number:   "2024-0501",
		Title:    "<script>alert(1)</script>",
		State:    "new",
		Owner:    "",
		Articles: []string{"body & soul"},
	}
	text := renderTicket(ticket)
	assert.NotContains(t, text, "<script>")
	assert.Contains(t, text, "&lt;script&gt;")
	assert.Contains(t, text, "body &amp; soul")
	assert.Contains(t, text, "не назначен")
}
