package tickets

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/hrygo/deskops/plugin/otrs"
	"github.com/hrygo/deskops/plugin/telegram"
)

// Callback actions encoded into keyboard buttons as "ticket:<action>:<id>".
const (
	ActionTake           = "take"
	ActionClose          = "close"
	ActionReject         = "reject"
	ActionReassign       = "reassign"
	ActionComment        = "comment"
	ActionRefresh        = "refresh"
	ActionRefreshPrivate = "refresh_private"
)

const callbackPrefix = "ticket"

const articleExcerptLimit = 300

// Owner logins that mean "nobody has taken this ticket yet".
var unassignedOwners = map[string]bool{
	"":               true,
	"root":           true,
	"admin":          true,
	"root@localhost": true,
	"telegram_bot":   true,
	"bot":            true,
	"support_bot":    true,
	"-":              true,
	"none":           true,
}

func ownerUnassigned(owner string) bool {
	return unassignedOwners[strings.ToLower(strings.TrimSpace(owner))]
}

func isClosed(state string) bool {
	return strings.Contains(strings.ToLower(state), "closed")
}

func callbackData(action string, ticketID int64) string {
	return fmt.Sprintf("%s:%s:%d", callbackPrefix, action, ticketID)
}

// ParseCallback splits button callback data; ok is false for data that does
// not belong to this package.
func ParseCallback(data string) (action string, ticketID int64, ok bool) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != callbackPrefix {
		return "", 0, false
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[1], id, true
}

func ticketURL(baseURL string, ticketID int64) string {
	if baseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/index.pl?Action=AgentTicketZoom;TicketID=%d",
		strings.TrimRight(baseURL, "/"), ticketID)
}

// renderTicket formats the ticket card in HTML parse mode.
func renderTicket(t *otrs.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎫 <b>Заявка #%s</b>\n", html.EscapeString(t.Number))
	fmt.Fprintf(&b, "<b>Тема:</b> %s\n", html.EscapeString(t.Title))
	fmt.Fprintf(&b, "<b>Статус:</b> %s\n", html.EscapeString(t.State))
	fmt.Fprintf(&b, "<b>Приоритет:</b> %s\n", html.EscapeString(t.Priority))
	fmt.Fprintf(&b, "<b>Очередь:</b> %s\n", html.EscapeString(t.Queue))
	owner := t.Owner
	if ownerUnassigned(owner) {
		owner = "не назначен"
	}
	fmt.Fprintf(&b, "<b>Исполнитель:</b> %s\n", html.EscapeString(owner))
	if t.Customer != "" {
		fmt.Fprintf(&b, "<b>Клиент:</b> %s\n", html.EscapeString(t.Customer))
	}
	if !t.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "<b>Создана:</b> %s\n", t.CreatedAt.Format("02.01.2006 15:04"))
	}
	if len(t.Articles) > 0 {
		excerpt := strings.TrimSpace(t.Articles[len(t.Articles)-1])
		if len(excerpt) > articleExcerptLimit {
			excerpt = excerpt[:articleExcerptLimit] + "…"
		}
		if excerpt != "" {
			fmt.Fprintf(&b, "\n%s", html.EscapeString(excerpt))
		}
	}
	return b.String()
}

// deriveKeyboard builds the action keyboard from ticket state and ownership.
// The private variant drops Take and Reassign and refreshes the personal
// copy instead of the shared one.
func deriveKeyboard(t *otrs.Ticket, url string, private bool) telegram.Keyboard {
	refreshAction := ActionRefresh
	if private {
		refreshAction = ActionRefreshPrivate
	}
	refresh := telegram.Button{Text: "🔄 Обновить", Data: callbackData(refreshAction, t.TicketID)}

	var rows telegram.Keyboard
	switch {
	case isClosed(t.State):
		// No mutations on a closed ticket.
	case ownerUnassigned(t.Owner):
		row := []telegram.Button{
			{Text: "💬 Комментарий", Data: callbackData(ActionComment, t.TicketID)},
			{Text: "❌ Отклонить", Data: callbackData(ActionReject, t.TicketID)},
		}
		if !private {
			row = append([]telegram.Button{
				{Text: "✅ Взять", Data: callbackData(ActionTake, t.TicketID)},
			}, row...)
		}
		rows = append(rows, row)
	default:
		first := []telegram.Button{
			{Text: "☑️ Закрыть", Data: callbackData(ActionClose, t.TicketID)},
			{Text: "💬 Комментарий", Data: callbackData(ActionComment, t.TicketID)},
		}
		second := []telegram.Button{
			{Text: "❌ Отклонить", Data: callbackData(ActionReject, t.TicketID)},
		}
		if !private {
			second = append(second, telegram.Button{
				Text: "↩️ Переназначить", Data: callbackData(ActionReassign, t.TicketID),
			})
		}
		rows = append(rows, first, second)
	}

	last := []telegram.Button{refresh}
	if url != "" {
		last = append(last, telegram.Button{Text: "Открыть в OTRS", URL: url})
	}
	return append(rows, last)
}
