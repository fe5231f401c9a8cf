package scheduler

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskops/server/messenger"
	"github.com/hrygo/deskops/store"
)

const reportWindow = 7 * 24 * time.Hour

type agentTally struct {
	label     string
	assigned  int
	closed    int
	rejected  int
	commented int
}

// SendWeeklyReport aggregates the last week of ticket actions per agent and
// posts the summary to the bot topic.
func (s *Scheduler) SendWeeklyReport(ctx context.Context) error {
	until := s.now()
	since := until.Add(-reportWindow)

	actions, err := s.store.ListTicketActions(ctx, since, until)
	if err != nil {
		return errors.Wrap(err, "listing ticket actions")
	}

	text := s.weeklyReportText(ctx, since, until, actions)
	if _, err := s.messenger.Notify(ctx, messenger.DestinationBot, messenger.Notice{Text: text}); err != nil {
		return errors.Wrap(err, "sending weekly report")
	}
	slog.Info("scheduler: weekly report sent", "actions", len(actions))
	return nil
}

func (s *Scheduler) weeklyReportText(ctx context.Context, since, until time.Time, actions []*store.TicketAction) string {
	var b strings.Builder
	b.WriteString("📈 <b>Отчёт по заявкам за неделю</b>\n")
	fmt.Fprintf(&b, "Период: %s — %s\n", since.Format("02.01"), until.Format("02.01.2006"))

	if len(actions) == 0 {
		b.WriteString("\nЗа неделю действий по заявкам не было")
		return b.String()
	}

	tallies := make(map[int32]*agentTally)
	for _, action := range actions {
		tally, ok := tallies[action.ChatUserID]
		if !ok {
			tally = &agentTally{label: s.agentLabel(ctx, action.ChatUserID)}
			tallies[action.ChatUserID] = tally
		}
		switch action.Kind {
		case store.TicketActionAssigned:
			tally.assigned++
		case store.TicketActionClosed:
			tally.closed++
		case store.TicketActionRejected:
			tally.rejected++
		case store.TicketActionCommented:
			tally.commented++
		}
	}

	ordered := make([]*agentTally, 0, len(tallies))
	for _, tally := range tallies {
		ordered = append(ordered, tally)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].closed != ordered[j].closed {
			return ordered[i].closed > ordered[j].closed
		}
		return ordered[i].label < ordered[j].label
	})

	for _, tally := range ordered {
		fmt.Fprintf(&b, "\n<b>%s</b>\n", html.EscapeString(tally.label))
		fmt.Fprintf(&b, "Взято: %d, закрыто: %d, отклонено: %d, комментариев: %d\n",
			tally.assigned, tally.closed, tally.rejected, tally.commented)
	}
	fmt.Fprintf(&b, "\nВсего действий: %d", len(actions))
	return b.String()
}

// agentLabel prefers the verified email, then the stored profile, then the
// raw id.
func (s *Scheduler) agentLabel(ctx context.Context, chatUserID int32) string {
	if verified, err := s.store.GetVerifiedUser(ctx, chatUserID); err == nil {
		return verified.Email
	}
	if user, err := s.store.GetChatUser(ctx, chatUserID); err == nil {
		if user.FullName != "" {
			return user.FullName
		}
		if user.Username != "" {
			return "@" + user.Username
		}
	}
	return fmt.Sprintf("user #%d", chatUserID)
}
