package monitor

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"github.com/hrygo/deskops/store"
)

// formatDuration renders an elapsed interval with at most two units.
func formatDuration(d time.Duration) string {
	seconds := int64(d.Seconds())
	if seconds < 0 {
		seconds = 0
	}
	switch {
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	case seconds < 3600:
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	case seconds < 86400:
		return fmt.Sprintf("%dh %dm", seconds/3600, (seconds%3600)/60)
	default:
		return fmt.Sprintf("%dd %dh", seconds/86400, (seconds%86400)/3600)
	}
}

// dashboardText renders the persistent status board grouped by server group.
func (e *Engine) dashboardText(now time.Time) string {
	e.mu.Lock()
	statuses := make([]*status, 0, len(e.statuses))
	for _, st := range e.statuses {
		copied := *st
		statuses = append(statuses, &copied)
	}
	e.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].group != statuses[j].group {
			return statuses[i].group < statuses[j].group
		}
		return statuses[i].name < statuses[j].name
	})

	online := 0
	for _, st := range statuses {
		if st.isAlive {
			online++
		}
	}

	var b strings.Builder
	b.WriteString("🖥 <b>Мониторинг серверов</b>\n")
	fmt.Fprintf(&b, "Проверка: %s\n", now.Format("15:04:05 02.01.2006"))
	fmt.Fprintf(&b, "Онлайн: %d/%d\n", online, len(statuses))

	if len(statuses) == 0 {
		b.WriteString("\nСерверы не настроены")
		return b.String()
	}

	group := ""
	for _, st := range statuses {
		if st.group != group {
			group = st.group
			fmt.Fprintf(&b, "\n<b>%s</b>\n", html.EscapeString(group))
		}
		icon := "🟢"
		if !st.isAlive {
			icon = "🔴"
		}
		elapsed := formatDuration(now.Sub(st.lastStateChange))
		label := html.EscapeString(st.name)
		// The address adds nothing when the server is named by it.
		if st.address != "" && st.address != st.name {
			label += " (" + html.EscapeString(st.address) + ")"
		}
		fmt.Fprintf(&b, "%s %s — %s\n", icon, label, elapsed)
	}
	return strings.TrimRight(b.String(), "\n")
}

// metricsText renders the availability summary. Servers without any journaled
// event yet are shown with no derived figures.
func (e *Engine) metricsText(metrics []*store.ServerMetrics) string {
	byServer := make(map[int32]*store.ServerMetrics, len(metrics))
	for _, m := range metrics {
		byServer[m.ServerID] = m
	}

	e.mu.Lock()
	statuses := make([]*status, 0, len(e.statuses))
	for _, st := range e.statuses {
		copied := *st
		statuses = append(statuses, &copied)
	}
	e.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].group != statuses[j].group {
			return statuses[i].group < statuses[j].group
		}
		return statuses[i].name < statuses[j].name
	})

	var b strings.Builder
	b.WriteString("📊 <b>Доступность серверов</b>\n")
	for _, st := range statuses {
		m := byServer[st.serverID]
		if m == nil {
			fmt.Fprintf(&b, "\n<b>%s</b> — данных пока нет\n", html.EscapeString(st.name))
			continue
		}
		fmt.Fprintf(&b, "\n<b>%s</b> — %s\n", html.EscapeString(st.name),
			formatAvailability(st.firstSeen, st.lastSeen, m.TotalDowntimeSeconds))
		fmt.Fprintf(&b, "Простоев: %d, всего: %s\n", m.DowntimeCount,
			formatDuration(time.Duration(m.TotalDowntimeSeconds)*time.Second))
		fmt.Fprintf(&b, "Среднее: %s, максимум: %s\n",
			formatDuration(averageDowntime(m)),
			formatDuration(time.Duration(m.LongestDowntimeSeconds)*time.Second))
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatAvailability derives the uptime percentage from the observation
// window. A zero-length window reads as fully available.
func formatAvailability(firstSeen, lastSeen time.Time, downtimeSeconds int64) string {
	total := int64(lastSeen.Sub(firstSeen).Seconds())
	if total <= 0 {
		return "100.00%"
	}
	uptime := total - downtimeSeconds
	if uptime < 0 {
		uptime = 0
	}
	return fmt.Sprintf("%.2f%%", 100*float64(uptime)/float64(total))
}

func averageDowntime(m *store.ServerMetrics) time.Duration {
	if m.DowntimeCount == 0 {
		return 0
	}
	return time.Duration(m.TotalDowntimeSeconds/m.DowntimeCount) * time.Second
}
