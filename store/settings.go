package store

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Recognized core.settings keys.
const (
	SettingChatID             = "chat_id"
	SettingTopicBot           = "topic_bot"
	SettingTopicPing          = "topic_ping"
	SettingTopicMetrics       = "topic_metrics"
	SettingTopicTasks         = "topic_tasks"
	SettingTopicEmployees     = "topic_employee_search"
	SettingAllowedTopics      = "allowed_topics"
	SettingAllowedDomains     = "allowed_email_domains"
	SettingSMTPHost           = "smtp_host"
	SettingSMTPPort           = "smtp_port"
	SettingSMTPUser           = "smtp_user"
	SettingSMTPFromName       = "smtp_from_name"
	SettingTicketBaseURL      = "otrs_base_url"
	SettingTicketLogin        = "otrs_login"
	SettingTicketWebService   = "otrs_web_service"
	SettingLDAPAddr           = "ldap_addr"
	SettingLDAPBindDN         = "ldap_bind_dn"
	SettingCheckInterval      = "monitor_check_interval_seconds"
	SettingAlertLifetime      = "alert_lifetime_seconds"
	SettingPingTimeout        = "ping_timeout_seconds"
	SettingUserDeleteDelay    = "user_delete_delay_seconds"
	SettingBotDeleteDelay     = "bot_delete_delay_seconds"
	SettingSearchDeleteDelay  = "employee_search_delete_delay_seconds"
	SettingWeeklyReportDay    = "weekly_report_day"
	SettingWeeklyReportHour   = "weekly_report_hour"
	SettingSnapshotHour       = "snapshot_hour"
)

const settingsCacheTTL = time.Minute

// Settings is a typed view over the core.settings key-value table. Values are
// coerced on read and cached briefly; the table is the runtime source of
// truth, so admin edits take effect within the cache TTL.
type Settings struct {
	store *Store

	mu     sync.Mutex
	cache  map[string]string
	loaded time.Time
}

func newSettings(store *Store) *Settings {
	return &Settings{store: store}
}

// Invalidate drops the cache so the next read hits the database.
func (c *Settings) Invalidate() {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
}

// Set writes the option and invalidates the cache.
func (c *Settings) Set(ctx context.Context, key, value string) error {
	if err := c.store.driver.SetSetting(ctx, key, value); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

func (c *Settings) get(ctx context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache == nil || time.Since(c.loaded) > settingsCacheTTL {
		all, err := c.store.driver.ListSettings(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Warn("failed to load settings, using stale cache", "error", err)
			}
			if c.cache == nil {
				return "", false
			}
		} else {
			c.cache = all
			c.loaded = time.Now()
		}
	}
	value, ok := c.cache[key]
	return value, ok && value != ""
}

// String returns the option or def when unset.
func (c *Settings) String(ctx context.Context, key, def string) string {
	if value, ok := c.get(ctx, key); ok {
		return value
	}
	return def
}

// Int returns the option coerced to int, or def when unset or malformed.
func (c *Settings) Int(ctx context.Context, key string, def int) int {
	value, ok := c.get(ctx, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		slog.Warn("malformed integer setting", "key", key, "value", value)
		return def
	}
	return n
}

// Int64 returns the option coerced to int64, or def.
func (c *Settings) Int64(ctx context.Context, key string, def int64) int64 {
	value, ok := c.get(ctx, key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		slog.Warn("malformed integer setting", "key", key, "value", value)
		return def
	}
	return n
}

// Seconds reads an integer number of seconds as a duration.
func (c *Settings) Seconds(ctx context.Context, key string, def time.Duration) time.Duration {
	n := c.Int(ctx, key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// Topic reads a topic id setting; nil means unset.
func (c *Settings) Topic(ctx context.Context, key string) *int64 {
	value, ok := c.get(ctx, key)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		slog.Warn("malformed topic setting", "key", key, "value", value)
		return nil
	}
	return &n
}

// Int64Set reads a comma-separated id list.
func (c *Settings) Int64Set(ctx context.Context, key string) map[int64]bool {
	out := make(map[int64]bool)
	value, ok := c.get(ctx, key)
	if !ok {
		return out
	}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			slog.Warn("malformed id in list setting", "key", key, "value", part)
			continue
		}
		out[n] = true
	}
	return out
}

// StringList reads a comma-separated string list, trimmed and lowercased.
func (c *Settings) StringList(ctx context.Context, key string) []string {
	value, ok := c.get(ctx, key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
