// Package secrets resolves credentials from the OS keyring with an
// environment variable fallback, so tokens never live in core.settings.
package secrets

import (
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// ServiceName is the keyring service under which all deskops secrets are stored.
const ServiceName = "deskops"

// Well-known secret keys.
const (
	KeyBotToken       = "bot_token"
	KeySMTPPassword   = "smtp_password"
	KeyTicketPassword = "otrs_password"
	KeyLDAPPassword   = "ldap_password"
)

// Get returns the secret for key. Lookup order: OS keyring, then the
// DESKOPS_SECRET_<KEY> environment variable. Empty string means not found.
func Get(key string) string {
	if value, err := keyring.Get(ServiceName, key); err == nil && value != "" {
		return value
	} else if err != nil && err != keyring.ErrNotFound {
		slog.Warn("keyring lookup failed, falling back to env", "key", key, "error", err)
	}
	return os.Getenv(envName(key))
}

// Set stores the secret in the OS keyring.
func Set(key, value string) error {
	return keyring.Set(ServiceName, key, value)
}

func envName(key string) string {
	return "DESKOPS_SECRET_" + strings.ToUpper(key)
}
