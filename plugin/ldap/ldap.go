// Package ldap is the read-only directory client used to enrich verified
// users with their directory login and display name.
package ldap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	ldapv3 "github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
)

const bindTimeout = 10 * time.Second

// Config holds the directory connection settings.
type Config struct {
	// Addr is an ldap:// or ldaps:// URL.
	Addr         string
	BindDN       string // empty means anonymous bind
	BindPassword string
	// BaseDN overrides rootDSE discovery when set.
	BaseDN string
}

// Entry is the subset of directory attributes the bot reads.
type Entry struct {
	DN          string
	Login       string // sAMAccountName when published, else userPrincipalName local part
	Mail        string
	CommonName  string
	DisplayName string
	GivenName   string
	Surname     string
}

var searchAttributes = []string{
	"mail", "userPrincipalName", "emailAddress",
	"cn", "displayName", "givenName", "sn", "name", "sAMAccountName",
}

// Client connects per call; directory traffic is rare enough that a pooled
// connection is not worth keeping alive.
type Client struct {
	config *Config
}

func NewClient(config *Config) *Client {
	return &Client{config: config}
}

// FindByEmail looks the address up through the mail, userPrincipalName and
// emailAddress filters, first match wins. Returns nil when nothing matches.
func (c *Client) FindByEmail(ctx context.Context, email string) (*Entry, error) {
	conn, baseDN, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	filters := []string{
		fmt.Sprintf("(mail=%s)", ldapv3.EscapeFilter(email)),
		fmt.Sprintf("(userPrincipalName=%s)", ldapv3.EscapeFilter(email)),
		fmt.Sprintf("(emailAddress=%s)", ldapv3.EscapeFilter(email)),
	}
	for _, filter := range filters {
		entry, err := c.searchOne(conn, baseDN, filter)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
	}
	return nil, nil
}

func (c *Client) connect(ctx context.Context) (*ldapv3.Conn, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, bindTimeout)
	defer cancel()

	conn, err := ldapv3.DialURL(c.config.Addr)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to dial directory %s", c.config.Addr)
	}
	conn.SetTimeout(bindTimeout)

	if err := dialCtx.Err(); err != nil {
		conn.Close()
		return nil, "", err
	}

	if c.config.BindDN != "" {
		err = conn.Bind(c.config.BindDN, c.config.BindPassword)
	} else {
		err = conn.UnauthenticatedBind("")
	}
	if err != nil {
		conn.Close()
		return nil, "", errors.Wrap(err, "directory bind failed")
	}

	baseDN := c.config.BaseDN
	if baseDN == "" {
		baseDN, err = discoverBaseDN(conn)
		if err != nil {
			conn.Close()
			return nil, "", err
		}
	}
	return conn, baseDN, nil
}

// discoverBaseDN reads defaultNamingContext (AD) or the first namingContexts
// value from the rootDSE.
func discoverBaseDN(conn *ldapv3.Conn) (string, error) {
	req := ldapv3.NewSearchRequest(
		"", ldapv3.ScopeBaseObject, ldapv3.NeverDerefAliases, 0, 0, false,
		"(objectClass=*)",
		[]string{"defaultNamingContext", "namingContexts"},
		nil,
	)
	result, err := conn.Search(req)
	if err != nil {
		return "", errors.Wrap(err, "rootDSE search failed")
	}
	if len(result.Entries) == 0 {
		return "", errors.New("rootDSE returned no entries")
	}
	entry := result.Entries[0]
	if dn := entry.GetAttributeValue("defaultNamingContext"); dn != "" {
		return dn, nil
	}
	if contexts := entry.GetAttributeValues("namingContexts"); len(contexts) > 0 {
		return contexts[0], nil
	}
	return "", errors.New("rootDSE carries no naming context")
}

func (c *Client) searchOne(conn *ldapv3.Conn, baseDN, filter string) (*Entry, error) {
	req := ldapv3.NewSearchRequest(
		baseDN, ldapv3.ScopeWholeSubtree, ldapv3.NeverDerefAliases, 2, 0, false,
		filter, searchAttributes, nil,
	)
	result, err := conn.Search(req)
	if err != nil {
		if ldapv3.IsErrorWithCode(err, ldapv3.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "directory search failed for %s", filter)
	}
	if len(result.Entries) == 0 {
		return nil, nil
	}
	if len(result.Entries) > 1 {
		slog.Warn("directory search matched multiple entries, using first", "filter", filter)
	}
	raw := result.Entries[0]
	return &Entry{
		DN:          raw.DN,
		Login:       raw.GetAttributeValue("sAMAccountName"),
		Mail:        firstNonEmpty(raw.GetAttributeValue("mail"), raw.GetAttributeValue("emailAddress")),
		CommonName:  firstNonEmpty(raw.GetAttributeValue("cn"), raw.GetAttributeValue("name")),
		DisplayName: raw.GetAttributeValue("displayName"),
		GivenName:   raw.GetAttributeValue("givenName"),
		Surname:     raw.GetAttributeValue("sn"),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
