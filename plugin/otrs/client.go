// Package otrs is the REST client for the external ticket store.
package otrs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const requestTimeout = 30 * time.Second

// ErrRejected is an error the ticket store returned deliberately (bad state,
// unknown owner). It is user-visible, not retryable.
var ErrRejected = errors.New("otrs: request rejected")

// ErrUnavailable covers network failures and 5xx responses.
var ErrUnavailable = errors.New("otrs: unavailable")

// ActiveStateTypes is the state filter of the reconciler poll.
var ActiveStateTypes = []string{"new", "open", "pending", "pending reminder", "pending auto close"}

// Config holds the web service endpoint and credentials.
type Config struct {
	BaseURL    string // e.g. https://otrs.example.com/otrs
	WebService string // generic interface web service name
	Login      string
	Password   string
}

// Ticket is the subset of ticket fields the bot renders and acts on.
type Ticket struct {
	TicketID  int64
	Number    string
	Title     string
	State     string
	Priority  string
	Queue     string
	Owner     string
	Customer  string
	CreatedAt time.Time
	Articles  []string
}

// Update is a partial ticket mutation; nil fields are left untouched.
type Update struct {
	State    *string
	Owner    *string
	Priority *string
	// Article adds an internal note.
	Article *Article
}

// Article is a note attached to a ticket update or creation.
type Article struct {
	Subject string
	Body    string
}

// Create describes a new ticket.
type Create struct {
	Title        string
	Queue        string
	State        string
	Priority     string
	CustomerUser string
	Article      Article
}

// Client speaks the generic interface REST protocol. All operations carry the
// credentials in the request body, as the web service expects.
type Client struct {
	config *Config
	client *http.Client
}

func NewClient(config *Config) *Client {
	return &Client{
		config: config,
		client: &http.Client{Timeout: requestTimeout},
	}
}

func (c *Client) endpoint(operation string) string {
	return fmt.Sprintf("%s/nph-genericinterface.pl/Webservice/%s/%s",
		c.config.BaseURL, c.config.WebService, operation)
}

func (c *Client) do(ctx context.Context, operation string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(operation), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(ErrUnavailable, "%s: %v", operation, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errors.Wrapf(ErrUnavailable, "%s: read body: %v", operation, err)
	}
	if resp.StatusCode >= 500 {
		return errors.Wrapf(ErrUnavailable, "%s: status %d", operation, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return errors.Wrapf(ErrRejected, "%s: status %d: %.200s", operation, resp.StatusCode, data)
	}

	// The web service reports its own failures inside a 200 response.
	var probe struct {
		Error *struct {
			ErrorCode    string `json:"ErrorCode"`
			ErrorMessage string `json:"ErrorMessage"`
		} `json:"Error"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Error != nil {
		return errors.Wrapf(ErrRejected, "%s: %s: %s", operation, probe.Error.ErrorCode, probe.Error.ErrorMessage)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrapf(err, "%s: failed to decode response", operation)
		}
	}
	return nil
}

type credentials struct {
	UserLogin string `json:"UserLogin"`
	Password  string `json:"Password"`
}

func (c *Client) creds() credentials {
	return credentials{UserLogin: c.config.Login, Password: c.config.Password}
}

// SearchActive returns the ids of tickets in the active state types.
func (c *Client) SearchActive(ctx context.Context, limit int) ([]int64, error) {
	request := struct {
		credentials
		StateType []string `json:"StateType"`
		Limit     int      `json:"Limit"`
	}{c.creds(), ActiveStateTypes, limit}

	var response struct {
		TicketID []json.Number `json:"TicketID"`
	}
	if err := c.do(ctx, "TicketSearch", request, &response); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(response.TicketID))
	for _, raw := range response.TicketID {
		id, err := strconv.ParseInt(raw.String(), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GetTicket fetches one ticket with its article bodies.
func (c *Client) GetTicket(ctx context.Context, ticketID int64) (*Ticket, error) {
	request := struct {
		credentials
		TicketID    int64 `json:"TicketID"`
		AllArticles int   `json:"AllArticles"`
	}{c.creds(), ticketID, 1}

	var response struct {
		Ticket []struct {
			TicketID     json.Number `json:"TicketID"`
			TicketNumber string      `json:"TicketNumber"`
			Title        string      `json:"Title"`
			State        string      `json:"State"`
			Priority     string      `json:"Priority"`
			Queue        string      `json:"Queue"`
			Owner        string      `json:"Owner"`
			CustomerID   string      `json:"CustomerID"`
			Created      string      `json:"Created"`
			Article      []struct {
				Body string `json:"Body"`
			} `json:"Article"`
		} `json:"Ticket"`
	}
	if err := c.do(ctx, "TicketGet", request, &response); err != nil {
		return nil, err
	}
	if len(response.Ticket) == 0 {
		return nil, errors.Wrapf(ErrRejected, "TicketGet: ticket %d not in response", ticketID)
	}

	raw := response.Ticket[0]
	ticket := &Ticket{
		Number:   raw.TicketNumber,
		Title:    raw.Title,
		State:    raw.State,
		Priority: raw.Priority,
		Queue:    raw.Queue,
		Owner:    raw.Owner,
		Customer: raw.CustomerID,
	}
	ticket.TicketID, _ = strconv.ParseInt(raw.TicketID.String(), 10, 64)
	if created, err := time.Parse("2006-01-02 15:04:05", raw.Created); err == nil {
		ticket.CreatedAt = created
	}
	for _, article := range raw.Article {
		ticket.Articles = append(ticket.Articles, article.Body)
	}
	return ticket, nil
}

// UpdateTicket applies the partial mutation.
func (c *Client) UpdateTicket(ctx context.Context, ticketID int64, update *Update) error {
	type ticketFields struct {
		State    *string `json:"State,omitempty"`
		Owner    *string `json:"Owner,omitempty"`
		Priority *string `json:"Priority,omitempty"`
	}
	type articleFields struct {
		Subject              string `json:"Subject"`
		Body                 string `json:"Body"`
		ContentType          string `json:"ContentType"`
		CommunicationChannel string `json:"CommunicationChannel"`
		IsVisibleForCustomer int    `json:"IsVisibleForCustomer"`
	}
	request := struct {
		credentials
		TicketID int64          `json:"TicketID"`
		Ticket   *ticketFields  `json:"Ticket,omitempty"`
		Article  *articleFields `json:"Article,omitempty"`
	}{credentials: c.creds(), TicketID: ticketID}

	if update.State != nil || update.Owner != nil || update.Priority != nil {
		request.Ticket = &ticketFields{State: update.State, Owner: update.Owner, Priority: update.Priority}
	}
	if update.Article != nil {
		request.Article = &articleFields{
			Subject:              update.Article.Subject,
			Body:                 update.Article.Body,
			ContentType:          "text/plain; charset=utf-8",
			CommunicationChannel: "Internal",
			IsVisibleForCustomer: 0,
		}
	}
	return c.do(ctx, "TicketUpdate", request, nil)
}

// CreateTicket opens a new ticket and returns its id.
func (c *Client) CreateTicket(ctx context.Context, create *Create) (int64, error) {
	request := struct {
		credentials
		Ticket struct {
			Title        string `json:"Title"`
			Queue        string `json:"Queue"`
			State        string `json:"State"`
			Priority     string `json:"Priority"`
			CustomerUser string `json:"CustomerUser"`
		} `json:"Ticket"`
		Article struct {
			Subject     string `json:"Subject"`
			Body        string `json:"Body"`
			ContentType string `json:"ContentType"`
		} `json:"Article"`
	}{credentials: c.creds()}
	request.Ticket.Title = create.Title
	request.Ticket.Queue = create.Queue
	request.Ticket.State = create.State
	request.Ticket.Priority = create.Priority
	request.Ticket.CustomerUser = create.CustomerUser
	request.Article.Subject = create.Article.Subject
	request.Article.Body = create.Article.Body
	request.Article.ContentType = "text/plain; charset=utf-8"

	var response struct {
		TicketID json.Number `json:"TicketID"`
	}
	if err := c.do(ctx, "TicketCreate", request, &response); err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(response.TicketID.String(), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "TicketCreate: malformed ticket id")
	}
	return id, nil
}

// VerifyAgentLogin reports whether the ticket store accepts the login as an
// agent, implemented as a one-row owner search: an unknown owner produces a
// user-level error, a known one an empty result.
func (c *Client) VerifyAgentLogin(ctx context.Context, login string) (bool, error) {
	request := struct {
		credentials
		Owners []string `json:"Owners"`
		Limit  int      `json:"Limit"`
	}{c.creds(), []string{login}, 1}

	err := c.do(ctx, "TicketSearch", request, nil)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrRejected) {
		return false, nil
	}
	return false, err
}
