// Package auth implements the email verification flow for private chats:
// welcome, email prompt, code exchange, logout. Transitions for one user are
// serialized with a per-user mutex.
package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskops/plugin/ldap"
	"github.com/hrygo/deskops/plugin/telegram"
	"github.com/hrygo/deskops/store"
)

// State of one user's verification flow.
type State string

const (
	StateAnonymous     State = "anonymous"
	StateAwaitingEmail State = "awaiting_email"
	StateAwaitingCode  State = "awaiting_code"
	StateVerified      State = "verified"
)

// Callback data the dispatcher routes back here.
const (
	CallbackAuthorize   = "auth:authorize"
	CallbackChangeEmail = "auth:change_email"
)

const ephemeralErrorLifetime = 10 * time.Second

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	codePattern  = regexp.MustCompile(`^\d{6}$`)
)

const (
	welcomeText = "👋 Добро пожаловать в бот техподдержки!\n" +
		"Для работы подтвердите корпоративный email."
	emailPromptText  = "Введите ваш корпоративный email:"
	codePromptFormat = "Код отправлен на <b>%s</b>.\nВведите 6-значный код из письма."
	wrongCodeText    = "❌ Неверный или устаревший код. Попробуйте ещё раз."
	badCodeText      = "❌ Код должен состоять из 6 цифр."
	badDomainText    = "❌ Почта с этого домена не принимается."
	mailFailedText   = "❌ Не удалось отправить письмо. Попробуйте позже."
	farewellText     = "Вы вышли из системы. Для повторной авторизации отправьте /start."
	menuAgentFormat  = "✅ Вы авторизованы как <b>%s</b>.\nВаш логин агента: <b>%s</b>. Заявки появляются в теме задач."
	menuUserFormat   = "✅ Вы авторизованы как <b>%s</b>."
)

// UserStore is the persistence slice the machine needs, satisfied by
// *store.Store.
type UserStore interface {
	GetVerifiedUser(ctx context.Context, chatUserID int32) (*store.VerifiedUser, error)
	UpsertVerifiedUser(ctx context.Context, upsert *store.VerifiedUser) error
	DeleteVerifiedUser(ctx context.Context, chatUserID int32) error
	CreateVerification(ctx context.Context, create *store.PendingVerification) error
	ConsumeVerification(ctx context.Context, chatUserID int32, code string) (string, error)
	DeleteVerification(ctx context.Context, chatUserID int32) error
	DeleteExpiredVerifications(ctx context.Context, now time.Time) (int64, error)
}

// Messenger is the outbound slice the machine needs, satisfied by
// *messenger.Manager.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string, opts telegram.SendOptions) (int, error)
	Delete(ctx context.Context, chatID int64, messageID int) error
	EnsurePersistent(ctx context.Context, chatID int64, topicID *int64, kind store.MessageKind, text string, keyboard telegram.Keyboard) (int, error)
}

// Mailer delivers the verification code, satisfied by *email.Sender.
type Mailer interface {
	SendVerificationCode(ctx context.Context, to, code string) error
}

// AgentResolver maps a verified email to a ticket-store agent login, empty
// when the email is not an agent. An error means the ticket store could not
// answer; the caller treats that as non-agent without caching.
type AgentResolver interface {
	ResolveLogin(ctx context.Context, email string) (string, error)
}

// Directory is the optional read-only directory lookup, satisfied by
// *ldap.Client.
type Directory interface {
	FindByEmail(ctx context.Context, email string) (*ldap.Entry, error)
}

// Options is the runtime configuration slice, satisfied by *store.Settings.
type Options interface {
	StringList(ctx context.Context, key string) []string
}

type session struct {
	state State
	email string
}

type agentInfo struct {
	login string
}

// Machine drives the verification state machine for all users.
type Machine struct {
	store     UserStore
	messenger Messenger
	mailer    Mailer
	agents    AgentResolver
	directory Directory
	options   Options

	mu       sync.Mutex
	sessions map[int32]*session
	locks    map[int32]*sync.Mutex

	agentMu     sync.Mutex
	agentByUser map[int32]agentInfo
}

func NewMachine(userStore UserStore, m Messenger, mailer Mailer, agents AgentResolver, directory Directory, options Options) *Machine {
	return &Machine{
		store:       userStore,
		messenger:   m,
		mailer:      mailer,
		agents:      agents,
		directory:   directory,
		options:     options,
		sessions:    make(map[int32]*session),
		locks:       make(map[int32]*sync.Mutex),
		agentByUser: make(map[int32]agentInfo),
	}
}

func (a *Machine) userLock(id int32) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[id]
	if !ok {
		l = &sync.Mutex{}
		a.locks[id] = l
	}
	return l
}

func (a *Machine) sessionOf(id int32) *session {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		s = &session{state: StateAnonymous}
		a.sessions[id] = s
	}
	return s
}

// StateOf returns the user's current state, consulting the database for a
// verified identity so the state survives restarts.
func (a *Machine) StateOf(ctx context.Context, user *store.ChatUser) State {
	if _, err := a.store.GetVerifiedUser(ctx, user.ID); err == nil {
		return StateVerified
	}
	return a.sessionOf(user.ID).state
}

// HandleStart renders the welcome or, for a verified user, the menu.
func (a *Machine) HandleStart(ctx context.Context, chatID int64, user *store.ChatUser) error {
	l := a.userLock(user.ID)
	l.Lock()
	defer l.Unlock()

	if verified, err := a.store.GetVerifiedUser(ctx, user.ID); err == nil {
		return a.renderMenu(ctx, chatID, user, verified)
	}
	keyboard := telegram.Keyboard{{{Text: "Авторизоваться", Data: CallbackAuthorize}}}
	_, err := a.messenger.EnsurePersistent(ctx, chatID, nil, store.MessageKindWelcome, welcomeText, keyboard)
	return err
}

// HandleAuthorize moves the user to the email prompt.
func (a *Machine) HandleAuthorize(ctx context.Context, chatID int64, user *store.ChatUser) error {
	l := a.userLock(user.ID)
	l.Lock()
	defer l.Unlock()

	if _, err := a.store.GetVerifiedUser(ctx, user.ID); err == nil {
		return nil
	}
	a.sessionOf(user.ID).state = StateAwaitingEmail
	_, err := a.messenger.EnsurePersistent(ctx, chatID, nil, store.MessageKindWelcome, emailPromptText, nil)
	return err
}

// HandleChangeEmail cancels the pending code and re-prompts for an email.
func (a *Machine) HandleChangeEmail(ctx context.Context, chatID int64, user *store.ChatUser) error {
	l := a.userLock(user.ID)
	l.Lock()
	defer l.Unlock()

	if err := a.store.DeleteVerification(ctx, user.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	s := a.sessionOf(user.ID)
	s.state = StateAwaitingEmail
	s.email = ""
	_, err := a.messenger.EnsurePersistent(ctx, chatID, nil, store.MessageKindWelcome, emailPromptText, nil)
	return err
}

// HandleLogout drops the verified identity.
func (a *Machine) HandleLogout(ctx context.Context, chatID int64, user *store.ChatUser) error {
	l := a.userLock(user.ID)
	l.Lock()
	defer l.Unlock()

	if err := a.store.DeleteVerifiedUser(ctx, user.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	a.mu.Lock()
	delete(a.sessions, user.ID)
	a.mu.Unlock()
	a.agentMu.Lock()
	delete(a.agentByUser, user.ID)
	a.agentMu.Unlock()

	_, err := a.messenger.Send(ctx, chatID, farewellText, telegram.SendOptions{})
	return err
}

// HandleText consumes a private free-text message when the user's state
// expects one. It reports false when the message is none of the machine's
// business so the dispatcher can apply its default.
func (a *Machine) HandleText(ctx context.Context, chatID int64, user *store.ChatUser, messageID int, text string) (bool, error) {
	l := a.userLock(user.ID)
	l.Lock()
	defer l.Unlock()

	if _, err := a.store.GetVerifiedUser(ctx, user.ID); err == nil {
		return false, nil
	}

	s := a.sessionOf(user.ID)
	switch s.state {
	case StateAwaitingEmail:
		return true, a.handleEmail(ctx, chatID, user, messageID, text)
	case StateAwaitingCode:
		return true, a.handleCode(ctx, chatID, user, messageID, text)
	}
	return false, nil
}

func (a *Machine) handleEmail(ctx context.Context, chatID int64, user *store.ChatUser, messageID int, text string) error {
	address := strings.ToLower(strings.TrimSpace(text))
	if !emailPattern.MatchString(address) {
		// Not an email at all: remove it without comment.
		return a.messenger.Delete(ctx, chatID, messageID)
	}
	if !a.domainAllowed(ctx, address) {
		a.ephemeralReply(ctx, chatID, messageID, badDomainText)
		return a.messenger.Delete(ctx, chatID, messageID)
	}

	code, err := generateCode()
	if err != nil {
		return errors.Wrap(err, "failed to generate verification code")
	}
	if err := a.store.CreateVerification(ctx, &store.PendingVerification{
		ChatUserID: user.ID,
		Email:      address,
		Code:       code,
		ExpiresAt:  time.Now().Add(store.VerificationTTL),
	}); err != nil {
		return err
	}
	if err := a.mailer.SendVerificationCode(ctx, address, code); err != nil {
		slog.Error("auth: failed to send verification mail", "email", address, "error", err)
		if err := a.store.DeleteVerification(ctx, user.ID); err != nil {
			slog.Warn("auth: failed to drop verification after mail failure", "error", err)
		}
		a.ephemeralReply(ctx, chatID, messageID, mailFailedText)
		return a.messenger.Delete(ctx, chatID, messageID)
	}

	s := a.sessionOf(user.ID)
	s.state = StateAwaitingCode
	s.email = address

	keyboard := telegram.Keyboard{{{Text: "Изменить email", Data: CallbackChangeEmail}}}
	if _, err := a.messenger.EnsurePersistent(ctx, chatID, nil, store.MessageKindWelcome,
		fmt.Sprintf(codePromptFormat, address), keyboard); err != nil {
		return err
	}
	// The address is no longer needed in the chat history.
	return a.messenger.Delete(ctx, chatID, messageID)
}

func (a *Machine) handleCode(ctx context.Context, chatID int64, user *store.ChatUser, messageID int, text string) error {
	code := strings.TrimSpace(text)
	if !codePattern.MatchString(code) {
		a.ephemeralReply(ctx, chatID, messageID, badCodeText)
		return nil
	}

	email, err := a.store.ConsumeVerification(ctx, user.ID, code)
	if errors.Is(err, store.ErrNotFound) {
		a.ephemeralReply(ctx, chatID, messageID, wrongCodeText)
		return nil
	}
	if err != nil {
		return err
	}

	verified := &store.VerifiedUser{
		ChatUserID:     user.ID,
		Email:          email,
		DirectoryLogin: a.lookupDirectoryLogin(ctx, email),
	}
	if err := a.store.UpsertVerifiedUser(ctx, verified); err != nil {
		return err
	}

	a.mu.Lock()
	delete(a.sessions, user.ID)
	a.mu.Unlock()

	return a.renderMenu(ctx, chatID, user, verified)
}

func (a *Machine) renderMenu(ctx context.Context, chatID int64, user *store.ChatUser, verified *store.VerifiedUser) error {
	text := fmt.Sprintf(menuUserFormat, verified.Email)
	if login, ok := a.agentLogin(ctx, user.ID, verified.Email); ok {
		text = fmt.Sprintf(menuAgentFormat, verified.Email, login)
	}
	_, err := a.messenger.EnsurePersistent(ctx, chatID, nil, store.MessageKindWelcome, text, nil)
	return err
}

// IsAgent reports whether the verified user maps to a ticket-store agent and
// returns the login. The probe result is cached for the session; a probe the
// ticket store could not answer defaults to non-agent and is retried later.
func (a *Machine) IsAgent(ctx context.Context, user *store.ChatUser) (bool, string) {
	verified, err := a.store.GetVerifiedUser(ctx, user.ID)
	if err != nil {
		return false, ""
	}
	login, ok := a.agentLogin(ctx, user.ID, verified.Email)
	return ok, login
}

func (a *Machine) agentLogin(ctx context.Context, userID int32, email string) (string, bool) {
	a.agentMu.Lock()
	cached, ok := a.agentByUser[userID]
	a.agentMu.Unlock()
	if ok {
		return cached.login, cached.login != ""
	}

	login, err := a.agents.ResolveLogin(ctx, email)
	if err != nil {
		slog.Warn("auth: agent probe failed, treating as non-agent", "email", email, "error", err)
		return "", false
	}
	a.agentMu.Lock()
	a.agentByUser[userID] = agentInfo{login: login}
	a.agentMu.Unlock()
	return login, login != ""
}

// SweepExpired drops verification rows past their deadline.
func (a *Machine) SweepExpired(ctx context.Context) {
	removed, err := a.store.DeleteExpiredVerifications(ctx, time.Now())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("auth: failed to sweep expired verifications", "error", err)
		}
		return
	}
	if removed > 0 {
		slog.Info("auth: swept expired verifications", "count", removed)
	}
}

func (a *Machine) domainAllowed(ctx context.Context, email string) bool {
	allowed := a.options.StringList(ctx, store.SettingAllowedDomains)
	if len(allowed) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	domain := email[at+1:]
	for _, candidate := range allowed {
		if domain == candidate {
			return true
		}
	}
	return false
}

func (a *Machine) lookupDirectoryLogin(ctx context.Context, email string) string {
	if a.directory == nil {
		return ""
	}
	entry, err := a.directory.FindByEmail(ctx, email)
	if err != nil {
		slog.Warn("auth: directory lookup failed", "email", email, "error", err)
		return ""
	}
	if entry == nil {
		return ""
	}
	if entry.Login != "" {
		return entry.Login
	}
	// Fall back to the principal's local part.
	if at := strings.Index(entry.Mail, "@"); at > 0 {
		return entry.Mail[:at]
	}
	return ""
}

// ephemeralReply sends a short error bubble and removes it shortly after.
func (a *Machine) ephemeralReply(ctx context.Context, chatID int64, replyTo int, text string) {
	id, err := a.messenger.Send(ctx, chatID, text, telegram.SendOptions{ReplyTo: replyTo})
	if err != nil {
		slog.Warn("auth: failed to send error reply", "error", err)
		return
	}
	time.AfterFunc(ephemeralErrorLifetime, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.messenger.Delete(ctx, chatID, id); err != nil {
			slog.Warn("auth: failed to delete error reply", "error", err)
		}
	})
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
