package auth

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/karyon/client/internal/models"
)

// State is the signed-in state of the client.
type State string

const (
	StateAnonymous     State = "anonymous"
	StateAuthenticated State = "authenticated"
)

// Authenticator performs the credential exchanges with the API.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (models.Tokens, error)
	Signup(ctx context.Context, email, password string) (models.Identity, models.Tokens, error)
}

// SessionController owns the anonymous/authenticated state machine.
type SessionController struct {
	store  *TokenStore
	auth   Authenticator
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	listeners map[int]func(State)
	nextID    int
}

// NewSessionController restores the session from store. The controller
// starts authenticated only when both an identity and a pair are stored.
func NewSessionController(store *TokenStore, auth Authenticator, logger *slog.Logger) *SessionController {
	if logger == nil {
		logger = slog.Default()
	}

	state := StateAnonymous
	_, hasIdentity := store.Identity()
	_, hasTokens := store.Get()
	if hasIdentity && hasTokens {
		state = StateAuthenticated
	}

	return &SessionController{
		store:     store,
		auth:      auth,
		logger:    logger,
		state:     state,
		listeners: make(map[int]func(State)),
	}
}

// State returns the current state.
func (c *SessionController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the signed-in account.
func (c *SessionController) Identity() (models.Identity, bool) {
	if c.State() != StateAuthenticated {
		return models.Identity{}, false
	}
	return c.store.Identity()
}

// Subscribe registers fn for state changes and returns a function that
// removes it.
func (c *SessionController) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Login exchanges the identifier and secret for a pair and stores it.
func (c *SessionController) Login(ctx context.Context, identifier, secret string) error {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		return errors.New("identifier and secret are required")
	}

	tokens, err := c.auth.Login(ctx, identifier, secret)
	if err != nil {
		return err
	}

	if err := c.store.SetSession(tokens, models.Identity{Email: identifier}); err != nil {
		return err
	}
	c.logger.Info("signed in", "email", identifier)
	c.transition(StateAuthenticated)
	return nil
}

// Signup creates an account and signs in with the returned pair.
func (c *SessionController) Signup(ctx context.Context, identifier, secret string) error {
	identity, tokens, err := c.auth.Signup(ctx, strings.TrimSpace(identifier), secret)
	if err != nil {
		return err
	}

	if err := c.store.SetSession(tokens, identity); err != nil {
		return err
	}
	c.logger.Info("account created", "email", identity.Email)
	c.transition(StateAuthenticated)
	return nil
}

// Logout erases the session. Safe to call in any state.
func (c *SessionController) Logout() {
	c.store.Clear()
	c.transition(StateAnonymous)
}

// Expire moves the controller to anonymous after the gateway has ended the
// session.
func (c *SessionController) Expire() {
	c.logger.Warn("session expired, sign in again")
	c.transition(StateAnonymous)
}

func (c *SessionController) transition(next State) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next

	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]func(State), 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, c.listeners[id])
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
}
