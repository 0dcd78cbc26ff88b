// Package session holds the identity of the actor a dashboard runs for.
package session

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/campusbite/ordersync/internal/auth"
	"github.com/campusbite/ordersync/internal/projection"
	"github.com/google/uuid"
)

var (
	ErrNoSession   = errors.New("no active session")
	ErrUnknownRole = errors.New("token role is not a dashboard role")
	ErrBaseURL     = errors.New("invalid base url")
)

// Session is the authenticated actor passed to the realtime channel and
// the mutation coordinator.
type Session struct {
	ActorID uuid.UUID
	Role    projection.Role
	Token   string
	BaseURL *url.URL
}

// New builds a Session from an access token and the gateway base URL.
func New(token, baseURL string) (*Session, error) {
	claims, err := auth.ReadClaims(token)
	if err != nil {
		return nil, err
	}
	role, ok := projection.ParseRole(claims.Role)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, claims.Role)
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBaseURL, baseURL)
	}
	return &Session{
		ActorID: claims.UserID,
		Role:    role,
		Token:   token,
		BaseURL: u,
	}, nil
}

// StreamURL is the websocket endpoint for this session.
func (s *Session) StreamURL() string {
	u := *s.BaseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("token", s.Token)
	u.RawQuery = q.Encode()
	return u.String()
}

// Manager owns the current session: initialised on boot, cleared on logout.
type Manager struct {
	mu      sync.Mutex
	current *Session
	onClear []func()
}

func NewManager() *Manager {
	return &Manager{}
}

// Init replaces the current session. Any previous session is cleared first
// so its hooks run.
func (m *Manager) Init(s *Session) {
	m.Clear()
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}

// Current returns the active session.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoSession
	}
	return m.current, nil
}

// OnClear registers fn to run on logout. Hooks run once, in registration
// order, and are then dropped.
func (m *Manager) OnClear(fn func()) {
	m.mu.Lock()
	m.onClear = append(m.onClear, fn)
	m.mu.Unlock()
}

// Clear logs out: forgets the session and runs the registered hooks.
func (m *Manager) Clear() {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return
	}
	hooks := m.onClear
	m.current = nil
	m.onClear = nil
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}
