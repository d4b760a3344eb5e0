// Package session holds the authenticated identity of the current user.
//
// A Session starts anonymous, becomes authenticated on Login and is cleared on
// Logout. It is written once per login and read by every publish call.
package session

import (
	"slices"
	"strings"
	"sync"

	"github.com/mohammed-shakir/geoportal/internal/core/model"
)

type State string

const (
	StateAnonymous     State = "anonymous"
	StateAuthenticated State = "authenticated"
	StateCleared       State = "cleared"
)

type Session struct {
	mu     sync.RWMutex
	state  State
	tenant model.Tenant
	rules  model.Rules
}

func New(rules model.Rules) *Session {
	return &Session{state: StateAnonymous, rules: rules}
}

// Login moves the session to authenticated. Empty roles are dropped.
func (s *Session) Login(nickname string, roles []string) {
	clean := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" && !slices.Contains(clean, r) {
			clean = append(clean, r)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenant = model.Tenant{Nickname: strings.TrimSpace(nickname), Roles: clean}
	s.state = StateAuthenticated
}

func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenant = model.Tenant{}
	s.state = StateCleared
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Tenant returns the current identity; ok is false unless authenticated.
func (s *Session) Tenant() (model.Tenant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateAuthenticated {
		return model.Tenant{}, false
	}
	t := s.tenant
	t.Roles = slices.Clone(t.Roles)
	return t, true
}

// Workspace is the workspace the current tenant publishes into, or "" when
// nobody is logged in.
func (s *Session) Workspace() string {
	t, ok := s.Tenant()
	if !ok {
		return ""
	}
	return t.Workspace(s.rules)
}

func (s *Session) Rules() model.Rules {
	return s.rules
}

// ParseRoles splits a comma separated role header value.
func ParseRoles(v string) []string {
	var out []string
	for p := range strings.SplitSeq(v, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
