// Package session keeps the logged-in user in the OS keyring (Keychain,
// Secret Service, WinCred) and serves its token to the launcher core.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/chmlapi"
)

const (
	// ServiceName for keyring entries
	ServiceName = "frplauncher"
	userKey     = "chmlfrp_user"
)

// Session is the persisted login. It satisfies tunnel.Credentials.
type Session struct {
	service string
	logger  *zap.Logger

	mu   sync.RWMutex
	user *chmlapi.User
}

// New creates an empty session bound to the default keyring service.
func New(logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{service: ServiceName, logger: logger}
}

// Load reads a stored login. A missing entry is not an error.
func (s *Session) Load() error {
	raw, err := keyring.Get(s.service, userKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read session from keyring: %w", err)
	}

	var user chmlapi.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		s.logger.Warn("Discarding unreadable stored session", zap.Error(err))
		_ = keyring.Delete(s.service, userKey)
		return nil
	}

	s.mu.Lock()
	s.user = &user
	s.mu.Unlock()
	s.logger.Info("Session restored", zap.String("username", user.Username))
	return nil
}

// Save stores user as the current login. The in-memory login is updated even
// when the keyring write fails.
func (s *Session) Save(user chmlapi.User) error {
	s.mu.Lock()
	s.user = &user
	s.mu.Unlock()

	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := keyring.Set(s.service, userKey, string(raw)); err != nil {
		return fmt.Errorf("failed to store session in keyring: %w", err)
	}
	return nil
}

// Clear logs out.
func (s *Session) Clear() error {
	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()

	err := keyring.Delete(s.service, userKey)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete session from keyring: %w", err)
	}
	return nil
}

// User returns a copy of the logged-in user.
func (s *Session) User() (chmlapi.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return chmlapi.User{}, false
	}
	return *s.user, true
}

// Token returns the user token, false when nobody is logged in.
func (s *Session) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil || s.user.UserToken == "" {
		return "", false
	}
	return s.user.UserToken, true
}
