package auth

import (
	"context"
	"time"
)

// memStore is an in-memory Store for orchestrator tests. It is not safe for
// concurrent use; tests drive it from a single goroutine.
type memStore struct {
	users           map[string]*User
	roles           map[string]*Role
	rolePerms       map[string][]string
	refreshSessions map[string]*RefreshSession
	twoFASessions   map[string]*TwoFactorSession
	twoFASecrets    map[string]*TwoFactorSecret
	verifyTokens    map[string]*SingleUseToken
	resetTokens     map[string]*SingleUseToken
}

func newMemStore() *memStore {
	return &memStore{
		users:           make(map[string]*User),
		roles:           make(map[string]*Role),
		rolePerms:       make(map[string][]string),
		refreshSessions: make(map[string]*RefreshSession),
		twoFASessions:   make(map[string]*TwoFactorSession),
		twoFASecrets:    make(map[string]*TwoFactorSecret),
		verifyTokens:    make(map[string]*SingleUseToken),
		resetTokens:     make(map[string]*SingleUseToken),
	}
}

func (m *memStore) Users() UserStore                       { return memUsers{m} }
func (m *memStore) Roles() RoleStore                       { return memRoles{m} }
func (m *memStore) RefreshSessions() RefreshSessionStore   { return memRefresh{m} }
func (m *memStore) TwoFactorSessions() TwoFactorSessionStore { return memTwoFASessions{m} }
func (m *memStore) TwoFactorSecrets() TwoFactorSecretStore { return memTwoFASecrets{m} }
func (m *memStore) VerifyTokens() SingleUseTokenStore      { return memSingleUse{m, m.verifyTokens} }
func (m *memStore) ResetTokens() SingleUseTokenStore       { return memSingleUse{m, m.resetTokens} }

// WithinTx runs fn against the same maps. Rollback is not simulated; the
// tests that care about atomicity assert on the inner error instead.
func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, m)
}

func (m *memStore) addUser(u *User) *User {
	m.users[u.ID] = u
	return u
}

type memUsers struct{ m *memStore }

func (s memUsers) Create(_ context.Context, u *User) error {
	s.m.users[u.ID] = u
	return nil
}

func (s memUsers) Find(_ context.Context, id string) (*User, error) {
	u, ok := s.m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (s memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	for _, u := range s.m.users {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s memUsers) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	u, ok := s.m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (s memUsers) UpdateStatus(_ context.Context, userID, status string) error {
	u, ok := s.m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	return nil
}

func (s memUsers) SetTwoFactorEnabled(_ context.Context, userID string, enabled bool) error {
	u, ok := s.m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.TwoFactorEnabled = enabled
	return nil
}

func (s memUsers) StampLastLogin(_ context.Context, userID string, at time.Time) error {
	u, ok := s.m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.LastLoginAt = &at
	return nil
}

type memRoles struct{ m *memStore }

func (s memRoles) Find(_ context.Context, id string) (*Role, error) {
	r, ok := s.m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *r
	return &copied, nil
}

func (s memRoles) Permissions(_ context.Context, roleID string) ([]string, error) {
	return append([]string(nil), s.m.rolePerms[roleID]...), nil
}

type memRefresh struct{ m *memStore }

func refreshKey(userID, deviceID string) string { return userID + "\x00" + deviceID }

func (s memRefresh) Upsert(_ context.Context, session *RefreshSession) error {
	copied := *session
	s.m.refreshSessions[refreshKey(session.UserID, session.DeviceID)] = &copied
	return nil
}

func (s memRefresh) Find(_ context.Context, token, userID, deviceID string) (*RefreshSession, error) {
	sess, ok := s.m.refreshSessions[refreshKey(userID, deviceID)]
	if !ok || sess.Token != token {
		return nil, ErrSessionNotFound
	}
	copied := *sess
	return &copied, nil
}

func (s memRefresh) Revoke(_ context.Context, token string) error {
	for key, sess := range s.m.refreshSessions {
		if sess.Token == token {
			delete(s.m.refreshSessions, key)
		}
	}
	return nil
}

func (s memRefresh) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	var removed int64
	for key, sess := range s.m.refreshSessions {
		if sess.ExpiresAt != nil && sess.ExpiresAt.Before(now) {
			delete(s.m.refreshSessions, key)
			removed++
		}
	}
	return removed, nil
}

type memTwoFASessions struct{ m *memStore }

func (s memTwoFASessions) Replace(_ context.Context, session *TwoFactorSession) error {
	for token, existing := range s.m.twoFASessions {
		if existing.UserID == session.UserID {
			delete(s.m.twoFASessions, token)
		}
	}
	copied := *session
	s.m.twoFASessions[session.Token] = &copied
	return nil
}

func (s memTwoFASessions) Find(_ context.Context, token string) (*TwoFactorSession, error) {
	sess, ok := s.m.twoFASessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *sess
	return &copied, nil
}

func (s memTwoFASessions) DeleteForUser(_ context.Context, userID string) error {
	for token, sess := range s.m.twoFASessions {
		if sess.UserID == userID {
			delete(s.m.twoFASessions, token)
		}
	}
	return nil
}

type memTwoFASecrets struct{ m *memStore }

func (s memTwoFASecrets) Upsert(_ context.Context, secret *TwoFactorSecret) error {
	copied := *secret
	s.m.twoFASecrets[secret.UserID] = &copied
	return nil
}

func (s memTwoFASecrets) Find(_ context.Context, userID string) (*TwoFactorSecret, error) {
	secret, ok := s.m.twoFASecrets[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *secret
	return &copied, nil
}

type memSingleUse struct {
	m      *memStore
	tokens map[string]*SingleUseToken
}

func (s memSingleUse) Issue(_ context.Context, token *SingleUseToken) error {
	for key, existing := range s.tokens {
		if existing.UserID == token.UserID {
			delete(s.tokens, key)
		}
	}
	copied := *token
	s.tokens[token.Token] = &copied
	return nil
}

func (s memSingleUse) Find(_ context.Context, token string) (*SingleUseToken, error) {
	record, ok := s.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (s memSingleUse) DeleteForUser(_ context.Context, userID string) error {
	for key, record := range s.tokens {
		if record.UserID == userID {
			delete(s.tokens, key)
		}
	}
	return nil
}
