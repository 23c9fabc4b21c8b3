package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// WithinTx runs fn against a transactional view of the same store; every
// write inside fn commits together or not at all.
type Store interface {
	Users() UserStore
	Roles() RoleStore
	RefreshSessions() RefreshSessionStore
	TwoFactorSessions() TwoFactorSessionStore
	TwoFactorSecrets() TwoFactorSecretStore
	VerifyTokens() SingleUseTokenStore
	ResetTokens() SingleUseTokenStore

	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// UserStore manages identity records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	UpdateStatus(ctx context.Context, userID, status string) error
	SetTwoFactorEnabled(ctx context.Context, userID string, enabled bool) error
	StampLastLogin(ctx context.Context, userID string, at time.Time) error
}

// RoleStore resolves roles and their permission sets.
type RoleStore interface {
	Find(ctx context.Context, id string) (*Role, error)
	Permissions(ctx context.Context, roleID string) ([]string, error)
}

// RefreshSessionStore manages the one-row-per-device refresh records.
type RefreshSessionStore interface {
	// Upsert overwrites the existing (user, device) row or creates one.
	Upsert(ctx context.Context, session *RefreshSession) error
	// Find matches token, user and device together; a mismatch on any field
	// is ErrSessionNotFound.
	Find(ctx context.Context, token, userID, deviceID string) (*RefreshSession, error)
	// Revoke deletes the record holding the token. Missing records are not
	// an error.
	Revoke(ctx context.Context, token string) error
	// SweepExpired deletes rows whose expiry is strictly before now. Rows
	// with a null expiry are retained.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// TwoFactorSessionStore holds at most one pending session per user.
type TwoFactorSessionStore interface {
	// Replace destroys any prior session for the user and creates this one.
	Replace(ctx context.Context, session *TwoFactorSession) error
	Find(ctx context.Context, token string) (*TwoFactorSession, error)
	DeleteForUser(ctx context.Context, userID string) error
}

// TwoFactorSecretStore holds the per-user TOTP secret.
type TwoFactorSecretStore interface {
	Upsert(ctx context.Context, secret *TwoFactorSecret) error
	Find(ctx context.Context, userID string) (*TwoFactorSecret, error)
}

// SingleUseTokenStore is the uniform contract shared by the
// account-verification and forgotten-password stores.
type SingleUseTokenStore interface {
	// Issue overwrites any live token for the user; the previous link is
	// invalidated the moment a new one is issued.
	Issue(ctx context.Context, token *SingleUseToken) error
	Find(ctx context.Context, token string) (*SingleUseToken, error)
	DeleteForUser(ctx context.Context, userID string) error
}
