package auth

import "time"

// User statuses. Pending users have been invited but never verified their
// account; disabled users are locked out permanently by an administrator.
const (
	UserStatusActive   = "active"
	UserStatusInactive = "inactive"
	UserStatusDisabled = "disabled"
	UserStatusPending  = "pending"
)

// SystemAdminPermission overrides every tenant and permission check.
const SystemAdminPermission = "System:*"

// ManagerRoleName marks the role granted elevated list-level visibility.
const ManagerRoleName = "Manager"

// User is an identity record. Password digests are derived from the
// per-user salt; the record carries no behavior.
type User struct {
	ID               string
	TenantID         string
	Email            string
	Name             string
	PasswordHash     string
	PasswordSalt     string
	Status           string
	TwoFactorEnabled bool
	RoleID           string
	LastLoginAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Role groups permissions, scoped to a tenant. System roles have an empty
// tenant id and apply globally.
type Role struct {
	ID        string
	TenantID  string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Permission is an atomic "Resource:Action" capability.
type Permission struct {
	ID          string
	Key         string
	Description string
	CreatedAt   time.Time
}

// DeviceInfo describes the device a login or refresh originates from.
type DeviceInfo struct {
	DeviceID   string
	Platform   string
	AppVersion string
	IP         string
}

// RefreshSession is the persisted refresh-token record. At most one
// non-expired row exists per (user, device); a nil expiry means the session
// is never swept.
type RefreshSession struct {
	UserID       string
	DeviceID     string
	Token        string
	ExpiresAt    *time.Time
	Platform     string
	AppVersion   string
	IP           string
	LastActiveAt time.Time
	CreatedAt    time.Time
}

// TwoFactorSession is the ephemeral record between a valid credential check
// and TOTP completion. At most one live session exists per user.
type TwoFactorSession struct {
	UserID    string
	Token     string
	CreatedAt time.Time
}

// TwoFactorSecret holds the per-user base32 TOTP secret.
type TwoFactorSecret struct {
	UserID    string
	Secret    string
	CreatedAt time.Time
}

// SingleUseToken backs the account-verification and forgotten-password
// flows: one outstanding token per user, destroyed on use.
type SingleUseToken struct {
	UserID    string
	Token     string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// TokenPair is the result of a completed authentication.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// LoginResult is returned by Login. When TwoFactorRequired is set the caller
// received a session token instead of credentials.
type LoginResult struct {
	TwoFactorRequired bool
	SessionToken      string
	Tokens            *TokenPair
}

// TwoFactorSetup is the enrollment payload for a freshly generated secret.
type TwoFactorSetup struct {
	Secret       string
	ProvisionURI string
}

// Identity is the resolved principal attached to a request. It is derived
// per-request and never persisted.
type Identity struct {
	UserID        string
	Name          string
	TenantID      string
	Permissions   []string
	IsSystemAdmin bool
	IsManager     bool
}

// HasPermission reports whether the identity carries the permission key.
func (id Identity) HasPermission(key string) bool {
	if id.IsSystemAdmin {
		return true
	}
	for _, p := range id.Permissions {
		if p == key {
			return true
		}
	}
	return false
}
