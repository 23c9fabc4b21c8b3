package auth

import "errors"

var (
	// ErrInvalidCredentials covers bad email and bad password alike; callers
	// never learn which one failed.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrInvalidToken collapses expired, malformed and wrong-audience tokens
	// into one outcome.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrInvalidTwoFactorCode covers missing sessions, missing secrets and
	// wrong codes alike.
	ErrInvalidTwoFactorCode = errors.New("auth: invalid two-factor code")
	// ErrSessionNotFound means the refresh token matched no (token, user,
	// device) record: revoked, rotated, or presented from the wrong device.
	ErrSessionNotFound = errors.New("auth: session not found")
	// ErrForbidden is the uniform authorization denial, used even when the
	// underlying cause is an unknown user or tenant.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrTokenConsumed means a single-use verification or reset link was
	// already spent or superseded.
	ErrTokenConsumed = errors.New("auth: token already consumed")
	// ErrPasswordReuse signals a validation failure on password rotation.
	ErrPasswordReuse = errors.New("auth: new password must differ from current password")
	// ErrNotFound is the store-level missing-record sentinel.
	ErrNotFound = errors.New("auth: not found")
)
