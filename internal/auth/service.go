package auth

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"tenderbase.org/internal/config"
	"tenderbase.org/internal/ids"
	"tenderbase.org/internal/obs"
)

// Notifier delivers account emails. Calls are fire-and-forget from the
// orchestrator's point of view: failures are logged and never change the
// operation's outcome.
type Notifier interface {
	SendPasswordResetEmail(ctx context.Context, user *User, actionURL string) error
	SendWelcomeEmail(ctx context.Context, user *User, actionURL string) error
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) SendPasswordResetEmail(context.Context, *User, string) error { return nil }
func (NopNotifier) SendWelcomeEmail(context.Context, *User, string) error       { return nil }

// Service is the authentication orchestrator. It composes the credential
// store, token codec, two-factor engine and session stores into the public
// login, refresh and recovery operations.
type Service struct {
	store         Store
	codec         *Codec
	notifier      Notifier
	totpIssuer    string
	actionBaseURL string
	now           func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithNotifier sets the email delivery channel.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithTOTPIssuer sets the issuer branding embedded in provisioning URIs.
func WithTOTPIssuer(issuer string) ServiceOption {
	return func(s *Service) {
		if issuer != "" {
			s.totpIssuer = issuer
		}
	}
}

// WithActionBaseURL sets the base for links embedded in account emails.
func WithActionBaseURL(base string) ServiceOption {
	return func(s *Service) {
		if base != "" {
			s.actionBaseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the orchestrator.
func NewService(store Store, codec *Codec, opts ...ServiceOption) *Service {
	s := &Service{
		store:         store,
		codec:         codec,
		notifier:      NopNotifier{},
		totpIssuer:    "Tenderbase",
		actionBaseURL: "https://app.tenderbase.org",
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login verifies credentials for the given device. When the user has
// two-factor enabled it returns a pending session token instead of
// credentials; any prior pending session for the user is invalidated.
func (s *Service) Login(ctx context.Context, email, password string, device DeviceInfo, audience string) (*LoginResult, error) {
	user, err := s.activeUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if !VerifyPassword(user.PasswordHash, password, user.PasswordSalt) {
		return nil, ErrInvalidCredentials
	}

	if user.TwoFactorEnabled {
		sessionToken, err := NewOpaqueToken()
		if err != nil {
			return nil, err
		}
		if err := s.store.TwoFactorSessions().Replace(ctx, &TwoFactorSession{
			UserID: user.ID,
			Token:  sessionToken,
		}); err != nil {
			return nil, err
		}
		return &LoginResult{TwoFactorRequired: true, SessionToken: sessionToken}, nil
	}

	tokens, err := s.establishSession(ctx, user.ID, device, audience, nil)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Tokens: tokens}, nil
}

// CompleteTwoFactor finishes a pending login. Session-not-found, missing
// secret and wrong code all collapse into the same failure.
func (s *Service) CompleteTwoFactor(ctx context.Context, sessionToken, code string, device DeviceInfo, audience string) (*TokenPair, error) {
	session, err := s.store.TwoFactorSessions().Find(ctx, sessionToken)
	if err != nil {
		return nil, ErrInvalidTwoFactorCode
	}
	secret, err := s.store.TwoFactorSecrets().Find(ctx, session.UserID)
	if err != nil {
		return nil, ErrInvalidTwoFactorCode
	}
	user, err := s.store.Users().Find(ctx, session.UserID)
	if err != nil || user.Status != UserStatusActive {
		return nil, ErrInvalidTwoFactorCode
	}

	ok, err := VerifyTOTP(secret.Secret, code, s.now())
	if err != nil || !ok {
		return nil, ErrInvalidTwoFactorCode
	}

	return s.establishSession(ctx, user.ID, device, audience, func(ctx context.Context, tx Store) error {
		return tx.TwoFactorSessions().DeleteForUser(ctx, user.ID)
	})
}

// Refresh mints a new access token from a device-bound refresh token. The
// refresh token itself is not rotated; rotation happens on re-login.
func (s *Service) Refresh(ctx context.Context, refreshToken, deviceID, audience string) (string, time.Time, error) {
	claims, err := s.codec.Verify(config.FamilyRefresh, refreshToken, audience)
	if err != nil {
		return "", time.Time{}, ErrInvalidToken
	}
	if _, err := s.store.RefreshSessions().Find(ctx, refreshToken, claims.Subject, deviceID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return "", time.Time{}, ErrSessionNotFound
		}
		return "", time.Time{}, err
	}
	access, exp, err := s.codec.Sign(config.FamilyAccess, audience, claims.Subject)
	if err != nil {
		return "", time.Time{}, err
	}
	obs.ObserveTokenIssued(config.FamilyAccess)
	return access, exp, nil
}

// Logout deletes the refresh record for the token. It is idempotent and
// best-effort: a missing record still reports success.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if err := s.store.RefreshSessions().Revoke(ctx, refreshToken); err != nil {
		log.Printf("logout: revoke refresh session: %v", err)
	}
	return nil
}

// RequestPasswordReset issues a reset token and triggers email delivery when
// the email matches a user. It always reports success to the caller.
func (s *Service) RequestPasswordReset(ctx context.Context, email, audience string) error {
	user, err := s.store.Users().FindByEmail(ctx, strings.TrimSpace(strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	signed, exp, err := s.codec.Sign(config.FamilyReset, audience, user.ID)
	if err != nil {
		return err
	}
	if err := s.store.ResetTokens().Issue(ctx, &SingleUseToken{
		UserID:    user.ID,
		Token:     signed,
		ExpiresAt: &exp,
	}); err != nil {
		return err
	}
	obs.ObserveTokenIssued(config.FamilyReset)

	if err := s.notifier.SendPasswordResetEmail(ctx, user, s.actionBaseURL+"/password/reset?token="+signed); err != nil {
		log.Printf("send password reset email: %v", err)
	}
	return nil
}

// ResetPassword consumes a reset token and stores the new password using the
// user's existing salt. A matched token is destroyed even when later steps
// fail: the whole operation runs in one transaction.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	claims, err := s.codec.Verify(config.FamilyReset, token, "")
	if err != nil {
		return ErrInvalidToken
	}

	return s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		record, err := tx.ResetTokens().Find(ctx, token)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrTokenConsumed
			}
			return err
		}
		if record.UserID != claims.Subject {
			return ErrInvalidToken
		}
		if record.ExpiresAt != nil && record.ExpiresAt.Before(s.now()) {
			return ErrInvalidToken
		}
		user, err := tx.Users().Find(ctx, record.UserID)
		if err != nil {
			return err
		}
		hash, err := HashPassword(newPassword, user.PasswordSalt)
		if err != nil {
			return err
		}
		if err := tx.Users().UpdatePassword(ctx, user.ID, hash); err != nil {
			return err
		}
		return tx.ResetTokens().DeleteForUser(ctx, user.ID)
	})
}

// VerifyAccount completes an invitation: the claim token and the stored
// record must both agree before the password is set and the account flips to
// active.
func (s *Service) VerifyAccount(ctx context.Context, token, newPassword string) error {
	claims, err := s.codec.Verify(config.FamilyVerify, token, "")
	if err != nil {
		return ErrInvalidToken
	}

	return s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		record, err := tx.VerifyTokens().Find(ctx, token)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrTokenConsumed
			}
			return err
		}
		if record.UserID != claims.Subject {
			return ErrInvalidToken
		}
		if record.ExpiresAt != nil && record.ExpiresAt.Before(s.now()) {
			return ErrInvalidToken
		}
		user, err := tx.Users().Find(ctx, record.UserID)
		if err != nil {
			return err
		}
		hash, err := HashPassword(newPassword, user.PasswordSalt)
		if err != nil {
			return err
		}
		if err := tx.Users().UpdatePassword(ctx, user.ID, hash); err != nil {
			return err
		}
		if err := tx.Users().UpdateStatus(ctx, user.ID, UserStatusActive); err != nil {
			return err
		}
		return tx.VerifyTokens().DeleteForUser(ctx, user.ID)
	})
}

// InviteUser creates a pending user together with its account-verify token
// and triggers the welcome email.
func (s *Service) InviteUser(ctx context.Context, tenantID, email, name, roleID, audience string) (*User, error) {
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	user := &User{
		ID:           ids.New(),
		TenantID:     tenantID,
		Email:        strings.TrimSpace(strings.ToLower(email)),
		Name:         strings.TrimSpace(name),
		PasswordSalt: salt,
		Status:       UserStatusPending,
		RoleID:       roleID,
	}
	signed, exp, err := s.codec.Sign(config.FamilyVerify, audience, user.ID)
	if err != nil {
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.Users().Create(ctx, user); err != nil {
			return err
		}
		return tx.VerifyTokens().Issue(ctx, &SingleUseToken{
			UserID:    user.ID,
			Token:     signed,
			ExpiresAt: &exp,
		})
	})
	if err != nil {
		return nil, err
	}
	obs.ObserveTokenIssued(config.FamilyVerify)

	if err := s.notifier.SendWelcomeEmail(ctx, user, s.actionBaseURL+"/account/verify?token="+signed); err != nil {
		log.Printf("send welcome email: %v", err)
	}
	return user, nil
}

// SetupTwoFactor generates and stores a fresh TOTP secret for the user and
// returns the provisioning payload. Re-running rotates the secret.
func (s *Service) SetupTwoFactor(ctx context.Context, userID string) (*TwoFactorSetup, error) {
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	secret, err := GenerateTOTPSecret()
	if err != nil {
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		if err := tx.TwoFactorSecrets().Upsert(ctx, &TwoFactorSecret{UserID: user.ID, Secret: secret}); err != nil {
			return err
		}
		return tx.Users().SetTwoFactorEnabled(ctx, user.ID, true)
	})
	if err != nil {
		return nil, err
	}
	return &TwoFactorSetup{
		Secret:       secret,
		ProvisionURI: ProvisionURI(s.totpIssuer, user.Email, secret),
	}, nil
}

// ChangePassword rotates a password after verifying the current one.
// Reusing the current password is a validation failure, not a security one.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return err
	}
	if !VerifyPassword(user.PasswordHash, currentPassword, user.PasswordSalt) {
		return ErrInvalidCredentials
	}
	if newPassword == currentPassword {
		return ErrPasswordReuse
	}
	hash, err := HashPassword(newPassword, user.PasswordSalt)
	if err != nil {
		return err
	}
	return s.store.Users().UpdatePassword(ctx, userID, hash)
}

// SweepExpiredSessions deletes refresh records whose expiry has passed.
// Records without an expiry are retained on purpose.
func (s *Service) SweepExpiredSessions(ctx context.Context) (int64, error) {
	return s.store.RefreshSessions().SweepExpired(ctx, s.now())
}

// establishSession issues the access/refresh pair, upserts the device's
// refresh record and stamps last-login inside one transaction. A concurrent
// login on the same device wins by overwriting; last writer is authoritative.
func (s *Service) establishSession(ctx context.Context, userID string, device DeviceInfo, audience string, before func(ctx context.Context, tx Store) error) (*TokenPair, error) {
	access, accessExp, err := s.codec.Sign(config.FamilyAccess, audience, userID)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.codec.Sign(config.FamilyRefresh, audience, userID)
	if err != nil {
		return nil, err
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Store) error {
		if before != nil {
			if err := before(ctx, tx); err != nil {
				return err
			}
		}
		if err := tx.RefreshSessions().Upsert(ctx, &RefreshSession{
			UserID:     userID,
			DeviceID:   device.DeviceID,
			Token:      refresh,
			ExpiresAt:  &refreshExp,
			Platform:   device.Platform,
			AppVersion: device.AppVersion,
			IP:         device.IP,
		}); err != nil {
			return err
		}
		return tx.Users().StampLastLogin(ctx, userID, s.now())
	})
	if err != nil {
		return nil, err
	}

	obs.ObserveTokenIssued(config.FamilyAccess)
	obs.ObserveTokenIssued(config.FamilyRefresh)
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *Service) activeUserByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.Status != UserStatusActive {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
