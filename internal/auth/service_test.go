package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"tenderbase.org/internal/config"
)

type capturedEmail struct {
	kind      string
	userID    string
	actionURL string
}

type recordingNotifier struct {
	sent []capturedEmail
}

func (n *recordingNotifier) SendPasswordResetEmail(_ context.Context, user *User, actionURL string) error {
	n.sent = append(n.sent, capturedEmail{"reset", user.ID, actionURL})
	return nil
}

func (n *recordingNotifier) SendWelcomeEmail(_ context.Context, user *User, actionURL string) error {
	n.sent = append(n.sent, capturedEmail{"welcome", user.ID, actionURL})
	return nil
}

type serviceFixture struct {
	store    *memStore
	service  *Service
	codec    *Codec
	notifier *recordingNotifier
	now      time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:    newMemStore(),
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.codec = NewCodec(testTokenConfig(), WithCodecClock(clock))
	f.service = NewService(f.store, f.codec,
		WithClock(clock),
		WithNotifier(f.notifier),
		WithActionBaseURL("https://app.example.com"),
	)
	return f
}

func (f *serviceFixture) seedUser(t *testing.T, id, email, password string) *User {
	t.Helper()
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	hash, err := HashPassword(password, salt)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return f.store.addUser(&User{
		ID:           id,
		TenantID:     "tenant-7",
		Email:        email,
		Name:         "Test User",
		PasswordHash: hash,
		PasswordSalt: salt,
		Status:       UserStatusActive,
		RoleID:       "role-1",
	})
}

var testDevice = DeviceInfo{DeviceID: "device-a", Platform: "web", AppVersion: "1.0.0", IP: "203.0.113.7"}

func TestLoginAndRefreshRoundTrip(t *testing.T) {
	f := newServiceFixture(t)
	f.seedUser(t, "u1", "dana@example.com", "pass-word-1")
	ctx := context.Background()

	result, err := f.service.Login(ctx, "dana@example.com", "pass-word-1", testDevice, config.AudienceWeb)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.TwoFactorRequired {
		t.Fatal("two-factor demanded for a user without it")
	}
	if result.Tokens == nil || result.Tokens.AccessToken == "" || result.Tokens.RefreshToken == "" {
		t.Fatal("login returned incomplete token pair")
	}

	access, exp, err := f.service.Refresh(ctx, result.Tokens.RefreshToken, "device-a", config.AudienceWeb)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if access == "" || !exp.After(f.now) {
		t.Fatal("refresh returned unusable access token")
	}
	claims, err := f.codec.Verify(config.FamilyAccess, access, config.AudienceWeb)
	if err != nil {
		t.Fatalf("verify refreshed access token: %v", err)
	}
	if claims.Subject != "u1" {
		t.Errorf("subject = %q, want u1", claims.Subject)
	}

	user, _ := f.store.Users().Find(ctx, "u1")
	if user.LastLoginAt == nil || !user.LastLoginAt.Equal(f.now) {
		t.Error("last login was not stamped")
	}
}

func TestLoginFailuresAreUndifferentiated(t *testing.T) {
	f := newServiceFixture(t)
	f.seedUser(t, "u1", "dana@example.com", "pass-word-1")
	disabled := f.seedUser(t, "u2", "off@example.com", "pass-word-2")
	disabled.Status = UserStatusDisabled
	ctx := context.Background()

	cases := []struct {
		name            string
		email, password string
	}{
		{"unknown email", "ghost@example.com", "pass-word-1"},
		{"wrong password", "dana@example.com", "nope"},
		{"disabled account", "off@example.com", "pass-word-2"},
		{"empty email", "", "pass-word-1"},
	}
	for _, tc := range cases {
		if _, err := f.service.Login(ctx, tc.email, tc.password, testDevice, config.AudienceWeb); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("%s: err = %v, want ErrInvalidCredentials", tc.name, err)
		}
	}
}

func TestRefreshIsDeviceBound(t *testing.T) {
	f := newServiceFixture(t)
	f.seedUser(t, "u1", "dana@example.com", "pass-word-1")
	ctx := context.Background()

	result, err := f.service.Login(ctx, "dana@example.com", "pass-word-1", testDevice, config.AudienceWeb)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if _, _, err := f.service.Refresh(ctx, result.Tokens.RefreshToken, "device-b", config.AudienceWeb); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("refresh from a different device: err = %v, want ErrSessionNotFound", err)
	}
	if _, _, err := f.service.Refresh(ctx, result.Tokens.RefreshToken, "device-a", config.AudienceMobile); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh with wrong audience: err = %v, want ErrInvalidToken", err)
	}
}

func TestReloginRotatesDeviceSession(t *testing.T) {
	f := newServiceFixture(t)
	f.seedUser(t, "u1", "dana@example.com", "pass-word-1")
	ctx := context.Background()

	first, err := f.service.Login(ctx, "dana@example.com", "pass-word-1", testDevice, config.AudienceWeb)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	f.now = f.now.Add(time.Minute)
	second, err := f.service.Login(ctx, "dana@example.com", "pass-word-1", testDevice, config.AudienceWeb)
	if err != nil {
		t.Fatalf("second Login: %v", err)
	}

	if _, _, err := f.service.Refresh(ctx, first.Tokens.RefreshToken, "device-a", config.AudienceWeb); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("stale refresh token still accepted: %v", err)
	}
	if _, _, err := f.service.Refresh(ctx, second.Tokens.RefreshToken, "device-a", config.AudienceWeb); err != nil {
		t.Fatalf("current refresh token rejected: %v", err)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	f.seedUser(t, "u1", "dana@example.com", "pass-word-1")
	ctx := context.Background()

	result, err := f.service.Login(ctx, "dana@example.com", "pass-word-1", testDevice, config.AudienceWeb)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := f.service.Logout(ctx, result.Tokens.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, _, err := f.service.Refresh(ctx, result.Tokens.RefreshToken, "device-a", config.AudienceWeb); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("refresh after logout: err = %v, want ErrSessionNotFound", err)
	}
	if err := f.service.Logout(ctx, result.Tokens.RefreshToken); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
	if err := f.service.Logout(ctx, "never-issued"); err != nil {
		t.Fatalf("Logout of unknown token: %v", err)
	}
}

func TestTwoFactorLoginFlow(t *testing.T) {
	f := newServiceFixture(t)
	user := f.seedUser(t, "u1", "dana@example.com", "pass-word-1")
	user.TwoFactorEnabled = true
	f.store.twoFASecrets["u1"] = &TwoFactorSecret{UserID: "u1", Secret: rfcSecret}
	ctx := context.Background()

	result, err := f.service.Login(ctx, "dana@example.com", "pass-word-1", testDevice, config.AudienceWeb)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !result.TwoFactorRequired || result.SessionToken == "" {
		t.Fatal("expected a pending two-factor session")
	}
	if result.Tokens != nil {
		t.Fatal("credentials issued before the second factor")
	}

	code := hotpCode(mustDecodeBase32(t, rfcSecret), f.now.Unix()/totpPeriod)

	if _, err := f.service.CompleteTwoFactor(ctx, result.SessionToken, "000000", testDevice, config.AudienceWeb); !errors.Is(err, ErrInvalidTwoFactorCode) {
		t.Fatalf("wrong code: err = %v, want ErrInvalidTwoFactorCode", err)
	}

	pair, err := f.service.CompleteTwoFactor(ctx, result.SessionToken, code, testDevice, config.AudienceWeb)
	if err != nil {
		t.Fatalf("CompleteTwoFactor: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("two-factor completion returned incomplete pair")
	}

	// The session is single-use.
	if _, err := f.service.CompleteTwoFactor(ctx, result.SessionToken, code, testDevice, config.AudienceWeb); !errors.Is(err, ErrInvalidTwoFactorCode) {
		t.Fatalf("consumed session reused: err = %v, want ErrInvalidTwoFactorCode", err)
	}
}

func TestSecondLoginInvalidatesPendingTwoFactorSession(t *testing.T) {
	f := newServiceFixture(t)
	user := f.seedUser(t, "u1", "dana@example.com", "pass-word-1")
	user.TwoFactorEnabled = true
	f.store.twoFASecrets["u1"] = &TwoFactorSecret{UserID: "u1", Secret: rfcSecret}
	ctx := context.Background()

	first, err := f.service.Login(ctx, "dana@example.com", "pass-word-1", testDevice, config.AudienceWeb)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	second, err := f.service.Login(ctx, "dana@example.com", "pass-word-1", testDevice, config.AudienceWeb)
	if err != nil {
		t.Fatalf("second Login: %v", err)
	}

	code := hotpCode(mustDecodeBase32(t, rfcSecret), f.now.Unix()/totpPeriod)
	if _, err := f.service.CompleteTwoFactor(ctx, first.SessionToken, code, testDevice, config.AudienceWeb); !errors.Is(err, ErrInvalidTwoFactorCode) {
		t.Fatalf("superseded session accepted: %v", err)
	}
	if _, err := f.service.CompleteTwoFactor(ctx, second.SessionToken, code, testDevice, config.AudienceWeb); err != nil {
		t.Fatalf("live session rejected: %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	f := newServiceFixture(t)
	f.seedUser(t, "u1", "dana@example.com", "old-password")
	ctx := context.Background()

	if err := f.service.RequestPasswordReset(ctx, "Dana@Example.com", config.AudienceWeb); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].kind != "reset" {
		t.Fatalf("expected one reset email, got %+v", f.notifier.sent)
	}

	var token string
	for tok := range f.store.resetTokens {
		token = tok
	}
	if token == "" {
		t.Fatal("no reset token stored")
	}

	if err := f.service.ResetPassword(ctx, token, "new-password"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if _, err := f.service.Login(ctx, "dana@example.com", "new-password", testDevice, config.AudienceWeb); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
	if _, err := f.service.Login(ctx, "dana@example.com", "old-password", testDevice, config.AudienceWeb); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still works: %v", err)
	}

	// Consumed tokens are gone.
	if err := f.service.ResetPassword(ctx, token, "another-password"); !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("reuse of consumed token: err = %v, want ErrTokenConsumed", err)
	}
}

func TestPasswordResetForUnknownEmailIsSilent(t *testing.T) {
	f := newServiceFixture(t)
	if err := f.service.RequestPasswordReset(context.Background(), "ghost@example.com", config.AudienceWeb); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if len(f.notifier.sent) != 0 {
		t.Fatalf("email sent for unknown address: %+v", f.notifier.sent)
	}
	if len(f.store.resetTokens) != 0 {
		t.Fatal("token issued for unknown address")
	}
}

func TestNewResetTokenInvalidatesPrevious(t *testing.T) {
	f := newServiceFixture(t)
	f.seedUser(t, "u1", "dana@example.com", "old-password")
	ctx := context.Background()

	if err := f.service.RequestPasswordReset(ctx, "dana@example.com", config.AudienceWeb); err != nil {
		t.Fatalf("first request: %v", err)
	}
	var first string
	for tok := range f.store.resetTokens {
		first = tok
	}

	f.now = f.now.Add(time.Second)
	if err := f.service.RequestPasswordReset(ctx, "dana@example.com", config.AudienceWeb); err != nil {
		t.Fatalf("second request: %v", err)
	}

	if err := f.service.ResetPassword(ctx, first, "new-password"); !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("superseded token accepted: err = %v, want ErrTokenConsumed", err)
	}
}

func TestExpiredResetTokenRejected(t *testing.T) {
	f := newServiceFixture(t)
	f.seedUser(t, "u1", "dana@example.com", "old-password")
	ctx := context.Background()

	if err := f.service.RequestPasswordReset(ctx, "dana@example.com", config.AudienceWeb); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	var token string
	for tok := range f.store.resetTokens {
		token = tok
	}

	f.now = f.now.Add(25 * time.Hour)
	if err := f.service.ResetPassword(ctx, token, "new-password"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: err = %v, want ErrInvalidToken", err)
	}
}

func TestInviteAndVerifyAccount(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	user, err := f.service.InviteUser(ctx, "tenant-7", "New.Hire@Example.com", "New Hire", "role-1", config.AudienceWeb)
	if err != nil {
		t.Fatalf("InviteUser: %v", err)
	}
	if user.Email != "new.hire@example.com" {
		t.Errorf("email = %q, want lowercased", user.Email)
	}
	if user.Status != UserStatusPending {
		t.Errorf("status = %q, want pending", user.Status)
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].kind != "welcome" {
		t.Fatalf("expected one welcome email, got %+v", f.notifier.sent)
	}

	// Login before verification is refused.
	if _, err := f.service.Login(ctx, "new.hire@example.com", "anything", testDevice, config.AudienceWeb); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("pending user logged in: %v", err)
	}

	var token string
	for tok := range f.store.verifyTokens {
		token = tok
	}
	if err := f.service.VerifyAccount(ctx, token, "chosen-password"); err != nil {
		t.Fatalf("VerifyAccount: %v", err)
	}
	if _, err := f.service.Login(ctx, "new.hire@example.com", "chosen-password", testDevice, config.AudienceWeb); err != nil {
		t.Fatalf("login after verification: %v", err)
	}

	if err := f.service.VerifyAccount(ctx, token, "second-try"); !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("verify token reused: err = %v, want ErrTokenConsumed", err)
	}
}

func TestSetupTwoFactorRotatesSecret(t *testing.T) {
	f := newServiceFixture(t)
	f.seedUser(t, "u1", "dana@example.com", "pass-word-1")
	ctx := context.Background()

	first, err := f.service.SetupTwoFactor(ctx, "u1")
	if err != nil {
		t.Fatalf("SetupTwoFactor: %v", err)
	}
	if first.Secret == "" || first.ProvisionURI == "" {
		t.Fatal("incomplete setup payload")
	}
	user, _ := f.store.Users().Find(ctx, "u1")
	if !user.TwoFactorEnabled {
		t.Error("two-factor flag not set")
	}

	second, err := f.service.SetupTwoFactor(ctx, "u1")
	if err != nil {
		t.Fatalf("second SetupTwoFactor: %v", err)
	}
	if second.Secret == first.Secret {
		t.Error("secret was not rotated")
	}
	if f.store.twoFASecrets["u1"].Secret != second.Secret {
		t.Error("stored secret is not the latest one")
	}
}

func TestChangePassword(t *testing.T) {
	f := newServiceFixture(t)
	f.seedUser(t, "u1", "dana@example.com", "current-pass")
	ctx := context.Background()

	if err := f.service.ChangePassword(ctx, "u1", "wrong", "next-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong current password: err = %v, want ErrInvalidCredentials", err)
	}
	if err := f.service.ChangePassword(ctx, "u1", "current-pass", "current-pass"); !errors.Is(err, ErrPasswordReuse) {
		t.Fatalf("reused password: err = %v, want ErrPasswordReuse", err)
	}
	if err := f.service.ChangePassword(ctx, "u1", "current-pass", "next-pass"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := f.service.Login(ctx, "dana@example.com", "next-pass", testDevice, config.AudienceWeb); err != nil {
		t.Fatalf("login with changed password: %v", err)
	}
}

func TestSweepExpiredSessions(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	past := f.now.Add(-time.Hour)
	future := f.now.Add(time.Hour)
	f.store.refreshSessions[refreshKey("u1", "d1")] = &RefreshSession{UserID: "u1", DeviceID: "d1", Token: "t1", ExpiresAt: &past}
	f.store.refreshSessions[refreshKey("u2", "d2")] = &RefreshSession{UserID: "u2", DeviceID: "d2", Token: "t2", ExpiresAt: &future}
	f.store.refreshSessions[refreshKey("u3", "d3")] = &RefreshSession{UserID: "u3", DeviceID: "d3", Token: "t3"}

	removed, err := f.service.SweepExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("SweepExpiredSessions: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := f.store.refreshSessions[refreshKey("u3", "d3")]; !ok {
		t.Error("session without expiry was swept")
	}
}

func mustDecodeBase32(t *testing.T, s string) []byte {
	t.Helper()
	raw, err := b32.DecodeString(s)
	if err != nil {
		t.Fatalf("decode base32: %v", err)
	}
	return raw
}
