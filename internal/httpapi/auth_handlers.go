package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"tenderbase.org/internal/audit"
	"tenderbase.org/internal/auth"
	"tenderbase.org/internal/obs"
)

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	DeviceID   string `json:"device_id"`
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

type tokenPairResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

func tokenPairPayload(pair *auth.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email == "" || req.Password == "" || req.DeviceID == "" {
		writeError(w, r, http.StatusBadRequest, "email, password and device_id are required")
		return
	}

	device := auth.DeviceInfo{
		DeviceID:   req.DeviceID,
		Platform:   req.Platform,
		AppVersion: req.AppVersion,
		IP:         clientIP(r),
	}
	result, err := a.auth.Login(r.Context(), req.Email, req.Password, device, audienceFrom(r))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			obs.ObserveLogin("failure")
			_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
				"email": strings.ToLower(strings.TrimSpace(req.Email)),
				"ip":    device.IP,
			})
			writeError(w, r, http.StatusUnauthorized, "invalid email or password")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "login failed")
		return
	}

	if result.TwoFactorRequired {
		obs.ObserveLogin("two_factor")
		_ = audit.LogEvent(r.Context(), "auth.login.two_factor", map[string]any{
			"ip": device.IP,
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"two_factor_required": true,
			"session_token":       result.SessionToken,
		})
		return
	}

	obs.ObserveLogin("success")
	_ = audit.LogEvent(r.Context(), "auth.login.succeeded", map[string]any{
		"device_id": device.DeviceID,
		"ip":        device.IP,
	})
	writeJSON(w, http.StatusOK, tokenPairPayload(result.Tokens))
}

type twoFactorRequest struct {
	SessionToken string `json:"session_token"`
	Code         string `json:"code"`
	DeviceID     string `json:"device_id"`
	Platform     string `json:"platform,omitempty"`
	AppVersion   string `json:"app_version,omitempty"`
}

func (a *API) handleLoginTwoFactor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req twoFactorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionToken == "" || req.Code == "" || req.DeviceID == "" {
		writeError(w, r, http.StatusBadRequest, "session_token, code and device_id are required")
		return
	}

	device := auth.DeviceInfo{
		DeviceID:   req.DeviceID,
		Platform:   req.Platform,
		AppVersion: req.AppVersion,
		IP:         clientIP(r),
	}
	pair, err := a.auth.CompleteTwoFactor(r.Context(), req.SessionToken, req.Code, device, audienceFrom(r))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidTwoFactorCode) {
			obs.ObserveLogin("failure")
			_ = audit.LogEvent(r.Context(), "auth.login.two_factor.failed", map[string]any{
				"ip": device.IP,
			})
			writeError(w, r, http.StatusUnauthorized, "invalid two-factor code")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "two-factor login failed")
		return
	}

	obs.ObserveLogin("success")
	_ = audit.LogEvent(r.Context(), "auth.login.succeeded", map[string]any{
		"device_id":  device.DeviceID,
		"ip":         device.IP,
		"two_factor": true,
	})
	writeJSON(w, http.StatusOK, tokenPairPayload(pair))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	DeviceID     string `json:"device_id"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RefreshToken == "" || req.DeviceID == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token and device_id are required")
		return
	}

	access, expiresAt, err := a.auth.Refresh(r.Context(), req.RefreshToken, req.DeviceID, audienceFrom(r))
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrSessionNotFound):
			writeError(w, r, http.StatusUnauthorized, "invalid or expired refresh token")
		default:
			writeError(w, r, http.StatusInternalServerError, "token refresh failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":      access,
		"access_expires_at": expiresAt,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req logoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	_ = a.auth.Logout(r.Context(), req.RefreshToken)
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{"ip": clientIP(r)})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email == "" {
		writeError(w, r, http.StatusBadRequest, "email is required")
		return
	}

	// Always accepted; whether the email exists is never disclosed.
	if err := a.auth.RequestPasswordReset(r.Context(), req.Email, audienceFrom(r)); err != nil {
		writeError(w, r, http.StatusInternalServerError, "could not process request")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password.reset_requested", map[string]any{
		"email": strings.ToLower(strings.TrimSpace(req.Email)),
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

type applyTokenRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req applyTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Token == "" || req.NewPassword == "" {
		writeError(w, r, http.StatusBadRequest, "token and new_password are required")
		return
	}

	if err := a.auth.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		writeSingleUseTokenError(w, r, err, "password reset failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password.reset", map[string]any{"ip": clientIP(r)})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleVerifyAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req applyTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Token == "" || req.NewPassword == "" {
		writeError(w, r, http.StatusBadRequest, "token and new_password are required")
		return
	}

	if err := a.auth.VerifyAccount(r.Context(), req.Token, req.NewPassword); err != nil {
		writeSingleUseTokenError(w, r, err, "account verification failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.account.verified", map[string]any{"ip": clientIP(r)})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeSingleUseTokenError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, auth.ErrTokenConsumed):
		writeError(w, r, http.StatusConflict, "token has already been used")
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusBadRequest, "invalid or expired token")
	default:
		writeError(w, r, http.StatusInternalServerError, fallback)
	}
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	ident, err := a.authorize(r)
	if err != nil {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, r, http.StatusBadRequest, "current_password and new_password are required")
		return
	}

	if err := a.auth.ChangePassword(r.Context(), ident.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			writeError(w, r, http.StatusUnauthorized, "current password is incorrect")
		case errors.Is(err, auth.ErrPasswordReuse):
			writeError(w, r, http.StatusBadRequest, "new password must differ from the current one")
		default:
			writeError(w, r, http.StatusInternalServerError, "password change failed")
		}
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password.changed", nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleSetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	ident, err := a.authorize(r)
	if err != nil {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	setup, err := a.auth.SetupTwoFactor(r.Context(), ident.UserID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "two-factor setup failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.two_factor.enabled", nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":        setup.Secret,
		"provision_uri": setup.ProvisionURI,
	})
}

type inviteUserRequest struct {
	Email  string `json:"email"`
	Name   string `json:"name"`
	RoleID string `json:"role_id"`
}

func (a *API) handleInviteUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	ident, err := a.authorize(r, auth.TenantMarker, "User:Manage")
	if err != nil {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	tenantID := strings.TrimSpace(r.Header.Get(tenantHeader))
	if !ident.IsSystemAdmin {
		tenantID = ident.TenantID
	}
	var req inviteUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email == "" || req.RoleID == "" {
		writeError(w, r, http.StatusBadRequest, "email and role_id are required")
		return
	}

	user, err := a.auth.InviteUser(r.Context(), tenantID, req.Email, req.Name, req.RoleID, audienceFrom(r))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "invite failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.user.invited", map[string]any{
		"invited_user_id": user.ID,
		"email":           user.Email,
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     user.ID,
		"email":  user.Email,
		"status": user.Status,
	})
}
