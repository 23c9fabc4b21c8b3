package httpapi

import (
	"context"
	"database/sql"
	"net/http"

	"tenderbase.org/internal/auth"
	"tenderbase.org/internal/obs"
)

// ReadyProbe is a simple readiness check (e.g. DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP surface over the authentication core.
type API struct {
	mux        *http.ServeMux
	auth       *auth.Service
	codec      *auth.Codec
	resolver   *auth.Resolver
	readyProbe ReadyProbe
	version    string
}

func New(rp ReadyProbe, svc *auth.Service, codec *auth.Codec, resolver *auth.Resolver, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		auth:       svc,
		codec:      codec,
		resolver:   resolver,
		readyProbe: rp,
		version:    version,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/login/2fa", a.handleLoginTwoFactor)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/password/forgot", a.handleForgotPassword)
	a.mux.HandleFunc("/v1/auth/password/reset", a.handleResetPassword)
	a.mux.HandleFunc("/v1/auth/account/verify", a.handleVerifyAccount)

	a.mux.HandleFunc("/v1/auth/password/change", a.handleChangePassword)
	a.mux.HandleFunc("/v1/auth/2fa/setup", a.handleSetupTwoFactor)
	a.mux.HandleFunc("/v1/users/invite", a.handleInviteUser)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	handler := a.withAuth(a.mux)
	handler = RateLimit(handler, 20, 10)
	handler = MaxBodyBytes(handler, 1<<20)
	handler = SecurityHeaders(handler)
	handler = Logging(handler)
	handler = RequestID(handler)
	return obs.Instrument(handler)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tenderbase-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
