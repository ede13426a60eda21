package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

const hstsMaxAge = 63072000

// Routes constructs the HTTP router with the login flow and profile API.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.CORSOrigins()))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.Production, a.Config.Server.TrustProxyHeaders, hstsMaxAge))
	if a.Config.Server.Production && a.Config.Server.TrustProxyHeaders {
		r.Use(ForwardedHTTPSRedirectMiddleware)
	}

	r.Get("/healthz", a.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(SessionMiddleware(a.Sessions))

		r.Get("/auth/login", a.handleLogin)
		if a.Config.Auth.SignupStateEnabled {
			r.Get("/auth/signup", a.handleSignup)
		}
		r.Get("/auth/callback", a.handleCallback)
		r.Get("/auth/logout", a.handleLogout)
		r.Post("/api/logout", a.handleAPILogout)
		r.Get("/api/me", a.handleMe)

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth)
			r.Get("/api/user/attributes", a.handleGetAttributes)
			r.Post("/api/user/attributes", a.handleUpdateAttributes)
		})
	})

	return r
}
