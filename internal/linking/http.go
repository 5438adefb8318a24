package linking

import (
	"github.com/go-chi/chi/v5"

	"vaultbot/pkg/config"
	"vaultbot/pkg/middleware"
)

// RegisterHTTP mounts the linking surface.
//
//	POST /account/check | /account/create | /account/get   {assertion, intent, refresh_token?}
//	GET  /auth/link/start     (session)  -> {url}
//	GET  /auth/link/callback  ?code&state&intent
func RegisterHTTP(r chi.Router, cfg config.Config, h *Webhooks, cb *Callback) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.OptionalSession(cfg))
		r.Post("/account/check", h.ServeCheck)
		r.Post("/account/create", h.ServeCreate)
		r.Post("/account/get", h.ServeGet)
	})
	if cb == nil {
		return
	}
	r.With(middleware.RequireSession(cfg)).Get("/auth/link/start", cb.ServeStart)
	r.Get("/auth/link/callback", cb.ServeCallback)
}
