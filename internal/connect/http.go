package connect

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"vaultbot/internal/auth0"
	"vaultbot/pkg/middleware"
	"vaultbot/pkg/problems"
)

// RegisterAPI mounts the session-authenticated endpoints.
//
//	POST   /api/connect/start                  {connection, scopes?, redirect_uri?}
//	POST   /api/connect/complete               {auth_session, connect_code, redirect_uri, state}
//	POST   /api/connect/cancel                 {auth_session}
//	POST   /api/connect/login                  {connection, scopes?, return_to?} -> {url}
//	GET    /api/connected-accounts
//	DELETE /api/connected-accounts/{connection}
func RegisterAPI(r chi.Router, s *Service) {
	r.Post("/api/connect/start", func(w http.ResponseWriter, req *http.Request) {
		var body StartRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Connection == "" {
			problems.WriteError(w, http.StatusBadRequest, problems.CodeInvalidRequest, "connection is required")
			return
		}
		body.SubjectToken = middleware.SessionToken(req.Context())
		t, err := s.Start(req.Context(), middleware.ActorSub(req.Context()), body)
		if err != nil {
			writeErr(w, err)
			return
		}
		problems.WriteJSON(w, http.StatusOK, t)
	})

	r.Post("/api/connect/complete", func(w http.ResponseWriter, req *http.Request) {
		var body CompleteRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.AuthSession == "" || body.ConnectCode == "" {
			problems.WriteError(w, http.StatusBadRequest, problems.CodeInvalidRequest, "auth_session and connect_code are required")
			return
		}
		body.SubjectToken = middleware.SessionToken(req.Context())
		c, err := s.Complete(req.Context(), middleware.ActorSub(req.Context()), body)
		if err != nil {
			writeErr(w, err)
			return
		}
		problems.WriteJSON(w, http.StatusOK, c)
	})

	r.Post("/api/connect/cancel", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			AuthSession string `json:"auth_session"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.AuthSession == "" {
			problems.WriteError(w, http.StatusBadRequest, problems.CodeInvalidRequest, "auth_session is required")
			return
		}
		err := s.Cancel(req.Context(), middleware.ActorSub(req.Context()), body.AuthSession)
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/connect/login", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Connection string   `json:"connection"`
			Scopes     []string `json:"scopes"`
			ReturnTo   string   `json:"return_to"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Connection == "" {
			problems.WriteError(w, http.StatusBadRequest, problems.CodeInvalidRequest, "connection is required")
			return
		}
		u, err := s.LoginURL(req.Context(), middleware.ActorSub(req.Context()), body.Connection, body.Scopes, body.ReturnTo)
		if err != nil {
			writeErr(w, err)
			return
		}
		problems.WriteJSON(w, http.StatusOK, map[string]string{"url": u})
	})

	r.Get("/api/connected-accounts", func(w http.ResponseWriter, req *http.Request) {
		list, err := s.LinkedAccounts(req.Context(), middleware.ActorSub(req.Context()))
		if err != nil {
			writeErr(w, err)
			return
		}
		problems.WriteJSON(w, http.StatusOK, map[string]any{"accounts": list})
	})

	r.Delete("/api/connected-accounts/{connection}", func(w http.ResponseWriter, req *http.Request) {
		if err := s.Revoke(req.Context(), middleware.ActorSub(req.Context()), chi.URLParam(req, "connection")); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// RegisterPublic mounts the browser-facing callbacks. They carry no
// session; the pending session is the capability.
//
//	GET /connect/callback       popup relay page
//	GET /auth/connect/callback  redirect variant completion
func RegisterPublic(r chi.Router, s *Service) {
	r.Get("/connect/callback", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "no-referrer")
		if err := relayPage.Execute(w, relayData{Origin: s.cfg.AppOrigin}); err != nil {
			s.log.Errorw("render relay page", "err", err)
		}
	})

	r.Get("/auth/connect/callback", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		if e := q.Get("error"); e != "" {
			s.log.Infow("connect login declined", "error", e)
			http.Redirect(w, req, "/?connect_error="+url.QueryEscape(e), http.StatusFound)
			return
		}
		c, returnTo, err := s.FinishLogin(req.Context(), q.Get("code"), q.Get("state"))
		if err != nil {
			s.log.Warnw("connect login failed", "err", err)
			http.Redirect(w, req, "/?connect_error="+url.QueryEscape(errorCode(err)), http.StatusFound)
			return
		}
		sep := "?"
		if u, perr := url.Parse(returnTo); perr == nil && u.RawQuery != "" {
			sep = "&"
		}
		http.Redirect(w, req, returnTo+sep+"connected="+url.QueryEscape(c.Connection), http.StatusFound)
	})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrSessionExpired):
		return problems.CodeSessionExpired
	case errors.Is(err, ErrStateMismatch), errors.Is(err, ErrWrongOwner), errors.Is(err, ErrRedirectMismatch):
		return problems.CodeStateMismatch
	case errors.Is(err, ErrUnknownConnection), errors.Is(err, ErrRedirectDisabled):
		return problems.CodeInvalidRequest
	default:
		return problems.CodeServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	code := errorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case problems.CodeSessionExpired, problems.CodeInvalidRequest:
		status = http.StatusBadRequest
	case problems.CodeStateMismatch:
		status = http.StatusForbidden
	}
	var api *auth0.APIError
	if code == problems.CodeServerError && errors.As(err, &api) {
		status = http.StatusBadGateway
	}
	problems.WriteError(w, status, code, err.Error())
}
