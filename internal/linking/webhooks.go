// Package linking implements the account-linking webhooks an external
// commerce OAuth server calls (check, create, get) and the identity-linking
// OAuth callback.
package linking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"vaultbot/internal/identity"
	"vaultbot/internal/linkstore"
	"vaultbot/pkg/metrics"
	"vaultbot/pkg/middleware"
	"vaultbot/pkg/problems"
)

type webhookRequest struct {
	Assertion    string `json:"assertion"`
	Intent       string `json:"intent"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type CheckResponse struct {
	AccountFound   bool   `json:"account_found"`
	UserID         string `json:"user_id,omitempty"`
	MatchMethod    string `json:"match_method,omitempty"`
	MerchantUserID string `json:"merchant_user_id,omitempty"`
	MerchantEmail  string `json:"merchant_email,omitempty"`
}

type CreateResponse struct {
	UserID         string `json:"user_id"`
	AccountCreated bool   `json:"account_created"`
	Linked         bool   `json:"linked"`
	MerchantUserID string `json:"merchant_user_id"`
}

type GetResponse struct {
	UserID         string    `json:"user_id"`
	Email          string    `json:"email,omitempty"`
	Name           string    `json:"name,omitempty"`
	Picture        string    `json:"picture,omitempty"`
	EmailVerified  bool      `json:"email_verified"`
	MerchantUserID string    `json:"merchant_user_id"`
	LinkedAt       time.Time `json:"linked_at"`
	Degraded       bool      `json:"degraded,omitempty"`
}

const (
	MatchDatabaseLink = "database_link"
	MatchEmailLookup  = "email_lookup"
)

// Webhooks serves /account/check, /account/create and /account/get. Every
// call is safe to retry.
type Webhooks struct {
	verifier  Verifier
	links     linkstore.Store
	directory identity.Directory
	log       *zap.SugaredLogger
}

func NewWebhooks(v Verifier, links linkstore.Store, dir identity.Directory, log *zap.SugaredLogger) *Webhooks {
	return &Webhooks{verifier: v, links: links, directory: dir, log: log}
}

// Check reports whether the merchant identity already maps to a chatbot
// user. A stored link wins over an email match.
func (h *Webhooks) Check(ctx context.Context, c Claims) (CheckResponse, error) {
	link, err := h.links.FindByMerchantUser(ctx, c.Sub)
	switch {
	case err == nil:
		h.touch(ctx, link, "")
		return CheckResponse{AccountFound: true, UserID: link.ChatbotUserID, MatchMethod: MatchDatabaseLink}, nil
	case !errors.Is(err, linkstore.ErrNotFound):
		return CheckResponse{}, err
	}
	u, err := h.directory.FindByEmail(ctx, c.Email)
	switch {
	case err == nil:
		return CheckResponse{AccountFound: true, UserID: u.ID, MatchMethod: MatchEmailLookup}, nil
	case !errors.Is(err, identity.ErrNotFound):
		return CheckResponse{}, err
	}
	return CheckResponse{MerchantUserID: c.Sub, MerchantEmail: c.Email}, nil
}

// Create links the merchant identity to the session user, or to a chatbot
// identity found or minted by email when there is no session.
func (h *Webhooks) Create(ctx context.Context, sessionUser string, c Claims, refreshToken string) (CreateResponse, error) {
	userID := sessionUser
	created := false
	if userID == "" {
		// A retried create finds the link the first attempt wrote.
		link, err := h.links.FindByMerchantUser(ctx, c.Sub)
		switch {
		case err == nil:
			userID = link.ChatbotUserID
		case !errors.Is(err, linkstore.ErrNotFound):
			return CreateResponse{}, err
		default:
			u, isNew, err := identity.FindOrCreate(ctx, h.directory, c.Email, c.Name)
			if err != nil {
				return CreateResponse{}, err
			}
			userID, created = u.ID, isNew
		}
	}
	res, err := h.links.Upsert(ctx, userID, c.Sub, refreshToken)
	if err != nil {
		return CreateResponse{}, err
	}
	if res.Replaced != "" {
		h.log.Warnw("identity link replaced", "chatbot_user", userID, "previous_merchant_user", res.Replaced, "merchant_user", c.Sub)
	}
	if created {
		h.log.Infow("chatbot identity provisioned", "user", userID, "merchant_user", c.Sub)
	}
	return CreateResponse{UserID: userID, AccountCreated: created, Linked: true, MerchantUserID: c.Sub}, nil
}

// Get returns the profile linked to the merchant identity. When the
// directory is unavailable the answer is built from the claims and the
// link and flagged degraded. The merchant calls it on silent sign-in, so
// the link is marked refreshed and a rotated refresh token is kept.
func (h *Webhooks) Get(ctx context.Context, c Claims, refreshToken string) (GetResponse, error) {
	link, err := h.links.FindByMerchantUser(ctx, c.Sub)
	if err != nil {
		return GetResponse{}, err
	}
	h.touch(ctx, link, refreshToken)
	resp := GetResponse{UserID: link.ChatbotUserID, MerchantUserID: link.MerchantUserID, LinkedAt: link.LinkedAt}
	u, err := h.directory.Get(ctx, link.ChatbotUserID)
	if err != nil {
		h.log.Warnw("profile fetch failed, answering from link", "user", link.ChatbotUserID, "err", err)
		resp.Email, resp.Name, resp.Degraded = c.Email, c.Name, true
		return resp, nil
	}
	resp.Email, resp.Name, resp.Picture, resp.EmailVerified = u.Email, u.Name, u.Picture, u.EmailVerified
	return resp, nil
}

// touch keeps an active link out of the retention purge. Failures only
// cost freshness, so they are logged.
func (h *Webhooks) touch(ctx context.Context, link linkstore.IdentityLink, refreshToken string) {
	if err := h.links.Touch(ctx, link.ChatbotUserID, refreshToken); err != nil {
		h.log.Warnw("identity link touch failed", "chatbot_user", link.ChatbotUserID, "err", err)
	}
}

// ServeCheck, ServeCreate and ServeGet are the HTTP faces of the above.
func (h *Webhooks) ServeCheck(w http.ResponseWriter, r *http.Request) {
	c, _, ok := h.decode(w, r, "check")
	if !ok {
		return
	}
	out, err := h.Check(r.Context(), c)
	if err != nil {
		h.fail(w, "check", err)
		return
	}
	h.reply(w, "check", http.StatusOK, out)
}

func (h *Webhooks) ServeCreate(w http.ResponseWriter, r *http.Request) {
	c, req, ok := h.decode(w, r, "create")
	if !ok {
		return
	}
	out, err := h.Create(r.Context(), middleware.ActorSub(r.Context()), c, req.RefreshToken)
	if err != nil {
		h.fail(w, "create", err)
		return
	}
	h.reply(w, "create", http.StatusOK, out)
}

func (h *Webhooks) ServeGet(w http.ResponseWriter, r *http.Request) {
	c, req, ok := h.decode(w, r, "get")
	if !ok {
		return
	}
	out, err := h.Get(r.Context(), c, req.RefreshToken)
	if err != nil {
		h.fail(w, "get", err)
		return
	}
	h.reply(w, "get", http.StatusOK, out)
}

func (h *Webhooks) decode(w http.ResponseWriter, r *http.Request, endpoint string) (Claims, webhookRequest, bool) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.problem(w, endpoint, http.StatusBadRequest, problems.CodeInvalidRequest, "body must be JSON")
		return Claims{}, req, false
	}
	if strings.TrimSpace(req.Assertion) == "" {
		h.problem(w, endpoint, http.StatusBadRequest, problems.CodeInvalidRequest, "assertion is required")
		return Claims{}, req, false
	}
	c, err := h.verifier.Verify(r.Context(), req.Assertion)
	if err != nil {
		if errors.Is(err, ErrInvalidAssertion) {
			h.log.Infow("assertion rejected", "endpoint", endpoint, "err", err)
			h.problem(w, endpoint, http.StatusBadRequest, problems.CodeInvalidAssertion, "assertion could not be verified")
			return Claims{}, req, false
		}
		h.fail(w, endpoint, err)
		return Claims{}, req, false
	}
	if c.Email == "" {
		h.problem(w, endpoint, http.StatusBadRequest, problems.CodeInvalidAssertion, "assertion is missing the email claim")
		return Claims{}, req, false
	}
	h.log.Debugw("linking webhook", "endpoint", endpoint, "merchant_user", c.Sub, "intent", req.Intent)
	return c, req, true
}

func (h *Webhooks) fail(w http.ResponseWriter, endpoint string, err error) {
	if errors.Is(err, linkstore.ErrNotFound) {
		h.problem(w, endpoint, http.StatusNotFound, problems.CodeAccountNotFound, "no account is linked to this identity")
		return
	}
	h.log.Errorw("linking webhook failed", "endpoint", endpoint, "err", err)
	h.problem(w, endpoint, http.StatusInternalServerError, problems.CodeServerError, "internal error")
}

func (h *Webhooks) problem(w http.ResponseWriter, endpoint string, status int, code, desc string) {
	metrics.LinkingRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	problems.WriteError(w, status, code, desc)
}

func (h *Webhooks) reply(w http.ResponseWriter, endpoint string, status int, v any) {
	metrics.LinkingRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	problems.WriteJSON(w, status, v)
}
