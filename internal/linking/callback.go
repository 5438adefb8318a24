package linking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"vaultbot/internal/linkstore"
	"vaultbot/pkg/config"
	"vaultbot/pkg/metrics"
	"vaultbot/pkg/middleware"
	"vaultbot/pkg/problems"
)

const stateMaxAge = 5 * time.Minute

// NewMerchantConfig is the authorization-code client of the merchant OAuth
// server.
func NewMerchantConfig(cfg config.Config) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.MerchantClientID,
		ClientSecret: cfg.MerchantClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.MerchantAuthorizeURL,
			TokenURL: cfg.MerchantTokenURL,
		},
		RedirectURL: cfg.MerchantRedirectURI,
		Scopes:      []string{"openid", "profile", "email", "offline_access"},
	}
}

// Callback runs the identity-linking OAuth round trip with the merchant.
type Callback struct {
	oauth    *oauth2.Config
	guard    StateGuard
	idTokens Verifier
	links    linkstore.Store
	hc       *http.Client
	now      func() time.Time
	log      *zap.SugaredLogger
}

func NewCallback(oauth *oauth2.Config, guard StateGuard, idTokens Verifier, links linkstore.Store, hc *http.Client, log *zap.SugaredLogger) *Callback {
	return &Callback{oauth: oauth, guard: guard, idTokens: idTokens, links: links, hc: hc, now: time.Now, log: log}
}

// StartURL opens a link session for userID and returns the merchant
// authorize URL.
func (c *Callback) StartURL(ctx context.Context, userID string) (string, error) {
	id, err := newSessionID()
	if err != nil {
		return "", err
	}
	if err := c.guard.Put(ctx, id, userID, stateMaxAge); err != nil {
		return "", err
	}
	state, err := encodeState(linkState{SessionID: id, Timestamp: c.now().UnixMilli()})
	if err != nil {
		return "", err
	}
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Finish validates state, exchanges code and links the merchant subject of
// the returned ID token to the user who started the session.
func (c *Callback) Finish(ctx context.Context, code, rawState string) (linkstore.IdentityLink, error) {
	st, err := decodeState(rawState)
	if err != nil {
		return linkstore.IdentityLink{}, err
	}
	age := c.now().Sub(time.UnixMilli(st.Timestamp))
	if age > stateMaxAge || age < -time.Minute {
		c.log.Warnw("link state expired", "session", st.SessionID, "age", age.String())
		return linkstore.IdentityLink{}, ErrStateExpired
	}
	userID, err := c.guard.Take(ctx, st.SessionID)
	if err != nil {
		c.log.Warnw("link state rejected", "session", st.SessionID, "err", err)
		return linkstore.IdentityLink{}, err
	}
	if code == "" {
		return linkstore.IdentityLink{}, errors.New("missing code")
	}
	if c.hc != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.hc)
	}
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return linkstore.IdentityLink{}, fmt.Errorf("merchant code exchange: %w", err)
	}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return linkstore.IdentityLink{}, fmt.Errorf("%w: token response has no id_token", ErrInvalidAssertion)
	}
	claims, err := c.idTokens.Verify(ctx, raw)
	if err != nil {
		return linkstore.IdentityLink{}, err
	}
	res, err := c.links.Upsert(ctx, userID, claims.Sub, tok.RefreshToken)
	if err != nil {
		return linkstore.IdentityLink{}, err
	}
	if res.Replaced != "" {
		c.log.Warnw("identity link replaced", "chatbot_user", userID, "previous_merchant_user", res.Replaced, "merchant_user", claims.Sub)
	}
	c.log.Infow("identity linked", "chatbot_user", userID, "merchant_user", claims.Sub)
	return res.Link, nil
}

// ServeStart answers {url} for the current session.
func (c *Callback) ServeStart(w http.ResponseWriter, r *http.Request) {
	u, err := c.StartURL(r.Context(), middleware.ActorSub(r.Context()))
	if err != nil {
		c.log.Errorw("link start", "err", err)
		problems.WriteError(w, http.StatusInternalServerError, problems.CodeServerError, "could not start linking")
		return
	}
	problems.WriteJSON(w, http.StatusOK, map[string]string{"url": u})
}

// ServeCallback finishes the round trip and redirects back into the app.
func (c *Callback) ServeCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	back := url.Values{}
	if intent := q.Get("intent"); intent != "" {
		back.Set("intent", intent)
	}
	if e := q.Get("error"); e != "" {
		back.Set("link_error", e)
	} else if _, err := c.Finish(r.Context(), q.Get("code"), q.Get("state")); err != nil {
		back.Set("link_error", callbackCode(err))
		c.log.Infow("link callback failed", "err", err)
	} else {
		back.Set("linked", "1")
	}
	outcome := back.Get("link_error")
	if outcome == "" {
		outcome = "ok"
	}
	metrics.LinkingRequests.WithLabelValues("callback", outcome).Inc()
	http.Redirect(w, r, "/?"+back.Encode(), http.StatusFound)
}

func callbackCode(err error) string {
	switch {
	case errors.Is(err, ErrStateExpired), errors.Is(err, ErrStateReplayed):
		return problems.CodeSessionExpired
	case errors.Is(err, ErrStateInvalid):
		return problems.CodeStateMismatch
	case errors.Is(err, ErrInvalidAssertion):
		return problems.CodeInvalidAssertion
	default:
		return problems.CodeServerError
	}
}
