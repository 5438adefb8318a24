package connect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"

	"vaultbot/internal/tokenstore"
	"vaultbot/pkg/config"
)

// NewLoginConfig is the tenant authorization-code client used by the
// redirect variant. It returns nil when no tenant is configured.
func NewLoginConfig(cfg config.Config) *oauth2.Config {
	base := cfg.Auth0BaseURL()
	if base == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     cfg.Auth0ClientID,
		ClientSecret: cfg.Auth0ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + "/authorize",
			TokenURL:  base + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: cfg.BasePublicURL + "/auth/connect/callback",
		Scopes:      []string{"openid", "profile", "email", "offline_access"},
	}
}

var ErrRedirectDisabled = errors.New("redirect connect flow is not configured")

// LoginURL builds the tenant login URL that links connection to the user.
// The state carries the session id and the secret half, separated by a dot.
func (s *Service) LoginURL(ctx context.Context, userID, connection string, scopes []string, returnTo string) (string, error) {
	if s.login == nil {
		return "", ErrRedirectDisabled
	}
	conn, scopes, err := s.target(ctx, userID, connection, scopes)
	if err != nil {
		return "", err
	}
	secret, err := newState()
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	ps := PendingSession{
		ID:         newSessionID("login_"),
		UserID:     userID,
		Connection: conn.Name,
		Scopes:     scopes,
		ReturnTo:   safeReturn(returnTo),
		Verifier:   oauth2.GenerateVerifier(),
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.SessionTTL),
	}
	ps.StateHash = hashState(secret)
	if err := s.sessions.Put(ctx, ps, s.cfg.SessionTTL); err != nil {
		return "", fmt.Errorf("save connect session: %w", err)
	}
	s.log.Infow("connect login started", "user", userID, "connection", conn.Name, "session", ps.ID)
	return s.login.AuthCodeURL(ps.ID+"."+secret,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(ps.Verifier),
		oauth2.SetAuthURLParam("connection", conn.ConnectionID),
		oauth2.SetAuthURLParam("connection_scope", strings.Join(scopes, " ")),
		oauth2.SetAuthURLParam("link_transaction", "connect"),
		oauth2.SetAuthURLParam("subject", userID),
	), nil
}

// FinishLogin handles the tenant callback of the redirect variant and
// returns the path to send the browser back to.
//
// The tenant hands back its own refresh token; the provider token is
// fetched from the vault with it on first resolution.
func (s *Service) FinishLogin(ctx context.Context, code, state string) (Completion, string, error) {
	if s.login == nil {
		return Completion{}, "", ErrRedirectDisabled
	}
	id, secret, ok := strings.Cut(state, ".")
	if !ok || id == "" || secret == "" {
		s.reject("", "malformed_state")
		return Completion{}, "", ErrStateMismatch
	}
	ps, err := s.redeem(ctx, "", id, secret)
	if err != nil {
		return Completion{}, "", err
	}
	if s.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.cfg.HTTPClient)
	}
	tok, err := s.login.Exchange(ctx, code, oauth2.VerifierOption(ps.Verifier))
	if err != nil {
		s.reject(ps.ID, "exchange_failed")
		return Completion{}, "", fmt.Errorf("code exchange: %w", err)
	}
	if tok.RefreshToken == "" {
		s.reject(ps.ID, "no_refresh_token")
		return Completion{}, "", ErrNoRefreshToken
	}
	c, err := s.finish(ctx, ps, tokenstore.Credential{
		UserID:       ps.UserID,
		RefreshToken: tok.RefreshToken,
		Scopes:       ps.Scopes,
		// Already expired so the first resolution goes through the vault.
		ExpiresAt: s.now().UTC(),
	})
	return c, ps.ReturnTo, err
}

// safeReturn keeps redirects on this site.
func safeReturn(p string) string {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return "/"
	}
	return p
}
