// Package connect drives a user through consent on a third-party
// connection and hands the resulting grant to the token store.
//
// Two variants share one pending-session store. The popup variant goes
// through the vault's Connected Accounts API and is finished by the client
// posting back the connect code. The redirect variant sends the browser to
// the tenant login with connection parameters and is finished by a server
// callback.
package connect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"vaultbot/internal/auth0"
	"vaultbot/internal/tokenstore"
	"vaultbot/pkg/connections"
	"vaultbot/pkg/metrics"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrStateMismatch     = errors.New("state does not match the pending session")
	ErrSessionExpired    = errors.New("connect session expired")
	ErrWrongOwner        = errors.New("connect session belongs to another user")
	ErrRedirectMismatch  = errors.New("redirect_uri does not match the pending session")
	ErrNoRefreshToken    = errors.New("login returned no refresh token")
)

// Vault is the Connected Accounts half of the tenant.
type Vault interface {
	Connect(ctx context.Context, r auth0.ConnectRequest) (auth0.ConnectTicket, error)
	Complete(ctx context.Context, r auth0.CompleteRequest) (auth0.ConnectedAccount, error)
}

// Grants persists and lists what users have consented to.
type Grants interface {
	Store(ctx context.Context, c tokenstore.Credential) error
	Revoke(ctx context.Context, userID, connection string) error
	Granted(ctx context.Context, userID string) ([]tokenstore.GrantedScope, error)
}

type Config struct {
	SessionTTL time.Duration
	// PopupRedirectURI is where the vault sends the popup after consent.
	PopupRedirectURI string
	// AppOrigin is the only origin the popup relay posts to.
	AppOrigin string
	LinkedTTL time.Duration
	// HTTPClient is used for the redirect variant's code exchange.
	HTTPClient *http.Client
}

type Service struct {
	vault    Vault
	grants   Grants
	registry *connections.Registry
	sessions SessionStore
	login    *oauth2.Config
	cfg      Config
	linked   *ttlcache.Cache[string, []LinkedAccount]
	now      func() time.Time
	log      *zap.SugaredLogger
}

// NewService wires the flow. login may be nil when the redirect variant is
// not offered.
func NewService(vault Vault, grants Grants, registry *connections.Registry, sessions SessionStore, login *oauth2.Config, cfg Config, log *zap.SugaredLogger) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 5 * time.Minute
	}
	if cfg.LinkedTTL <= 0 {
		cfg.LinkedTTL = time.Minute
	}
	linked := ttlcache.New(
		ttlcache.WithTTL[string, []LinkedAccount](cfg.LinkedTTL),
		ttlcache.WithDisableTouchOnHit[string, []LinkedAccount](),
	)
	go linked.Start()
	return &Service{
		vault: vault, grants: grants, registry: registry, sessions: sessions, login: login,
		cfg: cfg, linked: linked, now: time.Now, log: log,
	}
}

// Close stops the cache janitor.
func (s *Service) Close() { s.linked.Stop() }

type StartRequest struct {
	Connection   string   `json:"connection"`
	Scopes       []string `json:"scopes"`
	RedirectURI  string   `json:"redirect_uri,omitempty"`
	SubjectToken string   `json:"-"`
}

type Ticket struct {
	ConnectURI  string `json:"connect_uri"`
	AuthSession string `json:"auth_session"`
	State       string `json:"state"`
	ExpiresIn   int    `json:"expires_in"`
}

// Start opens a popup consent for connection. The returned state is the
// only copy; the server keeps its hash.
func (s *Service) Start(ctx context.Context, userID string, r StartRequest) (Ticket, error) {
	conn, scopes, err := s.target(ctx, userID, r.Connection, r.Scopes)
	if err != nil {
		return Ticket{}, err
	}
	state, err := newState()
	if err != nil {
		return Ticket{}, err
	}
	redirect := r.RedirectURI
	if redirect == "" {
		redirect = s.cfg.PopupRedirectURI
	}
	t, err := s.vault.Connect(ctx, auth0.ConnectRequest{
		UserID:       userID,
		SubjectToken: r.SubjectToken,
		Connection:   conn.ConnectionID,
		Scopes:       scopes,
		RedirectURI:  redirect,
		State:        state,
	})
	if err != nil {
		return Ticket{}, fmt.Errorf("vault connect: %w", err)
	}
	ttl := s.cfg.SessionTTL
	if t.ExpiresIn > 0 && time.Duration(t.ExpiresIn)*time.Second < ttl {
		ttl = time.Duration(t.ExpiresIn) * time.Second
	}
	now := s.now().UTC()
	ps := PendingSession{
		ID: t.AuthSession, UserID: userID, Connection: conn.Name, Scopes: scopes,
		RedirectURI: redirect, StateHash: hashState(state), CreatedAt: now, ExpiresAt: now.Add(ttl),
	}
	if err := s.sessions.Put(ctx, ps, ttl); err != nil {
		return Ticket{}, fmt.Errorf("save connect session: %w", err)
	}
	s.log.Infow("connect started", "user", userID, "connection", conn.Name, "session", ps.ID)
	return Ticket{ConnectURI: t.ConnectURI, AuthSession: t.AuthSession, State: state, ExpiresIn: int(ttl / time.Second)}, nil
}

type CompleteRequest struct {
	AuthSession  string `json:"auth_session"`
	ConnectCode  string `json:"connect_code"`
	RedirectURI  string `json:"redirect_uri"`
	State        string `json:"state"`
	SubjectToken string `json:"-"`
}

type Completion struct {
	Connection   string   `json:"connection"`
	Scopes       []string `json:"scopes"`
	Descriptions []string `json:"descriptions"`
}

// Complete redeems the pending session and stores the grant. When it
// returns nil the grant is already visible to token resolution and the
// linked-accounts cache has been dropped, so the client may resume.
func (s *Service) Complete(ctx context.Context, userID string, r CompleteRequest) (Completion, error) {
	ps, err := s.redeem(ctx, userID, r.AuthSession, r.State)
	if err != nil {
		return Completion{}, err
	}
	if r.RedirectURI != "" && r.RedirectURI != ps.RedirectURI {
		s.reject(ps.ID, "redirect_mismatch")
		return Completion{}, ErrRedirectMismatch
	}
	acct, err := s.vault.Complete(ctx, auth0.CompleteRequest{
		SubjectToken: r.SubjectToken,
		AuthSession:  ps.ID,
		ConnectCode:  r.ConnectCode,
		RedirectURI:  ps.RedirectURI,
	})
	if err != nil {
		metrics.ConnectCompletions.WithLabelValues("vault_error").Inc()
		return Completion{}, fmt.Errorf("vault complete: %w", err)
	}
	scopes := union(ps.Scopes, acct.Scopes)
	cred := tokenstore.Credential{
		UserID:       ps.UserID,
		AccessToken:  acct.AccessToken,
		RefreshToken: acct.RefreshToken,
		Scopes:       scopes,
		ExpiresAt:    acct.ExpiresAt,
	}
	if cred.AccessToken == "" {
		// nothing usable yet; the first resolve goes through refresh
		cred.ExpiresAt = s.now().UTC()
	}
	return s.finish(ctx, ps, cred)
}

// Cancel drops a pending session whose popup was closed early. Another
// user's session is left untouched.
func (s *Service) Cancel(ctx context.Context, userID, authSession string) error {
	ps, err := s.sessions.Redeem(ctx, authSession, userID)
	if errors.Is(err, ErrWrongOwner) {
		s.log.Warnw("connect cancel by another user", "session", authSession, "user", userID)
		return err
	}
	if err != nil {
		return err
	}
	metrics.ConnectCompletions.WithLabelValues("cancelled").Inc()
	s.log.Infow("connect cancelled", "session", ps.ID, "user", userID)
	return nil
}

// redeem consumes the session once the owner matches, then checks expiry
// and state. A mismatched state from the owner still burns the session;
// an attempt by another user does not.
func (s *Service) redeem(ctx context.Context, userID, id, state string) (PendingSession, error) {
	ps, err := s.sessions.Redeem(ctx, id, userID)
	if errors.Is(err, ErrSessionNotFound) {
		s.reject(id, "expired")
		return PendingSession{}, ErrSessionExpired
	}
	if errors.Is(err, ErrWrongOwner) {
		s.reject(id, "wrong_owner")
		return PendingSession{}, ErrWrongOwner
	}
	if err != nil {
		return PendingSession{}, err
	}
	if ps.expired(s.now()) {
		s.reject(ps.ID, "expired")
		return PendingSession{}, ErrSessionExpired
	}
	if !ps.matches(state) {
		s.reject(ps.ID, "state_mismatch")
		return PendingSession{}, ErrStateMismatch
	}
	return ps, nil
}

func (s *Service) reject(session, reason string) {
	metrics.ConnectCompletions.WithLabelValues(reason).Inc()
	s.log.Warnw("connect completion rejected", "session", session, "reason", reason)
}

// finish stores cred under the root connection of the session.
func (s *Service) finish(ctx context.Context, ps PendingSession, cred tokenstore.Credential) (Completion, error) {
	conn, ok := s.registry.Get(ps.Connection)
	if !ok {
		return Completion{}, ErrUnknownConnection
	}
	cred.Connection = conn.Name
	if conn.Derived() {
		cred.Connection = conn.DerivedFrom
	}
	cred.IssuedAt = s.now().UTC()
	if err := s.grants.Store(ctx, cred); err != nil {
		metrics.ConnectCompletions.WithLabelValues("store_error").Inc()
		return Completion{}, err
	}
	s.linked.Delete(ps.UserID)
	metrics.ConnectCompletions.WithLabelValues("ok").Inc()
	s.log.Infow("connect completed", "user", ps.UserID, "connection", cred.Connection, "session", ps.ID)
	return Completion{
		Connection:   ps.Connection,
		Scopes:       cred.Scopes,
		Descriptions: s.registry.Describe(ps.Connection, cred.Scopes),
	}, nil
}

// target resolves the connection and the scopes to ask for. Scopes already
// granted on the root are requested again so the new grant does not narrow
// the old one.
func (s *Service) target(ctx context.Context, userID, name string, scopes []string) (connections.Connection, []string, error) {
	conn, ok := s.registry.Get(name)
	if !ok {
		return connections.Connection{}, nil, fmt.Errorf("%w %q", ErrUnknownConnection, name)
	}
	if len(scopes) == 0 {
		for _, op := range conn.Scopes {
			scopes = append(scopes, op...)
		}
	}
	root := conn.Name
	if conn.Derived() {
		root = conn.DerivedFrom
	}
	granted, err := s.grants.Granted(ctx, userID)
	if err != nil {
		return connections.Connection{}, nil, err
	}
	var prior []string
	for _, g := range granted {
		if g.ConnectionID == root {
			prior = append(prior, g.Scope)
		}
	}
	return conn, union(scopes, prior), nil
}

type LinkedAccount struct {
	Connection   string    `json:"connection"`
	DisplayName  string    `json:"display_name"`
	Scopes       []string  `json:"scopes"`
	Descriptions []string  `json:"descriptions"`
	GrantedAt    time.Time `json:"granted_at"`
}

// LinkedAccounts lists the user's granted connections with friendly scope
// text. Results are cached briefly per user.
func (s *Service) LinkedAccounts(ctx context.Context, userID string) ([]LinkedAccount, error) {
	if item := s.linked.Get(userID); item != nil {
		return item.Value(), nil
	}
	granted, err := s.grants.Granted(ctx, userID)
	if err != nil {
		return nil, err
	}
	byConn := map[string]*LinkedAccount{}
	for _, g := range granted {
		la, ok := byConn[g.ConnectionID]
		if !ok {
			la = &LinkedAccount{Connection: g.ConnectionID, DisplayName: g.ConnectionID}
			if c, ok := s.registry.Get(g.ConnectionID); ok && c.DisplayName != "" {
				la.DisplayName = c.DisplayName
			}
			byConn[g.ConnectionID] = la
		}
		la.Scopes = append(la.Scopes, g.Scope)
		if g.GrantedAt.After(la.GrantedAt) {
			la.GrantedAt = g.GrantedAt
		}
	}
	out := make([]LinkedAccount, 0, len(byConn))
	for _, la := range byConn {
		sort.Strings(la.Scopes)
		la.Descriptions = s.registry.Describe(la.Connection, la.Scopes)
		out = append(out, *la)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Connection < out[j].Connection })
	s.linked.Set(userID, out, ttlcache.DefaultTTL)
	return out, nil
}

// Revoke deletes the stored grant of connection for the user.
func (s *Service) Revoke(ctx context.Context, userID, connection string) error {
	if _, ok := s.registry.Get(connection); !ok {
		return fmt.Errorf("%w %q", ErrUnknownConnection, connection)
	}
	if err := s.grants.Revoke(ctx, userID, connection); err != nil {
		return err
	}
	s.linked.Delete(userID)
	s.log.Infow("connection revoked", "user", userID, "connection", connection)
	return nil
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func newSessionID(prefix string) string { return prefix + uuid.NewString() }
