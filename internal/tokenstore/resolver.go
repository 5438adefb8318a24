package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vaultbot/pkg/connections"
	"vaultbot/pkg/metrics"
)

const DefaultExpiryMargin = 30 * time.Second

// Resolver hands out usable provider tokens.
type Resolver struct {
	store     Store
	registry  *connections.Registry
	refresher Refresher
	exchanger Exchanger
	margin    time.Duration
	now       func() time.Time
	log       *zap.SugaredLogger
}

type Option func(*Resolver)

func WithExchanger(e Exchanger) Option { return func(r *Resolver) { r.exchanger = e } }
func WithMargin(d time.Duration) Option { return func(r *Resolver) { r.margin = d } }
func WithClock(now func() time.Time) Option { return func(r *Resolver) { r.now = now } }
func WithLogger(log *zap.SugaredLogger) Option { return func(r *Resolver) { r.log = log } }

func NewResolver(store Store, registry *connections.Registry, refresher Refresher, opts ...Option) *Resolver {
	r := &Resolver{
		store:     store,
		registry:  registry,
		refresher: refresher,
		margin:    DefaultExpiryMargin,
		now:       time.Now,
		log:       zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns a token for connection carrying at least scopes, or a
// NeedsAuth resolution. The error is non-nil only for real failures; a
// *TransportError may be retried.
func (r *Resolver) Resolve(ctx context.Context, userID, connection string, scopes []string) (Resolution, error) {
	conn, ok := r.registry.Get(connection)
	if !ok {
		return Resolution{}, fmt.Errorf("unknown connection %q", connection)
	}
	var (
		res     Resolution
		outcome string
		err     error
	)
	if conn.Derived() {
		res, outcome, err = r.resolveDerived(ctx, userID, conn, scopes)
	} else {
		res, outcome, err = r.resolvePrimary(ctx, userID, conn, scopes)
	}
	var te *TransportError
	switch {
	case errors.As(err, &te):
		outcome = "transport_error"
	case err != nil:
		outcome = "error"
	case res.NeedsAuth != nil:
		outcome = "needs_auth"
		r.log.Debugw("authorization required", "user", userID, "connection", conn.Name, "missing", res.NeedsAuth.MissingScopes)
	}
	metrics.TokenResolutions.WithLabelValues(conn.Name, outcome).Inc()
	return res, err
}

func (r *Resolver) resolvePrimary(ctx context.Context, userID string, conn connections.Connection, scopes []string) (Resolution, string, error) {
	cred, err := r.credential(ctx, userID, conn, scopes)
	if err != nil {
		return Resolution{}, "", err
	}
	if cred.res.NeedsAuth != nil {
		return cred.res, "", nil
	}
	return token(cred.c.AccessToken, "", cred.c.ExpiresAt), cred.outcome, nil
}

type credResult struct {
	c       Credential
	res     Resolution
	outcome string
}

// credential loads the primary credential of conn, refreshing it when it
// is about to expire. NeedsAuth is reported for conn.Name.
func (r *Resolver) credential(ctx context.Context, userID string, conn connections.Connection, scopes []string) (credResult, error) {
	c, err := r.store.GetCredential(ctx, userID, conn.Name)
	if errors.Is(err, ErrNotFound) {
		return credResult{res: needsAuth(conn.Name, scopes)}, nil
	}
	if err != nil {
		return credResult{}, fmt.Errorf("load credential: %w", err)
	}
	if missing := c.Missing(scopes); len(missing) > 0 {
		return credResult{res: needsAuth(conn.Name, missing)}, nil
	}
	now := r.now()
	if c.AccessToken != "" && !c.Expiring(now, r.margin) {
		return credResult{c: c, outcome: "cached"}, nil
	}
	if c.RefreshToken == "" || r.refresher == nil {
		return credResult{res: needsAuth(conn.Name, scopes)}, nil
	}
	tok, err := r.refresher.Refresh(ctx, conn, c.RefreshToken)
	if err = ClassifyRefreshError(conn.Name, err); err != nil {
		if errors.Is(err, ErrGrantRejected) {
			r.log.Infow("refresh rejected, grant treated as absent", "user", userID, "connection", conn.Name)
			return credResult{res: needsAuth(conn.Name, scopes)}, nil
		}
		return credResult{}, err
	}
	c.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	c.IssuedAt = now.UTC()
	c.ExpiresAt = tok.Expiry.UTC()
	if tok.Expiry.IsZero() {
		c.ExpiresAt = now.UTC().Add(time.Hour)
	}
	if err := r.store.PutCredential(ctx, c); err != nil {
		return credResult{}, fmt.Errorf("store refreshed credential: %w", err)
	}
	return credResult{c: c, outcome: "refreshed"}, nil
}

// Store persists a newly completed grant and records its scopes.
func (r *Resolver) Store(ctx context.Context, c Credential) error {
	if c.IssuedAt.IsZero() {
		c.IssuedAt = r.now().UTC()
	}
	if err := r.store.PutCredential(ctx, c); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	// A new root grant invalidates everything derived from the old one.
	for _, d := range r.registry.All() {
		if d.DerivedFrom == c.Connection {
			if err := r.store.DeleteDerived(ctx, c.UserID, d.Name); err != nil {
				return err
			}
		}
	}
	return r.store.RecordGrantedScopes(ctx, c.UserID, c.Connection, c.Scopes, c.IssuedAt)
}

// Invalidate drops what the resolver would hand out for connection, so the
// next resolution asks for authorization (or re-derives).
func (r *Resolver) Invalidate(ctx context.Context, userID, connection string) error {
	conn, ok := r.registry.Get(connection)
	if !ok {
		return fmt.Errorf("unknown connection %q", connection)
	}
	if conn.Derived() {
		return r.store.DeleteDerived(ctx, userID, conn.Name)
	}
	return r.store.DeleteCredential(ctx, userID, conn.Name)
}

// Revoke removes the user's grant on connection and anything derived from it.
func (r *Resolver) Revoke(ctx context.Context, userID, connection string) error {
	conn, ok := r.registry.Get(connection)
	if !ok {
		return fmt.Errorf("unknown connection %q", connection)
	}
	root := conn.Name
	if conn.Derived() {
		root = conn.DerivedFrom
	}
	for _, d := range r.registry.All() {
		if d.DerivedFrom == root {
			if err := r.store.DeleteDerived(ctx, userID, d.Name); err != nil {
				return err
			}
		}
	}
	if err := r.store.DeleteCredential(ctx, userID, root); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return r.store.DeleteGrantedScopes(ctx, userID, root)
}

// Granted lists the scopes a user has consented to.
func (r *Resolver) Granted(ctx context.Context, userID string) ([]GrantedScope, error) {
	return r.store.ListGrantedScopes(ctx, userID)
}
