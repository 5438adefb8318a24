// Package tokenstore resolves provider access tokens for a user and
// connection, refreshing or re-deriving them when they have expired.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("credential not found")

// Credential is the primary OAuth grant of one user on one connection.
// It never leaves the server.
type Credential struct {
	UserID       string
	Connection   string
	AccessToken  string
	RefreshToken string
	Scopes       []string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Expiring reports whether c should be treated as expired at now.
// A zero ExpiresAt never expires.
func (c Credential) Expiring(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.UTC().Add(margin).Before(c.ExpiresAt.UTC())
}

// Missing returns the requested scopes c was not granted.
func (c Credential) Missing(scopes []string) []string {
	have := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		have[s] = struct{}{}
	}
	var out []string
	for _, s := range scopes {
		if _, ok := have[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// DerivedCredential is obtained by exchange from a root credential
// (for Xbox: the XSTS token and user hash).
type DerivedCredential struct {
	UserID     string
	Connection string
	Token      string
	UserHash   string
	ExpiresAt  time.Time
}

func (d DerivedCredential) Expiring(now time.Time, margin time.Duration) bool {
	return !now.UTC().Add(margin).Before(d.ExpiresAt.UTC())
}

// GrantedScope records that a user consented to scope on a connection.
type GrantedScope struct {
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	Scope        string    `json:"scope"`
	GrantedAt    time.Time `json:"granted_at"`
}

type Store interface {
	GetCredential(ctx context.Context, userID, connection string) (Credential, error)
	// PutCredential upserts on user and connection.
	PutCredential(ctx context.Context, c Credential) error
	DeleteCredential(ctx context.Context, userID, connection string) error
	GetDerived(ctx context.Context, userID, connection string) (DerivedCredential, error)
	PutDerived(ctx context.Context, d DerivedCredential) error
	DeleteDerived(ctx context.Context, userID, connection string) error
	// RecordGrantedScopes appends scopes not yet recorded; existing rows keep
	// their original grant time.
	RecordGrantedScopes(ctx context.Context, userID, connectionID string, scopes []string, at time.Time) error
	ListGrantedScopes(ctx context.Context, userID string) ([]GrantedScope, error)
	DeleteGrantedScopes(ctx context.Context, userID, connectionID string) error
	// PurgeExpired removes credentials expired before cutoff that cannot be
	// refreshed, and derived credentials expired before cutoff.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// NeedsAuthorization is the non-error outcome of a resolution that needs
// the user to grant (more) access.
type NeedsAuthorization struct {
	Connection    string   `json:"connection"`
	MissingScopes []string `json:"requiredScopes"`
}

// Resolution is either a usable token or a NeedsAuth request.
type Resolution struct {
	Token     string
	UserHash  string // derived credentials only
	ExpiresAt time.Time
	NeedsAuth *NeedsAuthorization
}

func (r Resolution) Authorized() bool { return r.NeedsAuth == nil && r.Token != "" }

func token(tok, hash string, exp time.Time) Resolution {
	return Resolution{Token: tok, UserHash: hash, ExpiresAt: exp}
}

func needsAuth(connection string, scopes []string) Resolution {
	return Resolution{NeedsAuth: &NeedsAuthorization{Connection: connection, MissingScopes: append([]string(nil), scopes...)}}
}

// TransportError wraps a network or upstream failure unrelated to the
// user's grant. Callers may retry it.
type TransportError struct {
	Connection string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("token transport for %s: %v", e.Connection, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
