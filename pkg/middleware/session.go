// pkg/middleware/session.go
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"vaultbot/pkg/config"
	"vaultbot/pkg/problems"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DevUserHeader carries the chatbot user id in dev when no JWKS is configured.
const DevUserHeader = "X-User-ID"

var errNoSession = errors.New("no session")

// jwksCache caches JWKS sets per URL.
type jwksCache struct {
	mu   sync.RWMutex
	sets map[string]cachedJWKS
}

type cachedJWKS struct {
	set     jwk.Set
	expires time.Time
}

func (c *jwksCache) get(ctx context.Context, url string, ttl time.Duration) (jwk.Set, error) {
	c.mu.RLock()
	if e, ok := c.sets[url]; ok && time.Now().Before(e.expires) {
		c.mu.RUnlock()
		return e.set, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sets == nil {
		c.sets = map[string]cachedJWKS{}
	}
	if e, ok := c.sets[url]; ok && time.Now().Before(e.expires) {
		return e.set, nil
	}
	set, err := jwk.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	c.sets[url] = cachedJWKS{set: set, expires: time.Now().Add(ttl)}
	return set, nil
}

type sessionKey struct{}

type session struct {
	sub string
	raw string
}

type sessionAuth struct {
	cfg   config.Config
	cache *jwksCache
	ttl   time.Duration
}

func (a *sessionAuth) authenticate(r *http.Request) (session, error) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		// In dev without a JWKS the caller names itself (local bring-up).
		if a.cfg.Env == "dev" && a.cfg.SessionJWKSURL == "" {
			if id := strings.TrimSpace(r.Header.Get(DevUserHeader)); id != "" {
				return session{sub: id}, nil
			}
		}
		return session{}, errNoSession
	}
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return session{}, errors.New("missing bearer")
	}
	if a.cfg.SessionJWKSURL == "" {
		return session{}, errors.New("session auth not configured")
	}
	set, err := a.cache.get(r.Context(), a.cfg.SessionJWKSURL, a.ttl)
	if err != nil {
		return session{}, err
	}
	raw := strings.TrimSpace(authz[len("Bearer "):])
	opts := []jwt.ParseOption{jwt.WithKeySet(set), jwt.WithValidate(true), jwt.WithAcceptableSkew(a.cfg.ClockSkew)}
	if iss := a.cfg.SessionIssuer; iss != "" {
		opts = append(opts, jwt.WithIssuer(iss))
	}
	if aud := a.cfg.SessionAudience; aud != "" {
		opts = append(opts, jwt.WithAudience(aud))
	}
	jt, err := jwt.Parse([]byte(raw), opts...)
	if err != nil {
		return session{}, err
	}
	if jt.Subject() == "" {
		return session{}, errors.New("token has no subject")
	}
	return session{sub: jt.Subject(), raw: raw}, nil
}

func newSessionAuth(cfg config.Config) *sessionAuth {
	return &sessionAuth{cfg: cfg, cache: &jwksCache{}, ttl: 6 * time.Hour}
}

// RequireSession rejects requests without a valid chatbot session.
func RequireSession(cfg config.Config) func(http.Handler) http.Handler {
	a := newSessionAuth(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, err := a.authenticate(r)
			if err != nil {
				problems.WriteError(w, http.StatusUnauthorized, problems.CodeUnauthorized, "a valid session is required")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, s)))
		})
	}
}

// OptionalSession attaches the session when one is presented and valid.
// Invalid bearer tokens are ignored rather than rejected.
func OptionalSession(cfg config.Config) func(http.Handler) http.Handler {
	a := newSessionAuth(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s, err := a.authenticate(r); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), sessionKey{}, s))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorSub returns the chatbot user id of the current session, or "".
func ActorSub(ctx context.Context) string {
	if s, ok := ctx.Value(sessionKey{}).(session); ok {
		return s.sub
	}
	return ""
}

// WithActor returns ctx carrying a session for sub. Used by tests and jobs.
func WithActor(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, sessionKey{}, session{sub: sub})
}

// SessionToken returns the raw bearer of the current session, or "" for
// dev sessions.
func SessionToken(ctx context.Context) string {
	if s, ok := ctx.Value(sessionKey{}).(session); ok {
		return s.raw
	}
	return ""
}
