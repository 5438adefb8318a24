package linking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"
)

var (
	ErrInvalidAssertion = errors.New("invalid assertion")
	ErrNotConfigured    = errors.New("assertion verification is not configured")
)

// Claims are the merchant-side facts an assertion carries.
type Claims struct {
	Sub   string
	Email string
	Name  string
}

// Verifier turns a raw JWT into verified claims.
type Verifier interface {
	Verify(ctx context.Context, raw string) (Claims, error)
}

type VerifierConfig struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Skew     time.Duration
	// AllowUnverified decodes without checking the signature. Dev only.
	AllowUnverified bool
}

// JWTVerifier checks signature, issuer, audience and expiry against a
// cached JWKS.
type JWTVerifier struct {
	cfg   VerifierConfig
	cache *jwk.Cache
	log   *zap.SugaredLogger
}

// NewJWTVerifier registers the JWKS URL with a refreshing cache that lives
// as long as ctx.
func NewJWTVerifier(ctx context.Context, cfg VerifierConfig, log *zap.SugaredLogger) (*JWTVerifier, error) {
	v := &JWTVerifier{cfg: cfg, log: log}
	if cfg.JWKSURL != "" {
		v.cache = jwk.NewCache(ctx)
		if err := v.cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
			return nil, fmt.Errorf("register jwks: %w", err)
		}
	}
	if cfg.AllowUnverified {
		log.Warnw("assertion signature verification is disabled")
	}
	return v, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, raw string) (Claims, error) {
	if raw == "" {
		return Claims{}, fmt.Errorf("%w: missing", ErrInvalidAssertion)
	}
	var (
		tok jwt.Token
		err error
	)
	switch {
	case v.cache != nil:
		set, ferr := v.cache.Get(ctx, v.cfg.JWKSURL)
		if ferr != nil {
			return Claims{}, fmt.Errorf("fetch jwks: %w", ferr)
		}
		opts := []jwt.ParseOption{jwt.WithKeySet(set), jwt.WithValidate(true), jwt.WithAcceptableSkew(v.cfg.Skew)}
		if v.cfg.Issuer != "" {
			opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
		}
		if v.cfg.Audience != "" {
			opts = append(opts, jwt.WithAudience(v.cfg.Audience))
		}
		tok, err = jwt.Parse([]byte(raw), opts...)
	case v.cfg.AllowUnverified:
		v.log.Warnw("decoding assertion without signature verification")
		tok, err = jwt.ParseInsecure([]byte(raw))
	default:
		return Claims{}, ErrNotConfigured
	}
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidAssertion, err)
	}
	c := Claims{Sub: tok.Subject(), Email: stringClaim(tok, "email"), Name: stringClaim(tok, "name")}
	if c.Sub == "" {
		return Claims{}, fmt.Errorf("%w: missing sub", ErrInvalidAssertion)
	}
	return c, nil
}

func stringClaim(t jwt.Token, name string) string {
	v, ok := t.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
