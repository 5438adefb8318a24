// Package tools wraps model-invocable functions with the connection grant
// they need and resolves that grant before the function body runs.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"vaultbot/internal/policy"
	"vaultbot/internal/tokenstore"
)

var (
	// ErrProviderUnauthorized is returned by tool bodies when the provider
	// rejected the injected token.
	ErrProviderUnauthorized = errors.New("provider rejected credentials")
	ErrBlocked              = errors.New("tool call blocked by policy")
)

// Call is what a tool body receives. Token is empty for tools without a
// connection.
type Call struct {
	UserID   string
	Args     map[string]any
	Token    string
	UserHash string
}

type Body func(ctx context.Context, c Call) (any, error)

type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema of Args
	Connection  string
	Scopes      []string
	Execute     Body
}

// AuthorizationRequired is returned instead of running a tool whose grant
// is missing, insufficient or was rejected by the provider.
type AuthorizationRequired struct {
	Tool          string
	Connection    string
	Scopes        []string
	MissingScopes []string
}

func (e *AuthorizationRequired) Error() string {
	return fmt.Sprintf("authorization required for %s (%s)", e.Connection, strings.Join(e.Scopes, " "))
}

// TokenResolver is the part of the token store a protected tool needs.
type TokenResolver interface {
	Resolve(ctx context.Context, userID, connection string, scopes []string) (tokenstore.Resolution, error)
	Invalidate(ctx context.Context, userID, connection string) error
}

// Protected is a tool bound to a resolver and an optional policy.
type Protected struct {
	Tool
	resolver TokenResolver
	policy   *policy.Engine
	log      *zap.SugaredLogger
}

func Protect(t Tool, r TokenResolver, p *policy.Engine, log *zap.SugaredLogger) Protected {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return Protected{Tool: t, resolver: r, policy: p, log: log}
}

// Run resolves the grant and runs the body. A missing grant yields
// *AuthorizationRequired without invoking the body; resolver transport
// failures are returned unchanged.
func (p Protected) Run(ctx context.Context, userID string, args map[string]any) (any, error) {
	if p.policy != nil {
		dec := p.policy.Evaluate(ctx, policy.Input{Tool: p.Name, Connection: p.Connection, Scopes: p.Scopes, UserID: userID, Args: args})
		if !dec.Allowed() {
			return nil, fmt.Errorf("%w: %s", ErrBlocked, strings.Join(dec.Reasons, ", "))
		}
	}
	call := Call{UserID: userID, Args: args}
	if p.Connection == "" {
		return p.Execute(ctx, call)
	}
	res, err := p.resolver.Resolve(ctx, userID, p.Connection, p.Scopes)
	if err != nil {
		return nil, err
	}
	if res.NeedsAuth != nil {
		return nil, &AuthorizationRequired{
			Tool:          p.Name,
			Connection:    res.NeedsAuth.Connection,
			Scopes:        append([]string(nil), p.Scopes...),
			MissingScopes: res.NeedsAuth.MissingScopes,
		}
	}
	call.Token = res.Token
	call.UserHash = res.UserHash
	out, err := p.Execute(ctx, call)
	if errors.Is(err, ErrProviderUnauthorized) {
		p.log.Debugw("provider rejected token, invalidating", "tool", p.Name, "connection", p.Connection)
		if ierr := p.resolver.Invalidate(ctx, userID, p.Connection); ierr != nil {
			p.log.Warnw("invalidate credential", "connection", p.Connection, "err", ierr)
		}
		return nil, &AuthorizationRequired{Tool: p.Name, Connection: p.Connection, Scopes: append([]string(nil), p.Scopes...)}
	}
	return out, err
}
