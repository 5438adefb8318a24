package tokenstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"vaultbot/pkg/connections"
)

// Exchanger derives a secondary credential from a root access token.
type Exchanger interface {
	Exchange(ctx context.Context, rootAccessToken string) (DerivedCredential, error)
}

// ErrExchangeRejected means the derivation endpoint refused the root token.
var ErrExchangeRejected = errors.New("exchange rejected")

// XboxExchanger runs the Xbox Live ladder: Microsoft access token, then
// Xbox user token, then XSTS token. Each step has its own expiry; the
// derived credential expires with the earliest of them.
type XboxExchanger struct {
	UserAuthURL  string
	XSTSAuthURL  string
	RelyingParty string
	HTTPClient   *http.Client
}

func NewXboxExchanger(hc *http.Client) *XboxExchanger {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &XboxExchanger{
		UserAuthURL:  "https://user.auth.xboxlive.com/user/authenticate",
		XSTSAuthURL:  "https://xsts.auth.xboxlive.com/xsts/authorize",
		RelyingParty: "http://xboxlive.com",
		HTTPClient:   hc,
	}
}

type xboxAuthResponse struct {
	Token         string    `json:"Token"`
	NotAfter      time.Time `json:"NotAfter"`
	DisplayClaims struct {
		XUI []struct {
			UHS string `json:"uhs"`
		} `json:"xui"`
	} `json:"DisplayClaims"`
}

func (x *XboxExchanger) Exchange(ctx context.Context, rootAccessToken string) (DerivedCredential, error) {
	user, err := x.post(ctx, x.UserAuthURL, map[string]any{
		"Properties": map[string]any{
			"AuthMethod": "RPS",
			"SiteName":   "user.auth.xboxlive.com",
			"RpsTicket":  "d=" + rootAccessToken,
		},
		"RelyingParty": "http://auth.xboxlive.com",
		"TokenType":    "JWT",
	})
	if err != nil {
		return DerivedCredential{}, fmt.Errorf("xbox user token: %w", err)
	}
	xsts, err := x.post(ctx, x.XSTSAuthURL, map[string]any{
		"Properties": map[string]any{
			"SandboxId":  "RETAIL",
			"UserTokens": []string{user.Token},
		},
		"RelyingParty": x.RelyingParty,
		"TokenType":    "JWT",
	})
	if err != nil {
		return DerivedCredential{}, fmt.Errorf("xsts token: %w", err)
	}
	d := DerivedCredential{Token: xsts.Token, ExpiresAt: xsts.NotAfter.UTC()}
	if !user.NotAfter.IsZero() && user.NotAfter.Before(d.ExpiresAt) {
		d.ExpiresAt = user.NotAfter.UTC()
	}
	if len(xsts.DisplayClaims.XUI) > 0 {
		d.UserHash = xsts.DisplayClaims.XUI[0].UHS
	} else if len(user.DisplayClaims.XUI) > 0 {
		d.UserHash = user.DisplayClaims.XUI[0].UHS
	}
	return d, nil
}

func (x *XboxExchanger) post(ctx context.Context, url string, body any) (xboxAuthResponse, error) {
	var out xboxAuthResponse
	b, err := json.Marshal(body)
	if err != nil {
		return out, fmt.Errorf("xbox request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-xbl-contract-version", "1")
	resp, err := x.HTTPClient.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return out, fmt.Errorf("%w: status %d", ErrExchangeRejected, resp.StatusCode)
	case resp.StatusCode >= 300:
		return out, fmt.Errorf("status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode: %w", err)
	}
	if out.Token == "" {
		return out, errors.New("empty token")
	}
	return out, nil
}

// resolveDerived serves the cached derived credential or re-derives it from
// the root, refreshing the root first when needed.
func (r *Resolver) resolveDerived(ctx context.Context, userID string, conn connections.Connection, scopes []string) (Resolution, string, error) {
	now := r.now()
	d, err := r.store.GetDerived(ctx, userID, conn.Name)
	switch {
	case err == nil && !d.Expiring(now, r.margin):
		return token(d.Token, d.UserHash, d.ExpiresAt), "cached", nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return Resolution{}, "", fmt.Errorf("load derived credential: %w", err)
	}
	root, ok := r.registry.Get(conn.DerivedFrom)
	if !ok {
		return Resolution{}, "", fmt.Errorf("connection %q derives from unknown %q", conn.Name, conn.DerivedFrom)
	}
	if r.exchanger == nil {
		return Resolution{}, "", fmt.Errorf("no exchanger for derived connection %q", conn.Name)
	}
	rc, err := r.credential(ctx, userID, root, scopes)
	if err != nil {
		return Resolution{}, "", err
	}
	if rc.res.NeedsAuth != nil {
		return needsAuth(conn.Name, rc.res.NeedsAuth.MissingScopes), "", nil
	}
	nd, err := r.exchanger.Exchange(ctx, rc.c.AccessToken)
	if errors.Is(err, ErrExchangeRejected) {
		return needsAuth(conn.Name, scopes), "", nil
	}
	if err != nil {
		return Resolution{}, "", &TransportError{Connection: conn.Name, Err: err}
	}
	nd.UserID = userID
	nd.Connection = conn.Name
	if err := r.store.PutDerived(ctx, nd); err != nil {
		return Resolution{}, "", fmt.Errorf("store derived credential: %w", err)
	}
	return token(nd.Token, nd.UserHash, nd.ExpiresAt), "derived", nil
}
