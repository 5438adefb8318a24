// Package auth0 talks to the Auth0 tenant: the token vault, the Connected
// Accounts API and the Management API.
package auth0

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"vaultbot/pkg/config"
)

// Client is constructed once per process and shared by handlers.
type Client struct {
	base         string
	clientID     string
	clientSecret string
	audience     string
	dbConnection string
	hc           *http.Client
	mgmt         oauth2.TokenSource
	log          *zap.SugaredLogger
}

func New(cfg config.Config, hc *http.Client, log *zap.SugaredLogger) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	c := &Client{
		base:         cfg.Auth0BaseURL(),
		clientID:     cfg.Auth0ClientID,
		clientSecret: cfg.Auth0ClientSecret,
		audience:     cfg.Auth0Audience,
		dbConnection: cfg.Auth0DBConnection,
		hc:           hc,
		log:          log,
	}
	mgmtID, mgmtSecret := cfg.Auth0ManagementClientID, cfg.Auth0ManagementClientSecret
	if mgmtID == "" {
		mgmtID, mgmtSecret = cfg.Auth0ClientID, cfg.Auth0ClientSecret
	}
	cc := &clientcredentials.Config{
		ClientID:       mgmtID,
		ClientSecret:   mgmtSecret,
		TokenURL:       c.base + "/oauth/token",
		EndpointParams: url.Values{"audience": {c.base + "/api/v2/"}},
	}
	// The token source outlives any request, so it gets a background context.
	c.mgmt = cc.TokenSource(context.WithValue(context.Background(), oauth2.HTTPClient, hc))
	return c
}

// Configured reports whether a tenant domain is set.
func (c *Client) Configured() bool { return c.base != "" }

// APIError is a non-2xx answer from the tenant.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth0: %d %s: %s", e.Status, e.Code, e.Message)
}

// do sends body as JSON with bearer and decodes a JSON answer into out.
func (c *Client) do(ctx context.Context, method, path, bearer string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		var e struct {
			Error            string `json:"error"`
			ErrorCode        string `json:"errorCode"`
			ErrorDescription string `json:"error_description"`
			Message          string `json:"message"`
		}
		_ = json.Unmarshal(raw, &e)
		code := e.Error
		if e.ErrorCode != "" {
			code = e.ErrorCode
		}
		msg := e.ErrorDescription
		if msg == "" {
			msg = e.Message
		}
		return &APIError{Status: resp.StatusCode, Code: code, Message: strings.TrimSpace(msg)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) managementToken() (string, error) {
	tok, err := c.mgmt.Token()
	if err != nil {
		return "", fmt.Errorf("management token: %w", err)
	}
	return tok.AccessToken, nil
}
