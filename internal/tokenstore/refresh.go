package tokenstore

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"vaultbot/pkg/connections"
)

// Refresher trades a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, conn connections.Connection, refreshToken string) (*oauth2.Token, error)
}

// ErrGrantRejected marks a refresh the provider refused for good
// (revoked, expired or otherwise invalid grant).
var ErrGrantRejected = errors.New("refresh grant rejected")

// OAuth2Refresher refreshes directly at the connection's token endpoint.
type OAuth2Refresher struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

func (r OAuth2Refresher) Refresh(ctx context.Context, conn connections.Connection, refreshToken string) (*oauth2.Token, error) {
	cfg := &oauth2.Config{
		ClientID:     r.ClientID,
		ClientSecret: r.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: conn.TokenURL},
	}
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// ClassifyRefreshError sorts a refresh failure into a rejected grant
// (ErrGrantRejected) or a retryable transport failure (*TransportError).
func ClassifyRefreshError(connection string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrGrantRejected) {
		return err
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		code := strings.ToLower(re.ErrorCode)
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if code == "invalid_grant" || code == "unauthorized_client" || code == "access_denied" ||
			status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden {
			return errors.Join(ErrGrantRejected, err)
		}
	}
	return &TransportError{Connection: connection, Err: err}
}
