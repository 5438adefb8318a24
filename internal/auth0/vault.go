package auth0

import (
	"context"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"vaultbot/pkg/connections"
)

const (
	grantFederatedToken = "urn:auth0:params:oauth:grant-type:token-exchange:federated-connection-access-token"
	tokenTypeRefresh    = "urn:ietf:params:oauth:token-type:refresh_token"
	tokenTypeFederated  = "http://auth0.com/oauth/token-type/federated-connection-access-token"
)

// Refresh exchanges the stored refresh token for a fresh provider access
// token through the vault. Errors come back as *oauth2.RetrieveError when
// the tenant answered.
func (c *Client) Refresh(ctx context.Context, conn connections.Connection, refreshToken string) (*oauth2.Token, error) {
	cc := &clientcredentials.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		TokenURL:     c.base + "/oauth/token",
		EndpointParams: url.Values{
			"grant_type":           {grantFederatedToken},
			"subject_token":        {refreshToken},
			"subject_token_type":   {tokenTypeRefresh},
			"requested_token_type": {tokenTypeFederated},
			"connection":           {conn.ConnectionID},
		},
		AuthStyle: oauth2.AuthStyleInParams,
	}
	return cc.Token(context.WithValue(ctx, oauth2.HTTPClient, c.hc))
}
