package auth0

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"vaultbot/internal/identity"
)

type mgmtUser struct {
	UserID        string    `json:"user_id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Picture       string    `json:"picture"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

func (u mgmtUser) user() identity.User {
	return identity.User{ID: u.UserID, Email: u.Email, Name: u.Name, Picture: u.Picture, EmailVerified: u.EmailVerified, CreatedAt: u.CreatedAt}
}

// FindByEmail returns the oldest user registered with email.
func (c *Client) FindByEmail(ctx context.Context, email string) (identity.User, error) {
	tok, err := c.managementToken()
	if err != nil {
		return identity.User{}, err
	}
	var users []mgmtUser
	if err := c.do(ctx, http.MethodGet, "/api/v2/users-by-email?email="+url.QueryEscape(email), tok, nil, &users); err != nil {
		return identity.User{}, mapErr(err)
	}
	if len(users) == 0 {
		return identity.User{}, identity.ErrNotFound
	}
	first := users[0]
	for _, u := range users[1:] {
		if u.CreatedAt.Before(first.CreatedAt) {
			first = u
		}
	}
	return first.user(), nil
}

// Create provisions a database-connection user with an unverified email.
func (c *Client) Create(ctx context.Context, nu identity.NewUser) (identity.User, error) {
	tok, err := c.managementToken()
	if err != nil {
		return identity.User{}, err
	}
	body := map[string]any{
		"connection":     c.dbConnection,
		"email":          nu.Email,
		"password":       nu.Password,
		"email_verified": false,
		"verify_email":   true,
	}
	if nu.Name != "" {
		body["name"] = nu.Name
	}
	var u mgmtUser
	if err := c.do(ctx, http.MethodPost, "/api/v2/users", tok, body, &u); err != nil {
		return identity.User{}, mapErr(err)
	}
	return u.user(), nil
}

func (c *Client) Get(ctx context.Context, id string) (identity.User, error) {
	tok, err := c.managementToken()
	if err != nil {
		return identity.User{}, err
	}
	var u mgmtUser
	if err := c.do(ctx, http.MethodGet, "/api/v2/users/"+url.PathEscape(id), tok, nil, &u); err != nil {
		return identity.User{}, mapErr(err)
	}
	return u.user(), nil
}

func mapErr(err error) error {
	var ae *APIError
	if errors.As(err, &ae) {
		switch ae.Status {
		case http.StatusNotFound:
			return errors.Join(identity.ErrNotFound, err)
		case http.StatusConflict:
			return errors.Join(identity.ErrConflict, err)
		}
	}
	return err
}

var _ identity.Directory = (*Client)(nil)
