package mastodon

import (
	"context"
	"net/http"

	"github.com/google/go-querystring/query"
	"github.com/pkg/errors"
)

const (
	// RedirectOOB is the out-of-band redirect uri. The instance shows the
	// authorization code to the user instead of redirecting.
	RedirectOOB = "urn:ietf:wg:oauth:2.0:oob"
	// DefaultScopes are requested for every registered app.
	DefaultScopes = "read write follow push"
)

type AppRequest struct {
	ClientName   string `json:"client_name"`
	RedirectURIs string `json:"redirect_uris"`
	Scopes       string `json:"scopes"`
	Website      string `json:"website,omitempty"`
}

// RegisterApp creates an OAuth application on the instance.
func (c *Client) RegisterApp(ctx context.Context, req *AppRequest) (*Application, error) {
	var app Application
	err := c.Do(ctx, http.MethodPost, "/api/v1/apps", req, &app)
	if err != nil {
		return nil, errors.Wrap(err, "failed to register app")
	}
	return &app, nil
}

type authorizeParams struct {
	ClientID     string `url:"client_id"`
	Scope        string `url:"scope"`
	RedirectURI  string `url:"redirect_uri"`
	ResponseType string `url:"response_type"`
}

// AuthorizationURL returns the page the user visits to grant access to the
// app identified by clientID.
func (c *Client) AuthorizationURL(clientID, scopes, redirect string) (string, error) {
	q, err := query.Values(authorizeParams{
		ClientID:     clientID,
		Scope:        scopes,
		RedirectURI:  redirect,
		ResponseType: "code",
	})
	if err != nil {
		return "", errors.WithStack(err)
	}
	u := c.BaseURL()
	u.Path = "/oauth/authorize"
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type TokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri"`
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ObtainToken exchanges an authorization code for an access token.
func (c *Client) ObtainToken(ctx context.Context, req *TokenRequest) (*Token, error) {
	if len(req.GrantType) == 0 {
		req.GrantType = "authorization_code"
	}
	var tok Token
	if err := c.Do(ctx, http.MethodPost, "/oauth/token", req, &tok); err != nil {
		return nil, errors.Wrap(err, "failed to obtain token")
	}
	if len(tok.AccessToken) == 0 {
		return nil, errors.New("token response did not include an access token")
	}
	return &tok, nil
}

type RevokeRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Token        string `json:"token"`
}

// RevokeToken invalidates an access token.
func (c *Client) RevokeToken(ctx context.Context, req *RevokeRequest) error {
	return c.Do(ctx, http.MethodPost, "/oauth/revoke", req, nil)
}

// VerifyCredentials returns the account that owns the client's token.
func (c *Client) VerifyCredentials(ctx context.Context) (*Account, error) {
	var acct Account
	if err := c.Do(ctx, http.MethodGet, "/api/v1/accounts/verify_credentials", nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}
