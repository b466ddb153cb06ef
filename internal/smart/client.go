package smart

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// Client is the app's OAuth2 registration with a SMART authorization server.
// Endpoints come from discovery, so each call names the URL it targets.
type Client struct {
	// HTTP is used for the token request; nil means http.DefaultClient.
	HTTP         *http.Client
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// NewClient creates a Client requesting the space-separated scope list.
func NewClient(httpClient *http.Client, clientID, clientSecret, redirectURI, scope string) *Client {
	return &Client{
		HTTP:         httpClient,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  redirectURI,
		Scopes:       strings.Fields(scope),
	}
}

// Confidential reports whether the client authenticates with a secret.
func (c *Client) Confidential() bool {
	return c.ClientSecret != ""
}

func (c *Client) config(authorizeURL, tokenURL string) *oauth2.Config {
	style := oauth2.AuthStyleInParams
	if c.Confidential() {
		style = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authorizeURL,
			TokenURL:  tokenURL,
			AuthStyle: style,
		},
	}
}

func (c *Client) context(ctx context.Context) context.Context {
	if c.HTTP == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c.HTTP)
}
