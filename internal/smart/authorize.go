package smart

import (
	"fmt"
	"net/url"

	"golang.org/x/oauth2"
)

// AuthParams are the per-launch parameters of the authorization request.
type AuthParams struct {
	State    string
	Audience string
	Launch   string
	// CodeVerifier, when set, adds its S256 code_challenge.
	CodeVerifier string
}

// AuthCodeURL builds the authorization request against authorizeURL.
// Query parameters already present on authorizeURL are kept.
func (c *Client) AuthCodeURL(authorizeURL string, p AuthParams) (string, error) {
	u, err := url.Parse(authorizeURL)
	if err != nil {
		return "", fmt.Errorf("parse authorize endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("authorize endpoint %q is not an absolute URL", authorizeURL)
	}

	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("aud", p.Audience)}
	if p.Launch != "" {
		opts = append(opts, oauth2.SetAuthURLParam("launch", p.Launch))
	}
	if p.CodeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(p.CodeVerifier))
	}
	return c.config(authorizeURL, "").AuthCodeURL(p.State, opts...), nil
}
