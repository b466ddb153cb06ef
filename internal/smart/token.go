package smart

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// TokenResponse is a successful token endpoint response, including the SMART
// launch context parameters.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int
	Scope        string
	RefreshToken string
	IDToken      string
	Patient      string
	Encounter    string
}

// OAuthError is an RFC 6749 error response.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	Status      int    `json:"-"`
}

func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Exchange performs the authorization_code grant against tokenURL. A
// non-empty verifier is sent as code_verifier. Confidential clients
// authenticate with HTTP Basic; client_id is always in the form.
func (c *Client) Exchange(ctx context.Context, tokenURL, code, verifier string) (*TokenResponse, error) {
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("client_id", c.ClientID)}
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := c.config("", tokenURL).Exchange(c.context(ctx), code, opts...)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, oauthErrorFrom(re)
		}
		return nil, fmt.Errorf("token request: %w", err)
	}

	return &TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    extraInt(tok, "expires_in"),
		Scope:        extraString(tok, "scope"),
		RefreshToken: tok.RefreshToken,
		IDToken:      extraString(tok, "id_token"),
		Patient:      extraString(tok, "patient"),
		Encounter:    extraString(tok, "encounter"),
	}, nil
}

func oauthErrorFrom(re *oauth2.RetrieveError) *OAuthError {
	status := http.StatusOK
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	e := &OAuthError{Code: re.ErrorCode, Description: re.ErrorDescription, Status: status}
	if e.Code == "" {
		e.Code = "server_error"
		e.Description = fmt.Sprintf("token endpoint returned HTTP %d", status)
	}
	return e
}

func extraString(tok *oauth2.Token, key string) string {
	s, _ := tok.Extra(key).(string)
	return s
}

func extraInt(tok *oauth2.Token, key string) int {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}
