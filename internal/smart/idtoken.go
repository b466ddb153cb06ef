package smart

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IDTokenClaims are the OpenID Connect claims shown on the profile page.
type IDTokenClaims struct {
	Subject   string
	FHIRUser  string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
}

type idTokenClaims struct {
	FHIRUser string `json:"fhirUser,omitempty"`
	Profile  string `json:"profile,omitempty"`
	jwt.RegisteredClaims
}

// ParseIDToken decodes an ID token without verifying its signature. The
// result is for display only and must not be used for authorization.
func ParseIDToken(raw string) (*IDTokenClaims, error) {
	var claims idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return nil, fmt.Errorf("parse id_token: %w", err)
	}

	out := &IDTokenClaims{
		Subject:  claims.Subject,
		FHIRUser: claims.FHIRUser,
		Issuer:   claims.Issuer,
		Audience: claims.Audience,
	}
	// SMART v1 servers send the user reference as "profile".
	if out.FHIRUser == "" {
		out.FHIRUser = claims.Profile
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
