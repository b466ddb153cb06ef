package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Data Structures
// ---------------------------------------------------------------------------

// SMARTClient represents a registered SMART on FHIR application.
type SMARTClient struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
	Scope        string   `json:"scope"`
	Name         string   `json:"client_name"`
	LaunchURL    string   `json:"launch_url,omitempty"`
	IsPublic     bool     `json:"is_public"`
}

// AuthorizationCode is a short-lived code exchanged for tokens.
type AuthorizationCode struct {
	Code                string
	RedirectURI         string
	ExpiresAt           time.Time
	CodeChallenge       string
	CodeChallengeMethod string
	grant
}

// grant is the authorization carried from a code to the tokens issued for it
// and on to any refresh token.
type grant struct {
	ClientID    string
	Scope       string
	PatientID   string
	EncounterID string
	UserID      string
	FHIRUser    string
}

// SMARTLaunchContext holds EHR launch context data created through
// POST /auth/launch and consumed by the authorization request.
type SMARTLaunchContext struct {
	ID          string
	PatientID   string
	EncounterID string
	UserID      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// TokenResponse is the OAuth2 token response with SMART extensions.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Patient      string `json:"patient,omitempty"`
	Encounter    string `json:"encounter,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// RefreshTokenData holds the data associated with a refresh token.
type RefreshTokenData struct {
	Token     string
	ExpiresAt time.Time
	grant
}

// AuthorizationRequest represents the OAuth2 authorization request parameters.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Aud                 string
	Launch              string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizationResponse is the result of a successful authorization.
type AuthorizationResponse struct {
	Code        string
	RedirectURI string
	State       string
}

// TokenRequest represents the OAuth2 token exchange request parameters.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
}

// TokenClaims represents the claims extracted from an introspected token.
type TokenClaims struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	TokenID   string `json:"jti,omitempty"`
	Patient   string `json:"patient,omitempty"`
	Encounter string `json:"encounter,omitempty"`
	FHIRUser  string `json:"fhirUser,omitempty"`
}

// accessTokenClaims is the JWT payload of an access token.
type accessTokenClaims struct {
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope"`
	Patient   string `json:"patient,omitempty"`
	Encounter string `json:"encounter,omitempty"`
	FHIRUser  string `json:"fhirUser,omitempty"`
	jwt.RegisteredClaims
}

// idTokenClaims is the JWT payload of an OpenID Connect ID token.
type idTokenClaims struct {
	FHIRUser string `json:"fhirUser,omitempty"`
	jwt.RegisteredClaims
}

// ---------------------------------------------------------------------------
// SMARTServer
// ---------------------------------------------------------------------------

// SMARTServer implements the SMART on FHIR authorization server.
type SMARTServer struct {
	mu             sync.RWMutex
	clients        map[string]*SMARTClient
	authCodes      map[string]*AuthorizationCode
	launchContexts map[string]*SMARTLaunchContext
	refreshTokens  map[string]*RefreshTokenData
	signingKey     []byte
	issuer         string
	audience       string
	defaultPatient string
	codeExpiry     time.Duration
	tokenExpiry    time.Duration
	refreshExpiry  time.Duration
}

// NewSMARTServer creates a new SMART authorization server. Access tokens are
// issued for the FHIR base issuer + "/fhir".
func NewSMARTServer(issuer string, signingKey []byte) *SMARTServer {
	issuer = strings.TrimRight(issuer, "/")
	return &SMARTServer{
		clients:        make(map[string]*SMARTClient),
		authCodes:      make(map[string]*AuthorizationCode),
		launchContexts: make(map[string]*SMARTLaunchContext),
		refreshTokens:  make(map[string]*RefreshTokenData),
		signingKey:     signingKey,
		issuer:         issuer,
		audience:       issuer + "/fhir",
		codeExpiry:     5 * time.Minute,
		tokenExpiry:    1 * time.Hour,
		refreshExpiry:  24 * time.Hour,
	}
}

// Issuer returns the authorization server base URL.
func (s *SMARTServer) Issuer() string {
	return s.issuer
}

// Audience returns the FHIR base URL access tokens are issued for.
func (s *SMARTServer) Audience() string {
	return s.audience
}

// SetStandalonePatient sets the patient selected for standalone launches,
// i.e. authorization requests without a launch parameter. The sandbox has no
// patient picker, so this stands in for the user's choice.
func (s *SMARTServer) SetStandalonePatient(patientID string) {
	s.mu.Lock()
	s.defaultPatient = patientID
	s.mu.Unlock()
}

// RegisterClient registers a SMART application.
func (s *SMARTServer) RegisterClient(client *SMARTClient) error {
	if client.ClientID == "" {
		return fmt.Errorf("client_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return fmt.Errorf("client_id %q already registered", client.ClientID)
	}

	s.clients[client.ClientID] = client
	return nil
}

// CheckClientRedirect verifies that clientID is registered and redirectURI is
// one of its redirect URIs. Errors found here must not be reported by
// redirecting to redirectURI.
func (s *SMARTServer) CheckClientRedirect(clientID, redirectURI string) error {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		return &OAuthError{Code: "invalid_request", Description: "unknown client_id"}
	}
	if !isValidRedirectURI(client.RedirectURIs, redirectURI) {
		return &OAuthError{Code: "invalid_request", Description: "redirect_uri not registered for this client"}
	}
	return nil
}

// CreateLaunchContext creates a new EHR launch context.
func (s *SMARTServer) CreateLaunchContext(patientID, encounterID, userID string) (*SMARTLaunchContext, error) {
	id, err := generateRandomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generating launch context ID: %w", err)
	}

	now := time.Now()
	lc := &SMARTLaunchContext{
		ID:          id,
		PatientID:   patientID,
		EncounterID: encounterID,
		UserID:      userID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.codeExpiry),
	}

	s.mu.Lock()
	s.launchContexts[id] = lc
	s.mu.Unlock()

	return lc, nil
}

// Authorize handles the authorization request.
func (s *SMARTServer) Authorize(req *AuthorizationRequest) (*AuthorizationResponse, error) {
	if req.ResponseType != "code" {
		return nil, &OAuthError{Code: "unsupported_response_type", Description: "response_type must be 'code'"}
	}

	if err := s.CheckClientRedirect(req.ClientID, req.RedirectURI); err != nil {
		return nil, err
	}

	s.mu.RLock()
	client := s.clients[req.ClientID]
	defaultPatient := s.defaultPatient
	s.mu.RUnlock()

	if req.Aud != "" && strings.TrimRight(req.Aud, "/") != s.audience {
		return nil, &OAuthError{Code: "invalid_request", Description: "aud does not match this FHIR server"}
	}

	if req.CodeChallenge != "" && req.CodeChallengeMethod != "S256" {
		return nil, &OAuthError{Code: "invalid_request", Description: "code_challenge_method must be 'S256'"}
	}

	negotiatedScope, err := negotiateScopes(req.Scope, client.Scope)
	if err != nil {
		return nil, &OAuthError{Code: "invalid_scope", Description: err.Error()}
	}

	code, err := generateRandomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generating authorization code: %w", err)
	}

	ac := &AuthorizationCode{
		Code:                code,
		RedirectURI:         req.RedirectURI,
		ExpiresAt:           time.Now().Add(s.codeExpiry),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		grant: grant{
			ClientID: req.ClientID,
			Scope:    negotiatedScope,
		},
	}

	if req.Launch != "" {
		s.mu.Lock()
		lc, lcOK := s.launchContexts[req.Launch]
		if lcOK {
			delete(s.launchContexts, req.Launch)
		}
		s.mu.Unlock()

		if !lcOK || time.Now().After(lc.ExpiresAt) {
			return nil, &OAuthError{Code: "invalid_request", Description: "invalid or expired launch context"}
		}

		ac.PatientID = lc.PatientID
		ac.EncounterID = lc.EncounterID
		ac.UserID = lc.UserID
		if lc.UserID != "" {
			ac.FHIRUser = "Practitioner/" + lc.UserID
		}
	} else if wantsPatientContext(negotiatedScope) {
		if defaultPatient == "" {
			return nil, &OAuthError{Code: "access_denied", Description: "no patient available for standalone launch"}
		}
		ac.PatientID = defaultPatient
		ac.UserID = defaultPatient
		ac.FHIRUser = "Patient/" + defaultPatient
	}

	s.mu.Lock()
	s.authCodes[code] = ac
	s.mu.Unlock()

	return &AuthorizationResponse{
		Code:        code,
		RedirectURI: req.RedirectURI,
		State:       req.State,
	}, nil
}

// wantsPatientContext reports whether a standalone launch needs a patient
// selected: launch/patient was requested or any patient/ scope was granted.
func wantsPatientContext(scope string) bool {
	for _, s := range strings.Fields(scope) {
		if s == "launch/patient" || strings.HasPrefix(s, "patient/") {
			return true
		}
	}
	return false
}

// ExchangeCode exchanges an authorization code for tokens.
func (s *SMARTServer) ExchangeCode(req *TokenRequest) (*TokenResponse, error) {
	if req.GrantType != "authorization_code" {
		return nil, &OAuthError{Code: "unsupported_grant_type", Description: "grant_type must be 'authorization_code'"}
	}

	s.mu.Lock()
	ac, ok := s.authCodes[req.Code]
	if ok {
		delete(s.authCodes, req.Code) // one-time use
	}
	s.mu.Unlock()

	if !ok {
		return nil, &OAuthError{Code: "invalid_grant", Description: "invalid or already used authorization code"}
	}

	if time.Now().After(ac.ExpiresAt) {
		return nil, &OAuthError{Code: "invalid_grant", Description: "authorization code has expired"}
	}

	if ac.RedirectURI != req.RedirectURI {
		return nil, &OAuthError{Code: "invalid_grant", Description: "redirect_uri does not match"}
	}

	if ac.ClientID != req.ClientID {
		return nil, &OAuthError{Code: "invalid_grant", Description: "client_id does not match"}
	}

	s.mu.RLock()
	client, clientOK := s.clients[req.ClientID]
	s.mu.RUnlock()

	if !clientOK {
		return nil, &OAuthError{Code: "invalid_client", Description: "unknown client"}
	}

	if client.IsPublic {
		if ac.CodeChallenge == "" {
			return nil, &OAuthError{Code: "invalid_request", Description: "PKCE is required for public clients"}
		}
	} else if !timingSafeEqual(req.ClientSecret, client.ClientSecret) {
		return nil, &OAuthError{Code: "invalid_client", Description: "invalid client_secret"}
	}

	if ac.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, &OAuthError{Code: "invalid_grant", Description: "code_verifier is required"}
		}
		if !verifyPKCE(req.CodeVerifier, ac.CodeChallenge) {
			return nil, &OAuthError{Code: "invalid_grant", Description: "PKCE verification failed"}
		}
	}

	resp, err := s.issueTokens(ac.grant)
	if err != nil {
		return nil, err
	}

	if containsScope(ac.Scope, "offline_access") {
		refreshToken, rtErr := generateRandomHex(32)
		if rtErr != nil {
			return nil, fmt.Errorf("generating refresh token: %w", rtErr)
		}

		s.mu.Lock()
		s.refreshTokens[refreshToken] = &RefreshTokenData{
			Token:     refreshToken,
			ExpiresAt: time.Now().Add(s.refreshExpiry),
			grant:     ac.grant,
		}
		s.mu.Unlock()

		resp.RefreshToken = refreshToken
	}

	return resp, nil
}

// RefreshAccessToken exchanges a refresh token for a new access token.
func (s *SMARTServer) RefreshAccessToken(refreshToken, clientID string) (*TokenResponse, error) {
	s.mu.RLock()
	rtData, ok := s.refreshTokens[refreshToken]
	s.mu.RUnlock()

	if !ok {
		return nil, &OAuthError{Code: "invalid_grant", Description: "invalid refresh token"}
	}

	if time.Now().After(rtData.ExpiresAt) {
		s.mu.Lock()
		delete(s.refreshTokens, refreshToken)
		s.mu.Unlock()
		return nil, &OAuthError{Code: "invalid_grant", Description: "refresh token has expired"}
	}

	if rtData.ClientID != clientID {
		return nil, &OAuthError{Code: "invalid_grant", Description: "client_id does not match refresh token"}
	}

	resp, err := s.issueTokens(rtData.grant)
	if err != nil {
		return nil, err
	}
	resp.RefreshToken = refreshToken
	return resp, nil
}

// issueTokens signs an access token, plus an ID token when openid was granted.
func (s *SMARTServer) issueTokens(g grant) (*TokenResponse, error) {
	now := time.Now()
	tokenID, err := generateRandomHex(16)
	if err != nil {
		return nil, fmt.Errorf("generating token id: %w", err)
	}

	access := accessTokenClaims{
		ClientID:  g.ClientID,
		Scope:     g.Scope,
		Patient:   g.PatientID,
		Encounter: g.EncounterID,
		FHIRUser:  g.FHIRUser,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   g.UserID,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        tokenID,
		},
	}

	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, access).SignedString(s.signingKey)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.tokenExpiry.Seconds()),
		Scope:       g.Scope,
		Patient:     g.PatientID,
		Encounter:   g.EncounterID,
	}

	if containsScope(g.Scope, "openid") && g.UserID != "" {
		id := idTokenClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    s.issuer,
				Subject:   g.UserID,
				Audience:  jwt.ClaimStrings{g.ClientID},
				ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExpiry)),
				IssuedAt:  jwt.NewNumericDate(now),
			},
		}
		if g.FHIRUser != "" {
			id.FHIRUser = s.audience + "/" + g.FHIRUser
		}
		idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, id).SignedString(s.signingKey)
		if err != nil {
			return nil, fmt.Errorf("signing id token: %w", err)
		}
		resp.IDToken = idToken
	}

	return resp, nil
}

// IntrospectToken validates and returns claims for an access token. Invalid
// or expired tokens yield an inactive result, never an error.
func (s *SMARTServer) IntrospectToken(token string) (*TokenClaims, error) {
	var claims accessTokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return &TokenClaims{Active: false}, nil
	}

	tc := &TokenClaims{
		Active:    true,
		Subject:   claims.Subject,
		ClientID:  claims.ClientID,
		Scope:     claims.Scope,
		Issuer:    claims.Issuer,
		TokenID:   claims.ID,
		Patient:   claims.Patient,
		Encounter: claims.Encounter,
		FHIRUser:  claims.FHIRUser,
	}
	if claims.ExpiresAt != nil {
		tc.ExpiresAt = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		tc.IssuedAt = claims.IssuedAt.Unix()
	}
	return tc, nil
}

// StartCleanup starts a background goroutine to clean expired codes/contexts.
func (s *SMARTServer) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

// cleanup removes expired auth codes, launch contexts, and refresh tokens.
func (s *SMARTServer) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for code, ac := range s.authCodes {
		if now.After(ac.ExpiresAt) {
			delete(s.authCodes, code)
		}
	}

	for id, lc := range s.launchContexts {
		if now.After(lc.ExpiresAt) {
			delete(s.launchContexts, id)
		}
	}

	for token, rt := range s.refreshTokens {
		if now.After(rt.ExpiresAt) {
			delete(s.refreshTokens, token)
		}
	}
}

// ---------------------------------------------------------------------------
// PKCE Helpers
// ---------------------------------------------------------------------------

// verifyPKCE verifies a PKCE code_verifier against a code_challenge using S256.
func verifyPKCE(verifier, challenge string) bool {
	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ---------------------------------------------------------------------------
// Scope Helpers
// ---------------------------------------------------------------------------

// validSMARTScopes defines the set of recognized non-resource SMART scopes.
var validSMARTScopes = map[string]bool{
	"openid":           true,
	"fhirUser":         true,
	"profile":          true,
	"launch":           true,
	"launch/patient":   true,
	"launch/encounter": true,
	"offline_access":   true,
	"online_access":    true,
}

func isValidSMARTScope(scope string) bool {
	if validSMARTScopes[scope] {
		return true
	}
	_, err := ParseSMARTScope(scope)
	return err == nil
}

// negotiateScopes returns the intersection of requested and allowed scopes.
// If a requested scope is not valid, an error is returned.
func negotiateScopes(requested, allowed string) (string, error) {
	requestedScopes := strings.Fields(requested)
	if len(requestedScopes) == 0 {
		return "", fmt.Errorf("no scopes requested")
	}

	for _, s := range requestedScopes {
		if !isValidSMARTScope(s) {
			return "", fmt.Errorf("invalid scope: %s", s)
		}
	}

	allowedScopes := make(map[string]bool)
	for _, s := range strings.Fields(allowed) {
		allowedScopes[s] = true
	}

	var negotiated []string
	for _, s := range requestedScopes {
		if allowedScopes[s] {
			negotiated = append(negotiated, s)
		}
	}

	if len(negotiated) == 0 {
		return "", fmt.Errorf("no requested scopes are allowed for this client")
	}

	return strings.Join(negotiated, " "), nil
}

// containsScope checks if a space-separated scope string contains a specific scope.
func containsScope(scopeStr, target string) bool {
	for _, s := range strings.Fields(scopeStr) {
		if s == target {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Utility Helpers
// ---------------------------------------------------------------------------

// generateRandomHex generates a cryptographically random hex string of n bytes.
func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// isValidRedirectURI checks if a redirect URI is registered for a client.
func isValidRedirectURI(registered []string, uri string) bool {
	for _, r := range registered {
		if r == uri {
			return true
		}
	}
	return false
}

// timingSafeEqual compares two strings in constant time.
func timingSafeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// OAuthError represents an OAuth 2.0 error response.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// ---------------------------------------------------------------------------
// SMARTHandler: HTTP endpoints
// ---------------------------------------------------------------------------

// SMARTHandler provides SMART on FHIR HTTP endpoints.
type SMARTHandler struct {
	server *SMARTServer
}

// NewSMARTHandler creates a new SMART HTTP handler.
func NewSMARTHandler(server *SMARTServer) *SMARTHandler {
	return &SMARTHandler{server: server}
}

// RegisterRoutes registers SMART authorization endpoints on the echo
// instance. The middleware applies to the /auth group only.
func (h *SMARTHandler) RegisterRoutes(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	g := e.Group("/auth", mw...)
	g.GET("/authorize", h.handleAuthorize)
	g.POST("/token", h.handleToken)
	g.POST("/register", h.handleRegister)
	g.POST("/launch", h.handleLaunch)
	g.POST("/introspect", h.handleIntrospect)

	e.GET("/.well-known/smart-configuration", h.handleSMARTConfiguration)
	e.GET("/fhir/.well-known/smart-configuration", h.handleSMARTConfiguration)
}

// handleAuthorize handles GET /auth/authorize.
func (h *SMARTHandler) handleAuthorize(c echo.Context) error {
	req := &AuthorizationRequest{
		ResponseType:        c.QueryParam("response_type"),
		ClientID:            c.QueryParam("client_id"),
		RedirectURI:         c.QueryParam("redirect_uri"),
		Scope:               c.QueryParam("scope"),
		State:               c.QueryParam("state"),
		Aud:                 c.QueryParam("aud"),
		Launch:              c.QueryParam("launch"),
		CodeChallenge:       c.QueryParam("code_challenge"),
		CodeChallengeMethod: c.QueryParam("code_challenge_method"),
	}

	// An unverified redirect_uri never receives a redirect.
	if err := h.server.CheckClientRedirect(req.ClientID, req.RedirectURI); err != nil {
		return c.JSON(http.StatusBadRequest, err)
	}

	if req.ResponseType == "" || req.Scope == "" || req.State == "" {
		return h.redirectWithError(c, req.RedirectURI, "invalid_request", "missing required parameters", req.State)
	}

	resp, err := h.server.Authorize(req)
	if err != nil {
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) {
			return h.redirectWithError(c, req.RedirectURI, oauthErr.Code, oauthErr.Description, req.State)
		}
		return h.redirectWithError(c, req.RedirectURI, "server_error", "internal server error", req.State)
	}

	redirectURL, parseErr := url.Parse(resp.RedirectURI)
	if parseErr != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "invalid redirect URI")
	}

	q := redirectURL.Query()
	q.Set("code", resp.Code)
	q.Set("state", resp.State)
	redirectURL.RawQuery = q.Encode()

	return c.Redirect(http.StatusFound, redirectURL.String())
}

// redirectWithError sends an OAuth2 error redirect.
func (h *SMARTHandler) redirectWithError(c echo.Context, redirectURI, errCode, errDesc, state string) error {
	redirectURL, parseErr := url.Parse(redirectURI)
	if redirectURI == "" || parseErr != nil {
		return c.JSON(http.StatusBadRequest, &OAuthError{Code: errCode, Description: errDesc})
	}

	q := redirectURL.Query()
	q.Set("error", errCode)
	q.Set("error_description", errDesc)
	if state != "" {
		q.Set("state", state)
	}
	redirectURL.RawQuery = q.Encode()

	return c.Redirect(http.StatusFound, redirectURL.String())
}

// handleToken handles POST /auth/token.
func (h *SMARTHandler) handleToken(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")

	switch c.FormValue("grant_type") {
	case "authorization_code":
		return h.handleTokenAuthorizationCode(c)
	case "refresh_token":
		return h.handleTokenRefresh(c)
	default:
		return c.JSON(http.StatusBadRequest, &OAuthError{
			Code:        "unsupported_grant_type",
			Description: "grant_type must be 'authorization_code' or 'refresh_token'",
		})
	}
}

// handleTokenAuthorizationCode handles the authorization_code grant type.
func (h *SMARTHandler) handleTokenAuthorizationCode(c echo.Context) error {
	clientID, clientSecret := h.extractClientCredentials(c)

	req := &TokenRequest{
		GrantType:    "authorization_code",
		Code:         c.FormValue("code"),
		RedirectURI:  c.FormValue("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CodeVerifier: c.FormValue("code_verifier"),
	}

	resp, err := h.server.ExchangeCode(req)
	if err != nil {
		return tokenError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleTokenRefresh handles the refresh_token grant type.
func (h *SMARTHandler) handleTokenRefresh(c echo.Context) error {
	clientID, _ := h.extractClientCredentials(c)

	refreshToken := c.FormValue("refresh_token")
	if refreshToken == "" {
		return c.JSON(http.StatusBadRequest, &OAuthError{
			Code:        "invalid_request",
			Description: "refresh_token is required",
		})
	}

	resp, err := h.server.RefreshAccessToken(refreshToken, clientID)
	if err != nil {
		return tokenError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func tokenError(c echo.Context, err error) error {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		status := http.StatusBadRequest
		if oauthErr.Code == "invalid_client" {
			status = http.StatusUnauthorized
		}
		return c.JSON(status, oauthErr)
	}
	return c.JSON(http.StatusInternalServerError, &OAuthError{
		Code:        "server_error",
		Description: "internal server error",
	})
}

// extractClientCredentials extracts client_id and client_secret from the
// request, supporting both form body and HTTP Basic authentication. Basic
// credentials are form-urlencoded per RFC 6749 section 2.3.1.
func (h *SMARTHandler) extractClientCredentials(c echo.Context) (string, string) {
	clientID, clientSecret, ok := c.Request().BasicAuth()
	if ok && clientID != "" {
		if id, err := url.QueryUnescape(clientID); err == nil {
			clientID = id
		}
		if secret, err := url.QueryUnescape(clientSecret); err == nil {
			clientSecret = secret
		}
		return clientID, clientSecret
	}

	return c.FormValue("client_id"), c.FormValue("client_secret")
}

// handleRegister handles POST /auth/register (dynamic client registration).
func (h *SMARTHandler) handleRegister(c echo.Context) error {
	var regReq struct {
		ClientName              string   `json:"client_name"`
		RedirectURIs            []string `json:"redirect_uris"`
		Scope                   string   `json:"scope"`
		TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
		LaunchURL               string   `json:"launch_url"`
	}

	if err := c.Bind(&regReq); err != nil {
		return c.JSON(http.StatusBadRequest, &OAuthError{
			Code:        "invalid_request",
			Description: "invalid request body",
		})
	}

	if regReq.ClientName == "" || len(regReq.RedirectURIs) == 0 || regReq.Scope == "" {
		return c.JSON(http.StatusBadRequest, &OAuthError{
			Code:        "invalid_request",
			Description: "client_name, redirect_uris, and scope are required",
		})
	}

	clientID, err := generateRandomHex(16)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, &OAuthError{
			Code:        "server_error",
			Description: "failed to generate client_id",
		})
	}

	isPublic := regReq.TokenEndpointAuthMethod == "none"

	client := &SMARTClient{
		ClientID:     clientID,
		RedirectURIs: regReq.RedirectURIs,
		Scope:        regReq.Scope,
		Name:         regReq.ClientName,
		LaunchURL:    regReq.LaunchURL,
		IsPublic:     isPublic,
	}

	if !isPublic {
		secret, genErr := generateRandomHex(32)
		if genErr != nil {
			return c.JSON(http.StatusInternalServerError, &OAuthError{
				Code:        "server_error",
				Description: "failed to generate client_secret",
			})
		}
		client.ClientSecret = secret
	}

	if err := h.server.RegisterClient(client); err != nil {
		return c.JSON(http.StatusInternalServerError, &OAuthError{
			Code:        "server_error",
			Description: err.Error(),
		})
	}

	return c.JSON(http.StatusCreated, client)
}

// handleLaunch handles POST /auth/launch (creates EHR launch context).
func (h *SMARTHandler) handleLaunch(c echo.Context) error {
	var req struct {
		PatientID   string `json:"patient_id"`
		EncounterID string `json:"encounter_id"`
		UserID      string `json:"user_id"`
	}

	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, &OAuthError{
			Code:        "invalid_request",
			Description: "invalid request body",
		})
	}

	if req.PatientID == "" {
		return c.JSON(http.StatusBadRequest, &OAuthError{
			Code:        "invalid_request",
			Description: "patient_id is required",
		})
	}

	lc, err := h.server.CreateLaunchContext(req.PatientID, req.EncounterID, req.UserID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, &OAuthError{
			Code:        "server_error",
			Description: "failed to create launch context",
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"launch": lc.ID,
		"iss":    h.server.audience,
	})
}

// handleIntrospect handles POST /auth/introspect.
func (h *SMARTHandler) handleIntrospect(c echo.Context) error {
	token := c.FormValue("token")
	if token == "" {
		return c.JSON(http.StatusOK, &TokenClaims{Active: false})
	}

	claims, err := h.server.IntrospectToken(token)
	if err != nil {
		return c.JSON(http.StatusOK, &TokenClaims{Active: false})
	}

	return c.JSON(http.StatusOK, claims)
}

// Configuration returns the SMART well-known configuration of this server.
func (s *SMARTServer) Configuration() SMARTConfiguration {
	return SMARTConfiguration{
		Issuer:                s.issuer,
		AuthorizationEndpoint: s.issuer + "/auth/authorize",
		TokenEndpoint:         s.issuer + "/auth/token",
		RegistrationEndpoint:  s.issuer + "/auth/register",
		IntrospectionEndpoint: s.issuer + "/auth/introspect",
		TokenEndpointAuthMethods: []string{
			"client_secret_basic", "client_secret_post", "none",
		},
		GrantTypes: []string{"authorization_code", "refresh_token"},
		Scopes: []string{
			"patient/*.read", "patient/*.rs",
			"user/*.read",
			"launch", "launch/patient",
			"openid", "fhirUser", "profile",
			"offline_access",
		},
		ResponseTypes: []string{"code"},
		Capabilities: []string{
			"launch-ehr",
			"launch-standalone",
			"client-public",
			"client-confidential-symmetric",
			"sso-openid-connect",
			"context-ehr-patient",
			"context-standalone-patient",
			"permission-patient",
			"permission-offline",
		},
		CodeChallengeMethodsSupported: []string{"S256"},
	}
}

// handleSMARTConfiguration handles GET /.well-known/smart-configuration.
func (h *SMARTHandler) handleSMARTConfiguration(c echo.Context) error {
	return c.JSON(http.StatusOK, h.server.Configuration())
}
