package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

var smartTestKey = []byte("test-smart-signing-key-for-tests-only")

const (
	testIssuer      = "https://ehr.example.com"
	testAudience    = "https://ehr.example.com/fhir"
	testRedirectURI = "https://app.example.com/callback"
	testPatient     = "patient-standalone"
)

func newTestSMARTServer() *SMARTServer {
	s := NewSMARTServer(testIssuer, smartTestKey)
	s.SetStandalonePatient(testPatient)
	return s
}

func registerTestClient(t *testing.T, s *SMARTServer, public bool) *SMARTClient {
	t.Helper()
	client := &SMARTClient{
		ClientID:     "test-client-" + mustRandomHex(t, 4),
		ClientSecret: "test-secret",
		RedirectURIs: []string{testRedirectURI},
		Scope:        "patient/*.read patient/Patient.read launch launch/patient openid fhirUser offline_access",
		Name:         "Test App",
		IsPublic:     public,
	}
	if public {
		client.ClientSecret = ""
	}
	if err := s.RegisterClient(client); err != nil {
		t.Fatalf("failed to register client: %v", err)
	}
	return client
}

func mustRandomHex(t *testing.T, n int) string {
	t.Helper()
	s, err := generateRandomHex(n)
	if err != nil {
		t.Fatalf("generateRandomHex failed: %v", err)
	}
	return s
}

func mustAuthorize(t *testing.T, s *SMARTServer, clientID, scope, launch, codeChallenge string) *AuthorizationResponse {
	t.Helper()
	resp, err := s.Authorize(&AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            clientID,
		RedirectURI:         testRedirectURI,
		Scope:               scope,
		State:               "test-state",
		Aud:                 testAudience,
		Launch:              launch,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: "S256",
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	return resp
}

func mustExchange(t *testing.T, s *SMARTServer, client *SMARTClient, code, verifier string) *TokenResponse {
	t.Helper()
	resp, err := s.ExchangeCode(&TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  testRedirectURI,
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}
	return resp
}

func generatePKCE(t *testing.T) (verifier, challenge string) {
	t.Helper()
	// RFC 7636 appendix B.
	return "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk", "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
}

func oauthErrorCode(t *testing.T, err error) string {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	oauthErr, ok := err.(*OAuthError)
	if !ok {
		t.Fatalf("expected *OAuthError, got %T", err)
	}
	return oauthErr.Code
}

// ---------------------------------------------------------------------------
// Server Tests
// ---------------------------------------------------------------------------

func TestSMARTServer_RegisterClient_DuplicateID(t *testing.T) {
	s := newTestSMARTServer()
	client := &SMARTClient{ClientID: "dup-app", RedirectURIs: []string{testRedirectURI}, Scope: "patient/*.read"}

	if err := s.RegisterClient(client); err != nil {
		t.Fatalf("first register should succeed: %v", err)
	}
	err := s.RegisterClient(client)
	if err == nil || !strings.Contains(err.Error(), "already registered") {
		t.Errorf("expected 'already registered' error, got %v", err)
	}

	if err := s.RegisterClient(&SMARTClient{}); err == nil {
		t.Error("expected error for empty client_id")
	}
}

func TestSMARTServer_Authorize_StandaloneGetsDefaultPatient(t *testing.T) {
	s := newTestSMARTServer()
	client := registerTestClient(t, s, false)

	resp := mustAuthorize(t, s, client.ClientID, "patient/Patient.read launch openid", "", "")

	s.mu.RLock()
	ac := s.authCodes[resp.Code]
	s.mu.RUnlock()

	if ac.PatientID != testPatient {
		t.Errorf("expected patient %s, got %q", testPatient, ac.PatientID)
	}
	if ac.FHIRUser != "Patient/"+testPatient {
		t.Errorf("expected fhirUser Patient/%s, got %q", testPatient, ac.FHIRUser)
	}
}

func TestSMARTServer_Authorize_StandaloneWithoutPatient(t *testing.T) {
	s := NewSMARTServer(testIssuer, smartTestKey)
	client := registerTestClient(t, s, false)

	_, err := s.Authorize(&AuthorizationRequest{
		ResponseType: "code",
		ClientID:     client.ClientID,
		RedirectURI:  testRedirectURI,
		Scope:        "patient/Patient.read",
		State:        "s",
	})
	if code := oauthErrorCode(t, err); code != "access_denied" {
		t.Errorf("expected access_denied, got %q", code)
	}
}

func TestSMARTServer_Authorize_EHRLaunch(t *testing.T) {
	s := newTestSMARTServer()
	client := registerTestClient(t, s, false)

	lc, err := s.CreateLaunchContext("patient-ehr", "encounter-ehr", "user-ehr")
	if err != nil {
		t.Fatalf("CreateLaunchContext: %v", err)
	}

	resp := mustAuthorize(t, s, client.ClientID, "patient/*.read launch", lc.ID, "")

	s.mu.RLock()
	ac := s.authCodes[resp.Code]
	_, lcStillExists := s.launchContexts[lc.ID]
	s.mu.RUnlock()

	if ac.PatientID != "patient-ehr" || ac.EncounterID != "encounter-ehr" {
		t.Errorf("expected EHR launch context on code, got patient=%q encounter=%q", ac.PatientID, ac.EncounterID)
	}
	if ac.FHIRUser != "Practitioner/user-ehr" {
		t.Errorf("expected Practitioner fhirUser, got %q", ac.FHIRUser)
	}
	if lcStillExists {
		t.Error("expected launch context to be consumed after authorize")
	}

	_, err = s.Authorize(&AuthorizationRequest{
		ResponseType: "code", ClientID: client.ClientID, RedirectURI: testRedirectURI,
		Scope: "patient/*.read launch", State: "s", Launch: lc.ID,
	})
	if code := oauthErrorCode(t, err); code != "invalid_request" {
		t.Errorf("expected invalid_request for reused launch, got %q", code)
	}
}

func TestSMARTServer_Authorize_Rejections(t *testing.T) {
	s := newTestSMARTServer()
	client := registerTestClient(t, s, false)

	tests := []struct {
		name   string
		mutate func(r *AuthorizationRequest)
		code   string
	}{
		{"unknown client", func(r *AuthorizationRequest) { r.ClientID = "nope" }, "invalid_request"},
		{"unregistered redirect", func(r *AuthorizationRequest) { r.RedirectURI = "https://evil.example.com/cb" }, "invalid_request"},
		{"response type", func(r *AuthorizationRequest) { r.ResponseType = "token" }, "unsupported_response_type"},
		{"wrong audience", func(r *AuthorizationRequest) { r.Aud = "https://other.example.com/fhir" }, "invalid_request"},
		{"invalid scope", func(r *AuthorizationRequest) { r.Scope = "admin/everything.delete" }, "invalid_scope"},
		{"no allowed scope", func(r *AuthorizationRequest) { r.Scope = "user/Observation.write" }, "invalid_scope"},
		{"plain pkce", func(r *AuthorizationRequest) {
			r.CodeChallenge = "abc"
			r.CodeChallengeMethod = "plain"
		}, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &AuthorizationRequest{
				ResponseType: "code",
				ClientID:     client.ClientID,
				RedirectURI:  testRedirectURI,
				Scope:        "patient/*.read",
				State:        "s",
				Aud:          testAudience,
			}
			tt.mutate(req)
			_, err := s.Authorize(req)
			if code := oauthErrorCode(t, err); code != tt.code {
				t.Errorf("expected %q, got %q", tt.code, code)
			}
		})
	}
}

func TestSMARTServer_Authorize_AudienceTrailingSlash(t *testing.T) {
	s := newTestSMARTServer()
	client := registerTestClient(t, s, false)

	_, err := s.Authorize(&AuthorizationRequest{
		ResponseType: "code", ClientID: client.ClientID, RedirectURI: testRedirectURI,
		Scope: "patient/*.read", State: "s", Aud: testAudience + "/",
	})
	if err != nil {
		t.Fatalf("expected trailing slash on aud to be accepted, got %v", err)
	}
}

func TestSMARTServer_ExchangeCode_Success(t *testing.T) {
	s := newTestSMARTServer()
	client := registerTestClient(t, s, false)

	authResp := mustAuthorize(t, s, client.ClientID, "patient/Patient.read openid fhirUser offline_access", "", "")
	tokenResp := mustExchange(t, s, client, authResp.Code, "")

	if tokenResp.AccessToken == "" {
		t.Error("expected non-empty access_token")
	}
	if tokenResp.TokenType != "Bearer" {
		t.Errorf("expected token_type 'Bearer', got %q", tokenResp.TokenType)
	}
	if tokenResp.ExpiresIn != 3600 {
		t.Errorf("expected expires_in 3600, got %d", tokenResp.ExpiresIn)
	}
	if tokenResp.Patient != testPatient {
		t.Errorf("expected patient %q, got %q", testPatient, tokenResp.Patient)
	}
	if tokenResp.RefreshToken == "" {
		t.Error("expected refresh_token for offline_access")
	}
	if tokenResp.IDToken == "" {
		t.Fatal("expected id_token for openid")
	}

	var idClaims idTokenClaims
	_, err := jwt.ParseWithClaims(tokenResp.IDToken, &idClaims, func(*jwt.Token) (interface{}, error) {
		return smartTestKey, nil
	})
	if err != nil {
		t.Fatalf("id_token did not verify: %v", err)
	}
	if idClaims.FHIRUser != testAudience+"/Patient/"+testPatient {
		t.Errorf("unexpected fhirUser claim %q", idClaims.FHIRUser)
	}
	if len(idClaims.Audience) != 1 || idClaims.Audience[0] != client.ClientID {
		t.Errorf("expected id_token aud to be the client, got %v", idClaims.Audience)
	}
}

func TestSMARTServer_ExchangeCode_NoIDTokenWithoutOpenID(t *testing.T) {
	s := newTestSMARTServer()
	client := registerTestClient(t, s, false)

	authResp := mustAuthorize(t, s, client.ClientID, "patient/Patient.read", "", "")
	tokenResp := mustExchange(t, s, client, authResp.Code, "")

	if tokenResp.IDToken != "" {
		t.Error("expected no id_token without openid scope")
	}
	if tokenResp.RefreshToken != "" {
		t.Error("expected no refresh_token without offline_access")
	}
}

func TestSMARTServer_ExchangeCode_Failures(t *testing.T) {
	s := newTestSMARTServer()
	client := registerTestClient(t, s, false)

	t.Run("expired", func(t *testing.T) {
		authResp := mustAuthorize(t, s, client.ClientID, "patient/*.read", "", "")
		s.mu.Lock()
		s.authCodes[authResp.Code].ExpiresAt = time.Now().Add(-time.Minute)
		s.mu.Unlock()

		_, err := s.ExchangeCode(&TokenRequest{GrantType: "authorization_code", Code: authResp.Code, RedirectURI: testRedirectURI, ClientID: client.ClientID, ClientSecret: "test-secret"})
		if code := oauthErrorCode(t, err); code != "invalid_grant" {
			t.Errorf("expected invalid_grant, got %q", code)
		}
	})

	t.Run("reused", func(t *testing.T) {
		authResp := mustAuthorize(t, s, client.ClientID, "patient/*.read", "", "")
		mustExchange(t, s, client, authResp.Code, "")

		_, err := s.ExchangeCode(&TokenRequest{GrantType: "authorization_code", Code: authResp.Code, RedirectURI: testRedirectURI, ClientID: client.ClientID, ClientSecret: "test-secret"})
		if code := oauthErrorCode(t, err); code != "invalid_grant" {
			t.Errorf("expected invalid_grant, got %q", code)
		}
	})

	t.Run("redirect mismatch", func(t *testing.T) {
		authResp := mustAuthorize(t, s, client.ClientID, "patient/*.read", "", "")
		_, err := s.ExchangeCode(&TokenRequest{GrantType: "authorization_code", Code: authResp.Code, RedirectURI: "https://app.example.com/other", ClientID: client.ClientID, ClientSecret: "test-secret"})
		if code := oauthErrorCode(t, err); code != "invalid_grant" {
			t.Errorf("expected invalid_grant, got %q", code)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		authResp := mustAuthorize(t, s, client.ClientID, "patient/*.read", "", "")
		_, err := s.ExchangeCode(&TokenRequest{GrantType: "authorization_code", Code: authResp.Code, RedirectURI: testRedirectURI, ClientID: client.ClientID, ClientSecret: "nope"})
		if code := oauthErrorCode(t, err); code != "invalid_client" {
			t.Errorf("expected invalid_client, got %q", code)
		}
	})

	t.Run("grant type", func(t *testing.T) {
		_, err := s.ExchangeCode(&TokenRequest{GrantType: "password"})
		if code := oauthErrorCode(t, err); code != "unsupported_grant_type" {
			t.Errorf("expected unsupported_grant_type, got %q", code)
		}
	})
}

func TestSMARTServer_ExchangeCode_PKCE(t *testing.T) {
	s := newTestSMARTServer()
	client := registerTestClient(t, s, true)
	verifier, challenge := generatePKCE(t)

	authResp := mustAuthorize(t, s, client.ClientID, "patient/*.read", "", challenge)
	_, err := s.ExchangeCode(&TokenRequest{GrantType: "authorization_code", Code: authResp.Code, RedirectURI: testRedirectURI, ClientID: client.ClientID, CodeVerifier: "wrong-verifier"})
	if code := oauthErrorCode(t, err); code != "invalid_grant" {
		t.Errorf("expected invalid_grant for bad verifier, got %q", code)
	}

	authResp = mustAuthorize(t, s, client.ClientID, "patient/*.read", "", challenge)
	mustExchange(t, s, client, authResp.Code, verifier)

	authResp = mustAuthorize(t, s, client.ClientID, "patient/*.read", "", "")
	_, err = s.ExchangeCode(&TokenRequest{GrantType: "authorization_code", Code: authResp.Code, RedirectURI: testRedirectURI, ClientID: client.ClientID})
	if code := oauthErrorCode(t, err); code != "invalid_request" {
		t.Errorf("expected public client without PKCE to be rejected, got %q", code)
	}
}

func TestSMARTServer_RefreshToken(t *testing.T) {
	s := newTestSMARTServer()
	client := registerTestClient(t, s, false)

	authResp := mustAuthorize(t, s, client.ClientID, "patient/*.read offline_access", "", "")
	tokenResp := mustExchange(t, s, client, authResp.Code, "")

	refreshed, err := s.RefreshAccessToken(tokenResp.RefreshToken, client.ClientID)
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if refreshed.AccessToken == "" || refreshed.Patient != testPatient {
		t.Errorf("unexpected refresh response %+v", refreshed)
	}

	if _, err := s.RefreshAccessToken(tokenResp.RefreshToken, "other-client"); oauthErrorCode(t, err) != "invalid_grant" {
		t.Error("expected invalid_grant for client mismatch")
	}

	s.mu.Lock()
	s.refreshTokens[tokenResp.RefreshToken].ExpiresAt = time.Now().Add(-time.Minute)
	s.mu.Unlock()
	if _, err := s.RefreshAccessToken(tokenResp.RefreshToken, client.ClientID); oauthErrorCode(t, err) != "invalid_grant" {
		t.Error("expected invalid_grant for expired refresh token")
	}
}

func TestSMARTServer_IntrospectToken(t *testing.T) {
	s := newTestSMARTServer()
	client := registerTestClient(t, s, false)

	authResp := mustAuthorize(t, s, client.ClientID, "patient/Patient.read", "", "")
	tokenResp := mustExchange(t, s, client, authResp.Code, "")

	claims, err := s.IntrospectToken(tokenResp.AccessToken)
	if err != nil {
		t.Fatalf("IntrospectToken: %v", err)
	}
	if !claims.Active {
		t.Fatal("expected active token")
	}
	if claims.ClientID != client.ClientID {
		t.Errorf("expected client_id %q, got %q", client.ClientID, claims.ClientID)
	}
	if claims.Patient != testPatient {
		t.Errorf("expected patient %q, got %q", testPatient, claims.Patient)
	}
	if claims.Scope != "patient/Patient.read" {
		t.Errorf("unexpected scope %q", claims.Scope)
	}
	if claims.Issuer != testIssuer {
		t.Errorf("unexpected issuer %q", claims.Issuer)
	}
}

func TestSMARTServer_IntrospectToken_Inactive(t *testing.T) {
	s := newTestSMARTServer()
	other := NewSMARTServer(testIssuer, []byte("a-different-key"))
	other.SetStandalonePatient(testPatient)
	client := registerTestClient(t, other, false)

	authResp := mustAuthorize(t, other, client.ClientID, "patient/Patient.read", "", "")
	foreign := mustExchange(t, other, client, authResp.Code, "").AccessToken

	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, accessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString(smartTestKey)

	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, accessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, token := range map[string]string{
		"garbage":   "not-a-jwt",
		"wrong key": foreign,
		"expired":   expired,
		"alg none":  noneAlg,
		"empty":     "",
	} {
		claims, err := s.IntrospectToken(token)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		if claims.Active {
			t.Errorf("%s: expected inactive token", name)
		}
	}
}

func TestSMARTServer_CleanupExpired(t *testing.T) {
	s := newTestSMARTServer()
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	s.mu.Lock()
	s.authCodes["old"] = &AuthorizationCode{Code: "old", ExpiresAt: past}
	s.authCodes["new"] = &AuthorizationCode{Code: "new", ExpiresAt: future}
	s.launchContexts["old"] = &SMARTLaunchContext{ID: "old", ExpiresAt: past}
	s.refreshTokens["old"] = &RefreshTokenData{Token: "old", ExpiresAt: past}
	s.refreshTokens["new"] = &RefreshTokenData{Token: "new", ExpiresAt: future}
	s.mu.Unlock()

	s.cleanup()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.authCodes["old"]; ok {
		t.Error("expected expired auth code to be removed")
	}
	if _, ok := s.authCodes["new"]; !ok {
		t.Error("expected valid auth code to remain")
	}
	if len(s.launchContexts) != 0 {
		t.Error("expected expired launch context to be removed")
	}
	if _, ok := s.refreshTokens["new"]; !ok || len(s.refreshTokens) != 1 {
		t.Error("expected only the valid refresh token to remain")
	}
}

func TestSMARTServer_StartCleanup(t *testing.T) {
	s := newTestSMARTServer()
	ctx, cancel := context.WithCancel(context.Background())
	s.StartCleanup(ctx)
	cancel()
}

// ---------------------------------------------------------------------------
// Handler Tests
// ---------------------------------------------------------------------------

func newTestEcho(s *SMARTServer) *echo.Echo {
	e := echo.New()
	NewSMARTHandler(s).RegisterRoutes(e)
	return e
}

func authorizeQuery(clientID string) url.Values {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", testRedirectURI)
	q.Set("scope", "patient/Patient.read launch")
	q.Set("state", "handler-state")
	q.Set("aud", testAudience)
	return q
}

func TestSMARTHandler_Authorize_Redirect(t *testing.T) {
	s := newTestSMARTServer()
	client := registerTestClient(t, s, false)
	e := newTestEcho(s)

	req := httptest.NewRequest(http.MethodGet, "/auth/authorize?"+authorizeQuery(client.ClientID).Encode(), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302 redirect, got %d: %s", rec.Code, rec.Body.String())
	}

	locURL, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("failed to parse location header: %v", err)
	}
	if locURL.Host != "app.example.com" {
		t.Errorf("expected redirect to app, got %s", locURL.Host)
	}
	if locURL.Query().Get("code") == "" {
		t.Error("expected code parameter in redirect")
	}
	if locURL.Query().Get("state") != "handler-state" {
		t.Errorf("expected state 'handler-state', got %q", locURL.Query().Get("state"))
	}
}

func TestSMARTHandler_Authorize_UnregisteredRedirectIsNotFollowed(t *testing.T) {
	s := newTestSMARTServer()
	client := registerTestClient(t, s, false)
	e := newTestEcho(s)

	q := authorizeQuery(client.ClientID)
	q.Set("redirect_uri", "https://evil.example.com/steal")

	req := httptest.NewRequest(http.MethodGet, "/auth/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec.Header().Get("Location") != "" {
		t.Error("expected no redirect to an unregistered redirect_uri")
	}
}

func TestSMARTHandler_Authorize_ErrorRedirect(t *testing.T) {
	s := newTestSMARTServer()
	client := registerTestClient(t, s, false)
	e := newTestEcho(s)

	q := authorizeQuery(client.ClientID)
	q.Set("scope", "admin/everything.delete")

	req := httptest.NewRequest(http.MethodGet, "/auth/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	locURL, _ := url.Parse(rec.Header().Get("Location"))
	if locURL.Query().Get("error") != "invalid_scope" {
		t.Errorf("expected error=invalid_scope, got %q", locURL.Query().Get("error"))
	}
	if locURL.Query().Get("state") != "handler-state" {
		t.Error("expected state to be echoed on error redirect")
	}
}

func TestSMARTHandler_Token_BasicAuth(t *testing.T) {
	s := newTestSMARTServer()
	client := registerTestClient(t, s, false)
	e := newTestEcho(s)

	authResp := mustAuthorize(t, s, client.ClientID, "patient/*.read", "", "")

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", authResp.Code)
	form.Set("redirect_uri", testRedirectURI)

	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(client.ClientID), url.QueryEscape("test-secret"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected Cache-Control: no-store on token response")
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tokenResp); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if tokenResp.AccessToken == "" {
		t.Error("expected non-empty access_token with Basic auth")
	}
}

func TestSMARTHandler_Token_Errors(t *testing.T) {
	s := newTestSMARTServer()
	client := registerTestClient(t, s, false)
	e := newTestEcho(s)

	tests := []struct {
		name   string
		form   url.Values
		status int
		code   string
	}{
		{"bad grant type", url.Values{"grant_type": {"password"}}, http.StatusBadRequest, "unsupported_grant_type"},
		{"unknown code", url.Values{"grant_type": {"authorization_code"}, "code": {"nope"}, "client_id": {client.ClientID}}, http.StatusBadRequest, "invalid_grant"},
		{"missing refresh token", url.Values{"grant_type": {"refresh_token"}}, http.StatusBadRequest, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			var oauthErr OAuthError
			if err := json.Unmarshal(rec.Body.Bytes(), &oauthErr); err != nil {
				t.Fatalf("failed to unmarshal: %v", err)
			}
			if oauthErr.Code != tt.code {
				t.Errorf("expected %q, got %q", tt.code, oauthErr.Code)
			}
		})
	}
}

func TestSMARTHandler_Register(t *testing.T) {
	s := newTestSMARTServer()
	e := newTestEcho(s)

	body := `{"client_name":"Demo","redirect_uris":["http://localhost:5001/callback"],"scope":"patient/*.read","token_endpoint_auth_method":"none"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var client SMARTClient
	if err := json.Unmarshal(rec.Body.Bytes(), &client); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if client.ClientID == "" || !client.IsPublic || client.ClientSecret != "" {
		t.Errorf("unexpected registered client %+v", client)
	}

	req = httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(`{"client_name":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing fields, got %d", rec.Code)
	}
}

func TestSMARTHandler_Launch(t *testing.T) {
	s := newTestSMARTServer()
	e := newTestEcho(s)

	req := httptest.NewRequest(http.MethodPost, "/auth/launch", strings.NewReader(`{"patient_id":"p-1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["launch"] == "" || resp["iss"] != testAudience {
		t.Errorf("unexpected launch response %v", resp)
	}

	req = httptest.NewRequest(http.MethodPost, "/auth/launch", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without patient_id, got %d", rec.Code)
	}
}

func TestSMARTHandler_Introspect(t *testing.T) {
	s := newTestSMARTServer()
	client := registerTestClient(t, s, false)
	e := newTestEcho(s)

	authResp := mustAuthorize(t, s, client.ClientID, "patient/*.read", "", "")
	tokenResp := mustExchange(t, s, client, authResp.Code, "")

	for token, want := range map[string]bool{tokenResp.AccessToken: true, "garbage": false, "": false} {
		form := url.Values{"token": {token}}
		req := httptest.NewRequest(http.MethodPost, "/auth/introspect", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		var claims TokenClaims
		json.Unmarshal(rec.Body.Bytes(), &claims)
		if claims.Active != want {
			t.Errorf("token %.10q: expected active=%v", token, want)
		}
	}
}

func TestSMARTHandler_SMARTConfiguration(t *testing.T) {
	s := newTestSMARTServer()
	e := newTestEcho(s)

	for _, path := range []string{"/.well-known/smart-configuration", "/fhir/.well-known/smart-configuration"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
		var cfg SMARTConfiguration
		if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
			t.Fatalf("%s: invalid JSON: %v", path, err)
		}
		if cfg.AuthorizationEndpoint != testIssuer+"/auth/authorize" {
			t.Errorf("unexpected authorization_endpoint %q", cfg.AuthorizationEndpoint)
		}
		if cfg.TokenEndpoint != testIssuer+"/auth/token" {
			t.Errorf("unexpected token_endpoint %q", cfg.TokenEndpoint)
		}
	}
}

func TestSMARTHandler_RegisterRoutes_Middleware(t *testing.T) {
	s := newTestSMARTServer()
	e := echo.New()

	var hits int
	NewSMARTHandler(s).RegisterRoutes(e, func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			hits++
			return next(c)
		}
	})

	for _, path := range []string{"/.well-known/smart-configuration", "/auth/launch"} {
		method := http.MethodGet
		if path == "/auth/launch" {
			method = http.MethodPost
		}
		req := httptest.NewRequest(method, path, strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		e.ServeHTTP(httptest.NewRecorder(), req)
	}

	if hits != 1 {
		t.Errorf("expected middleware to run only for /auth routes, ran %d times", hits)
	}
}

// ---------------------------------------------------------------------------
// Helper function tests
// ---------------------------------------------------------------------------

func TestVerifyPKCE(t *testing.T) {
	verifier, challenge := generatePKCE(t)
	if !verifyPKCE(verifier, challenge) {
		t.Error("expected RFC 7636 vector to verify")
	}
	if verifyPKCE("wrong", challenge) {
		t.Error("expected wrong verifier to fail")
	}
}

func TestNegotiateScopes(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		allowed   string
		want      string
		wantErr   bool
	}{
		{"intersection", "patient/Patient.read openid launch", "patient/Patient.read launch", "patient/Patient.read launch", false},
		{"v2 scope", "patient/Patient.rs", "patient/Patient.rs", "patient/Patient.rs", false},
		{"empty", "", "launch", "", true},
		{"invalid", "bogus", "bogus", "", true},
		{"none allowed", "openid", "launch", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := negotiateScopes(tt.requested, tt.allowed)
			if (err != nil) != tt.wantErr {
				t.Fatalf("negotiateScopes() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("negotiateScopes() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWantsPatientContext(t *testing.T) {
	tests := map[string]bool{
		"patient/Patient.read":  true,
		"launch/patient openid": true,
		"openid fhirUser":       false,
		"user/Observation.read": false,
	}
	for scope, want := range tests {
		if got := wantsPatientContext(scope); got != want {
			t.Errorf("wantsPatientContext(%q) = %v, want %v", scope, got, want)
		}
	}
}

func TestOAuthError(t *testing.T) {
	err := &OAuthError{Code: "invalid_grant", Description: "bad code"}
	if err.Error() != "invalid_grant: bad code" {
		t.Errorf("unexpected Error() %q", err.Error())
	}
}
