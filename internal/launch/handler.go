// Package launch implements the SMART standalone launch web app: it
// discovers the FHIR server's OAuth endpoints, sends the user to authorize,
// exchanges the returned code for tokens and shows the patient's
// demographics.
package launch

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/smartlaunch/internal/platform/fhir"
	"github.com/ehr/smartlaunch/internal/platform/session"
	"github.com/ehr/smartlaunch/internal/smart"
)

// Session keys.
const (
	keyTokenURL     = "token_url"
	keyState        = "state"
	keyVerifier     = "code_verifier"
	keyAccessToken  = "access_token"
	keyIDToken      = "id_token"
	keyRefreshToken = "refresh_token"
	keyPatient      = "patient"
	keyScope        = "scope"
	keyTestValue    = "test_value"
)

// Error messages returned to the browser.
const (
	msgEndpointsNotFound = "OAuth endpoints not found in metadata"
	msgCodeNotFound      = "Authorization code not found"
	msgTokenURLMissing   = "Token endpoint not found in session"
	msgStateMismatch     = "Invalid state parameter"
	msgTokenExchange     = "Token exchange failed"
	msgPatientRead       = "Failed to read patient"
	msgSessionSave       = "Failed to save session"
)

// Config is the client registration and behaviour of the app.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	FHIRBase     string
	Scopes       string
	UsePKCE      bool
	// Dev enables the /set-test and /get-test session routes.
	Dev     bool
	Version string
}

// Handler serves the app's routes.
type Handler struct {
	cfg        Config
	fhir       *fhir.Client
	discoverer *smart.Discoverer
	oauth      *smart.Client
	sessions   *session.Manager
	logger     zerolog.Logger
}

// NewHandler creates a Handler. httpClient is used for discovery, the token
// exchange and FHIR reads; nil means http.DefaultClient.
func NewHandler(cfg Config, httpClient *http.Client, sessions *session.Manager, logger zerolog.Logger) (*Handler, error) {
	client, err := fhir.NewClient(cfg.FHIRBase, httpClient)
	if err != nil {
		return nil, err
	}
	return &Handler{
		cfg:        cfg,
		fhir:       client,
		discoverer: smart.NewDiscoverer(client),
		oauth:      smart.NewClient(httpClient, cfg.ClientID, cfg.ClientSecret, cfg.RedirectURI, cfg.Scopes),
		sessions:   sessions,
		logger:     logger.With().Str("component", "launch").Logger(),
	}, nil
}

// RegisterRoutes registers the app's routes on e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	sess := h.sessions.Middleware()

	e.GET("/health", h.health)
	e.GET("/", h.home, sess)
	e.GET("/launch", h.launch, sess)
	e.GET("/callback", h.callback, sess)
	e.GET("/profile", h.profile, sess)
	e.GET("/logout", h.logout, sess)

	if h.cfg.Dev {
		e.GET("/set-test", h.setTest, sess)
		e.GET("/get-test", h.getTest, sess)
	}
}

type homeData struct {
	Authenticated bool
	FHIRBase      string
	Dev           bool
}

func (h *Handler) home(c echo.Context) error {
	sess := session.FromContext(c)
	return c.Render(http.StatusOK, "home.html", homeData{
		Authenticated: sess.Has(keyAccessToken),
		FHIRBase:      h.cfg.FHIRBase,
		Dev:           h.cfg.Dev,
	})
}

// launch discovers the OAuth endpoints and redirects to the authorization
// endpoint. The token endpoint, state and PKCE verifier stay in the session
// for the callback.
func (h *Handler) launch(c echo.Context) error {
	endpoints, err := h.discoverer.Discover(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Str("fhir_base", h.cfg.FHIRBase).Msg("SMART endpoint discovery failed")
		return echo.NewHTTPError(http.StatusInternalServerError, msgEndpointsNotFound).SetInternal(err)
	}

	state := uuid.NewString()
	params := smart.AuthParams{
		State:    state,
		Audience: h.cfg.FHIRBase,
	}

	sess := session.FromContext(c)
	sess.Set(keyTokenURL, endpoints.Token)
	sess.Set(keyState, state)
	sess.Delete(keyVerifier)

	if h.cfg.UsePKCE {
		pkce := smart.NewPKCE()
		params.CodeVerifier = pkce.Verifier
		sess.Set(keyVerifier, pkce.Verifier)
	}

	authURL, err := h.oauth.AuthCodeURL(endpoints.Authorize, params)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, msgEndpointsNotFound).SetInternal(err)
	}

	if err := h.sessions.Save(c, sess); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, msgSessionSave).SetInternal(err)
	}

	h.logger.Info().
		Str("source", endpoints.Source).
		Str("authorize", endpoints.Authorize).
		Bool("pkce", h.cfg.UsePKCE).
		Msg("redirecting to authorization endpoint")

	return c.Redirect(http.StatusFound, authURL)
}

// callback exchanges the authorization code for tokens.
func (h *Handler) callback(c echo.Context) error {
	if oauthErr := c.QueryParam("error"); oauthErr != "" {
		msg := "Authorization failed: " + oauthErr
		if desc := c.QueryParam("error_description"); desc != "" {
			msg += ": " + desc
		}
		return echo.NewHTTPError(http.StatusBadRequest, msg)
	}

	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, msgCodeNotFound)
	}

	sess := session.FromContext(c)
	tokenURL := sess.Get(keyTokenURL)
	if tokenURL == "" {
		return echo.NewHTTPError(http.StatusInternalServerError, msgTokenURLMissing)
	}

	if want := sess.Get(keyState); want == "" || c.QueryParam("state") != want {
		return echo.NewHTTPError(http.StatusBadRequest, msgStateMismatch)
	}

	tokens, err := h.oauth.Exchange(c.Request().Context(), tokenURL, code, sess.Get(keyVerifier))
	if err != nil {
		h.logger.Error().Err(err).Str("token_url", tokenURL).Msg("token exchange failed")
		return echo.NewHTTPError(http.StatusInternalServerError, msgTokenExchange).SetInternal(err)
	}

	sess.Delete(keyState, keyVerifier)
	sess.Set(keyAccessToken, tokens.AccessToken)
	sess.Set(keyIDToken, tokens.IDToken)
	sess.Set(keyRefreshToken, tokens.RefreshToken)
	sess.Set(keyPatient, tokens.Patient)
	sess.Set(keyScope, tokens.Scope)

	if err := h.sessions.Save(c, sess); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, msgSessionSave).SetInternal(err)
	}

	h.logger.Info().Str("patient", tokens.Patient).Str("scope", tokens.Scope).Msg("launch authorized")
	return c.Redirect(http.StatusFound, "/profile")
}

type profileData struct {
	fhir.Demographics
	PatientID string
	FHIRUser  string
	Scope     string
}

func (h *Handler) profile(c echo.Context) error {
	sess := session.FromContext(c)
	accessToken := sess.Get(keyAccessToken)
	patientID := sess.Get(keyPatient)
	if accessToken == "" || patientID == "" {
		return c.Redirect(http.StatusFound, "/")
	}

	patient, err := h.fhir.WithBearer(accessToken).ReadPatient(c.Request().Context(), patientID)
	if err != nil {
		h.logger.Error().Err(err).Str("patient", patientID).Msg("patient read failed")
		return echo.NewHTTPError(http.StatusInternalServerError, msgPatientRead).SetInternal(err)
	}

	data := profileData{
		Demographics: fhir.PatientDemographics(patient),
		PatientID:    patientID,
		Scope:        sess.Get(keyScope),
	}
	if raw := sess.Get(keyIDToken); raw != "" {
		claims, err := smart.ParseIDToken(raw)
		if err != nil {
			h.logger.Warn().Err(err).Msg("unreadable id_token")
		} else {
			data.FHIRUser = claims.FHIRUser
		}
	}

	return c.Render(http.StatusOK, "profile.html", data)
}

func (h *Handler) logout(c echo.Context) error {
	if err := h.sessions.Destroy(c, session.FromContext(c)); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to end session").SetInternal(err)
	}
	return c.Redirect(http.StatusFound, "/")
}

func (h *Handler) setTest(c echo.Context) error {
	sess := session.FromContext(c)
	sess.Set(keyTestValue, "hello")
	if err := h.sessions.Save(c, sess); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, msgSessionSave).SetInternal(err)
	}
	return c.String(http.StatusOK, "Set session!")
}

func (h *Handler) getTest(c echo.Context) error {
	value := session.FromContext(c).Get(keyTestValue)
	if value == "" {
		value = "empty"
	}
	return c.String(http.StatusOK, fmt.Sprintf("Session: %s", value))
}

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.cfg.Version,
	})
}
