package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/smartlaunch/internal/platform/auth"
	"github.com/ehr/smartlaunch/internal/platform/fhir"
	"github.com/ehr/smartlaunch/internal/platform/middleware"
	"github.com/ehr/smartlaunch/pkg/pagination"
)

// ClientScopes is the scope set granted to clients registered through
// RegisterClient.
const ClientScopes = "launch launch/patient openid fhirUser profile offline_access online_access " +
	"patient/*.read patient/*.rs patient/Patient.read patient/Patient.rs patient/Observation.read user/*.read"

// Options configures a sandbox Server.
type Options struct {
	// BaseURL is the externally visible URL of the server, without /fhir.
	BaseURL string
	// SigningKey signs access and ID tokens. A random key is used when empty.
	SigningKey []byte
	Patients   int
	Seed       int64
	Version    string
	RateLimit  middleware.RateLimitConfig
}

// Server is a SMART-enabled FHIR server serving synthetic patients.
type Server struct {
	echo     *echo.Echo
	smart    *auth.SMARTServer
	patients *PatientStore
	logger   zerolog.Logger
	baseURL  string
	version  string
}

// New seeds the patient store and assembles the HTTP routes. The first
// generated patient is selected for standalone launches.
func New(opts Options, logger zerolog.Logger) (*Server, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("sandbox base URL is required")
	}
	if opts.Patients <= 0 {
		return nil, fmt.Errorf("sandbox needs at least one patient, got %d", opts.Patients)
	}

	key := opts.SigningKey
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
	}
	if opts.RateLimit.RequestsPerSecond <= 0 {
		opts.RateLimit = middleware.DefaultRateLimitConfig()
	}

	s := &Server{
		smart:    auth.NewSMARTServer(baseURL, key),
		patients: NewPatientStore(),
		logger:   logger,
		baseURL:  baseURL,
		version:  opts.Version,
	}

	ids := s.patients.Seed(NewDataGenerator(opts.Seed), opts.Patients)
	s.smart.SetStandalonePatient(ids[0])

	s.echo = s.routes(opts.RateLimit)
	return s, nil
}

func (s *Server) routes(rl middleware.RateLimitConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(middleware.Recovery(s.logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": s.version})
	})

	capability := fhir.NewCapabilityBuilder(s.FHIRBase(), s.version)
	cfg := s.smart.Configuration()
	capability.SetOAuthURIs(cfg.AuthorizationEndpoint, cfg.TokenEndpoint)
	capability.SetRegisterURI(cfg.RegistrationEndpoint)
	capability.AddResource("Patient", fhir.ReadOnlyInteractions(), nil)

	fhirGroup := e.Group("/fhir")
	fhir.NewCapabilityHandler(capability).RegisterRoutes(fhirGroup)
	fhirGroup.GET("/Patient/:id", s.getPatient, auth.BearerMiddleware(s.smart), auth.RequireScope("Patient"))

	auth.NewSMARTHandler(s.smart).RegisterRoutes(e, middleware.RateLimit(rl))

	e.GET("/sandbox/patients", s.listPatients)

	return e
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// FHIRBase is the FHIR base URL clients should use as iss/aud.
func (s *Server) FHIRBase() string {
	return s.baseURL + "/fhir"
}

// DefaultPatient returns the patient id used for standalone launches.
func (s *Server) DefaultPatient() string {
	return s.patients.IDs()[0]
}

// Patients exposes the patient store.
func (s *Server) Patients() *PatientStore {
	return s.patients
}

// RegisterClient registers an application with ClientScopes. An empty
// secret registers a public client, which must use PKCE.
func (s *Server) RegisterClient(clientID, clientSecret, redirectURI string) error {
	return s.smart.RegisterClient(&auth.SMARTClient{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURIs: []string{redirectURI},
		Scope:        ClientScopes,
		Name:         clientID,
		IsPublic:     clientSecret == "",
	})
}

// StartCleanup expires stale codes and refresh tokens until ctx is done.
func (s *Server) StartCleanup(ctx context.Context) {
	s.smart.StartCleanup(ctx)
}

func (s *Server) getPatient(c echo.Context) error {
	id := c.Param("id")
	if !fhir.ValidID(id) {
		return fhirOutcome(c, http.StatusBadRequest,
			fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, "invalid resource id"))
	}

	p, ok := s.patients.Get(id)
	if !ok {
		return fhirOutcome(c, http.StatusNotFound, fhir.NotFoundOutcome("Patient", id))
	}

	ctx := c.Request().Context()
	s.logger.Debug().
		Str("patient", id).
		Str("client_id", auth.SMARTClientIDFromContext(ctx)).
		Str("fhir_user", auth.SMARTFHIRUserFromContext(ctx)).
		Msg("patient read")

	body, err := json.Marshal(p)
	if err != nil {
		s.logger.Error().Err(err).Str("patient", id).Msg("failed to encode patient")
		return fhirOutcome(c, http.StatusInternalServerError, fhir.ErrorOutcome("failed to encode patient"))
	}
	return c.Blob(http.StatusOK, fhir.ContentTypeFHIRJSON, body)
}

// listPatients pages through the generated patients with _count/_offset.
func (s *Server) listPatients(c echo.Context) error {
	page := pagination.NewResponse(pagination.FromContext(c), s.patients.Summaries())
	return c.JSON(http.StatusOK, patientList{Default: s.DefaultPatient(), Response: page})
}

type patientList struct {
	Default string `json:"default"`
	pagination.Response[fhir.Demographics]
}

func fhirOutcome(c echo.Context, status int, outcome *fhir.OperationOutcome) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
	}
	return c.Blob(status, fhir.ContentTypeFHIRJSON, body)
}
