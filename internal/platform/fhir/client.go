// Package fhir holds both sides of the FHIR conversation: a small read-only
// REST client used by the launch app and the CapabilityStatement builder
// served by the sandbox.
package fhir

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	r4 "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// ContentTypeFHIRJSON is the media type for FHIR JSON resources.
const ContentTypeFHIRJSON = "application/fhir+json"

// idPattern is the FHIR R4 id datatype.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)

// ErrInvalidID is returned when a resource id is not a valid FHIR id.
var ErrInvalidID = errors.New("invalid FHIR resource id")

// ValidID reports whether id is a valid FHIR resource id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Client reads resources from one FHIR server.
type Client struct {
	base   *url.URL
	http   *http.Client
	client *fhirclient.BaseClient
}

// NewClient creates a client for the server rooted at baseURL. A nil
// httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse FHIR base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("FHIR base URL must be http or https, got %q", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return newClient(u, httpClient), nil
}

func newClient(base *url.URL, httpClient *http.Client) *Client {
	cfg := fhirclient.DefaultConfig()
	return &Client{
		base:   base,
		http:   httpClient,
		client: fhirclient.New(base, httpClient, &cfg),
	}
}

// BaseURL returns the server base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// WithBearer returns a copy of the client that sends the given access token
// on every request.
func (c *Client) WithBearer(token string) *Client {
	transport := c.http.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	hc := *c.http
	hc.Transport = &bearerTransport{token: token, next: transport}
	return newClient(c.base, &hc)
}

// ReadCapability fetches {base}/metadata into target.
func (c *Client) ReadCapability(ctx context.Context, target any) error {
	if err := c.client.ReadWithContext(ctx, "metadata", target); err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	return nil
}

// ReadSMARTConfiguration fetches {base}/.well-known/smart-configuration into target.
func (c *Client) ReadSMARTConfiguration(ctx context.Context, target any) error {
	if err := c.client.ReadWithContext(ctx, ".well-known/smart-configuration", target); err != nil {
		return fmt.Errorf("read smart-configuration: %w", err)
	}
	return nil
}

// ReadPatient fetches Patient/{id}.
func (c *Client) ReadPatient(ctx context.Context, id string) (*r4.Patient, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	var patient r4.Patient
	if err := c.client.ReadWithContext(ctx, "Patient/"+id, &patient); err != nil {
		return nil, fmt.Errorf("read Patient/%s: %w", id, err)
	}
	return &patient, nil
}

type bearerTransport struct {
	token string
	next  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+t.token)
	return t.next.RoundTrip(r)
}
