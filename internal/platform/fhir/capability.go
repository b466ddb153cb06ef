package fhir

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// Extension URLs used in the security section of a CapabilityStatement.
const (
	OAuthURIsExtension         = "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris"
	SMARTCapabilitiesExtension = "http://fhir-registry.smarthealthit.org/StructureDefinition/capabilities"
)

// SearchParam describes a search parameter for use with the CapabilityBuilder.
type SearchParam struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Documentation string `json:"documentation,omitempty"`
}

type resourceEntry struct {
	resourceType string
	interactions []string
	searchParams []SearchParam
}

// CapabilityBuilder accumulates resource registrations and builds the
// CapabilityStatement served at /metadata. The OAuth URIs it advertises are
// what SMART clients use to find the authorization and token endpoints.
type CapabilityBuilder struct {
	mu        sync.RWMutex
	resources map[string]*resourceEntry

	ServerName    string
	ServerVersion string
	BaseURL       string
	AuthorizeURL  string
	TokenURL      string
	RegisterURL   string

	capabilities []string
}

// NewCapabilityBuilder creates a new builder. The baseURL is the FHIR server
// base URL (e.g., "http://localhost:8090/fhir"), and version is the server
// software version.
func NewCapabilityBuilder(baseURL, version string) *CapabilityBuilder {
	return &CapabilityBuilder{
		resources:     make(map[string]*resourceEntry),
		ServerName:    "SMART Sandbox",
		ServerVersion: version,
		BaseURL:       baseURL,
		capabilities: []string{
			"launch-standalone",
			"client-public",
			"client-confidential-symmetric",
			"sso-openid-connect",
			"context-standalone-patient",
			"permission-patient",
			"permission-offline",
		},
	}
}

// SetOAuthURIs configures the SMART on FHIR OAuth URIs included in the
// security section of the CapabilityStatement. Empty values are omitted.
func (b *CapabilityBuilder) SetOAuthURIs(authorizeURL, tokenURL string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.AuthorizeURL = authorizeURL
	b.TokenURL = tokenURL
}

// SetRegisterURI advertises a dynamic client registration endpoint.
func (b *CapabilityBuilder) SetRegisterURI(registerURL string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.RegisterURL = registerURL
}

// AddResource registers a FHIR resource type with the given interactions and
// search parameters. Registering the same type again merges both lists.
func (b *CapabilityBuilder) AddResource(resourceType string, interactions []string, searchParams []SearchParam) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.resources[resourceType]
	if !ok {
		entry = &resourceEntry{resourceType: resourceType}
		b.resources[resourceType] = entry
	}

	existing := make(map[string]bool, len(entry.interactions))
	for _, i := range entry.interactions {
		existing[i] = true
	}
	for _, i := range interactions {
		if !existing[i] {
			entry.interactions = append(entry.interactions, i)
			existing[i] = true
		}
	}

	existingParams := make(map[string]bool, len(entry.searchParams))
	for _, p := range entry.searchParams {
		existingParams[p.Name] = true
	}
	for _, p := range searchParams {
		if !existingParams[p.Name] {
			entry.searchParams = append(entry.searchParams, p)
			existingParams[p.Name] = true
		}
	}
}

func (b *CapabilityBuilder) sortedTypes() []string {
	types := make([]string, 0, len(b.resources))
	for rt := range b.resources {
		types = append(types, rt)
	}
	sort.Strings(types)
	return types
}

// Build constructs the full CapabilityStatement as a map suitable for JSON
// serialization. Resources are sorted alphabetically by type.
func (b *CapabilityBuilder) Build() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := b.sortedTypes()
	resources := make([]map[string]interface{}, 0, len(types))
	for _, rt := range types {
		resources = append(resources, buildResourceEntry(b.resources[rt]))
	}

	rest := map[string]interface{}{
		"mode":     "server",
		"resource": resources,
		"security": b.buildSecurity(),
	}

	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format("2006-01-02"),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"json"},
		"software": map[string]string{
			"name":    b.ServerName,
			"version": b.ServerVersion,
		},
		"implementation": map[string]string{
			"description": b.ServerName + " FHIR R4 Server",
			"url":         b.BaseURL,
		},
		"rest": []map[string]interface{}{rest},
	}
}

func buildResourceEntry(entry *resourceEntry) map[string]interface{} {
	res := map[string]interface{}{
		"type":       entry.resourceType,
		"versioning": "no-version",
	}

	if len(entry.interactions) > 0 {
		interactions := make([]map[string]string, len(entry.interactions))
		for i, code := range entry.interactions {
			interactions[i] = map[string]string{"code": code}
		}
		res["interaction"] = interactions
	}

	if len(entry.searchParams) > 0 {
		params := make([]map[string]string, len(entry.searchParams))
		for i, sp := range entry.searchParams {
			p := map[string]string{
				"name": sp.Name,
				"type": sp.Type,
			}
			if sp.Documentation != "" {
				p["documentation"] = sp.Documentation
			}
			params[i] = p
		}
		res["searchParam"] = params
	}

	return res
}

// buildSecurity creates the SMART on FHIR security section with the
// oauth-uris and capabilities extensions.
func (b *CapabilityBuilder) buildSecurity() map[string]interface{} {
	service := map[string]interface{}{
		"coding": []map[string]string{
			{
				"system":  "http://terminology.hl7.org/CodeSystem/restful-security-service",
				"code":    "SMART-on-FHIR",
				"display": "SMART on FHIR",
			},
		},
	}

	security := map[string]interface{}{
		"cors":        true,
		"service":     []map[string]interface{}{service},
		"description": "OAuth2 using SMART on FHIR profile (see http://docs.smarthealthit.org)",
	}

	var extensions []map[string]interface{}

	oauthExtensions := make([]map[string]string, 0, 3)
	for _, u := range []struct{ name, value string }{
		{"authorize", b.AuthorizeURL},
		{"token", b.TokenURL},
		{"register", b.RegisterURL},
	} {
		if u.value != "" {
			oauthExtensions = append(oauthExtensions, map[string]string{
				"url":      u.name,
				"valueUri": u.value,
			})
		}
	}
	if len(oauthExtensions) > 0 {
		extensions = append(extensions, map[string]interface{}{
			"url":       OAuthURIsExtension,
			"extension": oauthExtensions,
		})
	}

	for _, code := range b.capabilities {
		extensions = append(extensions, map[string]interface{}{
			"url":       SMARTCapabilitiesExtension,
			"valueCode": code,
		})
	}

	if len(extensions) > 0 {
		security["extension"] = extensions
	}
	return security
}

// ReadOnlyInteractions returns interactions for read-only resources.
func ReadOnlyInteractions() []string {
	return []string{"read"}
}

// CapabilityHandler serves the CapabilityStatement.
type CapabilityHandler struct {
	builder *CapabilityBuilder
}

// NewCapabilityHandler creates a handler backed by the given builder.
func NewCapabilityHandler(builder *CapabilityBuilder) *CapabilityHandler {
	return &CapabilityHandler{builder: builder}
}

// RegisterRoutes registers the metadata endpoint on the provided Echo group.
func (h *CapabilityHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.GetMetadata)
}

// GetMetadata returns the full CapabilityStatement as application/fhir+json.
func (h *CapabilityHandler) GetMetadata(c echo.Context) error {
	body, err := json.Marshal(h.builder.Build())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to encode capability statement").SetInternal(err)
	}
	return c.Blob(http.StatusOK, ContentTypeFHIRJSON, body)
}
