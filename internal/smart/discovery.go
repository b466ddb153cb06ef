// Package smart implements the client side of a SMART App Launch: endpoint
// discovery, PKCE, the authorization redirect and the code exchange.
package smart

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/smartlaunch/internal/platform/fhir"
)

// ErrEndpointsNotFound is returned when neither the CapabilityStatement nor
// the well-known SMART configuration names an authorize and token endpoint.
var ErrEndpointsNotFound = errors.New("OAuth endpoints not found in metadata")

// Endpoint sources.
const (
	SourceCapabilityStatement = "metadata"
	SourceWellKnown           = "smart-configuration"
)

// Endpoints are the authorization server URLs advertised by a FHIR server.
type Endpoints struct {
	Authorize string
	Token     string
	Register  string
	Source    string
}

// capabilityStatement decodes only the parts of a CapabilityStatement needed
// to find the OAuth URIs.
type capabilityStatement struct {
	ResourceType string `json:"resourceType"`
	Rest         []struct {
		Security *struct {
			Extension []extension `json:"extension"`
		} `json:"security"`
	} `json:"rest"`
}

type extension struct {
	URL       string      `json:"url"`
	ValueURI  string      `json:"valueUri,omitempty"`
	Extension []extension `json:"extension,omitempty"`
}

// smartConfiguration is the subset of /.well-known/smart-configuration used
// for discovery.
type smartConfiguration struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	RegistrationEndpoint  string `json:"registration_endpoint"`
}

// Discoverer finds the OAuth endpoints of a FHIR server.
type Discoverer struct {
	client *fhir.Client
}

// NewDiscoverer creates a Discoverer reading from client.
func NewDiscoverer(client *fhir.Client) *Discoverer {
	return &Discoverer{client: client}
}

// Discover reads {base}/metadata and extracts the oauth-uris extension from
// rest[0].security. When the statement does not carry it, the well-known
// SMART configuration is tried. A metadata transport error is returned as
// is; only a readable statement without endpoints triggers the fallback.
func (d *Discoverer) Discover(ctx context.Context) (*Endpoints, error) {
	var cs capabilityStatement
	if err := d.client.ReadCapability(ctx, &cs); err != nil {
		return nil, err
	}

	if ep := endpointsFromCapability(&cs); ep != nil {
		return ep, nil
	}

	var sc smartConfiguration
	if err := d.client.ReadSMARTConfiguration(ctx, &sc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEndpointsNotFound, err)
	}
	if sc.AuthorizationEndpoint == "" || sc.TokenEndpoint == "" {
		return nil, ErrEndpointsNotFound
	}
	return &Endpoints{
		Authorize: sc.AuthorizationEndpoint,
		Token:     sc.TokenEndpoint,
		Register:  sc.RegistrationEndpoint,
		Source:    SourceWellKnown,
	}, nil
}

func endpointsFromCapability(cs *capabilityStatement) *Endpoints {
	if len(cs.Rest) == 0 || cs.Rest[0].Security == nil {
		return nil
	}
	for _, ext := range cs.Rest[0].Security.Extension {
		if ext.URL != fhir.OAuthURIsExtension {
			continue
		}
		ep := &Endpoints{Source: SourceCapabilityStatement}
		for _, sub := range ext.Extension {
			switch sub.URL {
			case "authorize":
				ep.Authorize = sub.ValueURI
			case "token":
				ep.Token = sub.ValueURI
			case "register":
				ep.Register = sub.ValueURI
			}
		}
		if ep.Authorize != "" && ep.Token != "" {
			return ep
		}
		return nil
	}
	return nil
}
