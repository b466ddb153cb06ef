package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// SMARTConfiguration represents the SMART on FHIR well-known configuration
// as defined by the SMART App Launch Framework (HL7).
type SMARTConfiguration struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	IntrospectionEndpoint         string   `json:"introspection_endpoint,omitempty"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
	GrantTypes                    []string `json:"grant_types_supported"`
	Scopes                        []string `json:"scopes_supported"`
	ResponseTypes                 []string `json:"response_types_supported"`
	Capabilities                  []string `json:"capabilities"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
}

// SMARTScope represents a parsed SMART on FHIR scope.
// Format: <context>/<resourceType>.<operation>
// Examples: patient/Patient.read, user/Observation.write, patient/*.rs
type SMARTScope struct {
	Context      string // "patient", "user", or "system"
	ResourceType string // e.g. "Patient", "Observation", "*"
	Operation    string // "read", "write", or "*"
}

// ParseSMARTScope parses a SMART on FHIR scope string into its components.
// Valid formats:
//   - patient/Patient.read
//   - user/Observation.write
//   - patient/*.read
//   - user/*.*
//   - patient/Patient.rs (SMART v2 permissions, mapped to read/write/*)
//
// Returns an error for scopes that are not resource-level SMART scopes
// (e.g. "openid", "profile", "launch").
func ParseSMARTScope(scope string) (*SMARTScope, error) {
	slashIdx := strings.Index(scope, "/")
	if slashIdx < 0 {
		return nil, fmt.Errorf("not a resource scope: %s", scope)
	}

	ctx := scope[:slashIdx]
	remainder := scope[slashIdx+1:]

	if ctx != "patient" && ctx != "user" && ctx != "system" {
		return nil, fmt.Errorf("invalid scope context %q: must be patient, user, or system", ctx)
	}

	dotIdx := strings.LastIndex(remainder, ".")
	if dotIdx < 0 {
		return nil, fmt.Errorf("invalid scope format %q: missing operation", scope)
	}

	resourceType := remainder[:dotIdx]
	operation := remainder[dotIdx+1:]

	if resourceType == "" {
		return nil, fmt.Errorf("invalid scope %q: empty resource type", scope)
	}

	switch operation {
	case "read", "write", "*":
	default:
		op, ok := v2Operation(operation)
		if !ok {
			return nil, fmt.Errorf("invalid operation %q: must be read, write, * or a cruds permission string", operation)
		}
		operation = op
	}

	return &SMARTScope{
		Context:      ctx,
		ResourceType: resourceType,
		Operation:    operation,
	}, nil
}

// v2Operation maps a SMART v2 permission string (ordered subset of "cruds")
// onto the v1 operation vocabulary.
func v2Operation(perms string) (string, bool) {
	if perms == "" {
		return "", false
	}
	const order = "cruds"
	pos := 0
	var read, write bool
	for _, r := range perms {
		i := strings.IndexRune(order[pos:], r)
		if i < 0 {
			return "", false
		}
		pos += i + 1
		switch r {
		case 'r', 's':
			read = true
		case 'c', 'u', 'd':
			write = true
		}
	}
	switch {
	case read && write:
		return "*", true
	case write:
		return "write", true
	default:
		return "read", true
	}
}

// ParseSMARTScopes parses a list of scope strings, returning only the valid
// SMART resource scopes. Non-resource scopes (openid, profile, launch, etc.)
// are silently skipped.
func ParseSMARTScopes(scopes []string) []SMARTScope {
	var result []SMARTScope
	for _, s := range scopes {
		parsed, err := ParseSMARTScope(s)
		if err != nil {
			continue
		}
		result = append(result, *parsed)
	}
	return result
}

func matchingScope(scopes []SMARTScope, resourceType, operation string) *SMARTScope {
	// Prefer user/system scopes so a patient scope does not narrow access
	// that a broader scope already grants.
	var patientMatch *SMARTScope
	for i := range scopes {
		s := &scopes[i]
		if !resourceMatches(s.ResourceType, resourceType) || !operationMatches(s.Operation, operation) {
			continue
		}
		if s.Context != "patient" {
			return s
		}
		if patientMatch == nil {
			patientMatch = s
		}
	}
	return patientMatch
}

func resourceMatches(granted, requested string) bool {
	return granted == "*" || granted == requested
}

func operationMatches(granted, requested string) bool {
	return granted == "*" || granted == requested
}

// httpMethodToOperation maps an HTTP method to a SMART scope operation.
func httpMethodToOperation(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return "write"
	default:
		return "read"
	}
}

type contextKey string

// contextKey types for SMART context values
const (
	SMARTPatientIDKey contextKey = "smart_patient_id"
	SMARTFHIRUserKey  contextKey = "smart_fhir_user"
	SMARTScopesKey    contextKey = "smart_scopes"
	SMARTClientIDKey  contextKey = "smart_client_id"
)

// SMARTPatientIDFromContext returns the patient ID from the SMART launch context.
func SMARTPatientIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(SMARTPatientIDKey).(string)
	return v
}

// SMARTFHIRUserFromContext returns the FHIR user reference from context.
func SMARTFHIRUserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(SMARTFHIRUserKey).(string)
	return v
}

// SMARTScopesFromContext returns the parsed SMART scopes from context.
func SMARTScopesFromContext(ctx context.Context) []SMARTScope {
	v, _ := ctx.Value(SMARTScopesKey).([]SMARTScope)
	return v
}

// SMARTClientIDFromContext returns the client the access token was issued to.
func SMARTClientIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(SMARTClientIDKey).(string)
	return v
}
