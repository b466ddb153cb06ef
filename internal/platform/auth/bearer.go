package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/smartlaunch/internal/platform/fhir"
)

// BearerMiddleware authenticates FHIR requests with an access token issued
// by server. Valid tokens place the patient, fhirUser, client and parsed
// SMART scopes on the request context; anything else is a 401 carrying an
// OperationOutcome.
func BearerMiddleware(server *SMARTServer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return fhirUnauthorized(c, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				return fhirUnauthorized(c, "invalid authorization header format")
			}

			claims, err := server.IntrospectToken(parts[1])
			if err != nil || !claims.Active {
				return fhirUnauthorized(c, "invalid or expired access token")
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, SMARTPatientIDKey, claims.Patient)
			ctx = context.WithValue(ctx, SMARTFHIRUserKey, claims.FHIRUser)
			ctx = context.WithValue(ctx, SMARTClientIDKey, claims.ClientID)
			ctx = context.WithValue(ctx, SMARTScopesKey, ParseSMARTScopes(strings.Fields(claims.Scope)))
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// RequireScope returns middleware that enforces SMART on FHIR scope
// authorization for resourceType. The operation is inferred from the HTTP
// method. When only a patient/ scope grants access, a request for
// Patient/:id must name the patient in context.
func RequireScope(resourceType string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			operation := httpMethodToOperation(c.Request().Method)

			scope := matchingScope(SMARTScopesFromContext(ctx), resourceType, operation)
			if scope == nil {
				return fhirForbidden(c, fmt.Sprintf("insufficient scope: required %s.%s", resourceType, operation))
			}

			if scope.Context == "patient" {
				patientID := SMARTPatientIDFromContext(ctx)
				if patientID == "" {
					return fhirForbidden(c, "patient scope without patient context")
				}
				if resourceType == "Patient" && c.Param("id") != "" && c.Param("id") != patientID {
					return fhirForbidden(c, "resource is outside the patient compartment")
				}
			}

			return next(c)
		}
	}
}

func fhirUnauthorized(c echo.Context, msg string) error {
	c.Response().Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	return writeOutcome(c, http.StatusUnauthorized, fhir.LoginOutcome(msg))
}

func fhirForbidden(c echo.Context, msg string) error {
	return writeOutcome(c, http.StatusForbidden, fhir.SecurityOutcome(msg))
}

func writeOutcome(c echo.Context, status int, outcome *fhir.OperationOutcome) error {
	c.Response().Header().Set(echo.HeaderContentType, fhir.ContentTypeFHIRJSON)
	return c.JSON(status, outcome)
}
