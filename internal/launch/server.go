package launch

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/smartlaunch/internal/platform/middleware"
)

// NewServer assembles the app: global middleware, template renderer, plain
// text error responses and the handler's routes. A zero requestTimeout
// disables the per-request deadline.
func NewServer(h *Handler, logger zerolog.Logger, requestTimeout time.Duration) (*echo.Echo, error) {
	renderer, err := NewRenderer()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Renderer = renderer
	e.HTTPErrorHandler = ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	if requestTimeout > 0 {
		e.Use(middleware.RequestTimeout(requestTimeout))
	}

	h.RegisterRoutes(e)
	return e, nil
}

// ErrorHandler writes errors as plain text with their HTTP status. Internal
// causes are logged, never shown.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		msg := http.StatusText(status)

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			msg = fmt.Sprint(he.Message)
			if he.Internal != nil && status >= http.StatusInternalServerError {
				rid, _ := c.Get("request_id").(string)
				logger.Error().Err(he.Internal).Str("request_id", rid).Int("status", status).Msg(msg)
			}
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.String(status, msg)
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to write error response")
		}
	}
}
