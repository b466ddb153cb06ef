package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// CookieName is the name of the session cookie.
const CookieName = "smart_session"

const contextKey = "session"

// ErrInvalidCookie is returned when a session cookie fails verification.
var ErrInvalidCookie = errors.New("invalid session cookie")

// Options configures a Manager.
type Options struct {
	Secret []byte
	TTL    time.Duration
	Secure bool
}

// Manager binds sessions from a Store to requests. The cookie value is an
// HS256 JWT whose jti is the session ID, so a forged or altered cookie never
// reaches the store.
type Manager struct {
	store  Store
	secret []byte
	ttl    time.Duration
	secure bool
	logger zerolog.Logger
}

// NewManager creates a Manager. Secret must not be empty.
func NewManager(store Store, opts Options, logger zerolog.Logger) (*Manager, error) {
	if len(opts.Secret) == 0 {
		return nil, fmt.Errorf("session secret is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	return &Manager{
		store:  store,
		secret: opts.Secret,
		ttl:    opts.TTL,
		secure: opts.Secure,
		logger: logger,
	}, nil
}

// Store returns the backing store.
func (m *Manager) Store() Store {
	return m.store
}

// Middleware loads the request's session, or starts a new one, and places it
// on the echo context. Unverifiable or unknown cookies start a fresh session.
func (m *Manager) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sess, err := m.load(c)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "session store unavailable").SetInternal(err)
			}
			c.Set(contextKey, sess)
			return next(c)
		}
	}
}

func (m *Manager) load(c echo.Context) (*Session, error) {
	cookie, err := c.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return New(m.ttl), nil
	}

	id, err := m.decode(cookie.Value)
	if err != nil {
		m.logger.Debug().Err(err).Msg("discarding session cookie")
		return New(m.ttl), nil
	}

	sess, err := m.store.Load(c.Request().Context(), id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return New(m.ttl), nil
	}
	return sess, nil
}

// FromContext returns the session placed by Middleware, or nil.
func FromContext(c echo.Context) *Session {
	sess, _ := c.Get(contextKey).(*Session)
	return sess
}

// Save persists sess, extends its expiry and (re)issues the cookie. Handlers
// call it before writing a redirect so the next request sees the new state.
func (m *Manager) Save(c echo.Context, sess *Session) error {
	sess.ExpiresAt = time.Now().Add(m.ttl)

	if err := m.store.Save(c.Request().Context(), sess); err != nil {
		return err
	}

	token, err := m.encode(sess)
	if err != nil {
		return err
	}

	c.SetCookie(&http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Destroy deletes the session and expires the cookie.
func (m *Manager) Destroy(c echo.Context, sess *Session) error {
	if sess != nil {
		if err := m.store.Delete(c.Request().Context(), sess.ID); err != nil {
			return err
		}
	}
	c.SetCookie(&http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	c.Set(contextKey, New(m.ttl))
	return nil
}

func (m *Manager) encode(sess *Session) (string, error) {
	claims := jwt.RegisteredClaims{
		ID:        sess.ID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session cookie: %w", err)
	}
	return token, nil
}

func (m *Manager) decode(value string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(value, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCookie, err)
	}
	if claims.ID == "" {
		return "", fmt.Errorf("%w: missing session id", ErrInvalidCookie)
	}
	return claims.ID, nil
}
