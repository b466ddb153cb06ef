// Package session keeps per-browser launch state on the server. The browser
// only holds a signed cookie naming the session; tokens never leave the
// server.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Session is a bag of opaque string values tied to one browser.
type Session struct {
	ID        string
	Values    map[string]string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// New creates an empty session with a random ID.
func New(ttl time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		Values:    make(map[string]string),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Get returns the value for key or "" when absent.
func (s *Session) Get(key string) string {
	return s.Values[key]
}

// Has reports whether key holds a non-empty value.
func (s *Session) Has(key string) bool {
	return s.Values[key] != ""
}

// Set stores value under key. An empty value removes the key.
func (s *Session) Set(key, value string) {
	if value == "" {
		delete(s.Values, key)
		return
	}
	if s.Values == nil {
		s.Values = make(map[string]string)
	}
	s.Values[key] = value
}

// Delete removes the given keys.
func (s *Session) Delete(keys ...string) {
	for _, k := range keys {
		delete(s.Values, k)
	}
}

// Clear removes every value.
func (s *Session) Clear() {
	s.Values = make(map[string]string)
}

// Expired reports whether the session is past its expiry at t.
func (s *Session) Expired(t time.Time) bool {
	return !t.Before(s.ExpiresAt)
}

func (s *Session) clone() *Session {
	values := make(map[string]string, len(s.Values))
	for k, v := range s.Values {
		values[k] = v
	}
	return &Session{
		ID:        s.ID,
		Values:    values,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
	}
}

// Store persists sessions. Load returns (nil, nil) when the session does not
// exist or has expired.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	Cleanup(ctx context.Context) error
}
