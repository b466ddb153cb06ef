package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgRow represents a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the minimal database interface required by PGStore.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) error
}

type sessionJSON struct {
	Values    map[string]string `json:"values"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// PGStore is a PostgreSQL-backed Store. Rows past expires_at are invisible
// to Load and removed by Cleanup.
type PGStore struct {
	db pgConn
}

// NewPGStore creates a store over db. Use NewPGStoreFromPool in production.
func NewPGStore(db pgConn) *PGStore {
	return &PGStore{db: db}
}

// Load implements Store.
func (s *PGStore) Load(ctx context.Context, id string) (*Session, error) {
	const query = `SELECT data FROM sessions WHERE id = $1 AND expires_at > now()`

	var data []byte
	if err := s.db.QueryRow(ctx, query, id).Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	var j sessionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if j.Values == nil {
		j.Values = make(map[string]string)
	}
	return &Session{
		ID:        id,
		Values:    j.Values,
		CreatedAt: j.CreatedAt,
		ExpiresAt: j.ExpiresAt,
	}, nil
}

// Save implements Store. It upserts the row.
func (s *PGStore) Save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sessionJSON{
		Values:    sess.Values,
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	const query = `INSERT INTO sessions (id, data, created_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET data       = EXCLUDED.data,
                               expires_at = EXCLUDED.expires_at`

	if err := s.db.Exec(ctx, query, sess.ID, data, sess.CreatedAt, sess.ExpiresAt); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *PGStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM sessions WHERE id = $1`
	if err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Cleanup implements Store.
func (s *PGStore) Cleanup(ctx context.Context) error {
	const query = `DELETE FROM sessions WHERE expires_at <= now()`
	if err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("cleanup sessions: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// pgxPoolWrapper adapts *pgxpool.Pool to pgConn; pool.Exec also returns a
// command tag we do not need.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}

// NewPGStoreFromPool creates a PG-backed store from a *pgxpool.Pool.
func NewPGStoreFromPool(pool *pgxpool.Pool) *PGStore {
	return NewPGStore(&pgxPoolWrapper{pool: pool})
}
