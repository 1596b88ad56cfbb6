package store

import (
	"context"
	"database/sql"
	"time"

	"taskmill/internal/domain"
)

// Session is a dedicated database connection scoped to one task execution.
// The execution shell acquires one per task and releases it on every exit
// path; executables never manage storage themselves.
type Session struct {
	conn *sql.Conn
}

// Acquire checks a connection out of the pool.
func (s *Store) Acquire(ctx context.Context) (*Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn}, nil
}

// Close returns the connection to the pool. Safe to call once per session.
func (s *Session) Close() error { return s.conn.Close() }

func (s *Session) Get(ctx context.Context, id string) (domain.Record, error) {
	return getRecord(ctx, s.conn, id)
}

// Update applies a patch over the session connection with the same guards as
// Store.Update.
func (s *Session) Update(ctx context.Context, id string, p Patch) error {
	return updateRecord(ctx, s.conn, id, p)
}

func (s *Session) Heartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE tasks SET heartbeat_at=? WHERE id=? AND status='running'`, at.UTC(), id)
	return err
}
