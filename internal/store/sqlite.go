package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"taskmill/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  task_type TEXT NOT NULL DEFAULT '',
  executable TEXT NOT NULL,
  args TEXT,
  kwargs TEXT,
  priority INTEGER NOT NULL DEFAULT 2,
  status TEXT NOT NULL CHECK(status IN ('pending','running','succeeded','failed','revoked')) DEFAULT 'pending',
  progress INTEGER NOT NULL DEFAULT 0,
  result TEXT,
  error TEXT NOT NULL DEFAULT '',
  owner_id TEXT NOT NULL DEFAULT '',
  handle TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL,
  started_at DATETIME,
  completed_at DATETIME,
  heartbeat_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(task_type);
`
	_, err := db.Exec(schema)
	return err
}

// Patch is a partial update applied in a single guarded statement so
// concurrent progress writes never interleave with a terminal-status write.
type Patch struct {
	Status      *domain.Status
	Progress    *int
	Result      json.RawMessage
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time

	// FromWorker marks a terminal write coming from the execution shell.
	// Such a write may overwrite an optimistic revoked mark when the
	// executable finished before observing the cancellation flag.
	FromWorker bool
}

// Filter narrows Find results.
type Filter struct {
	OwnerID string
	Status  domain.Status
	Type    string
	Name    string
	Live    bool // pending or running, used by the scheduler overlap check
}

type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store { return &Store{db: db} }

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) Insert(ctx context.Context, rec domain.Record) error {
	return insertRecord(ctx, s.db, rec)
}

func insertRecord(ctx context.Context, q querier, rec domain.Record) error {
	if !rec.Status.Valid() {
		rec.Status = domain.StatusPending
	}
	_, err := q.ExecContext(ctx, `
INSERT INTO tasks (id,name,task_type,executable,args,kwargs,priority,status,progress,result,error,owner_id,handle,created_at,updated_at,started_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Name, rec.Type, rec.Executable, nullJSON(rec.Args), nullJSON(rec.Kwargs),
		int(rec.Priority), string(rec.Status), rec.Progress, nullJSON(rec.Result), rec.Error,
		rec.OwnerID, rec.Handle, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), rec.StartedAt, rec.CompletedAt)
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%w: task %s already exists", domain.ErrConflict, rec.ID)
		}
	}
	return err
}

func (s *Store) Get(ctx context.Context, id string) (domain.Record, error) {
	return getRecord(ctx, s.db, id)
}

const selectCols = `id,name,task_type,executable,args,kwargs,priority,status,progress,result,error,owner_id,handle,created_at,updated_at,started_at,completed_at`

func getRecord(ctx context.Context, q querier, id string) (domain.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+selectCols+` FROM tasks WHERE id=?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return domain.Record{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return rec, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRecord(row rowScanner) (domain.Record, error) {
	var rec domain.Record
	var args, kwargs, result sql.NullString
	var started, completed sql.NullTime
	var prio int
	var status string
	err := row.Scan(&rec.ID, &rec.Name, &rec.Type, &rec.Executable, &args, &kwargs, &prio,
		&status, &rec.Progress, &result, &rec.Error, &rec.OwnerID, &rec.Handle,
		&rec.CreatedAt, &rec.UpdatedAt, &started, &completed)
	if err != nil {
		return domain.Record{}, err
	}
	rec.Priority = domain.Priority(prio)
	rec.Status = domain.Status(status)
	if args.Valid {
		rec.Args = json.RawMessage(args.String)
	}
	if kwargs.Valid {
		rec.Kwargs = json.RawMessage(kwargs.String)
	}
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	if started.Valid {
		t := started.Time
		rec.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

// Update applies a patch atomically. A patch that would move the state
// machine backward, touch a terminal record, or lower progress is rejected
// with ErrInvalidState; an unknown id yields ErrNotFound.
func (s *Store) Update(ctx context.Context, id string, p Patch) error {
	return updateRecord(ctx, s.db, id, p)
}

func updateRecord(ctx context.Context, q querier, id string, p Patch) error {
	sets := []string{"updated_at=?"}
	args := []any{time.Now().UTC()}

	if p.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, string(*p.Status))
	}
	if p.Progress != nil {
		sets = append(sets, "progress=?")
		args = append(args, *p.Progress)
	}
	if p.Result != nil {
		sets = append(sets, "result=?")
		args = append(args, string(p.Result))
	}
	if p.Error != nil {
		sets = append(sets, "error=?")
		args = append(args, *p.Error)
	}
	if p.StartedAt != nil {
		sets = append(sets, "started_at=?")
		args = append(args, p.StartedAt.UTC())
	}
	if p.CompletedAt != nil {
		sets = append(sets, "completed_at=?")
		args = append(args, p.CompletedAt.UTC())
	}

	var guard string
	var guardArgs []any
	switch {
	case p.Status == nil:
		// Progress and metadata writes only apply to a live record; progress
		// is non-decreasing and frozen once terminal.
		guard = `status IN ('pending','running')`
		if p.Progress != nil {
			guard = `status='running' AND progress<=?`
			guardArgs = append(guardArgs, *p.Progress)
		}
	case *p.Status == domain.StatusRunning:
		// running is re-entered on retry re-delivery of the same record.
		guard = `status IN ('pending','running')`
	case *p.Status == domain.StatusPending:
		// A retryable failure parks the record back to pending until the
		// re-delivery arrives, keeping it out of stale-heartbeat reclamation.
		guard = `status='running'`
	case *p.Status == domain.StatusRevoked:
		guard = `status IN ('pending','running')`
	case *p.Status == domain.StatusSucceeded || *p.Status == domain.StatusFailed:
		if p.FromWorker {
			guard = `status IN ('pending','running','revoked')`
		} else {
			guard = `status IN ('pending','running')`
		}
	default:
		return fmt.Errorf("%w: cannot transition to %s", domain.ErrInvalidState, *p.Status)
	}

	query := `UPDATE tasks SET ` + strings.Join(sets, ",") + ` WHERE id=? AND ` + guard
	args = append(args, id)
	args = append(args, guardArgs...)

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getRecord(ctx, q, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s", domain.ErrInvalidState, id)
	}
	return nil
}

// SetHandle records the execution handle assigned at enqueue time. The guard
// keeps it write-once.
func (s *Store) SetHandle(ctx context.Context, id, handle string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET handle=?, updated_at=? WHERE id=? AND handle=''`,
		handle, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: handle already set for task %s", domain.ErrConflict, id)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, f Filter, page, pageSize int) ([]domain.Record, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 100
	}
	where := []string{"1=1"}
	var args []any
	if f.OwnerID != "" {
		where = append(where, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where = append(where, "task_type=?")
		args = append(args, f.Type)
	}
	if f.Name != "" {
		where = append(where, "name=?")
		args = append(args, f.Name)
	}
	if f.Live {
		where = append(where, "status IN ('pending','running')")
	}
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, `
SELECT `+selectCols+` FROM tasks
WHERE `+strings.Join(where, " AND ")+`
ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Delete removes a record. Running records must be cancelled first.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=? AND status<>'running'`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s is running", domain.ErrConflict, id)
	}
	return nil
}

// Heartbeat renews the liveness marker for a running record.
func (s *Store) Heartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET heartbeat_at=? WHERE id=? AND status='running'`, at.UTC(), id)
	return err
}

// ReclaimStale fails running records whose heartbeat is older than the
// liveness window, so a killed worker never leaves a record running forever.
func (s *Store) ReclaimStale(ctx context.Context, window time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-window)
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks
SET status='failed', error='worker lost: heartbeat expired', completed_at=?, updated_at=?
WHERE status='running' AND COALESCE(heartbeat_at, started_at, created_at) < ?`,
		time.Now().UTC(), time.Now().UTC(), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[domain.Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(st)] = n
	}
	return counts, rows.Err()
}

func nullJSON(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}
