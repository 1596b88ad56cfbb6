package registry_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"taskmill/internal/domain"
	"taskmill/internal/queue"
	"taskmill/internal/registry"
	"taskmill/internal/store"
)

type harness struct {
	svc   *registry.Service
	store *store.Store
	queue *queue.Queue
	redis *miniredis.Miniredis
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "test.db")+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(db))
	t.Cleanup(func() { _ = db.Close() })

	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.New(db)
	q := queue.New(rdb, queue.Config{PollTimeout: 100 * time.Millisecond})
	return &harness{svc: registry.New(st, q), store: st, queue: q, redis: s}
}

func validSpec() domain.Spec {
	return domain.Spec{
		Name:       "nightly-report",
		Type:       "report",
		Executable: "report.generate",
		Kwargs:     json.RawMessage(`{"chunks":5}`),
		Priority:   domain.PriorityNormal,
		OwnerID:    "user-1",
	}
}

func TestCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, validSpec())
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, rec.Status)
	require.Equal(t, 0, rec.Progress)
	require.NotEmpty(t, rec.ID)
	require.NotEmpty(t, rec.Handle)

	got, err := h.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.Handle, got.Handle)
	require.Equal(t, domain.StatusPending, got.Status)

	depths, err := h.queue.Depths(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), depths[domain.PriorityNormal])
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	spec := validSpec()
	spec.Name = ""
	_, err := h.svc.Create(ctx, spec)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	spec = validSpec()
	spec.Executable = ""
	_, err = h.svc.Create(ctx, spec)
	require.ErrorAs(t, err, &verr)

	spec = validSpec()
	spec.Priority = 42
	_, err = h.svc.Create(ctx, spec)
	require.ErrorAs(t, err, &verr)

	// nothing was persisted or enqueued
	recs, err := h.svc.List(ctx, store.Filter{}, 1, 10)
	require.NoError(t, err)
	require.Empty(t, recs)
}

// A broker failure after insert must not leave a pending record behind.
func TestCreateBrokerDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.redis.Close()

	_, err := h.svc.Create(ctx, validSpec())
	require.ErrorIs(t, err, domain.ErrBrokerUnavailable)

	recs, lerr := h.svc.List(ctx, store.Filter{}, 1, 10)
	require.NoError(t, lerr)
	require.Len(t, recs, 1)
	require.Equal(t, domain.StatusFailed, recs[0].Status)
	require.NotEmpty(t, recs[0].Error)
	require.NotNil(t, recs[0].CompletedAt)
}

func TestCancelPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, validSpec())
	require.NoError(t, err)

	got, err := h.svc.Cancel(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRevoked, got.Status)
	require.Empty(t, got.Error)

	// the queued delivery never reaches a worker: only a later task comes out
	other, err := h.svc.Create(ctx, validSpec())
	require.NoError(t, err)
	it, err := h.queue.Consume(ctx)
	require.NoError(t, err)
	require.Equal(t, other.ID, it.TaskID)
}

func TestCancelTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, validSpec())
	require.NoError(t, err)
	_, err = h.svc.Cancel(ctx, rec.ID)
	require.NoError(t, err)

	_, err = h.svc.Cancel(ctx, rec.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = h.svc.Cancel(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.svc.Create(ctx, validSpec())
	require.NoError(t, err)

	running := domain.StatusRunning
	require.NoError(t, h.store.Update(ctx, rec.ID, store.Patch{Status: &running}))
	err = h.svc.Delete(ctx, rec.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	failed := domain.StatusFailed
	msg := "boom"
	require.NoError(t, h.store.Update(ctx, rec.ID, store.Patch{Status: &failed, Error: &msg, FromWorker: true}))
	require.NoError(t, h.svc.Delete(ctx, rec.ID))

	_, err = h.svc.Get(ctx, rec.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.ErrorIs(t, h.svc.Delete(ctx, "missing"), domain.ErrNotFound)
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, validSpec())
	require.NoError(t, err)
	spec := validSpec()
	spec.Priority = domain.PriorityHigh
	_, err = h.svc.Create(ctx, spec)
	require.NoError(t, err)

	stats, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Statuses[domain.StatusPending])
	require.Equal(t, int64(1), stats.Queues[domain.PriorityNormal])
	require.Equal(t, int64(1), stats.Queues[domain.PriorityHigh])
}
