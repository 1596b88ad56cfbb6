package worker_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"taskmill/internal/domain"
	"taskmill/internal/exec/report"
	"taskmill/internal/queue"
	"taskmill/internal/registry"
	"taskmill/internal/store"
	"taskmill/internal/worker"
)

type harness struct {
	svc   *registry.Service
	store *store.Store
	queue *queue.Queue
	execs *worker.Registry
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
	return &harness{
		svc:   registry.New(st, q),
		store: st,
		queue: q,
		execs: worker.NewRegistry(),
		redis: s,
	}
}

func (h *harness) shell(cfg worker.Config) *worker.Shell {
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	if cfg.HeartbeatEvery == 0 {
		cfg.HeartbeatEvery = 10 * time.Millisecond
	}
	if cfg.CheckpointEvery == 0 {
		cfg.CheckpointEvery = time.Millisecond
	}
	return worker.NewShell(h.store, h.queue, h.execs, cfg, nil)
}

func (h *harness) create(t *testing.T, executable string, kwargs string) domain.Record {
	t.Helper()
	rec, err := h.svc.Create(context.Background(), domain.Spec{
		Name:       "test-" + executable,
		Type:       "test",
		Executable: executable,
		Kwargs:     json.RawMessage(kwargs),
		Priority:   domain.PriorityNormal,
		OwnerID:    "user-1",
	})
	require.NoError(t, err)
	return rec
}

func (h *harness) consume(t *testing.T) queue.Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	item, err := h.queue.Consume(ctx)
	require.NoError(t, err)
	return item
}

func TestProcessSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.execs.Register("ok", func(ctx context.Context, env *worker.Env) (json.RawMessage, error) {
		require.NoError(t, env.ReportProgress(ctx, 30, "warming up"))
		require.NoError(t, env.ReportProgress(ctx, 60, ""))
		return json.RawMessage(`{"answer":42}`), nil
	})

	rec := h.create(t, "ok", `{}`)
	h.shell(worker.Config{}).Process(ctx, h.consume(t))

	got, err := h.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, got.Status)
	require.Equal(t, 100, got.Progress)
	require.JSONEq(t, `{"answer":42}`, string(got.Result))
	require.Empty(t, got.Error)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
}

func TestProcessFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.execs.Register("boom", func(ctx context.Context, env *worker.Env) (json.RawMessage, error) {
		_ = env.ReportProgress(ctx, 40, "")
		return nil, domain.Execf("bad_input", "cannot parse field %q", "x")
	})

	rec := h.create(t, "boom", `{}`)
	h.shell(worker.Config{}).Process(ctx, h.consume(t))

	got, err := h.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, got.Status)
	require.Contains(t, got.Error, "bad_input")
	require.Empty(t, got.Result)
	require.Equal(t, 40, got.Progress) // left at last reported value
}

func TestProcessPanic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.execs.Register("panics", func(context.Context, *worker.Env) (json.RawMessage, error) {
		panic("nil map write")
	})

	rec := h.create(t, "panics", `{}`)
	h.shell(worker.Config{}).Process(ctx, h.consume(t))

	got, err := h.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, got.Status)
	require.Contains(t, got.Error, "panic")
	require.Contains(t, got.Error, "nil map write")
}

func TestUnknownExecutable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := h.create(t, "never.registered", `{}`)
	h.shell(worker.Config{}).Process(ctx, h.consume(t))

	got, err := h.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, got.Status)
	require.Contains(t, got.Error, "never.registered")
}

func TestRetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls atomic.Int32
	h.execs.Register("flaky", func(context.Context, *worker.Env) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, domain.Retryf("transient", "connection reset")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	rec := h.create(t, "flaky", `{}`)
	shell := h.shell(worker.Config{MaxRetries: 3})

	first := h.consume(t)
	shell.Process(ctx, first)

	// failure was retryable: the item is back under the same handle
	second := h.consume(t)
	require.Equal(t, first.Handle, second.Handle)
	require.Equal(t, 1, second.Attempt)
	shell.Process(ctx, second)

	require.EqualValues(t, 2, calls.Load())
	got, err := h.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, got.Status)
}

func TestRetryBackoffNotReclaimed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls atomic.Int32
	h.execs.Register("flaky", func(context.Context, *worker.Env) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, domain.Retryf("transient", "connection reset")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	rec := h.create(t, "flaky", `{}`)
	shell := h.shell(worker.Config{MaxRetries: 3})
	shell.Process(ctx, h.consume(t))

	// Between attempts the record is parked pending, so an elapsed liveness
	// window must not fail it out from under the queued re-delivery.
	got, err := h.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)

	n, err := h.store.ReclaimStale(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, n)

	shell.Process(ctx, h.consume(t))
	require.EqualValues(t, 2, calls.Load())
	got, err = h.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, got.Status)
}

func TestStoreOutageRedelivers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls atomic.Int32
	h.execs.Register("ok", func(context.Context, *worker.Env) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{}`), nil
	})

	rec := h.create(t, "ok", `{}`)
	item := h.consume(t)

	deadDB, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "dead.db"))
	require.NoError(t, err)
	require.NoError(t, deadDB.Close())
	broken := worker.NewShell(store.New(deadDB), h.queue, h.execs, worker.Config{}, nil)
	broken.Process(ctx, item)
	require.Zero(t, calls.Load())

	// the delivery went back to the broker instead of stranding the record
	again := h.consume(t)
	require.Equal(t, item.Handle, again.Handle)
	h.shell(worker.Config{}).Process(ctx, again)

	require.EqualValues(t, 1, calls.Load())
	got, err := h.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, got.Status)
}

func TestRetryExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls atomic.Int32
	h.execs.Register("always-flaky", func(context.Context, *worker.Env) (json.RawMessage, error) {
		calls.Add(1)
		return nil, domain.Retryf("transient", "still broken")
	})

	rec := h.create(t, "always-flaky", `{}`)
	shell := h.shell(worker.Config{MaxRetries: 1})

	shell.Process(ctx, h.consume(t))
	shell.Process(ctx, h.consume(t))

	require.EqualValues(t, 2, calls.Load())
	got, err := h.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, got.Status)
	require.Contains(t, got.Error, "retries exhausted")
	require.Contains(t, got.Error, "still broken")
}

func TestCancelDuringExecution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started := make(chan struct{})
	h.execs.Register("cancellable", func(ctx context.Context, env *worker.Env) (json.RawMessage, error) {
		_ = env.ReportProgress(ctx, 25, "")
		close(started)
		deadline := time.After(5 * time.Second)
		for {
			if err := env.Checkpoint(ctx); err != nil {
				return nil, err
			}
			select {
			case <-deadline:
				return nil, errors.New("was never cancelled")
			case <-time.After(2 * time.Millisecond):
			}
		}
	})

	rec := h.create(t, "cancellable", `{}`)
	shell := h.shell(worker.Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		shell.Process(ctx, h.consume(t))
	}()

	<-started
	_, err := h.svc.Cancel(ctx, rec.ID)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not observe cancellation")
	}

	got, err := h.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRevoked, got.Status)
	require.Empty(t, got.Error) // cancellation is not a failure
	require.Equal(t, 25, got.Progress)
}

func TestDuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls atomic.Int32
	h.execs.Register("once", func(context.Context, *worker.Env) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{"n":1}`), nil
	})

	rec := h.create(t, "once", `{}`)
	shell := h.shell(worker.Config{})
	item := h.consume(t)

	shell.Process(ctx, item)
	shell.Process(ctx, item) // simulated at-least-once re-delivery

	require.EqualValues(t, 1, calls.Load())
	got, err := h.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, got.Status)
	require.JSONEq(t, `{"n":1}`, string(got.Result))
}

func TestMaxRuntime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.execs.Register("slow", func(ctx context.Context, env *worker.Env) (json.RawMessage, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return json.RawMessage(`{}`), nil
		}
	})

	rec := h.create(t, "slow", `{}`)
	h.shell(worker.Config{MaxRuntime: 50 * time.Millisecond}).Process(ctx, h.consume(t))

	got, err := h.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, got.Status)
	require.Contains(t, got.Error, "timeout")
}

func TestDeletedRecordDropsDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls atomic.Int32
	h.execs.Register("ghost", func(context.Context, *worker.Env) (json.RawMessage, error) {
		calls.Add(1)
		return nil, nil
	})

	rec := h.create(t, "ghost", `{}`)
	item := h.consume(t)
	require.NoError(t, h.store.Delete(ctx, rec.ID))

	h.shell(worker.Config{}).Process(ctx, item)
	require.EqualValues(t, 0, calls.Load())
}

// report.Run is the reference executable for the progress/checkpoint API.
func TestReportExecutable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.execs.Register("report.generate", report.Run)
	rec := h.create(t, "report.generate", `{"chunks":4,"chunk_ms":1}`)
	h.shell(worker.Config{}).Process(ctx, h.consume(t))

	got, err := h.svc.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, got.Status)
	require.Equal(t, 100, got.Progress)
	require.JSONEq(t, `{"chunks":4}`, string(got.Result))
}

func TestPoolProcessesTasks(t *testing.T) {
	h := newHarness(t)

	h.execs.Register("ok", func(context.Context, *worker.Env) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, h.create(t, "ok", `{}`).ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := worker.NewPool(h.queue, h.shell(worker.Config{}), 2, nil)
	go pool.Run(ctx)

	require.Eventually(t, func() bool {
		for _, id := range ids {
			rec, err := h.svc.Get(context.Background(), id)
			if err != nil || rec.Status != domain.StatusSucceeded {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	require.NotEmpty(t, pool.Liveness())
}
