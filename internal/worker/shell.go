package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskmill/internal/domain"
	"taskmill/internal/metrics"
	"taskmill/internal/queue"
	"taskmill/internal/store"
)

type Config struct {
	// MaxRetries bounds re-deliveries of a retryable failure before the
	// record is failed with the last error.
	MaxRetries int
	// RetryBase and RetryMax shape the exponential backoff between retries.
	RetryBase time.Duration
	RetryMax  time.Duration
	// MaxRuntime, when non-zero, puts a hard wall-clock deadline on each
	// execution. Expiry fails the record with kind "timeout".
	MaxRuntime time.Duration
	// HeartbeatEvery is the liveness renewal interval while running.
	HeartbeatEvery time.Duration
	// CheckpointEvery rate-limits revocation polls from Env.Checkpoint.
	CheckpointEvery time.Duration
}

func (c *Config) defaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Minute
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = 5 * time.Second
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 500 * time.Millisecond
	}
}

// Shell wraps one task execution: it drives the record through the state
// machine, scopes a storage session to the execution, reports progress and
// heartbeats, and handles failure, retry and cancellation.
type Shell struct {
	store *store.Store
	queue *queue.Queue
	reg   *Registry
	cfg   Config
	obs   metrics.Observer
}

func NewShell(st *store.Store, q *queue.Queue, reg *Registry, cfg Config, obs metrics.Observer) *Shell {
	cfg.defaults()
	if obs == nil {
		obs = metrics.Nop{}
	}
	return &Shell{store: st, queue: q, reg: reg, cfg: cfg, obs: obs}
}

// Process runs one delivery end to end. It never returns an error: every
// failure is captured and persisted on the record, nothing propagates past
// the worker boundary.
func (s *Shell) Process(ctx context.Context, item queue.Item) {
	lg := log.With().Str("task_id", item.TaskID).Str("executable", item.Executable).Logger()

	sess, err := s.store.Acquire(ctx)
	if err != nil {
		lg.Error().Err(err).Msg("acquire session")
		s.redeliver(ctx, item, lg)
		return
	}
	defer sess.Close()

	rec, err := sess.Get(ctx, item.TaskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Record deleted between enqueue and claim; nothing to run against.
			lg.Warn().Err(err).Msg("record missing, dropping delivery")
			return
		}
		lg.Error().Err(err).Msg("load record")
		s.redeliver(ctx, item, lg)
		return
	}
	if rec.Status.Terminal() {
		// At-least-once delivery: a duplicate of an already-finished task is
		// dropped without re-executing.
		lg.Debug().Str("status", string(rec.Status)).Msg("duplicate delivery, record terminal")
		return
	}

	started := time.Now().UTC()
	running := domain.StatusRunning
	if err := sess.Update(ctx, item.TaskID, store.Patch{Status: &running, StartedAt: &started}); err != nil {
		if errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrNotFound) {
			lg.Warn().Err(err).Msg("record not startable")
			return
		}
		lg.Error().Err(err).Msg("start record")
		s.redeliver(ctx, item, lg)
		return
	}
	s.obs.TaskStarted()
	lg.Info().Int("attempt", item.Attempt).Msg("task started")

	hbCtx, hbStop := context.WithCancel(ctx)
	defer hbStop()
	go s.heartbeat(hbCtx, item.TaskID)

	env := &Env{
		TaskID:    item.TaskID,
		Args:      item.Args,
		Kwargs:    item.Kwargs,
		sess:      sess,
		shell:     s,
		handle:    item.Handle,
		pollEvery: s.cfg.CheckpointEvery,
	}

	execCtx := ctx
	if s.cfg.MaxRuntime > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.cfg.MaxRuntime)
		defer cancel()
	}

	result, execErr := s.run(execCtx, item.Executable, env)
	hbStop()

	switch {
	case execErr == nil:
		s.finishSucceeded(ctx, sess, item.TaskID, result, lg)
	case errors.Is(execErr, domain.ErrRevoked):
		s.finishRevoked(ctx, sess, item.TaskID, lg)
	case errors.Is(execErr, context.DeadlineExceeded) && ctx.Err() == nil:
		s.finishFailed(ctx, sess, item.TaskID,
			domain.Execf("timeout", "execution exceeded %s", s.cfg.MaxRuntime), lg)
	default:
		s.handleFailure(ctx, sess, item, execErr, lg)
	}
}

// redeliver returns a claimed item to the broker when the record store is
// unreachable, so a transient database failure never strands a pending
// record with no queued work behind it.
func (s *Shell) redeliver(ctx context.Context, item queue.Item, lg zerolog.Logger) {
	if err := s.queue.Requeue(ctx, item); err != nil {
		lg.Error().Err(err).Msg("could not return delivery to queue")
	}
}

// run invokes the executable with panic containment: a panicking task fails
// its record instead of taking the worker down.
func (s *Shell) run(ctx context.Context, name string, env *Env) (result json.RawMessage, err error) {
	fn, ok := s.reg.Lookup(name)
	if !ok {
		return nil, domain.Execf("unknown_executable", "no executable registered as %q", name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = domain.Execf("panic", "%v", r)
		}
	}()
	return fn(ctx, env)
}

func (s *Shell) heartbeat(ctx context.Context, id string) {
	t := time.NewTicker(s.cfg.HeartbeatEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := s.store.Heartbeat(ctx, id, now); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("task_id", id).Msg("heartbeat write failed")
			}
		}
	}
}

func (s *Shell) finishSucceeded(ctx context.Context, sess *store.Session, id string, result json.RawMessage, lg zerolog.Logger) {
	succeeded := domain.StatusSucceeded
	hundred := 100
	done := time.Now().UTC()
	p := store.Patch{Status: &succeeded, Progress: &hundred, Result: result, CompletedAt: &done, FromWorker: true}
	if err := sess.Update(ctx, id, p); err != nil {
		lg.Error().Err(err).Msg("terminal write rejected")
		return
	}
	s.obs.TaskSucceeded()
	lg.Info().Msg("task succeeded")
}

func (s *Shell) finishRevoked(ctx context.Context, sess *store.Session, id string, lg zerolog.Logger) {
	revoked := domain.StatusRevoked
	done := time.Now().UTC()
	err := sess.Update(ctx, id, store.Patch{Status: &revoked, CompletedAt: &done})
	if err != nil && !errors.Is(err, domain.ErrInvalidState) {
		// ErrInvalidState means the cancel request already marked it.
		lg.Error().Err(err).Msg("revoked write failed")
		return
	}
	s.obs.TaskRevoked()
	lg.Info().Msg("task revoked")
}

func (s *Shell) finishFailed(ctx context.Context, sess *store.Session, id string, execErr error, lg zerolog.Logger) {
	failed := domain.StatusFailed
	msg := execErr.Error()
	done := time.Now().UTC()
	p := store.Patch{Status: &failed, Error: &msg, CompletedAt: &done, FromWorker: true}
	if err := sess.Update(ctx, id, p); err != nil {
		lg.Error().Err(err).Msg("terminal write rejected")
		return
	}
	s.obs.TaskFailed()
	lg.Warn().Str("error", msg).Msg("task failed")
}

// handleFailure classifies an executable error: retryable errors are
// re-enqueued with exponential backoff under the same execution handle,
// anything else (or an exhausted retry budget) fails the record.
func (s *Shell) handleFailure(ctx context.Context, sess *store.Session, item queue.Item, execErr error, lg zerolog.Logger) {
	var xe *domain.ExecError
	if !errors.As(execErr, &xe) {
		xe = domain.Execf("error", "%s", execErr.Error())
	}

	if xe.Retryable && item.Attempt < s.cfg.MaxRetries {
		// Park the record back to pending before waiting out the backoff:
		// the heartbeat goroutine is already stopped, and a record left
		// running here would be reclaimed as worker-lost while the
		// re-delivery sits in the queue.
		pending := domain.StatusPending
		msg := xe.Error()
		if err := sess.Update(ctx, item.TaskID, store.Patch{Status: &pending, Error: &msg}); err != nil {
			// Cancellation raced the failure; whatever state won stands.
			lg.Warn().Err(err).Msg("could not park record for retry")
			return
		}
		delay := backoffExp(item.Attempt, s.cfg.RetryBase, s.cfg.RetryMax)
		lg.Warn().Int("attempt", item.Attempt).Dur("backoff", delay).Str("error", msg).Msg("retrying task")
		select {
		case <-ctx.Done():
			// Shutdown while parked: the terminal write must land even though
			// ctx is gone, or the record stays pending with no delivery.
			s.finishFailed(context.WithoutCancel(ctx), sess, item.TaskID, xe, lg)
			return
		case <-time.After(delay):
		}
		item.Attempt++
		if err := s.queue.Requeue(ctx, item); err != nil {
			s.finishFailed(ctx, sess, item.TaskID,
				domain.Execf(xe.Kind, "%s (requeue failed: %v)", xe.Message, err), lg)
			return
		}
		s.obs.TaskRetried()
		return
	}

	if xe.Retryable {
		s.finishFailed(ctx, sess, item.TaskID,
			&domain.RetryExhausted{Attempts: item.Attempt + 1, Last: xe}, lg)
		return
	}
	s.finishFailed(ctx, sess, item.TaskID, xe, lg)
}

func backoffExp(attempt int, base, max time.Duration) time.Duration {
	d := base << attempt // base, 2x, 4x, 8x...
	if d > max || d <= 0 {
		d = max
	}
	return d
}
