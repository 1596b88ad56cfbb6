package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"taskmill/internal/domain"
	"taskmill/internal/store"
)

// Env is the execution environment handed to an executable. It carries the
// task inputs and the callbacks for progress reporting and cooperative
// cancellation.
type Env struct {
	TaskID string
	Args   json.RawMessage
	Kwargs json.RawMessage

	sess      *store.Session
	shell     *Shell
	handle    string
	last      int
	lastPoll  time.Time
	pollEvery time.Duration
}

// ReportProgress writes the current progress in place. Progress is
// non-decreasing; a lower value than previously reported is ignored.
func (e *Env) ReportProgress(ctx context.Context, pct int, detail string) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct < e.last {
		return nil
	}
	err := e.sess.Update(ctx, e.TaskID, store.Patch{Progress: &pct})
	if err != nil {
		// A terminal write may have landed concurrently; progress is frozen
		// then and the stale report is dropped.
		if errors.Is(err, domain.ErrInvalidState) {
			return nil
		}
		return err
	}
	e.last = pct
	if detail != "" {
		log.Debug().Str("task_id", e.TaskID).Int("progress", pct).Str("detail", detail).Msg("progress")
	}
	return nil
}

// Checkpoint is where cooperative cancellation is observed. Executables call
// it between processing chunks; a non-nil return means stop now.
// ErrRevoked propagated out of the executable yields a revoked record, a
// context error a failed one.
func (e *Env) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if time.Since(e.lastPoll) < e.pollEvery {
		return nil
	}
	e.lastPoll = time.Now()
	revoked, err := e.shell.queue.IsRevoked(ctx, e.handle)
	if err != nil {
		// A broker hiccup never aborts a healthy execution.
		log.Debug().Err(err).Str("task_id", e.TaskID).Msg("revocation poll failed")
		return nil
	}
	if revoked {
		return domain.ErrRevoked
	}
	return nil
}
