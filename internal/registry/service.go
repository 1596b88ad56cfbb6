package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"taskmill/internal/domain"
	"taskmill/internal/queue"
	"taskmill/internal/store"
)

// Service is the only component callers interact with. It composes the
// record store and the work queue behind a single create-then-enqueue
// operation with a compensating action when the broker is down.
type Service struct {
	store *store.Store
	queue *queue.Queue
}

func New(st *store.Store, q *queue.Queue) *Service {
	return &Service{store: st, queue: q}
}

// Create validates the spec, inserts a pending record and enqueues it.
// If the broker rejects the enqueue the record is immediately marked failed,
// so callers never observe a pending record with no queued work behind it.
func (s *Service) Create(ctx context.Context, spec domain.Spec) (domain.Record, error) {
	if err := spec.Validate(); err != nil {
		return domain.Record{}, err
	}
	now := time.Now().UTC()
	rec := domain.Record{
		ID:         uuid.NewString(),
		Name:       spec.Name,
		Type:       spec.Type,
		Executable: spec.Executable,
		Args:       spec.Args,
		Kwargs:     spec.Kwargs,
		Priority:   spec.Priority,
		Status:     domain.StatusPending,
		Progress:   0,
		OwnerID:    spec.OwnerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		return domain.Record{}, err
	}

	handle, err := s.queue.Enqueue(ctx, queue.Item{
		TaskID:     rec.ID,
		Executable: rec.Executable,
		Args:       rec.Args,
		Kwargs:     rec.Kwargs,
	}, rec.Priority)
	if err != nil {
		failed := domain.StatusFailed
		msg := err.Error()
		done := time.Now().UTC()
		if uerr := s.store.Update(ctx, rec.ID, store.Patch{
			Status: &failed, Error: &msg, CompletedAt: &done,
		}); uerr != nil {
			log.Error().Err(uerr).Str("task_id", rec.ID).Msg("failed to mark broker failure")
		}
		return domain.Record{}, err
	}

	if err := s.store.SetHandle(ctx, rec.ID, handle); err != nil {
		// The item is already queued; a missing handle only disables
		// targeted cancellation for this record.
		log.Warn().Err(err).Str("task_id", rec.ID).Msg("failed to record execution handle")
	}
	rec.Handle = handle

	log.Info().Str("task_id", rec.ID).Str("executable", rec.Executable).
		Str("priority", rec.Priority.String()).Msg("task created")
	return rec, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Record, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f store.Filter, page, pageSize int) ([]domain.Record, error) {
	return s.store.Find(ctx, f, page, pageSize)
}

// Cancel requests a best-effort abort. Pending and running records are
// optimistically marked revoked; a worker that finished before observing the
// flag may still overwrite the mark with its own terminal status.
func (s *Service) Cancel(ctx context.Context, id string) (domain.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Record{}, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("%w: task %s is %s", domain.ErrInvalidState, id, rec.Status)
	}
	if rec.Handle != "" {
		if err := s.queue.Revoke(ctx, rec.Handle); err != nil {
			return rec, err
		}
	}
	revoked := domain.StatusRevoked
	done := time.Now().UTC()
	if err := s.store.Update(ctx, id, store.Patch{Status: &revoked, CompletedAt: &done}); err != nil {
		return rec, err
	}
	log.Info().Str("task_id", id).Msg("task revoked")
	return s.store.Get(ctx, id)
}

// Delete removes a record. Running tasks must be cancelled first.
func (s *Service) Delete(ctx context.Context, id string) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == domain.StatusRunning {
		return fmt.Errorf("%w: task %s is running, cancel it first", domain.ErrInvalidState, id)
	}
	return s.store.Delete(ctx, id)
}

// Stats feeds the monitoring surface: record counts by status and waiting
// items per queue tier.
type Stats struct {
	Statuses map[domain.Status]int     `json:"statuses"`
	Queues   map[domain.Priority]int64 `json:"queues"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	depths, err := s.queue.Depths(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Statuses: counts, Queues: depths}, nil
}
