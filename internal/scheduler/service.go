package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"taskmill/internal/domain"
	"taskmill/internal/registry"
	"taskmill/internal/store"
)

// Service emits recurring task creations on a fixed cadence. It runs as its
// own process so a stalled worker pool never blocks scheduling. Overlap
// policy is skip-if-running: a definition with a live record of its own name
// is skipped for that fire time.
type Service struct {
	reg      *registry.Service
	defs     []*Definition
	interval time.Duration
	stop     chan struct{}

	next map[string]time.Time
}

func New(reg *registry.Service, defs []*Definition, checkInterval time.Duration) *Service {
	if checkInterval <= 0 {
		checkInterval = 15 * time.Second
	}
	return &Service{
		reg:      reg,
		defs:     defs,
		interval: checkInterval,
		stop:     make(chan struct{}),
		next:     make(map[string]time.Time, len(defs)),
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Int("definitions", len(s.defs)).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.RunDue(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// RunDue fires every definition whose next run time has arrived. The first
// call fires all definitions once; afterwards each follows its cadence.
func (s *Service) RunDue(ctx context.Context, now time.Time) {
	for _, def := range s.defs {
		next, ok := s.next[def.Name]
		if ok && next.After(now) {
			continue
		}
		if err := s.fire(ctx, def); err != nil {
			log.Error().Err(err).Str("schedule", def.Name).Msg("failed to fire schedule")
		}
		s.next[def.Name] = def.schedule.Next(now)
	}
}

func (s *Service) fire(ctx context.Context, def *Definition) error {
	// Skip-if-running: overlapping runs of the same definition are not
	// submitted while a previous run is still live.
	live, err := s.reg.List(ctx, store.Filter{Name: def.Name, Live: true}, 1, 1)
	if err != nil {
		return err
	}
	if len(live) > 0 {
		log.Info().Str("schedule", def.Name).Str("task_id", live[0].ID).
			Msg("previous run still live, skipping")
		return nil
	}

	rec, err := s.reg.Create(ctx, domain.Spec{
		Name:       def.Name,
		Type:       def.Type,
		Executable: def.Executable,
		Args:       def.Args,
		Kwargs:     def.Kwargs,
		Priority:   def.Priority,
		OwnerID:    def.OwnerID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrBrokerUnavailable) {
			// Already recorded as a failed task; next cadence retries.
			log.Warn().Str("schedule", def.Name).Msg("broker unavailable, will retry at next fire")
		}
		return err
	}

	log.Info().Str("schedule", def.Name).Str("task_id", rec.ID).
		Str("cadence", def.Cadence).Msg("scheduled task created")
	return nil
}
