package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"taskmill/internal/metrics"
	"taskmill/internal/queue"
)

// Pool runs a fixed set of worker goroutines pulling from the queue. Workers
// share no in-process state; all coordination goes through the record store
// and the broker.
type Pool struct {
	q     *queue.Queue
	shell *Shell
	size  int
	obs   metrics.Observer

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func NewPool(q *queue.Queue, shell *Shell, size int, obs metrics.Observer) *Pool {
	if size <= 0 {
		size = 4
	}
	if obs == nil {
		obs = metrics.Nop{}
	}
	return &Pool{q: q, shell: shell, size: size, obs: obs, lastSeen: make(map[string]time.Time)}
}

// Run blocks until ctx is cancelled and all workers have drained.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		name := fmt.Sprintf("worker-%d", i)
		go func() {
			defer wg.Done()
			p.worker(ctx, name)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reportDepths(ctx)
	}()
	wg.Wait()
}

func (p *Pool) worker(ctx context.Context, name string) {
	log.Info().Str("worker", name).Msg("worker started")
	for {
		p.alive(name)
		item, err := p.q.Consume(ctx)
		if ctx.Err() != nil {
			log.Info().Str("worker", name).Msg("worker stopping")
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("worker", name).Msg("consume failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.shell.Process(ctx, item)
	}
}

func (p *Pool) alive(name string) {
	p.mu.Lock()
	p.lastSeen[name] = time.Now().UTC()
	p.mu.Unlock()
	p.obs.WorkerAlive(name)
}

// Liveness reports when each worker goroutine last returned to its loop.
func (p *Pool) Liveness() map[string]time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]time.Time, len(p.lastSeen))
	for k, v := range p.lastSeen {
		out[k] = v
	}
	return out
}

func (p *Pool) reportDepths(ctx context.Context) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			depths, err := p.q.Depths(ctx)
			if err != nil {
				continue
			}
			for tier, n := range depths {
				p.obs.QueueDepth(tier, n)
			}
		}
	}
}
