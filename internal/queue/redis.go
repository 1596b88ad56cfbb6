package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"taskmill/internal/domain"
)

// Item is one execution request delivered to exactly one worker. Delivery is
// at-least-once; the shell resolves duplicates against the record store.
type Item struct {
	TaskID     string          `json:"task_id"`
	Executable string          `json:"executable"`
	Args       json.RawMessage `json:"args,omitempty"`
	Kwargs     json.RawMessage `json:"kwargs,omitempty"`
	Handle     string          `json:"handle"`
	Priority   domain.Priority `json:"priority"`
	Attempt    int             `json:"attempt"`
}

type Config struct {
	// FairnessEvery bounds starvation: every Nth dequeue scans tiers from
	// lowest to highest so sustained high-priority load cannot block lower
	// tiers indefinitely.
	FairnessEvery int
	// PollTimeout is the block duration of a single BRPOP round.
	PollTimeout time.Duration
}

// Queue delivers execution requests through per-priority Redis lists.
type Queue struct {
	rdb       redis.UniversalClient
	fairEvery int
	poll      time.Duration

	mu       sync.Mutex
	dequeues uint64
}

func New(rdb redis.UniversalClient, cfg Config) *Queue {
	fair := cfg.FairnessEvery
	if fair <= 0 {
		fair = 8
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = time.Second
	}
	return &Queue{rdb: rdb, fairEvery: fair, poll: poll}
}

// Enqueue pushes an execution request onto the tier list and returns the
// execution handle assigned to it. The handle is minted here, exactly once
// per record; retries go through Requeue and keep it.
func (q *Queue) Enqueue(ctx context.Context, item Item, p domain.Priority) (string, error) {
	item.Handle = uuid.NewString()
	item.Priority = p
	if err := q.push(ctx, item); err != nil {
		return "", err
	}
	return item.Handle, nil
}

// Requeue re-delivers an item preserving its original handle, used by the
// shell for retry after a retryable failure.
func (q *Queue) Requeue(ctx context.Context, item Item) error {
	if item.Handle == "" {
		return fmt.Errorf("requeue without handle for task %s", item.TaskID)
	}
	return q.push(ctx, item)
}

func (q *Queue) push(ctx context.Context, item Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, pendingKey(item.Priority), raw).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// Revoke is a best-effort abort signal. A queued delivery carrying the
// handle is dropped at consume time; a running shell observes the flag at
// its next checkpoint. It does not guarantee an immediate stop.
func (q *Queue) Revoke(ctx context.Context, handle string) error {
	if err := q.rdb.SAdd(ctx, revokedKey(), handle).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// IsRevoked reports whether a cancellation has been requested for handle.
func (q *Queue) IsRevoked(ctx context.Context, handle string) (bool, error) {
	ok, err := q.rdb.SIsMember(ctx, revokedKey(), handle).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	return ok, nil
}

// Consume blocks until the next item is available. Higher tiers are
// preferred, except that every FairnessEvery-th dequeue scans lowest-first.
// Deliveries whose handle was revoked before a worker claimed them are
// dropped here and never reach a shell.
func (q *Queue) Consume(ctx context.Context) (Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}
		res, err := q.rdb.BRPop(ctx, q.poll, q.scanOrder()...).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Item{}, ctx.Err()
			}
			return Item{}, fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
		}
		var item Item
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			// Malformed payloads are dropped, not redelivered forever.
			continue
		}
		if revoked, err := q.IsRevoked(ctx, item.Handle); err == nil && revoked {
			continue
		}
		return item, nil
	}
}

func (q *Queue) scanOrder() []string {
	q.mu.Lock()
	q.dequeues++
	fair := q.dequeues%uint64(q.fairEvery) == 0
	q.mu.Unlock()

	tiers := domain.Priorities()
	keys := make([]string, len(tiers))
	for i, p := range tiers {
		if fair {
			keys[len(tiers)-1-i] = pendingKey(p)
		} else {
			keys[i] = pendingKey(p)
		}
	}
	return keys
}

// Depths reports the number of waiting items per tier for the monitoring
// surface.
func (q *Queue) Depths(ctx context.Context) (map[domain.Priority]int64, error) {
	depths := make(map[domain.Priority]int64, 4)
	for _, p := range domain.Priorities() {
		n, err := q.rdb.LLen(ctx, pendingKey(p)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
		}
		depths[p] = n
	}
	return depths, nil
}
