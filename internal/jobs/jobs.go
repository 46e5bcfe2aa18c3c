package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"agentpay/internal/cache"
	"agentpay/internal/metrics"
)

// Job types.
const (
	TypeSearch   = "search"
	TypeCheckout = "checkout"
)

// Redis keys.
const (
	queueSearch   = "jobs:queue:search"
	queueCheckout = "jobs:queue:checkout"
	delayedSet    = "jobs:delayed"
	deadLetter    = "jobs:dead"
	dedupePrefix  = "jobs:dedupe:"
)

// Job is one unit of background work. Job identity is the intent id: a second
// enqueue for the same intent and type while the first is in flight collapses
// into it.
type Job struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	IntentID   string    `json:"intent_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type retryPolicy struct {
	maxRetries int
	backoff    func(attempt int) time.Duration
}

// Search quotes are cheap to redo, so retries are few and flat. Checkout
// touches money and merchants, so it backs off exponentially instead.
var policies = map[string]retryPolicy{
	TypeSearch: {
		maxRetries: 2,
		backoff:    func(int) time.Duration { return 5 * time.Second },
	},
	TypeCheckout: {
		maxRetries: 5,
		backoff: func(attempt int) time.Duration {
			d := 2 * time.Second << attempt
			if d > 2*time.Minute {
				d = 2 * time.Minute
			}
			return d
		},
	},
}

func queueFor(jobType string) string {
	if jobType == TypeCheckout {
		return queueCheckout
	}
	return queueSearch
}

// Dispatcher enqueues background jobs onto redis lists with per-intent
// deduplication.
type Dispatcher struct {
	cache     *cache.Redis
	metrics   *metrics.Metrics
	logger    *slog.Logger
	dedupeTTL time.Duration
}

// NewDispatcher creates a dispatcher over the shared redis cache.
func NewDispatcher(c *cache.Redis, dedupeTTL time.Duration, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if dedupeTTL <= 0 {
		dedupeTTL = 24 * time.Hour
	}
	return &Dispatcher{
		cache:     c,
		metrics:   m,
		logger:    logger.With("component", "jobs"),
		dedupeTTL: dedupeTTL,
	}
}

// EnqueueSearch queues product search for the intent.
func (d *Dispatcher) EnqueueSearch(ctx context.Context, intentID string) error {
	return d.enqueue(ctx, TypeSearch, intentID)
}

// EnqueueCheckout queues checkout execution for the intent.
func (d *Dispatcher) EnqueueCheckout(ctx context.Context, intentID string) error {
	return d.enqueue(ctx, TypeCheckout, intentID)
}

func (d *Dispatcher) enqueue(ctx context.Context, jobType, intentID string) error {
	claimed, err := d.cache.SetNX(ctx, dedupePrefix+jobType+":"+intentID, "1", d.dedupeTTL)
	if err != nil {
		return fmt.Errorf("dedupe %s job: %w", jobType, err)
	}
	if !claimed {
		d.logger.Info("duplicate job collapsed", "type", jobType, "intent_id", intentID)
		return nil
	}

	job := Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		IntentID:   intentID,
		EnqueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode %s job: %w", jobType, err)
	}
	if err := d.cache.Client().LPush(ctx, queueFor(jobType), payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s job: %w", jobType, err)
	}

	if d.metrics != nil {
		d.metrics.JobsEnqueued.WithLabelValues(jobType).Inc()
	}
	d.logger.Info("job enqueued", "type", jobType, "intent_id", intentID, "job_id", job.ID)
	return nil
}

// releaseDedupe lets a finished or dead-lettered intent be enqueued again.
func (d *Dispatcher) releaseDedupe(ctx context.Context, job Job) {
	if err := d.cache.Client().Del(ctx, dedupePrefix+job.Type+":"+job.IntentID).Err(); err != nil {
		d.logger.Warn("failed releasing job dedupe key", "type", job.Type, "intent_id", job.IntentID, "error", err)
	}
}
