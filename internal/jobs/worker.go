package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"agentpay/internal/cache"
	"agentpay/internal/metrics"
)

// Handler executes one job of each type. Handlers must be idempotent: a job
// that fails mid-way is retried from the start.
type Handler interface {
	HandleSearch(ctx context.Context, intentID string) error
	HandleCheckout(ctx context.Context, intentID string) error
}

// Runner consumes job queues, promotes delayed retries and dead-letters jobs
// whose retry budget is spent.
type Runner struct {
	cache      *cache.Redis
	dispatcher *Dispatcher
	handler    Handler
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewRunner creates a worker runner.
func NewRunner(c *cache.Redis, dispatcher *Dispatcher, handler Handler, m *metrics.Metrics, logger *slog.Logger) *Runner {
	return &Runner{
		cache:      c,
		dispatcher: dispatcher,
		handler:    handler,
		metrics:    m,
		logger:     logger.With("component", "worker"),
	}
}

// Run blocks consuming jobs until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("worker started")
	for {
		if err := ctx.Err(); err != nil {
			r.logger.Info("worker stopping")
			return nil
		}

		if err := r.promoteDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("failed promoting delayed jobs", "error", err)
		}

		res, err := r.cache.Client().BRPop(ctx, 2*time.Second, queueCheckout, queueSearch).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			r.logger.Error("failed popping job", "error", err)
			time.Sleep(time.Second)
			continue
		}
		// BRPop returns [key, value].
		if len(res) != 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			r.logger.Error("discarding malformed job payload", "error", err)
			continue
		}
		r.process(ctx, job)
	}
}

func (r *Runner) process(ctx context.Context, job Job) {
	logger := r.logger.With("type", job.Type, "intent_id", job.IntentID, "job_id", job.ID, "attempt", job.Attempt)

	var err error
	switch job.Type {
	case TypeSearch:
		err = r.handler.HandleSearch(ctx, job.IntentID)
	case TypeCheckout:
		err = r.handler.HandleCheckout(ctx, job.IntentID)
	default:
		logger.Error("discarding job of unknown type")
		return
	}

	if err == nil {
		if r.metrics != nil {
			r.metrics.JobsCompleted.WithLabelValues(job.Type).Inc()
		}
		r.dispatcher.releaseDedupe(ctx, job)
		logger.Info("job completed")
		return
	}

	policy := policies[job.Type]
	if job.Attempt >= policy.maxRetries {
		r.deadLetter(ctx, job, err)
		return
	}

	delay := policy.backoff(job.Attempt)
	job.Attempt++
	if scheduleErr := r.scheduleRetry(ctx, job, delay); scheduleErr != nil {
		logger.Error("failed scheduling retry, dead-lettering", "error", scheduleErr)
		r.deadLetter(ctx, job, err)
		return
	}
	if r.metrics != nil {
		r.metrics.JobRetries.WithLabelValues(job.Type).Inc()
	}
	logger.Warn("job failed, retry scheduled", "error", err, "delay", delay)
}

func (r *Runner) scheduleRetry(ctx context.Context, job Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return r.cache.Client().ZAdd(ctx, delayedSet, redis.Z{
		Score:  float64(time.Now().Add(delay).Unix()),
		Member: payload,
	}).Err()
}

// promoteDue moves delayed jobs whose retry time has come back onto their
// queue.
func (r *Runner) promoteDue(ctx context.Context) error {
	now := time.Now().Unix()
	members, err := r.cache.Client().ZRangeByScore(ctx, delayedSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: 32,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range members {
		removed, err := r.cache.Client().ZRem(ctx, delayedSet, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// Another worker promoted it first.
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			r.logger.Error("discarding malformed delayed job", "error", err)
			continue
		}
		if err := r.cache.Client().LPush(ctx, queueFor(job.Type), member).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) deadLetter(ctx context.Context, job Job, cause error) {
	payload, err := json.Marshal(map[string]any{
		"job":       job,
		"error":     cause.Error(),
		"failed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err == nil {
		if pushErr := r.cache.Client().LPush(ctx, deadLetter, payload).Err(); pushErr != nil {
			r.logger.Error("failed writing dead letter", "error", pushErr)
		}
	}
	if r.metrics != nil {
		r.metrics.JobsDeadLettered.WithLabelValues(job.Type).Inc()
	}
	r.dispatcher.releaseDedupe(ctx, job)
	r.logger.Error("job dead-lettered", "type", job.Type, "intent_id", job.IntentID, "attempts", job.Attempt+1, "error", cause)
}
