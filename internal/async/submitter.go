package async

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agentpay/internal/metrics"
)

// Submitter runs best-effort side work (audit appends, notifications) on a
// bounded queue with a fixed worker pool. Submit never blocks the caller:
// when the queue is full the task is dropped, logged and counted. Failures
// never propagate to the submitting code path.
type Submitter struct {
	tasks   chan task
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	wg      sync.WaitGroup

	closeOnce sync.Once
}

type task struct {
	name string
	fn   func(context.Context) error
}

// NewSubmitter starts workers consuming a queue of the given size.
func NewSubmitter(workers, queueSize int, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Submitter {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &Submitter{
		tasks:   make(chan task, queueSize),
		logger:  logger.With("component", "async"),
		metrics: m,
		timeout: timeout,
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Submit queues fn for execution. Returns false when the task was dropped.
func (s *Submitter) Submit(name string, fn func(context.Context) error) bool {
	select {
	case s.tasks <- task{name: name, fn: fn}:
		return true
	default:
		s.logger.Error("async task dropped, queue full", "task", name)
		if s.metrics != nil {
			s.metrics.AsyncDropped.WithLabelValues(name).Inc()
		}
		return false
	}
}

func (s *Submitter) worker() {
	defer s.wg.Done()
	for t := range s.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := t.fn(ctx); err != nil {
			// Dead-letter log: the primary operation already succeeded,
			// so the failure is recorded and swallowed here.
			s.logger.Error("async task failed", "task", t.name, "error", err)
			if s.metrics != nil {
				s.metrics.Errors.WithLabelValues("async_" + t.name).Inc()
			}
		}
		cancel()
	}
}

// Close stops accepting tasks and drains the queue.
func (s *Submitter) Close() {
	s.closeOnce.Do(func() {
		close(s.tasks)
	})
	s.wg.Wait()
}
