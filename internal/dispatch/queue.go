// Package dispatch runs best-effort side work (analytics, feedback
// forwarding) off the request path. Submit never blocks and task errors are
// swallowed after logging.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ballot-guide/backend/internal/metrics"
	"github.com/ballot-guide/backend/pkg/logger"
)

type Task func(ctx context.Context) error

type Queue struct {
	name        string
	tasks       chan Task
	taskTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewQueue(name string, size, workers int, taskTimeout time.Duration) *Queue {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	if taskTimeout <= 0 {
		taskTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:        name,
		tasks:       make(chan Task, size),
		taskTimeout: taskTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit enqueues t. It returns false, and drops t, when the queue is full or
// closed.
func (q *Queue) Submit(t Task) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return false
	}
	select {
	case q.tasks <- t:
		return true
	default:
		metrics.DispatchDropped.WithLabelValues(q.name).Inc()
		logger.Debug("Dispatch queue full, task dropped", zap.String("queue", q.name))
		return false
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.run(t)
	}
}

func (q *Queue) run(t Task) {
	ctx, cancel := context.WithTimeout(q.ctx, q.taskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Dispatch task panicked", zap.String("queue", q.name), zap.Any("panic", r))
		}
	}()

	if err := t(ctx); err != nil {
		logger.Debug("Dispatch task failed", zap.String("queue", q.name), zap.Error(err))
	}
}

// Close stops accepting tasks and waits for queued ones to finish, or for ctx
// to expire, whichever comes first. Tasks still running when ctx expires are
// cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
