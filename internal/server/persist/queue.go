package persist

import (
	"context"
	"sync"

	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/server/metrics"
)

// Job is one durable write, named for logging.
type Job struct {
	Name string
	Op   func(ctx context.Context, s Store) error
}

// Queue applies jobs to the store in submission order through a single
// consumer goroutine, so persistence order matches mutation order without
// the mutating goroutine waiting.
//
// When the queue is saturated, Enqueue executes the job on the calling
// goroutine instead of dropping it — the queue borrows caller capacity. A
// borrowed write can overtake queued ones; the store's per-row upserts keep
// that reordering harmless.
//
// Write failures are logged and counted, never surfaced: the cache stays
// authoritative and the resulting drift is reconciled by store-side retry,
// outside this core.
type Queue struct {
	store Store
	log   logging.Logger

	mu     sync.RWMutex
	jobs   chan Job
	closed bool

	done chan struct{}
}

// DefaultQueueCapacity bounds the write-behind backlog.
const DefaultQueueCapacity = 1024

func NewQueue(store Store, log logging.Logger, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		store: store,
		log:   log.With("component", "writebehind"),
		jobs:  make(chan Job, capacity),
		done:  make(chan struct{}),
	}
}

// Start launches the consumer. Call exactly once.
func (q *Queue) Start() {
	go func() {
		defer close(q.done)
		for job := range q.jobs {
			metrics.QueueDepth.Set(float64(len(q.jobs)))
			q.run(job)
		}
	}()
}

// Enqueue submits a durable write without blocking. On saturation the write
// runs synchronously on the caller. Enqueue after Close is a no-op apart
// from a warning; shutdown stops the orchestrator first, so this only
// happens on late stragglers.
func (q *Queue) Enqueue(job Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.log.Warn(context.Background(), "enqueue after close, dropping", "job", job.Name)
		return
	}

	select {
	case q.jobs <- job:
		metrics.QueueDepth.Set(float64(len(q.jobs)))
	default:
		metrics.SyncFallbacks.Inc()
		q.run(job)
	}
}

// Close stops intake, drains the backlog and waits for the consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	<-q.done
}

func (q *Queue) run(job Job) {
	ctx := context.Background()
	if err := job.Op(ctx, q.store); err != nil {
		metrics.WriteFailures.Inc()
		q.log.Error(ctx, "durable write failed", "job", job.Name, "error", err)
	}
}
