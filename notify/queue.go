// Package notify is the fire-and-forget side-effect dispatcher. The
// orchestrator and the webhook ingestor enqueue named jobs; a background
// worker fans them out to registered endpoints with signing, retry and
// per-endpoint rate limiting. Delivery failures never propagate back to the
// operation that enqueued the job.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"escrowd/models"
)

// Job is one queued side effect.
type Job struct {
	ID        uuid.UUID
	Name      string
	Payload   map[string]any
	CreatedAt time.Time
}

type task struct {
	job       Job
	endpoint  *models.NotificationEndpoint
	attempt   int
	notBefore time.Time
}

// Queue buffers jobs ahead of delivery. Enqueue never blocks the caller.
type Queue struct {
	mu      sync.Mutex
	tasks   []task
	history []Job
	nowFn   func() time.Time
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{nowFn: time.Now}
}

// Enqueue adds a job for later fan-out. Implements the dispatcher boundary
// consumed by the orchestrator and the webhook ingestor.
func (q *Queue) Enqueue(name string, payload map[string]any) {
	job := Job{
		ID:        uuid.New(),
		Name:      name,
		Payload:   payload,
		CreatedAt: q.nowFn().UTC(),
	}
	q.push(task{job: job})
}

func (q *Queue) push(t task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.endpoint == nil {
		q.history = append(q.history, t.job)
	}
	q.tasks = append(q.tasks, t)
}

// History returns a snapshot of enqueued jobs. Primarily used in tests.
func (q *Queue) History() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := make([]Job, len(q.history))
	copy(snapshot, q.history)
	return snapshot
}

// dequeue waits for the next task, honouring its notBefore delay. Returns
// false when the context is cancelled.
func (q *Queue) dequeue(ctx context.Context) (task, bool) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			t := q.tasks[0]
			copy(q.tasks, q.tasks[1:])
			q.tasks = q.tasks[:len(q.tasks)-1]
			q.mu.Unlock()
			if !t.notBefore.IsZero() {
				delay := time.Until(t.notBefore)
				if delay > 0 {
					timer := time.NewTimer(delay)
					select {
					case <-ctx.Done():
						timer.Stop()
						return task{}, false
					case <-timer.C:
					}
				}
			}
			return t, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return task{}, false
		case <-time.After(25 * time.Millisecond):
		}
	}
}
