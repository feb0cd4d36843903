// Package queue is the durable job queue between startOptimization and the
// async execution workers. Cancellation removes the queued job; the watchdog
// treats a PENDING run with no queued job as orphaned.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when operating on a closed queue.
var ErrClosed = errors.New("queue closed")

// JobKindOptimization identifies optimization-execution jobs.
const JobKindOptimization = "optimization"

// Job is one unit of queued work. ID doubles as the removal key; the
// optimizer uses the run ID so cancellation can target the job directly.
type Job struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	RunID      string    `json:"run_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is a FIFO job queue with targeted removal.
type Queue interface {
	// Enqueue appends a job.
	Enqueue(ctx context.Context, job Job) error

	// Dequeue removes and returns the oldest job, blocking until one is
	// available or ctx is cancelled.
	Dequeue(ctx context.Context) (Job, error)

	// Remove deletes a queued job by ID. Reports whether it was still queued.
	Remove(ctx context.Context, jobID string) (bool, error)

	// Contains reports whether a job is still queued.
	Contains(ctx context.Context, jobID string) (bool, error)

	// Close releases resources; blocked Dequeue calls return ErrClosed.
	Close() error
}
