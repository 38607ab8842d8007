// Package queue is the work-queue boundary the dispatcher hands committed
// jobs to. Delivery is at-least-once; the staleness detector covers lost or
// duplicate deliveries.
package queue

import (
	"context"
	"errors"
)

var ErrQueueFull = errors.New("work queue full")

type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Memory is a bounded in-process queue for local development and tests.
type Memory struct {
	jobs chan string
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 256
	}
	return &Memory{jobs: make(chan string, capacity)}
}

func (q *Memory) Enqueue(ctx context.Context, jobID string) error {
	select {
	case q.jobs <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Jobs exposes the consumption side for an in-process worker.
func (q *Memory) Jobs() <-chan string {
	return q.jobs
}
