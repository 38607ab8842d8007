// Package worker holds an in-process stand-in for the external analysis
// worker, used by local development and end-to-end tests. It consumes the
// memory queue, records steps, publishes live events, and finalizes the job
// and turn the way the real worker fleet does.
package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/akshatgg/turngate/internal/event"
	"github.com/akshatgg/turngate/internal/pubsub"
	"github.com/akshatgg/turngate/internal/queue"
	"github.com/akshatgg/turngate/internal/store"
)

type Echo struct {
	logger *log.Logger
	store  store.Store
	queue  *queue.Memory
	broker pubsub.Broker
}

func NewEcho(logger *log.Logger, st store.Store, q *queue.Memory, broker pubsub.Broker) *Echo {
	return &Echo{logger: logger, store: st, queue: q, broker: broker}
}

// Run consumes jobs until the context is cancelled.
func (e *Echo) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-e.queue.Jobs():
			if err := e.process(ctx, jobID); err != nil {
				e.logger.Printf("echo worker failed job_id=%s err=%v", jobID, err)
			}
		}
	}
}

func (e *Echo) process(ctx context.Context, jobID string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if job.Status.Terminal() {
		// Duplicate delivery; the first processing run already finished.
		return nil
	}

	if err := e.store.StartJob(ctx, jobID); err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	if err := e.store.StartTurn(ctx, job.TurnID); err != nil {
		return fmt.Errorf("start turn: %w", err)
	}

	turn, err := e.store.GetTurnByID(ctx, job.TurnID)
	if err != nil {
		return fmt.Errorf("get turn: %w", err)
	}

	statusStep, err := e.store.AppendStep(ctx, job.TurnID, store.StepKindStatus, "", "analyzing request", "running")
	if err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	_ = e.broker.Publish(ctx, job.TurnID, event.Event{
		Type:    event.TypeStatus,
		Content: statusStep.Content,
		Status:  statusStep.Status,
	})

	response := "echo: " + turn.UserMessage
	if err := e.store.CompleteJob(ctx, jobID, store.JobResult{FinalResponse: response}); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if err := e.store.CompleteTurn(ctx, job.TurnID, response); err != nil {
		return fmt.Errorf("complete turn: %w", err)
	}
	_ = e.broker.Publish(ctx, job.TurnID, event.Complete(response))

	e.logger.Printf("echo worker done job_id=%s turn_id=%s", jobID, job.TurnID)
	return nil
}
