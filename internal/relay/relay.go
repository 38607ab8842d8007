// Package relay serves the live event feed for a turn: replayed history
// first, then live events from the transient channel, ending at a terminal
// event, an idle timeout, or client disconnect.
package relay

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/akshatgg/turngate/internal/event"
	"github.com/akshatgg/turngate/internal/pubsub"
	"github.com/akshatgg/turngate/internal/staleness"
	"github.com/akshatgg/turngate/internal/store"
)

const failedTurnFallbackMessage = "turn failed"

// Sink receives one wire event at a time. A sink error means the transport
// is gone; the relay stops without attempting further writes.
type Sink func(event.Event) error

type Streamer struct {
	logger      *log.Logger
	store       store.Store
	detector    *staleness.Detector
	broker      pubsub.Broker
	idleTimeout time.Duration
}

func New(logger *log.Logger, st store.Store, detector *staleness.Detector, broker pubsub.Broker, idleTimeout time.Duration) *Streamer {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Streamer{
		logger:      logger,
		store:       st,
		detector:    detector,
		broker:      broker,
		idleTimeout: idleTimeout,
	}
}

// Stream produces the event feed for one turn. Ownership is enforced via
// the scoped turn lookup; store.ErrNotFound is returned before any event is
// written so the transport can answer 404. Once events start flowing, every
// outcome ends with a terminal event or a silent close, never a hang.
func (s *Streamer) Stream(ctx context.Context, workspaceID, userID, turnID string, send Sink) error {
	turn, err := s.store.GetTurn(ctx, workspaceID, userID, turnID)
	if err != nil {
		return err
	}

	if turn.Status.Terminal() {
		s.serveTerminal(ctx, turn, send)
		return nil
	}

	check, err := s.detector.Check(ctx, turn)
	if err != nil {
		s.logger.Printf("staleness check failed turn_id=%s err=%v", turn.TurnID, err)
		s.sendBestEffort(send, event.Error("internal error"))
		return nil
	}

	if check.Stale {
		s.serveStale(ctx, turn, check.Reason, send)
		return nil
	}

	if check.Job != nil && check.Job.Status == store.JobStatusCompleted {
		s.serveDriftedComplete(ctx, turn, *check.Job, send)
		return nil
	}

	s.serveLive(ctx, turn, send)
	return nil
}

// serveTerminal replays a terminal turn: full history plus one complete
// event for COMPLETED, a single error event for FAILED.
func (s *Streamer) serveTerminal(ctx context.Context, turn store.TurnRecord, send Sink) {
	switch turn.Status {
	case store.TurnStatusCompleted:
		if !s.replaySteps(ctx, turn.TurnID, send) {
			return
		}
		final := ""
		if turn.FinalResponse != nil {
			final = *turn.FinalResponse
		}
		s.sendBestEffort(send, event.Complete(final))
	case store.TurnStatusFailed:
		message := turn.ErrorMessage
		if message == "" {
			message = failedTurnFallbackMessage
		}
		s.sendBestEffort(send, event.Error(message))
	}
}

// serveStale finalizes a stale turn. Losing the transition race to a
// concurrent finalizer is fine: the winner's terminal state is served.
func (s *Streamer) serveStale(ctx context.Context, turn store.TurnRecord, reason string, send Sink) {
	err := s.store.FailTurn(ctx, turn.TurnID, reason)
	switch {
	case err == nil:
		s.logger.Printf("turn marked stale turn_id=%s reason=%q", turn.TurnID, reason)
		s.sendBestEffort(send, event.Error(reason))
	case errors.Is(err, store.ErrAlreadyTerminal):
		s.serveCurrentTerminal(ctx, turn, send)
	default:
		s.logger.Printf("stale transition failed turn_id=%s err=%v", turn.TurnID, err)
		s.sendBestEffort(send, event.Error("internal error"))
	}
}

// serveDriftedComplete repairs a turn whose job finished without the turn
// row being updated, then streams the completed state.
func (s *Streamer) serveDriftedComplete(ctx context.Context, turn store.TurnRecord, job store.JobRecord, send Sink) {
	result, err := job.DecodeResult()
	if err != nil {
		s.logger.Printf("job result decode failed turn_id=%s job_id=%s err=%v", turn.TurnID, job.JobID, err)
		s.sendBestEffort(send, event.Error("internal error"))
		return
	}

	err = s.store.CompleteTurn(ctx, turn.TurnID, result.FinalResponse)
	switch {
	case err == nil:
		s.logger.Printf("turn repaired from job turn_id=%s job_id=%s", turn.TurnID, job.JobID)
		if !s.replaySteps(ctx, turn.TurnID, send) {
			return
		}
		s.sendBestEffort(send, event.Complete(result.FinalResponse))
	case errors.Is(err, store.ErrAlreadyTerminal):
		s.serveCurrentTerminal(ctx, turn, send)
	default:
		s.logger.Printf("drift repair failed turn_id=%s err=%v", turn.TurnID, err)
		s.sendBestEffort(send, event.Error("internal error"))
	}
}

// serveLive replays recorded history, then relays from the transient
// channel until a terminal event, the idle timeout, or disconnect.
func (s *Streamer) serveLive(ctx context.Context, turn store.TurnRecord, send Sink) {
	if !s.replaySteps(ctx, turn.TurnID, send) {
		return
	}

	sub, err := s.broker.Subscribe(ctx, turn.TurnID, s.idleTimeout)
	if err != nil {
		s.logger.Printf("subscribe failed turn_id=%s err=%v", turn.TurnID, err)
		s.sendBestEffort(send, event.Error("internal error"))
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			// Client disconnect: release everything, write nothing further.
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if errors.Is(sub.Err(), pubsub.ErrIdleTimeout) {
					s.logger.Printf("stream idle timeout turn_id=%s", turn.TurnID)
					s.sendBestEffort(send, event.Error("stream timed out waiting for events"))
				}
				return
			}
			if !event.Valid(ev.Type) {
				s.logger.Printf("dropping unknown event turn_id=%s type=%q", turn.TurnID, ev.Type)
				continue
			}
			if err := send(ev); err != nil {
				return
			}
			if event.Terminal(ev.Type) {
				return
			}
		}
	}
}

// serveCurrentTerminal re-reads a turn after losing a transition race and
// serves whatever terminal state won.
func (s *Streamer) serveCurrentTerminal(ctx context.Context, turn store.TurnRecord, send Sink) {
	current, err := s.store.GetTurn(ctx, turn.WorkspaceID, turn.UserID, turn.TurnID)
	if err != nil || !current.Status.Terminal() {
		s.logger.Printf("terminal re-read failed turn_id=%s err=%v", turn.TurnID, err)
		s.sendBestEffort(send, event.Error("internal error"))
		return
	}
	s.serveTerminal(ctx, current, send)
}

// replaySteps emits recorded history in sequence order. Returns false when
// the stream should stop (transport gone or internal fault already
// surfaced).
func (s *Streamer) replaySteps(ctx context.Context, turnID string, send Sink) bool {
	steps, err := s.store.ListSteps(ctx, turnID)
	if err != nil {
		s.logger.Printf("step replay failed turn_id=%s err=%v", turnID, err)
		s.sendBestEffort(send, event.Error("internal error"))
		return false
	}
	for _, step := range steps {
		if err := send(stepEvent(step)); err != nil {
			return false
		}
	}
	return true
}

func (s *Streamer) sendBestEffort(send Sink, ev event.Event) {
	_ = send(ev)
}

func stepEvent(step store.StepRecord) event.Event {
	return event.Event{
		Type:     event.Type(step.Kind),
		ToolName: step.ToolName,
		Content:  step.Content,
		Status:   step.Status,
	}
}
