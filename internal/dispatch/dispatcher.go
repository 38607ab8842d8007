// Package dispatch creates turns and hands their jobs to the work queue.
// The turn+job pair is committed before any enqueue call: a committed but
// never-processed job is recoverable through the staleness path, while a
// queued-but-uncommitted job would not be.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/akshatgg/turngate/internal/queue"
	"github.com/akshatgg/turngate/internal/quota"
	"github.com/akshatgg/turngate/internal/store"
)

var (
	ErrQuotaExceeded = errors.New("dispatch quota exceeded")
	ErrEmptyMessage  = errors.New("message is required")
)

type Request struct {
	WorkspaceID string
	UserID      string
	SessionID   string
	Message     string
}

type Result struct {
	Session store.SessionRecord
	Turn    store.TurnRecord
	Job     store.JobRecord

	// EnqueueErr is set when the turn and job committed but the queue
	// refused the handoff. The turn stays PENDING and is recoverable via
	// RequeueBacklog or the staleness path.
	EnqueueErr error
}

type Dispatcher struct {
	logger     *log.Logger
	store      store.Store
	queue      queue.Queue
	limiter    quota.Limiter
	requeueAge time.Duration
}

func New(logger *log.Logger, st store.Store, q queue.Queue, limiter quota.Limiter, requeueAge time.Duration) *Dispatcher {
	if limiter == nil {
		limiter = quota.Unlimited{}
	}
	if requeueAge <= 0 {
		requeueAge = time.Minute
	}
	return &Dispatcher{
		logger:     logger,
		store:      st,
		queue:      q,
		limiter:    limiter,
		requeueAge: requeueAge,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return Result{}, ErrEmptyMessage
	}

	decision, err := d.limiter.Allow(ctx, req.WorkspaceID, req.UserID)
	if err != nil {
		return Result{}, fmt.Errorf("quota check: %w", err)
	}
	if !decision.Allowed {
		return Result{}, fmt.Errorf("%w: used %d of %d", ErrQuotaExceeded, decision.Used, decision.Limit)
	}

	session, err := d.store.EnsureSession(ctx, req.WorkspaceID, req.UserID, req.SessionID, message)
	if err != nil {
		return Result{}, fmt.Errorf("ensure session: %w", err)
	}

	turn, job, err := d.store.CreateTurnWithJob(ctx, session, message)
	if err != nil {
		return Result{}, fmt.Errorf("create turn: %w", err)
	}

	out := Result{Session: session, Turn: turn, Job: job}
	if err := d.queue.Enqueue(ctx, job.JobID); err != nil {
		// Committed state is never rolled back here.
		d.logger.Printf("enqueue failed turn_id=%s job_id=%s err=%v", turn.TurnID, job.JobID, err)
		out.EnqueueErr = err
		return out, nil
	}

	d.logger.Printf("dispatched turn_id=%s job_id=%s session_id=%s", turn.TurnID, job.JobID, session.SessionID)
	return out, nil
}

// RequeueBacklog re-enqueues QUEUED jobs older than the configured age,
// the backfill path for jobs whose original enqueue was lost.
func (d *Dispatcher) RequeueBacklog(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-d.requeueAge)
	jobs, err := d.store.ListStalledJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stalled jobs: %w", err)
	}

	requeued := 0
	for _, job := range jobs {
		if err := d.queue.Enqueue(ctx, job.JobID); err != nil {
			d.logger.Printf("requeue failed job_id=%s err=%v", job.JobID, err)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		d.logger.Printf("requeued backlog count=%d", requeued)
	}
	return requeued, nil
}
