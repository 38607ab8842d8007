// Package staleness decides whether a turn claimed to be in progress is
// backed by a live job. The check is a pure read so it can double as a
// monitoring probe; acting on the result is the caller's job.
package staleness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/akshatgg/turngate/internal/store"
)

const (
	ReasonJobMissing = "job record missing"
	ReasonJobFailed  = "job failed"
	ReasonTimeout    = "processing timeout exceeded"
)

// JobReader is the slice of the job ledger the detector needs.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (store.JobRecord, error)
}

type Result struct {
	Stale  bool
	Reason string
	Job    *store.JobRecord
}

type Option func(*Detector)

// WithClock overrides the time source used for the timeout rule.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

type Detector struct {
	jobs          JobReader
	maxProcessing time.Duration
	now           func() time.Time
}

func New(jobs JobReader, maxProcessing time.Duration, opts ...Option) *Detector {
	d := &Detector{
		jobs:          jobs,
		maxProcessing: maxProcessing,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Check applies the staleness policy to a non-terminal turn. Terminal turns
// are never stale. The timeout window is measured from turn creation, so a
// job parked in QUEUED forever still trips the rule.
func (d *Detector) Check(ctx context.Context, turn store.TurnRecord) (Result, error) {
	if turn.Status.Terminal() {
		return Result{}, nil
	}

	if turn.JobID == "" {
		return Result{Stale: true, Reason: ReasonJobMissing}, nil
	}

	job, err := d.jobs.GetJob(ctx, turn.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Stale: true, Reason: ReasonJobMissing}, nil
		}
		return Result{}, fmt.Errorf("resolve job %s: %w", turn.JobID, err)
	}

	switch job.Status {
	case store.JobStatusFailed:
		return Result{Stale: true, Reason: ReasonJobFailed, Job: &job}, nil
	case store.JobStatusCompleted:
		// Synchronization drift, not staleness; the relay repairs it.
		return Result{Job: &job}, nil
	}

	if d.now().UTC().Sub(turn.CreatedAt) > d.maxProcessing {
		return Result{Stale: true, Reason: ReasonTimeout, Job: &job}, nil
	}
	return Result{Job: &job}, nil
}
