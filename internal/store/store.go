package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrAlreadyTerminal rejects a status transition on a row whose status
	// is already completed or failed.
	ErrAlreadyTerminal = errors.New("record is already terminal")
)

const maxSessionTitleLen = 80

type Store interface {
	EnsureSession(ctx context.Context, workspaceID, userID, sessionID, title string) (SessionRecord, error)
	GetSession(ctx context.Context, workspaceID, userID, sessionID string) (SessionRecord, error)
	DeleteSession(ctx context.Context, workspaceID, userID, sessionID string) error

	CreateTurnWithJob(ctx context.Context, session SessionRecord, userMessage string) (TurnRecord, JobRecord, error)
	GetTurn(ctx context.Context, workspaceID, userID, turnID string) (TurnRecord, error)
	GetTurnByID(ctx context.Context, turnID string) (TurnRecord, error)
	StartTurn(ctx context.Context, turnID string) error
	CompleteTurn(ctx context.Context, turnID, finalResponse string) error
	FailTurn(ctx context.Context, turnID, reason string) error
	SetFeedback(ctx context.Context, workspaceID, userID, turnID string, score int, comment string) error

	AppendStep(ctx context.Context, turnID string, kind StepKind, toolName, content, status string) (StepRecord, error)
	ListSteps(ctx context.Context, turnID string) ([]StepRecord, error)

	GetJob(ctx context.Context, jobID string) (JobRecord, error)
	StartJob(ctx context.Context, jobID string) error
	CompleteJob(ctx context.Context, jobID string, result JobResult) error
	FailJob(ctx context.Context, jobID, failure string) error
	ListStalledJobs(ctx context.Context, olderThan time.Time) ([]JobRecord, error)

	Close() error
}

func validateOwnerFields(workspaceID, userID string) error {
	if strings.TrimSpace(workspaceID) == "" {
		return fmt.Errorf("workspace_id is required")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user_id is required")
	}
	return nil
}

// sessionTitle seeds a new session's title, typically from the first user
// message of the session.
func sessionTitle(seed string) string {
	seed = strings.TrimSpace(seed)
	if len(seed) > maxSessionTitleLen {
		seed = seed[:maxSessionTitleLen]
	}
	return seed
}
