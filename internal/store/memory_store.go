package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/akshatgg/turngate/internal/ids"
)

// MemoryStore is the in-process twin of GormStore, used by tests and by
// local development wiring.
type MemoryStore struct {
	mu          sync.Mutex
	sessions    map[string]SessionRecord
	turns       map[string]TurnRecord
	stepsByTurn map[string][]StepRecord
	jobs        map[string]JobRecord
	closed      bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]SessionRecord),
		turns:       make(map[string]TurnRecord),
		stepsByTurn: make(map[string][]StepRecord),
		jobs:        make(map[string]JobRecord),
	}
}

func (s *MemoryStore) checkOpen() error {
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

func (s *MemoryStore) EnsureSession(_ context.Context, workspaceID, userID, sessionID, title string) (SessionRecord, error) {
	if err := validateOwnerFields(workspaceID, userID); err != nil {
		return SessionRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return SessionRecord{}, err
	}

	now := time.Now().UTC()
	if sessionID == "" {
		rec := SessionRecord{
			SessionID:   ids.New(),
			WorkspaceID: workspaceID,
			UserID:      userID,
			Title:       sessionTitle(title),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		s.sessions[rec.SessionID] = rec
		return rec, nil
	}

	rec, ok := s.sessions[sessionID]
	if !ok || rec.WorkspaceID != workspaceID || rec.UserID != userID {
		return SessionRecord{}, ErrNotFound
	}
	rec.UpdatedAt = now
	s.sessions[sessionID] = rec
	return rec, nil
}

func (s *MemoryStore) GetSession(_ context.Context, workspaceID, userID, sessionID string) (SessionRecord, error) {
	if err := validateOwnerFields(workspaceID, userID); err != nil {
		return SessionRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return SessionRecord{}, err
	}

	rec, ok := s.sessions[sessionID]
	if !ok || rec.WorkspaceID != workspaceID || rec.UserID != userID {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, workspaceID, userID, sessionID string) error {
	if err := validateOwnerFields(workspaceID, userID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	rec, ok := s.sessions[sessionID]
	if !ok || rec.WorkspaceID != workspaceID || rec.UserID != userID {
		return ErrNotFound
	}
	for turnID, turn := range s.turns {
		if turn.SessionID == sessionID {
			delete(s.turns, turnID)
			delete(s.stepsByTurn, turnID)
		}
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) CreateTurnWithJob(_ context.Context, session SessionRecord, userMessage string) (TurnRecord, JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return TurnRecord{}, JobRecord{}, err
	}

	now := time.Now().UTC()
	turn := TurnRecord{
		TurnID:      ids.New(),
		SessionID:   session.SessionID,
		WorkspaceID: session.WorkspaceID,
		UserID:      session.UserID,
		UserMessage: userMessage,
		Status:      TurnStatusPending,
		JobID:       ids.New(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	job := JobRecord{
		JobID:       turn.JobID,
		TurnID:      turn.TurnID,
		WorkspaceID: session.WorkspaceID,
		Status:      JobStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.turns[turn.TurnID] = turn
	s.jobs[job.JobID] = job
	return turn, job, nil
}

func (s *MemoryStore) GetTurn(_ context.Context, workspaceID, userID, turnID string) (TurnRecord, error) {
	if err := validateOwnerFields(workspaceID, userID); err != nil {
		return TurnRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return TurnRecord{}, err
	}

	turn, ok := s.turns[turnID]
	if !ok || turn.WorkspaceID != workspaceID || turn.UserID != userID {
		return TurnRecord{}, ErrNotFound
	}
	return turn, nil
}

func (s *MemoryStore) GetTurnByID(_ context.Context, turnID string) (TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return TurnRecord{}, err
	}

	turn, ok := s.turns[turnID]
	if !ok {
		return TurnRecord{}, ErrNotFound
	}
	return turn, nil
}

func (s *MemoryStore) StartTurn(_ context.Context, turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	turn, ok := s.turns[turnID]
	if !ok {
		return ErrNotFound
	}
	switch turn.Status {
	case TurnStatusProcessing:
		return nil
	case TurnStatusPending:
	default:
		return ErrAlreadyTerminal
	}
	turn.Status = TurnStatusProcessing
	turn.UpdatedAt = time.Now().UTC()
	s.turns[turnID] = turn
	return nil
}

func (s *MemoryStore) CompleteTurn(_ context.Context, turnID, finalResponse string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	turn, ok := s.turns[turnID]
	if !ok {
		return ErrNotFound
	}
	if turn.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	turn.Status = TurnStatusCompleted
	turn.FinalResponse = &finalResponse
	turn.ErrorMessage = ""
	turn.UpdatedAt = time.Now().UTC()
	s.turns[turnID] = turn
	return nil
}

func (s *MemoryStore) FailTurn(_ context.Context, turnID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	turn, ok := s.turns[turnID]
	if !ok {
		return ErrNotFound
	}
	if turn.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	turn.Status = TurnStatusFailed
	turn.FinalResponse = nil
	turn.ErrorMessage = reason
	turn.UpdatedAt = time.Now().UTC()
	s.turns[turnID] = turn
	return nil
}

func (s *MemoryStore) SetFeedback(_ context.Context, workspaceID, userID, turnID string, score int, comment string) error {
	if err := validateOwnerFields(workspaceID, userID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	turn, ok := s.turns[turnID]
	if !ok || turn.WorkspaceID != workspaceID || turn.UserID != userID {
		return ErrNotFound
	}
	turn.FeedbackScore = &score
	turn.FeedbackComment = comment
	turn.UpdatedAt = time.Now().UTC()
	s.turns[turnID] = turn
	return nil
}

func (s *MemoryStore) AppendStep(_ context.Context, turnID string, kind StepKind, toolName, content, status string) (StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return StepRecord{}, err
	}

	if _, ok := s.turns[turnID]; !ok {
		return StepRecord{}, ErrNotFound
	}

	steps := s.stepsByTurn[turnID]
	step := StepRecord{
		StepID:    ids.New(),
		TurnID:    turnID,
		Sequence:  int64(len(steps)) + 1,
		Kind:      kind,
		ToolName:  toolName,
		Content:   content,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	s.stepsByTurn[turnID] = append(steps, step)
	return step, nil
}

func (s *MemoryStore) ListSteps(_ context.Context, turnID string) ([]StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	steps := s.stepsByTurn[turnID]
	out := make([]StepRecord, len(steps))
	copy(out, steps)
	return out, nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return JobRecord{}, err
	}

	job, ok := s.jobs[jobID]
	if !ok {
		return JobRecord{}, ErrNotFound
	}
	return job, nil
}

func (s *MemoryStore) StartJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	switch job.Status {
	case JobStatusRunning:
		return nil
	case JobStatusQueued:
	default:
		return ErrAlreadyTerminal
	}
	job.Status = JobStatusRunning
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	return nil
}

func (s *MemoryStore) CompleteJob(_ context.Context, jobID string, result JobResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	job.Status = JobStatusCompleted
	job.ResultJSON = encoded
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	return nil
}

func (s *MemoryStore) FailJob(_ context.Context, jobID, failure string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	job.Status = JobStatusFailed
	job.Error = failure
	job.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = job
	return nil
}

func (s *MemoryStore) ListStalledJobs(_ context.Context, olderThan time.Time) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var out []JobRecord
	for _, job := range s.jobs {
		if job.Status == JobStatusQueued && job.CreatedAt.Before(olderThan) {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
