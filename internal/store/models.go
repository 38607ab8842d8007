package store

import (
	"encoding/json"
	"time"
)

type SessionRecord struct {
	SessionID   string    `json:"session_id"`
	WorkspaceID string    `json:"workspace_id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type TurnStatus string

const (
	TurnStatusPending    TurnStatus = "pending"
	TurnStatusProcessing TurnStatus = "processing"
	TurnStatusCompleted  TurnStatus = "completed"
	TurnStatusFailed     TurnStatus = "failed"
)

func (s TurnStatus) Terminal() bool {
	return s == TurnStatusCompleted || s == TurnStatusFailed
}

type TurnRecord struct {
	TurnID          string     `json:"turn_id"`
	SessionID       string     `json:"session_id"`
	WorkspaceID     string     `json:"workspace_id"`
	UserID          string     `json:"user_id"`
	UserMessage     string     `json:"user_message"`
	FinalResponse   *string    `json:"final_response,omitempty"`
	Status          TurnStatus `json:"status"`
	JobID           string     `json:"job_id,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	FeedbackScore   *int       `json:"feedback_score,omitempty"`
	FeedbackComment string     `json:"feedback_comment,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type StepKind string

const (
	StepKindStatus    StepKind = "status"
	StepKindToolStart StepKind = "tool_start"
	StepKindToolEnd   StepKind = "tool_end"
)

// StepRecord is one ordered progress event in a turn's history. Sequence is
// assigned under the store's write path and is strictly increasing per turn.
type StepRecord struct {
	StepID    string    `json:"step_id"`
	TurnID    string    `json:"turn_id"`
	Sequence  int64     `json:"sequence"`
	Kind      StepKind  `json:"kind"`
	ToolName  string    `json:"tool_name,omitempty"`
	Content   string    `json:"content,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobResult is the stored payload of a completed job, sufficient to repair a
// turn that missed its completion notification.
type JobResult struct {
	FinalResponse string `json:"final_response"`
}

type JobRecord struct {
	JobID       string    `json:"job_id"`
	TurnID      string    `json:"turn_id"`
	WorkspaceID string    `json:"workspace_id"`
	Status      JobStatus `json:"status"`
	ResultJSON  []byte    `json:"result_json,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (j JobRecord) DecodeResult() (JobResult, error) {
	var result JobResult
	if len(j.ResultJSON) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(j.ResultJSON, &result); err != nil {
		return JobResult{}, err
	}
	return result, nil
}
