package store

import (
	"time"

	"gorm.io/datatypes"
)

type sessionRow struct {
	SessionID   string    `gorm:"primaryKey;size:64"`
	WorkspaceID string    `gorm:"size:191;index:idx_sessions_owner,priority:1;not null"`
	UserID      string    `gorm:"size:191;index:idx_sessions_owner,priority:2;not null"`
	Title       string    `gorm:"size:191"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (sessionRow) TableName() string {
	return "sessions"
}

func (r sessionRow) toRecord() SessionRecord {
	return SessionRecord{
		SessionID:   r.SessionID,
		WorkspaceID: r.WorkspaceID,
		UserID:      r.UserID,
		Title:       r.Title,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

type turnRow struct {
	TurnID          string     `gorm:"primaryKey;size:64"`
	SessionID       string     `gorm:"size:64;index;not null"`
	WorkspaceID     string     `gorm:"size:191;index:idx_turns_owner,priority:1;not null"`
	UserID          string     `gorm:"size:191;index:idx_turns_owner,priority:2;not null"`
	UserMessage     string     `gorm:"type:text;not null"`
	FinalResponse   *string    `gorm:"type:text"`
	Status          string     `gorm:"size:32;index;not null"`
	JobID           string     `gorm:"size:64;index"`
	ErrorMessage    string     `gorm:"type:text"`
	FeedbackScore   *int       `gorm:""`
	FeedbackComment string     `gorm:"type:text"`
	CreatedAt       time.Time  `gorm:"not null"`
	UpdatedAt       time.Time  `gorm:"not null"`
	CompletedAt     *time.Time `gorm:"index"`
}

func (turnRow) TableName() string {
	return "turns"
}

func (r turnRow) toRecord() TurnRecord {
	return TurnRecord{
		TurnID:          r.TurnID,
		SessionID:       r.SessionID,
		WorkspaceID:     r.WorkspaceID,
		UserID:          r.UserID,
		UserMessage:     r.UserMessage,
		FinalResponse:   r.FinalResponse,
		Status:          TurnStatus(r.Status),
		JobID:           r.JobID,
		ErrorMessage:    r.ErrorMessage,
		FeedbackScore:   r.FeedbackScore,
		FeedbackComment: r.FeedbackComment,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type stepRow struct {
	StepID    string    `gorm:"primaryKey;size:64"`
	TurnID    string    `gorm:"size:64;uniqueIndex:idx_steps_turn_sequence,priority:1;not null"`
	Sequence  int64     `gorm:"not null;uniqueIndex:idx_steps_turn_sequence,priority:2"`
	Kind      string    `gorm:"size:32;not null"`
	ToolName  string    `gorm:"size:191"`
	Content   string    `gorm:"type:text"`
	Status    string    `gorm:"size:64"`
	CreatedAt time.Time `gorm:"not null"`
}

func (stepRow) TableName() string {
	return "turn_steps"
}

func (r stepRow) toRecord() StepRecord {
	return StepRecord{
		StepID:    r.StepID,
		TurnID:    r.TurnID,
		Sequence:  r.Sequence,
		Kind:      StepKind(r.Kind),
		ToolName:  r.ToolName,
		Content:   r.Content,
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
	}
}

type jobRow struct {
	JobID       string         `gorm:"primaryKey;size:64"`
	TurnID      string         `gorm:"size:64;uniqueIndex;not null"`
	WorkspaceID string         `gorm:"size:191;index;not null"`
	Status      string         `gorm:"size:32;index;not null"`
	Result      datatypes.JSON `gorm:""`
	Error       string         `gorm:"type:text"`
	CreatedAt   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null"`
}

func (jobRow) TableName() string {
	return "jobs"
}

func (r jobRow) toRecord() JobRecord {
	rec := JobRecord{
		JobID:       r.JobID,
		TurnID:      r.TurnID,
		WorkspaceID: r.WorkspaceID,
		Status:      JobStatus(r.Status),
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if len(r.Result) > 0 {
		rec.ResultJSON = []byte(r.Result)
	}
	return rec
}
