package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	dbpkg "github.com/akshatgg/turngate/internal/db"
	"github.com/akshatgg/turngate/internal/ids"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&sessionRow{}, &turnRow{}, &stepRow{}, &jobRow{})
}

func (s *GormStore) EnsureSession(ctx context.Context, workspaceID, userID, sessionID, title string) (SessionRecord, error) {
	if err := validateOwnerFields(workspaceID, userID); err != nil {
		return SessionRecord{}, err
	}

	now := time.Now().UTC()
	if sessionID == "" {
		row := sessionRow{
			SessionID:   ids.New(),
			WorkspaceID: workspaceID,
			UserID:      userID,
			Title:       sessionTitle(title),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return SessionRecord{}, fmt.Errorf("create session: %w", err)
		}
		return row.toRecord(), nil
	}

	var row sessionRow
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND workspace_id = ? AND user_id = ?", sessionID, workspaceID, userID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}

	row.UpdatedAt = now
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return SessionRecord{}, fmt.Errorf("touch session: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) GetSession(ctx context.Context, workspaceID, userID, sessionID string) (SessionRecord, error) {
	if err := validateOwnerFields(workspaceID, userID); err != nil {
		return SessionRecord{}, err
	}

	var row sessionRow
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND workspace_id = ? AND user_id = ?", sessionID, workspaceID, userID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord(), nil
}

// DeleteSession removes a session together with its turns and their steps.
// Job rows stay behind as ledger history.
func (s *GormStore) DeleteSession(ctx context.Context, workspaceID, userID, sessionID string) error {
	if err := validateOwnerFields(workspaceID, userID); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row sessionRow
		err := tx.Where("session_id = ? AND workspace_id = ? AND user_id = ?", sessionID, workspaceID, userID).
			Take(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("get session: %w", err)
		}

		var turnIDs []string
		if err := tx.Model(&turnRow{}).
			Where("session_id = ?", sessionID).
			Pluck("turn_id", &turnIDs).Error; err != nil {
			return fmt.Errorf("list session turns: %w", err)
		}
		if len(turnIDs) > 0 {
			if err := tx.Where("turn_id IN ?", turnIDs).Delete(&stepRow{}).Error; err != nil {
				return fmt.Errorf("delete turn steps: %w", err)
			}
			if err := tx.Where("session_id = ?", sessionID).Delete(&turnRow{}).Error; err != nil {
				return fmt.Errorf("delete turns: %w", err)
			}
		}
		if err := tx.Delete(&row).Error; err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

func (s *GormStore) CreateTurnWithJob(ctx context.Context, session SessionRecord, userMessage string) (TurnRecord, JobRecord, error) {
	now := time.Now().UTC()
	turn := turnRow{
		TurnID:      ids.New(),
		SessionID:   session.SessionID,
		WorkspaceID: session.WorkspaceID,
		UserID:      session.UserID,
		UserMessage: userMessage,
		Status:      string(TurnStatusPending),
		JobID:       ids.New(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	job := jobRow{
		JobID:       turn.JobID,
		TurnID:      turn.TurnID,
		WorkspaceID: session.WorkspaceID,
		Status:      string(JobStatusQueued),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&turn).Error; err != nil {
			return fmt.Errorf("create turn: %w", err)
		}
		if err := tx.Create(&job).Error; err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		return nil
	})
	if err != nil {
		return TurnRecord{}, JobRecord{}, err
	}
	return turn.toRecord(), job.toRecord(), nil
}

func (s *GormStore) GetTurn(ctx context.Context, workspaceID, userID, turnID string) (TurnRecord, error) {
	if err := validateOwnerFields(workspaceID, userID); err != nil {
		return TurnRecord{}, err
	}

	var row turnRow
	err := s.db.WithContext(ctx).
		Where("turn_id = ? AND workspace_id = ? AND user_id = ?", turnID, workspaceID, userID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TurnRecord{}, ErrNotFound
		}
		return TurnRecord{}, fmt.Errorf("get turn: %w", err)
	}
	return row.toRecord(), nil
}

// GetTurnByID is the unscoped lookup used by workers and internal
// reconciliation; client-facing reads go through GetTurn's ownership scope.
func (s *GormStore) GetTurnByID(ctx context.Context, turnID string) (TurnRecord, error) {
	var row turnRow
	err := s.db.WithContext(ctx).Where("turn_id = ?", turnID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return TurnRecord{}, ErrNotFound
		}
		return TurnRecord{}, fmt.Errorf("get turn: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) StartTurn(ctx context.Context, turnID string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&turnRow{}).
		Where("turn_id = ? AND status = ?", turnID, string(TurnStatusPending)).
		Updates(map[string]any{
			"status":     string(TurnStatusProcessing),
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("start turn: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.turnTransitionErr(ctx, turnID, TurnStatusProcessing)
	}
	return nil
}

func (s *GormStore) CompleteTurn(ctx context.Context, turnID, finalResponse string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&turnRow{}).
		Where("turn_id = ? AND status IN ?", turnID, nonTerminalTurnStatuses()).
		Updates(map[string]any{
			"status":         string(TurnStatusCompleted),
			"final_response": finalResponse,
			"error_message":  "",
			"completed_at":   &now,
			"updated_at":     now,
		})
	if res.Error != nil {
		return fmt.Errorf("complete turn: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.turnTransitionErr(ctx, turnID, "")
	}
	return nil
}

func (s *GormStore) FailTurn(ctx context.Context, turnID, reason string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&turnRow{}).
		Where("turn_id = ? AND status IN ?", turnID, nonTerminalTurnStatuses()).
		Updates(map[string]any{
			"status":         string(TurnStatusFailed),
			"final_response": gorm.Expr("NULL"),
			"error_message":  reason,
			"completed_at":   &now,
			"updated_at":     now,
		})
	if res.Error != nil {
		return fmt.Errorf("fail turn: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.turnTransitionErr(ctx, turnID, "")
	}
	return nil
}

// turnTransitionErr classifies a zero-row guarded update: the row either does
// not exist, is already terminal, or (for idempotent starts) already carries
// the wanted status.
func (s *GormStore) turnTransitionErr(ctx context.Context, turnID string, wanted TurnStatus) error {
	var row turnRow
	err := s.db.WithContext(ctx).Where("turn_id = ?", turnID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("recheck turn: %w", err)
	}
	if wanted != "" && TurnStatus(row.Status) == wanted {
		return nil
	}
	return ErrAlreadyTerminal
}

func (s *GormStore) SetFeedback(ctx context.Context, workspaceID, userID, turnID string, score int, comment string) error {
	if err := validateOwnerFields(workspaceID, userID); err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&turnRow{}).
		Where("turn_id = ? AND workspace_id = ? AND user_id = ?", turnID, workspaceID, userID).
		Updates(map[string]any{
			"feedback_score":   score,
			"feedback_comment": comment,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("set feedback: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) AppendStep(ctx context.Context, turnID string, kind StepKind, toolName, content, status string) (StepRecord, error) {
	var out StepRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var exists int64
		if err := tx.Model(&turnRow{}).Where("turn_id = ?", turnID).Count(&exists).Error; err != nil {
			return fmt.Errorf("check turn: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}

		var maxSeq int64
		if err := tx.Model(&stepRow{}).
			Where("turn_id = ?", turnID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("sequence lookup: %w", err)
		}

		row := stepRow{
			StepID:    ids.New(),
			TurnID:    turnID,
			Sequence:  maxSeq + 1,
			Kind:      string(kind),
			ToolName:  toolName,
			Content:   content,
			Status:    status,
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create step: %w", err)
		}
		out = row.toRecord()
		return nil
	})
	if err != nil {
		return StepRecord{}, err
	}
	return out, nil
}

func (s *GormStore) ListSteps(ctx context.Context, turnID string) ([]StepRecord, error) {
	var rows []stepRow
	err := s.db.WithContext(ctx).
		Where("turn_id = ?", turnID).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	out := make([]StepRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) GetJob(ctx context.Context, jobID string) (JobRecord, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return JobRecord{}, ErrNotFound
		}
		return JobRecord{}, fmt.Errorf("get job: %w", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) StartJob(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("job_id = ? AND status = ?", jobID, string(JobStatusQueued)).
		Updates(map[string]any{
			"status":     string(JobStatusRunning),
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("start job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.jobTransitionErr(ctx, jobID, JobStatusRunning)
	}
	return nil
}

func (s *GormStore) CompleteJob(ctx context.Context, jobID string, result JobResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}

	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("job_id = ? AND status IN ?", jobID, nonTerminalJobStatuses()).
		Updates(map[string]any{
			"status":     string(JobStatusCompleted),
			"result":     datatypes.JSON(encoded),
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("complete job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.jobTransitionErr(ctx, jobID, "")
	}
	return nil
}

func (s *GormStore) FailJob(ctx context.Context, jobID, failure string) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("job_id = ? AND status IN ?", jobID, nonTerminalJobStatuses()).
		Updates(map[string]any{
			"status":     string(JobStatusFailed),
			"error":      failure,
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("fail job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.jobTransitionErr(ctx, jobID, "")
	}
	return nil
}

func (s *GormStore) jobTransitionErr(ctx context.Context, jobID string, wanted JobStatus) error {
	var row jobRow
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("recheck job: %w", err)
	}
	if wanted != "" && JobStatus(row.Status) == wanted {
		return nil
	}
	return ErrAlreadyTerminal
}

func (s *GormStore) ListStalledJobs(ctx context.Context, olderThan time.Time) ([]JobRecord, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(JobStatusQueued), olderThan).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}
	out := make([]JobRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

func nonTerminalTurnStatuses() []string {
	return []string{string(TurnStatusPending), string(TurnStatusProcessing)}
}

func nonTerminalJobStatuses() []string {
	return []string{string(JobStatusQueued), string(JobStatusRunning)}
}
