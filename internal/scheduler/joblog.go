package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// CorrectionJobLog summarizes one scheduler run of a criterion: how many
// entities were selected and how many admissions succeeded or failed. The
// daily quota window is counted from these rows rather than from sessions,
// so a criterion cannot exceed its quota even when sessions finish and
// disappear from the active set.
type CorrectionJobLog struct {
	ID           snowflake.ID   `gorm:"primaryKey"`
	Criterion    string         `gorm:"type:text;not null;index"`
	TargetCount  int            `gorm:"not null"`
	SuccessCount int            `gorm:"not null"`
	FailureCount int            `gorm:"not null"`
	Errors       datatypes.JSON `gorm:"type:jsonb"`
	StartedAt    time.Time      `gorm:"not null"`
	CompletedAt  time.Time      `gorm:"not null;index"`
}

func (CorrectionJobLog) TableName() string { return "correction_job_logs" }

// entityFailure is one element of the run log's errors array.
type entityFailure struct {
	EntityID  string `json:"entityId"`
	ErrorKind string `json:"errorKind"`
}

// recordRunLog writes the single summary row for a completed run. Written
// even when the run's context is already cancelled.
func (s *Scheduler) recordRunLog(ctx context.Context, criterionName string, startedAt time.Time, targetCount, successCount int, failures []entityFailure) {
	entry := CorrectionJobLog{
		ID:           s.genID.Generate(),
		Criterion:    criterionName,
		TargetCount:  targetCount,
		SuccessCount: successCount,
		FailureCount: len(failures),
		StartedAt:    startedAt,
		CompletedAt:  s.clock.Now(),
	}
	if len(failures) > 0 {
		if raw, err := json.Marshal(failures); err == nil {
			entry.Errors = raw
		}
	}
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Create(&entry).Error; err != nil {
		s.log.Warn("failed to record correction job log",
			zap.String("criterion", criterionName),
			zap.Error(err),
		)
	}
}

// countAdmittedSince returns how many sessions a criterion has admitted in
// the quota window, summed over its run logs.
func (s *Scheduler) countAdmittedSince(ctx context.Context, criterionName string, since time.Time) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(success_count), 0)
		 FROM correction_job_logs
		 WHERE criterion = ? AND completed_at > ?`,
		criterionName,
		since,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}
