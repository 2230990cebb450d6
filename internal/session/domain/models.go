package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type SessionKind string

const (
	KindCharacter        SessionKind = "character"
	KindStory            SessionKind = "story"
	KindAvatarCorrection SessionKind = "avatar_correction"
	KindDataCorrection   SessionKind = "data_correction"
)

type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "PENDING"
	SessionStatusRunning   SessionStatus = "RUNNING"
	SessionStatusSucceeded SessionStatus = "SUCCEEDED"
	SessionStatusFailed    SessionStatus = "FAILED"
	SessionStatusCancelled SessionStatus = "CANCELLED"
)

// Terminal reports whether the status is an end state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusSucceeded, SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

type StageStatus string

const (
	StageStatusPending   StageStatus = "PENDING"
	StageStatusRunning   StageStatus = "RUNNING"
	StageStatusSucceeded StageStatus = "SUCCEEDED"
	StageStatusFailed    StageStatus = "FAILED"
	StageStatusSkipped   StageStatus = "SKIPPED"
)

// Error kinds recorded on sessions and stages.
const (
	ErrorKindOperationFailed  = "external_operation_failed"
	ErrorKindOperationTimeout = "external_operation_timeout"
	ErrorKindRecoveryTimeout  = "recovery_timeout"
	ErrorKindCancelled        = "cancelled"
	ErrorKindPersistFailed    = "persist_failed"
)

// GenerationSession is one end-to-end execution of a generation or
// correction request. Exactly one credit reservation backs each session.
type GenerationSession struct {
	ID              snowflake.ID      `gorm:"primaryKey" json:"id"`
	OwnerID         snowflake.ID      `gorm:"not null;index" json:"owner_id"`
	Kind            SessionKind       `gorm:"type:text;not null;index" json:"kind"`
	Status          SessionStatus     `gorm:"type:text;not null;index" json:"status"`
	TargetEntityID  *snowflake.ID     `gorm:"index" json:"target_entity_id,omitempty"`
	ReservationID   snowflake.ID      `gorm:"not null" json:"reservation_id"`
	Payload         datatypes.JSONMap `gorm:"type:jsonb" json:"payload,omitempty"`
	ErrorKind       string            `gorm:"type:text;not null;default:''" json:"error_kind,omitempty"`
	CancelRequested bool              `gorm:"not null;default:false" json:"cancel_requested"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// TableName sets the database table name.
func (GenerationSession) TableName() string { return "generation_sessions" }

// StageResult is one ordered external operation within a session. Stages run
// strictly in Seq order; a stage starts only after every earlier stage
// succeeded.
type StageResult struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	SessionID  snowflake.ID `gorm:"not null;index" json:"session_id"`
	Seq        int          `gorm:"not null" json:"seq"`
	Name       string       `gorm:"type:text;not null" json:"name"`
	Status     StageStatus  `gorm:"type:text;not null" json:"status"`
	CostUnits  int64        `gorm:"not null;default:0" json:"cost_units"`
	OutputRef  string       `gorm:"type:text;not null;default:''" json:"output_ref,omitempty"`
	ErrorKind  string       `gorm:"type:text;not null;default:''" json:"error_kind,omitempty"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// TableName sets the database table name.
func (StageResult) TableName() string { return "generation_stages" }

// AdmitRequest is the admission contract from the API layer or the
// scheduler.
type AdmitRequest struct {
	OwnerID        snowflake.ID   `json:"owner_id"`
	Kind           SessionKind    `json:"kind"`
	TargetEntityID snowflake.ID   `json:"target_entity_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`

	// Synchronous skips the dispatcher; the caller executes the session
	// itself. Used by the batch scheduler to run corrections one at a time.
	Synchronous bool `json:"-"`
}

// StageView is the per-stage slice of a session snapshot.
type StageView struct {
	Seq        int         `json:"seq"`
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	CostUnits  int64       `json:"cost_units"`
	OutputRef  string      `json:"output_ref,omitempty"`
	ErrorKind  string      `json:"error_kind,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// Snapshot is the externally visible session state.
type Snapshot struct {
	ID              snowflake.ID  `json:"id"`
	OwnerID         snowflake.ID  `json:"owner_id"`
	Kind            SessionKind   `json:"kind"`
	Status          SessionStatus `json:"status"`
	TargetEntityID  *snowflake.ID `json:"target_entity_id,omitempty"`
	ErrorKind       string        `json:"error_kind,omitempty"`
	PercentComplete int           `json:"percent_complete"`
	Stages          []StageView   `json:"stages"`
	CreatedAt       time.Time     `json:"created_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}
