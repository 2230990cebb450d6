package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// EntityKind distinguishes the two generated artifact types.
type EntityKind string

const (
	EntityKindCharacter EntityKind = "CHARACTER"
	EntityKindStory     EntityKind = "STORY"
)

// MediaRolePrimary marks the entity's main image.
const MediaRolePrimary = "primary"

// Entity is a generated character or story record. Bot-owned entities are
// the ones the correction scheduler re-scans for defects.
type Entity struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OwnerID   snowflake.ID `gorm:"not null;index" json:"owner_id"`
	Kind      EntityKind   `gorm:"type:text;not null;index" json:"kind"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	Species   *string      `gorm:"type:text" json:"species,omitempty"`
	Body      string       `gorm:"type:text;not null;default:''" json:"body"`
	BotOwned  bool         `gorm:"not null;default:false;index" json:"bot_owned"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	// LastCorrectedAt is the scheduler's cooldown cursor.
	LastCorrectedAt *time.Time `json:"last_corrected_at,omitempty"`
}

// TableName sets the database table name.
func (Entity) TableName() string { return "entities" }

// MediaAsset points at a stored artifact produced for an entity.
type MediaAsset struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	EntityID  snowflake.ID `gorm:"not null;index" json:"entity_id"`
	Role      string       `gorm:"type:text;not null" json:"role"`
	URL       string       `gorm:"type:text;not null" json:"url"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (MediaAsset) TableName() string { return "media_assets" }

// Repository persists entities and their media. Callers pass the gorm handle
// so repository operations can join an enclosing transaction.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entity *Entity) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Entity, error)
	UpdateFields(ctx context.Context, db *gorm.DB, id snowflake.ID, fields map[string]any) error
	AttachMedia(ctx context.Context, db *gorm.DB, asset *MediaAsset) error
	PrimaryMedia(ctx context.Context, db *gorm.DB, entityID snowflake.ID) (*MediaAsset, error)
	TouchCorrected(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
}
