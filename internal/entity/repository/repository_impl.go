package repository

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/fableworks/loreline/internal/entity/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entity *domain.Entity) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO entities (id, owner_id, kind, name, species, body, bot_owned, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entity.ID,
		entity.OwnerID,
		string(entity.Kind),
		entity.Name,
		entity.Species,
		entity.Body,
		entity.BotOwned,
		entity.CreatedAt,
		entity.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Entity, error) {
	var entity domain.Entity
	err := db.WithContext(ctx).Raw(
		`SELECT id, owner_id, kind, name, species, body, bot_owned, created_at, updated_at, last_corrected_at
		 FROM entities WHERE id = ?`,
		id,
	).Scan(&entity).Error
	if err != nil {
		return nil, err
	}
	if entity.ID == 0 {
		return nil, nil
	}
	return &entity, nil
}

// UpdateFields writes a whitelisted subset of entity columns. Column order is
// fixed so the generated SQL stays stable.
func (r *repo) UpdateFields(ctx context.Context, db *gorm.DB, id snowflake.ID, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	allowed := map[string]bool{
		"name":    true,
		"species": true,
		"body":    true,
	}
	columns := make([]string, 0, len(fields))
	for column := range fields {
		if allowed[column] {
			columns = append(columns, column)
		}
	}
	if len(columns) == 0 {
		return nil
	}
	sort.Strings(columns)

	assignments := make([]string, 0, len(columns)+1)
	args := make([]any, 0, len(columns)+2)
	for _, column := range columns {
		assignments = append(assignments, column+" = ?")
		args = append(args, fields[column])
	}
	assignments = append(assignments, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	return db.WithContext(ctx).Exec(
		`UPDATE entities SET `+strings.Join(assignments, ", ")+` WHERE id = ?`,
		args...,
	).Error
}

func (r *repo) AttachMedia(ctx context.Context, db *gorm.DB, asset *domain.MediaAsset) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO media_assets (id, entity_id, role, url, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		asset.ID,
		asset.EntityID,
		asset.Role,
		asset.URL,
		asset.CreatedAt,
	).Error
}

func (r *repo) PrimaryMedia(ctx context.Context, db *gorm.DB, entityID snowflake.ID) (*domain.MediaAsset, error) {
	var asset domain.MediaAsset
	err := db.WithContext(ctx).Raw(
		`SELECT id, entity_id, role, url, created_at
		 FROM media_assets WHERE entity_id = ? AND role = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		entityID,
		domain.MediaRolePrimary,
	).Scan(&asset).Error
	if err != nil {
		return nil, err
	}
	if asset.ID == 0 {
		return nil, nil
	}
	return &asset, nil
}

func (r *repo) TouchCorrected(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE entities SET last_corrected_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(),
		at.UTC(),
		id,
	).Error
}
