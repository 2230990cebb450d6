package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	entitydomain "github.com/fableworks/loreline/internal/entity/domain"
	obsmetrics "github.com/fableworks/loreline/internal/observability/metrics"
	sessiondomain "github.com/fableworks/loreline/internal/session/domain"
	"gorm.io/gorm"
)

// Selection criteria for the correction jobs. Each criterion names the
// defect it scans for and the session kind that repairs it.
const (
	CriterionAvatarMissing = "avatar_missing"
	CriterionSpeciesUnset  = "species_unset"
	CriterionStoryStub     = "story_stub"
)

// Stories shorter than this many characters count as stubs.
const stubBodyChars = 280

type criterion struct {
	Name  string
	Kind  sessiondomain.SessionKind
	Where string
	Args  []any
}

// criterionFor returns the selection predicate for a criterion. The cutoff
// excludes entities still inside their correction cooldown.
func criterionFor(name string, cutoff time.Time) (criterion, bool) {
	switch name {
	case CriterionAvatarMissing:
		return criterion{
			Name: name,
			Kind: sessiondomain.KindAvatarCorrection,
			Where: `e.kind = ? AND e.bot_owned = ?
			   AND NOT EXISTS (
				   SELECT 1 FROM media_assets m
				   WHERE m.entity_id = e.id AND m.role = ?
			   )
			   AND (e.last_corrected_at IS NULL OR e.last_corrected_at <= ?)`,
			Args: []any{entitydomain.EntityKindCharacter, true, entitydomain.MediaRolePrimary, cutoff},
		}, true
	case CriterionSpeciesUnset:
		// Needs an existing portrait; the analyze stage reads it.
		return criterion{
			Name: name,
			Kind: sessiondomain.KindDataCorrection,
			Where: `e.kind = ? AND e.bot_owned = ? AND e.species IS NULL
			   AND EXISTS (
				   SELECT 1 FROM media_assets m
				   WHERE m.entity_id = e.id AND m.role = ?
			   )
			   AND (e.last_corrected_at IS NULL OR e.last_corrected_at <= ?)`,
			Args: []any{entitydomain.EntityKindCharacter, true, entitydomain.MediaRolePrimary, cutoff},
		}, true
	case CriterionStoryStub:
		return criterion{
			Name:  name,
			Kind:  sessiondomain.KindStory,
			Where: `e.kind = ? AND e.bot_owned = ? AND LENGTH(e.body) < ? AND (e.last_corrected_at IS NULL OR e.last_corrected_at <= ?)`,
			Args:  []any{entitydomain.EntityKindStory, true, stubBodyChars, cutoff},
		}, true
	default:
		return criterion{}, false
	}
}

type WorkEntity struct {
	ID              snowflake.ID
	OwnerID         snowflake.ID
	Kind            entitydomain.EntityKind
	Species         *string
	LastCorrectedAt *time.Time
}

// fetchEntitiesForWork claims a batch of defective entities. Entities with a
// session already PENDING or RUNNING against them are skipped so a human
// request and a correction never race on the same target.
func (s *Scheduler) fetchEntitiesForWork(ctx context.Context, tx *gorm.DB, crit criterion, limit int) ([]WorkEntity, error) {
	var entities []WorkEntity
	schedMetrics := obsmetrics.Scheduler()
	query := fmt.Sprintf(
		`SELECT e.id, e.owner_id, e.kind, e.species, e.last_corrected_at
		 FROM entities e
		 WHERE %s
		   AND NOT EXISTS (
			   SELECT 1 FROM generation_sessions gs
			   WHERE gs.target_entity_id = e.id
				 AND gs.status IN (?, ?)
		   )
		 ORDER BY e.id
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		crit.Where,
	)
	args := append(append([]any{}, crit.Args...),
		sessiondomain.SessionStatusPending,
		sessiondomain.SessionStatusRunning,
		limit,
	)
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(query, args...).Scan(&entities).Error
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceEntitiesForWork, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// countActiveSystemSessions reports how many scheduler-admitted sessions are
// still in flight. Caps batch sizes against the MaxInFlight tunable.
func (s *Scheduler) countActiveSystemSessions(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM generation_sessions
		 WHERE owner_id = ? AND status IN (?, ?)`,
		s.cfg.SystemOwnerID,
		sessiondomain.SessionStatusPending,
		sessiondomain.SessionStatusRunning,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}
