package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fableworks/loreline/internal/clock"
	"github.com/fableworks/loreline/internal/config"
	entitydomain "github.com/fableworks/loreline/internal/entity/domain"
	gatewaydomain "github.com/fableworks/loreline/internal/gateway/domain"
	ledgerdomain "github.com/fableworks/loreline/internal/ledger/domain"
	obsmetrics "github.com/fableworks/loreline/internal/observability/metrics"
	"github.com/fableworks/loreline/internal/progress"
	sessiondomain "github.com/fableworks/loreline/internal/session/domain"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Cfg      config.Config
	Quota    *config.QuotaHolder
	Ledger   ledgerdomain.Service
	Gateway  gatewaydomain.Gateway
	Hub      *progress.Hub
	Entities entitydomain.Repository
	Fetcher  ArtifactFetcher
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      config.Config
	quota    *config.QuotaHolder
	ledger   ledgerdomain.Service
	gateway  gatewaydomain.Gateway
	hub      *progress.Hub
	entities entitydomain.Repository
	fetcher  ArtifactFetcher
	metrics  *obsmetrics.Metrics

	dispatcher sessiondomain.Dispatcher
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("session.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Cfg,
		quota:    p.Quota,
		ledger:   p.Ledger,
		gateway:  p.Gateway,
		hub:      p.Hub,
		entities: p.Entities,
		fetcher:  p.Fetcher,
		metrics:  p.Metrics,
	}
}

// SetDispatcher wires the execution path after construction; the dispatcher
// itself depends on this service.
func (s *Service) SetDispatcher(d sessiondomain.Dispatcher) { s.dispatcher = d }

func (s *Service) Admit(ctx context.Context, req sessiondomain.AdmitRequest) (*sessiondomain.Snapshot, error) {
	if req.OwnerID == 0 {
		return nil, sessiondomain.ErrInvalidRequest
	}
	plan, ok := sessiondomain.StagePlan(req.Kind)
	if !ok {
		return nil, sessiondomain.ErrUnknownKind
	}

	var targetID *snowflake.ID
	if req.TargetEntityID != 0 {
		target, err := s.entities.FindByID(ctx, s.db, req.TargetEntityID)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, sessiondomain.ErrTargetNotFound
		}
		id := req.TargetEntityID
		targetID = &id
	}

	estimated, _ := sessiondomain.EstimatedCost(req.Kind, s.quota)
	sessionID := s.genID.Generate()

	// admission-time balance check; on failure nothing was created
	reservation, err := s.ledger.Reserve(ctx, req.OwnerID, sessionID, estimated)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	session := &sessiondomain.GenerationSession{
		ID:             sessionID,
		OwnerID:        req.OwnerID,
		Kind:           req.Kind,
		Status:         sessiondomain.SessionStatusPending,
		TargetEntityID: targetID,
		ReservationID:  reservation.ID,
		Payload:        datatypes.JSONMap(req.Payload),
		CreatedAt:      now,
	}

	stages := make([]sessiondomain.StageResult, 0, len(plan))
	for i, name := range plan {
		stages = append(stages, sessiondomain.StageResult{
			ID:        s.genID.Generate(),
			SessionID: sessionID,
			Seq:       i,
			Name:      name,
			Status:    sessiondomain.StageStatusPending,
		})
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO generation_sessions (
				id, owner_id, kind, status, target_entity_id, reservation_id,
				payload, error_kind, cancel_requested, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
			session.ID, session.OwnerID, string(session.Kind),
			string(session.Status), session.TargetEntityID, session.ReservationID,
			session.Payload, false, session.CreatedAt,
		).Error; err != nil {
			return err
		}
		for _, stage := range stages {
			if err := tx.WithContext(ctx).Exec(
				`INSERT INTO generation_stages (
					id, session_id, seq, name, status, cost_units, output_ref, error_kind
				) VALUES (?, ?, ?, ?, ?, 0, '', '')`,
				stage.ID, stage.SessionID, stage.Seq, stage.Name, string(stage.Status),
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// the hold must not outlive a failed admission
		if releaseErr := s.ledger.Release(ctx, reservation.ID); releaseErr != nil {
			s.log.Error("failed to release reservation after admission failure",
				zap.String("reservation_id", reservation.ID.String()),
				zap.Error(releaseErr),
			)
		}
		return nil, err
	}

	if s.dispatcher != nil && !req.Synchronous {
		if err := s.dispatcher.Dispatch(ctx, sessionID); err != nil {
			s.log.Error("dispatch failed, session stays pending for recovery",
				zap.String("session_id", sessionID.String()),
				zap.Error(err),
			)
		}
	}

	s.log.Info("session admitted",
		zap.String("session_id", sessionID.String()),
		zap.String("kind", string(req.Kind)),
		zap.Int64("estimated_cost", estimated),
	)

	snapshot := buildSnapshot(session, stages)
	s.publish(session, stages)
	return snapshot, nil
}

func (s *Service) Get(ctx context.Context, sessionID snowflake.ID) (*sessiondomain.Snapshot, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	stages, err := s.loadStages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return buildSnapshot(session, stages), nil
}

func (s *Service) Cancel(ctx context.Context, sessionID snowflake.ID) error {
	result := s.db.WithContext(ctx).Exec(
		`UPDATE generation_sessions SET cancel_requested = ?
		 WHERE id = ? AND status IN (?, ?)`,
		true, sessionID,
		string(sessiondomain.SessionStatusPending),
		string(sessiondomain.SessionStatusRunning),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.loadSession(ctx, sessionID); err != nil {
			return err
		}
		return sessiondomain.ErrNotCancellable
	}

	s.log.Info("cancellation requested", zap.String("session_id", sessionID.String()))
	return nil
}

// RecoverStale finalizes sessions orphaned by a crash: RUNNING past the
// threshold, PENDING sessions whose dispatch was lost, plus any terminal
// session whose reservation is somehow still open. Each reservation is
// closed exactly once; the status claim is the gate.
func (s *Service) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clock.Now().UTC().Add(-olderThan)

	var stale []sessiondomain.GenerationSession
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, owner_id, kind, status, target_entity_id, reservation_id, error_kind, cancel_requested, created_at, started_at, completed_at
		 FROM generation_sessions
		 WHERE (status = ? AND started_at IS NOT NULL AND started_at < ?)
		    OR (status = ? AND created_at < ?)`,
		string(sessiondomain.SessionStatusRunning), cutoff,
		string(sessiondomain.SessionStatusPending), cutoff,
	).Scan(&stale).Error
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range stale {
		session := &stale[i]
		now := s.clock.Now().UTC()
		claim := s.db.WithContext(ctx).Exec(
			`UPDATE generation_sessions SET status = ?, error_kind = ?, completed_at = ?
			 WHERE id = ? AND status = ?`,
			string(sessiondomain.SessionStatusFailed), sessiondomain.ErrorKindRecoveryTimeout, now,
			session.ID, string(session.Status),
		)
		if claim.Error != nil {
			return recovered, claim.Error
		}
		if claim.RowsAffected == 0 {
			continue
		}

		if err := s.db.WithContext(ctx).Exec(
			`UPDATE generation_stages SET status = ?, error_kind = ?, finished_at = ?
			 WHERE session_id = ? AND status = ?`,
			string(sessiondomain.StageStatusFailed), sessiondomain.ErrorKindRecoveryTimeout, now,
			session.ID, string(sessiondomain.StageStatusRunning),
		).Error; err != nil {
			return recovered, err
		}
		if err := s.db.WithContext(ctx).Exec(
			`UPDATE generation_stages SET status = ? WHERE session_id = ? AND status = ?`,
			string(sessiondomain.StageStatusSkipped), session.ID, string(sessiondomain.StageStatusPending),
		).Error; err != nil {
			return recovered, err
		}

		if err := s.closeReservation(ctx, session.ID, session.ReservationID, false); err != nil {
			return recovered, err
		}

		session.Status = sessiondomain.SessionStatusFailed
		session.ErrorKind = sessiondomain.ErrorKindRecoveryTimeout
		session.CompletedAt = &now
		if stages, err := s.loadStages(ctx, session.ID); err == nil {
			s.publish(session, stages)
		}

		s.log.Warn("recovered stale session",
			zap.String("session_id", session.ID.String()),
			zap.Time("started_at", derefTime(session.StartedAt)),
		)
		recovered++
	}

	if err := s.closeOrphanedReservations(ctx); err != nil {
		return recovered, err
	}
	return recovered, nil
}

// closeOrphanedReservations handles the narrow crash window between a
// session's terminal claim and its ledger call.
func (s *Service) closeOrphanedReservations(ctx context.Context) error {
	var orphans []struct {
		SessionID     snowflake.ID
		ReservationID snowflake.ID
		Status        string
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT s.id AS session_id, s.reservation_id, s.status
		 FROM generation_sessions s
		 JOIN credit_reservations r ON r.id = s.reservation_id
		 WHERE r.status = ? AND s.status IN (?, ?, ?)`,
		string(ledgerdomain.ReservationStatusOpen),
		string(sessiondomain.SessionStatusSucceeded),
		string(sessiondomain.SessionStatusFailed),
		string(sessiondomain.SessionStatusCancelled),
	).Scan(&orphans).Error
	if err != nil {
		return err
	}

	for _, orphan := range orphans {
		succeeded := orphan.Status == string(sessiondomain.SessionStatusSucceeded)
		if err := s.closeReservation(ctx, orphan.SessionID, orphan.ReservationID, succeeded); err != nil {
			return err
		}
		s.log.Warn("closed orphaned reservation",
			zap.String("session_id", orphan.SessionID.String()),
			zap.String("reservation_id", orphan.ReservationID.String()),
		)
	}
	return nil
}

// closeReservation applies the refund policy: pay for completed stages only.
// A succeeded session settles even at zero cost; otherwise a zero actual
// releases the hold outright.
func (s *Service) closeReservation(ctx context.Context, sessionID, reservationID snowflake.ID, succeeded bool) error {
	actual, err := s.completedCost(ctx, sessionID)
	if err != nil {
		return err
	}
	if succeeded || actual > 0 {
		return s.ledger.Settle(ctx, reservationID, actual)
	}
	return s.ledger.Release(ctx, reservationID)
}

func (s *Service) completedCost(ctx context.Context, sessionID snowflake.ID) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(cost_units), 0) FROM generation_stages
		 WHERE session_id = ? AND status = ?`,
		sessionID, string(sessiondomain.StageStatusSucceeded),
	).Scan(&total).Error
	return total, err
}

func (s *Service) loadSession(ctx context.Context, sessionID snowflake.ID) (*sessiondomain.GenerationSession, error) {
	var session sessiondomain.GenerationSession
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, owner_id, kind, status, target_entity_id, reservation_id, payload, error_kind, cancel_requested, created_at, started_at, completed_at
		 FROM generation_sessions WHERE id = ?`,
		sessionID,
	).Scan(&session).Error
	if err != nil {
		return nil, err
	}
	if session.ID == 0 {
		return nil, sessiondomain.ErrSessionNotFound
	}
	return &session, nil
}

func (s *Service) loadStages(ctx context.Context, sessionID snowflake.ID) ([]sessiondomain.StageResult, error) {
	var stages []sessiondomain.StageResult
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, session_id, seq, name, status, cost_units, output_ref, error_kind, started_at, finished_at
		 FROM generation_stages WHERE session_id = ? ORDER BY seq`,
		sessionID,
	).Scan(&stages).Error
	if err != nil {
		return nil, err
	}
	return stages, nil
}

func (s *Service) cancelRequested(ctx context.Context, sessionID snowflake.ID) (bool, error) {
	var requested bool
	err := s.db.WithContext(ctx).Raw(
		`SELECT cancel_requested FROM generation_sessions WHERE id = ?`,
		sessionID,
	).Scan(&requested).Error
	return requested, err
}

func buildSnapshot(session *sessiondomain.GenerationSession, stages []sessiondomain.StageResult) *sessiondomain.Snapshot {
	views := make([]sessiondomain.StageView, 0, len(stages))
	for _, stage := range stages {
		views = append(views, sessiondomain.StageView{
			Seq:        stage.Seq,
			Name:       stage.Name,
			Status:     stage.Status,
			CostUnits:  stage.CostUnits,
			OutputRef:  stage.OutputRef,
			ErrorKind:  stage.ErrorKind,
			StartedAt:  stage.StartedAt,
			FinishedAt: stage.FinishedAt,
		})
	}

	percent := sessiondomain.PercentComplete(views)
	if session.Status == sessiondomain.SessionStatusSucceeded {
		percent = 100
	}

	return &sessiondomain.Snapshot{
		ID:              session.ID,
		OwnerID:         session.OwnerID,
		Kind:            session.Kind,
		Status:          session.Status,
		TargetEntityID:  session.TargetEntityID,
		ErrorKind:       session.ErrorKind,
		PercentComplete: percent,
		Stages:          views,
		CreatedAt:       session.CreatedAt,
		CompletedAt:     session.CompletedAt,
	}
}

func (s *Service) publish(session *sessiondomain.GenerationSession, stages []sessiondomain.StageResult) {
	snapshot := buildSnapshot(session, stages)

	event := progress.Snapshot{
		SessionID:       snapshot.ID.String(),
		SessionStatus:   string(snapshot.Status),
		PercentComplete: snapshot.PercentComplete,
		ErrorKind:       snapshot.ErrorKind,
	}
	if snapshot.TargetEntityID != nil {
		event.TargetEntityID = snapshot.TargetEntityID.String()
	}
	for _, view := range snapshot.Stages {
		if view.Status == sessiondomain.StageStatusRunning || view.Status == sessiondomain.StageStatusFailed {
			event.StageName = view.Name
			event.StageStatus = string(view.Status)
			break
		}
	}
	s.hub.Publish(event)
	s.metrics.RecordProgressEvent(context.Background(), event.SessionStatus)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
