package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/fableworks/loreline/internal/config"
	entitydomain "github.com/fableworks/loreline/internal/entity/domain"
	gatewaydomain "github.com/fableworks/loreline/internal/gateway/domain"
	obsmetrics "github.com/fableworks/loreline/internal/observability/metrics"
	sessiondomain "github.com/fableworks/loreline/internal/session/domain"
)

// errCancelled aborts stage execution when the cooperative cancel flag is
// observed mid-stage (between synthesis polls).
var errCancelled = errors.New("session_cancelled")

type stageOutcome struct {
	outputRef string
	costUnits int64
}

// Run drives one admitted session to a terminal state: stages strictly in
// order, progress published at every transition, the reservation closed for
// actual spend on the way out.
func (s *Service) Run(ctx context.Context, sessionID snowflake.ID) error {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	claim := s.db.WithContext(ctx).Exec(
		`UPDATE generation_sessions SET status = ?, started_at = ?
		 WHERE id = ? AND status = ?`,
		string(sessiondomain.SessionStatusRunning), now,
		sessionID, string(sessiondomain.SessionStatusPending),
	)
	if claim.Error != nil {
		return claim.Error
	}
	if claim.RowsAffected == 0 {
		// someone else ran it, or it was already finalized
		return nil
	}
	session.Status = sessiondomain.SessionStatusRunning
	session.StartedAt = &now

	stages, err := s.loadStages(ctx, sessionID)
	if err != nil {
		return err
	}
	s.publish(session, stages)

	outputs := make(map[string]string, len(stages))
	for i := range stages {
		stage := &stages[i]

		cancelled, err := s.cancelRequested(ctx, sessionID)
		if err != nil {
			return err
		}
		if cancelled {
			return s.finalize(ctx, session, sessiondomain.SessionStatusCancelled, sessiondomain.ErrorKindCancelled, 0)
		}

		if err := s.markStageRunning(ctx, session, stages, stage); err != nil {
			return err
		}

		outcome, stageErr := s.executeStage(ctx, session, stage, outputs)
		if stageErr != nil {
			if errors.Is(stageErr, errCancelled) {
				if err := s.markStageFailed(ctx, stage, sessiondomain.ErrorKindCancelled); err != nil {
					return err
				}
				return s.finalize(ctx, session, sessiondomain.SessionStatusCancelled, sessiondomain.ErrorKindCancelled, 0)
			}

			reason := stageErrorReason(stageErr)
			if err := s.markStageFailed(ctx, stage, reason); err != nil {
				return err
			}
			s.log.Warn("stage failed",
				zap.String("session_id", sessionID.String()),
				zap.String("stage", stage.Name),
				zap.Error(stageErr),
			)
			return s.finalize(ctx, session, sessiondomain.SessionStatusFailed, sessionErrorKind(stageErr), 0)
		}

		outputs[stage.Name] = outcome.outputRef
		if err := s.markStageSucceeded(ctx, session, stages, stage, outcome); err != nil {
			return err
		}
	}

	targetID, persistErr := s.persistOutputs(ctx, session, outputs)
	if persistErr != nil {
		s.log.Error("failed to persist generation outputs",
			zap.String("session_id", sessionID.String()),
			zap.Error(persistErr),
		)
		return s.finalize(ctx, session, sessiondomain.SessionStatusFailed, sessiondomain.ErrorKindPersistFailed, 0)
	}

	return s.finalize(ctx, session, sessiondomain.SessionStatusSucceeded, "", targetID)
}

func (s *Service) executeStage(ctx context.Context, session *sessiondomain.GenerationSession, stage *sessiondomain.StageResult, outputs map[string]string) (*stageOutcome, error) {
	switch stage.Name {
	case config.StageCompileText:
		return s.runCompileText(ctx, session, outputs)
	case config.StageAnalyzeImage:
		return s.runAnalyzeImage(ctx, session)
	case config.StageSynthesizeImage:
		return s.runSynthesizeImage(ctx, session, outputs)
	default:
		return nil, &gatewaydomain.OperationError{
			Kind:   gatewaydomain.OperationKind(stage.Name),
			Reason: "unknown_stage",
		}
	}
}

func (s *Service) runCompileText(ctx context.Context, session *sessiondomain.GenerationSession, outputs map[string]string) (*stageOutcome, error) {
	prompt := payloadString(session.Payload, "prompt")
	if analysis := outputs[config.StageAnalyzeImage]; analysis != "" {
		prompt = prompt + "\n\nImage analysis:\n" + analysis
	}

	result, err := s.gateway.CompileText(ctx, gatewaydomain.CompileTextRequest{
		Prompt:      prompt,
		Instruction: payloadString(session.Payload, "instruction"),
	})
	if err != nil {
		return nil, err
	}
	return &stageOutcome{outputRef: result.Output, costUnits: result.CostUnits}, nil
}

func (s *Service) runAnalyzeImage(ctx context.Context, session *sessiondomain.GenerationSession) (*stageOutcome, error) {
	if session.TargetEntityID == nil {
		return nil, sessiondomain.ErrTargetNotFound
	}
	media, err := s.entities.PrimaryMedia(ctx, s.db, *session.TargetEntityID)
	if err != nil {
		return nil, err
	}
	if media == nil {
		return nil, sessiondomain.ErrMissingPrimaryRef
	}

	data, mimeType, err := s.fetcher.Fetch(ctx, media.URL)
	if err != nil {
		return nil, err
	}

	result, err := s.gateway.AnalyzeImage(ctx, gatewaydomain.AnalyzeImageRequest{
		Prompt:    payloadString(session.Payload, "prompt"),
		ImageData: data,
		MIMEType:  mimeType,
	})
	if err != nil {
		return nil, err
	}
	return &stageOutcome{outputRef: result.Output, costUnits: result.CostUnits}, nil
}

// runSynthesizeImage is the asynchronous two-call stage: submit, then poll
// cooperatively until the job finishes, the budget runs out, or the session
// is cancelled.
func (s *Service) runSynthesizeImage(ctx context.Context, session *sessiondomain.GenerationSession, outputs map[string]string) (*stageOutcome, error) {
	prompt := outputs[config.StageCompileText]
	if prompt == "" {
		prompt = payloadString(session.Payload, "prompt")
	}

	submission, err := s.gateway.SubmitSynthesis(ctx, gatewaydomain.SynthesisRequest{
		Prompt:       prompt,
		ReferenceRef: payloadString(session.Payload, "reference_ref"),
	})
	if err != nil {
		return nil, err
	}

	interval := time.Duration(s.cfg.PollIntervalMillis) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := s.clock.Now().Add(time.Duration(s.cfg.SynthesisBudgetSec) * time.Second)

	for {
		cancelled, err := s.cancelRequested(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		if cancelled {
			// the in-flight job is left to finish; its result is discarded
			return nil, errCancelled
		}

		result, err := s.gateway.PollSynthesis(ctx, submission.JobID)
		if err != nil {
			return nil, err
		}
		switch result.Status {
		case gatewaydomain.SynthesisStatusSucceeded:
			return &stageOutcome{outputRef: result.OutputRef, costUnits: submission.CostUnits}, nil
		case gatewaydomain.SynthesisStatusFailed:
			return nil, &gatewaydomain.OperationError{
				Kind:   gatewaydomain.OperationSynthesizeImage,
				Reason: result.Reason,
			}
		}

		if s.clock.Now().After(deadline) {
			return nil, fmt.Errorf("synthesis budget exhausted: %w", gatewaydomain.ErrOperationTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// persistOutputs writes the pipeline's artifacts to the entity store and
// returns the created entity id for entity-creating kinds.
func (s *Service) persistOutputs(ctx context.Context, session *sessiondomain.GenerationSession, outputs map[string]string) (snowflake.ID, error) {
	now := s.clock.Now().UTC()

	switch session.Kind {
	case sessiondomain.KindCharacter, sessiondomain.KindStory:
		// a story session aimed at an existing entity rewrites its body
		if session.Kind == sessiondomain.KindStory && session.TargetEntityID != nil {
			if err := s.entities.UpdateFields(ctx, s.db, *session.TargetEntityID, map[string]any{
				"body": outputs[config.StageCompileText],
			}); err != nil {
				return 0, err
			}
			return *session.TargetEntityID, s.entities.TouchCorrected(ctx, s.db, *session.TargetEntityID, now)
		}

		kind := entitydomain.EntityKindCharacter
		if session.Kind == sessiondomain.KindStory {
			kind = entitydomain.EntityKindStory
		}
		name := payloadString(session.Payload, "name")
		if name == "" {
			name = "Untitled"
		}
		created := &entitydomain.Entity{
			ID:        s.genID.Generate(),
			OwnerID:   session.OwnerID,
			Kind:      kind,
			Name:      name,
			Body:      outputs[config.StageCompileText],
			BotOwned:  payloadBool(session.Payload, "bot_owned"),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.entities.Insert(ctx, s.db, created); err != nil {
			return 0, err
		}
		if imageRef := outputs[config.StageSynthesizeImage]; imageRef != "" {
			if err := s.attachPrimary(ctx, created.ID, imageRef); err != nil {
				return 0, err
			}
		}
		return created.ID, nil

	case sessiondomain.KindAvatarCorrection:
		if session.TargetEntityID == nil {
			return 0, sessiondomain.ErrTargetNotFound
		}
		imageRef := outputs[config.StageSynthesizeImage]
		if imageRef == "" {
			return 0, sessiondomain.ErrMissingPrimaryRef
		}
		if err := s.attachPrimary(ctx, *session.TargetEntityID, imageRef); err != nil {
			return 0, err
		}
		return 0, s.entities.TouchCorrected(ctx, s.db, *session.TargetEntityID, now)

	case sessiondomain.KindDataCorrection:
		if session.TargetEntityID == nil {
			return 0, sessiondomain.ErrTargetNotFound
		}
		species := firstLine(outputs[config.StageCompileText])
		if species != "" {
			if err := s.entities.UpdateFields(ctx, s.db, *session.TargetEntityID, map[string]any{
				"species": species,
			}); err != nil {
				return 0, err
			}
		}
		return 0, s.entities.TouchCorrected(ctx, s.db, *session.TargetEntityID, now)
	}

	return 0, nil
}

func (s *Service) attachPrimary(ctx context.Context, entityID snowflake.ID, url string) error {
	return s.entities.AttachMedia(ctx, s.db, &entitydomain.MediaAsset{
		ID:        s.genID.Generate(),
		EntityID:  entityID,
		Role:      entitydomain.MediaRolePrimary,
		URL:       url,
		CreatedAt: s.clock.Now().UTC(),
	})
}

// finalize claims the terminal state, then closes the reservation. The claim
// is conditional on RUNNING, so concurrent finalizers (runner versus
// recovery sweep) touch the ledger once.
func (s *Service) finalize(ctx context.Context, session *sessiondomain.GenerationSession, status sessiondomain.SessionStatus, errorKind string, targetID snowflake.ID) error {
	now := s.clock.Now().UTC()
	claim := s.db.WithContext(ctx).Exec(
		`UPDATE generation_sessions SET status = ?, error_kind = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), errorKind, now,
		session.ID, string(sessiondomain.SessionStatusRunning),
	)
	if claim.Error != nil {
		return claim.Error
	}
	if claim.RowsAffected == 0 {
		return nil
	}

	// stages never reached become SKIPPED
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE generation_stages SET status = ? WHERE session_id = ? AND status = ?`,
		string(sessiondomain.StageStatusSkipped), session.ID, string(sessiondomain.StageStatusPending),
	).Error; err != nil {
		return err
	}

	if targetID != 0 {
		if err := s.db.WithContext(ctx).Exec(
			`UPDATE generation_sessions SET target_entity_id = ? WHERE id = ?`,
			targetID, session.ID,
		).Error; err != nil {
			return err
		}
		id := targetID
		session.TargetEntityID = &id
	}

	if err := s.closeReservation(ctx, session.ID, session.ReservationID, status == sessiondomain.SessionStatusSucceeded); err != nil {
		return err
	}

	session.Status = status
	session.ErrorKind = errorKind
	session.CompletedAt = &now

	stages, err := s.loadStages(ctx, session.ID)
	if err != nil {
		return err
	}
	s.publish(session, stages)

	sessionMetrics := obsmetrics.Sessions()
	sessionMetrics.IncSessionFinalized(string(session.Kind), string(status))
	if session.StartedAt != nil {
		sessionMetrics.ObserveSessionDuration(string(session.Kind), now.Sub(*session.StartedAt))
	}

	s.log.Info("session finalized",
		zap.String("session_id", session.ID.String()),
		zap.String("status", string(status)),
		zap.String("error_kind", errorKind),
	)
	return nil
}

func (s *Service) markStageRunning(ctx context.Context, session *sessiondomain.GenerationSession, stages []sessiondomain.StageResult, stage *sessiondomain.StageResult) error {
	now := s.clock.Now().UTC()
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE generation_stages SET status = ?, started_at = ? WHERE id = ?`,
		string(sessiondomain.StageStatusRunning), now, stage.ID,
	).Error; err != nil {
		return err
	}
	stage.Status = sessiondomain.StageStatusRunning
	stage.StartedAt = &now
	s.publish(session, stages)
	return nil
}

func (s *Service) markStageSucceeded(ctx context.Context, session *sessiondomain.GenerationSession, stages []sessiondomain.StageResult, stage *sessiondomain.StageResult, outcome *stageOutcome) error {
	now := s.clock.Now().UTC()
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE generation_stages SET status = ?, cost_units = ?, output_ref = ?, finished_at = ? WHERE id = ?`,
		string(sessiondomain.StageStatusSucceeded), outcome.costUnits, outcome.outputRef, now, stage.ID,
	).Error; err != nil {
		return err
	}
	stage.Status = sessiondomain.StageStatusSucceeded
	stage.CostUnits = outcome.costUnits
	stage.OutputRef = outcome.outputRef
	stage.FinishedAt = &now
	if stage.StartedAt != nil {
		obsmetrics.Sessions().ObserveStageDuration(stage.Name, now.Sub(*stage.StartedAt))
	}
	s.publish(session, stages)
	return nil
}

func (s *Service) markStageFailed(ctx context.Context, stage *sessiondomain.StageResult, errorKind string) error {
	now := s.clock.Now().UTC()
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE generation_stages SET status = ?, error_kind = ?, finished_at = ? WHERE id = ?`,
		string(sessiondomain.StageStatusFailed), errorKind, now, stage.ID,
	).Error; err != nil {
		return err
	}
	stage.Status = sessiondomain.StageStatusFailed
	stage.ErrorKind = errorKind
	stage.FinishedAt = &now
	return nil
}

// stageErrorReason keeps the specific failure on the stage record for
// debugging.
func stageErrorReason(err error) string {
	var opErr *gatewaydomain.OperationError
	if errors.As(err, &opErr) {
		return opErr.Reason
	}
	if errors.Is(err, gatewaydomain.ErrOperationTimeout) {
		return sessiondomain.ErrorKindOperationTimeout
	}
	if errors.Is(err, sessiondomain.ErrMissingPrimaryRef) {
		return "missing_primary_media"
	}
	return err.Error()
}

// sessionErrorKind is the coarse classification surfaced to users.
func sessionErrorKind(err error) string {
	if errors.Is(err, gatewaydomain.ErrOperationTimeout) {
		return sessiondomain.ErrorKindOperationTimeout
	}
	return sessiondomain.ErrorKindOperationFailed
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if value, ok := payload[key].(string); ok {
		return value
	}
	return ""
}

func payloadBool(payload map[string]any, key string) bool {
	if payload == nil {
		return false
	}
	if value, ok := payload[key].(bool); ok {
		return value
	}
	return false
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	if len(text) > 64 {
		text = text[:64]
	}
	return strings.TrimSpace(text)
}
