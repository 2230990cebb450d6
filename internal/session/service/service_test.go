package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fableworks/loreline/internal/clock"
	"github.com/fableworks/loreline/internal/config"
	entityrepo "github.com/fableworks/loreline/internal/entity/repository"
	gatewaydomain "github.com/fableworks/loreline/internal/gateway/domain"
	ledgerdomain "github.com/fableworks/loreline/internal/ledger/domain"
	ledgerservice "github.com/fableworks/loreline/internal/ledger/service"
	"github.com/fableworks/loreline/internal/progress"
	sessiondomain "github.com/fableworks/loreline/internal/session/domain"
)

type fakeGateway struct {
	compileOutput string
	compileErr    error
	analyzeOutput string
	analyzeErr    error
	submitErr     error
	pollStatus    gatewaydomain.SynthesisStatus
	pollOutputRef string
	pollReason    string

	onSubmit func()
	onPoll   func()

	quota *config.QuotaHolder
}

func (f *fakeGateway) CompileText(ctx context.Context, req gatewaydomain.CompileTextRequest) (*gatewaydomain.OperationResult, error) {
	if f.compileErr != nil {
		return nil, f.compileErr
	}
	return &gatewaydomain.OperationResult{
		Output:    f.compileOutput,
		CostUnits: f.quota.StageCost(config.StageCompileText),
	}, nil
}

func (f *fakeGateway) AnalyzeImage(ctx context.Context, req gatewaydomain.AnalyzeImageRequest) (*gatewaydomain.OperationResult, error) {
	if f.analyzeErr != nil {
		return nil, f.analyzeErr
	}
	return &gatewaydomain.OperationResult{
		Output:    f.analyzeOutput,
		CostUnits: f.quota.StageCost(config.StageAnalyzeImage),
	}, nil
}

func (f *fakeGateway) SubmitSynthesis(ctx context.Context, req gatewaydomain.SynthesisRequest) (*gatewaydomain.SynthesisSubmission, error) {
	if f.onSubmit != nil {
		f.onSubmit()
	}
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &gatewaydomain.SynthesisSubmission{
		JobID:     "job-1",
		CostUnits: f.quota.StageCost(config.StageSynthesizeImage),
	}, nil
}

func (f *fakeGateway) PollSynthesis(ctx context.Context, jobID string) (*gatewaydomain.PollResult, error) {
	if f.onPoll != nil {
		f.onPoll()
	}
	status := f.pollStatus
	if status == "" {
		status = gatewaydomain.SynthesisStatusSucceeded
	}
	return &gatewaydomain.PollResult{
		Status:    status,
		OutputRef: f.pollOutputRef,
		Reason:    f.pollReason,
	}, nil
}

type fakeFetcher struct{}

func (fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	return []byte("fake-image-bytes"), "image/png", nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	// SQLite support hack: remove FOR UPDATE clauses
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate)

	for _, stmt := range []string{
		`CREATE TABLE credit_accounts (
			owner_id INTEGER PRIMARY KEY,
			balance INTEGER NOT NULL,
			reserved_total INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE credit_reservations (
			id INTEGER PRIMARY KEY,
			owner_id INTEGER NOT NULL,
			session_id INTEGER NOT NULL,
			amount INTEGER NOT NULL,
			settled_amount INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP
		)`,
		`CREATE TABLE credit_transactions (
			id INTEGER PRIMARY KEY,
			owner_id INTEGER NOT NULL,
			reservation_id INTEGER,
			kind TEXT NOT NULL,
			amount INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE generation_sessions (
			id INTEGER PRIMARY KEY,
			owner_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			target_entity_id INTEGER,
			reservation_id INTEGER NOT NULL,
			payload TEXT,
			error_kind TEXT NOT NULL DEFAULT '',
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE TABLE generation_stages (
			id INTEGER PRIMARY KEY,
			session_id INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			cost_units INTEGER NOT NULL DEFAULT 0,
			output_ref TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		)`,
		`CREATE TABLE entities (
			id INTEGER PRIMARY KEY,
			owner_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			species TEXT,
			body TEXT NOT NULL DEFAULT '',
			bot_owned INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_corrected_at TIMESTAMP
		)`,
		`CREATE TABLE media_assets (
			id INTEGER PRIMARY KEY,
			entity_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			url TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	return db
}

type fixture struct {
	svc     *Service
	ledger  ledgerdomain.Service
	gateway *fakeGateway
	hub     *progress.Hub
	db      *gorm.DB
	clock   *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	db := openTestDB(t)
	fakeClock := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	quota := config.NewStaticQuotaHolder(config.DefaultQuotaConfig())

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fakeClock,
	})

	gateway := &fakeGateway{
		compileOutput: "a compiled character sheet",
		analyzeOutput: "a tall gray wolf",
		pollOutputRef: "https://cdn.example/avatar.png",
		quota:         quota,
	}

	hub := progress.NewHub()
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fakeClock,
		Cfg: config.Config{
			PollIntervalMillis: 1,
			SynthesisBudgetSec: 5,
		},
		Quota:    quota,
		Ledger:   ledgerSvc,
		Gateway:  gateway,
		Hub:      hub,
		Entities: entityrepo.Provide(),
		Fetcher:  fakeFetcher{},
	})

	return &fixture{svc: svc, ledger: ledgerSvc, gateway: gateway, hub: hub, db: db, clock: fakeClock}
}

func (f *fixture) topup(t *testing.T, owner snowflake.ID, amount int64) {
	t.Helper()
	if _, err := f.ledger.Topup(context.Background(), owner, amount); err != nil {
		t.Fatalf("topup: %v", err)
	}
}

func (f *fixture) account(t *testing.T, owner snowflake.ID) *ledgerdomain.CreditAccount {
	t.Helper()
	account, err := f.ledger.GetAccount(context.Background(), owner)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return account
}

func TestCharacterSessionSucceedsAndSettlesActualCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := snowflake.ID(42)
	f.topup(t, owner, 100)

	snapshot, err := f.svc.Admit(ctx, sessiondomain.AdmitRequest{
		OwnerID: owner,
		Kind:    sessiondomain.KindCharacter,
		Payload: map[string]any{"prompt": "a forest ranger", "name": "Rowan"},
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if snapshot.Status != sessiondomain.SessionStatusPending {
		t.Fatalf("expected PENDING, got %s", snapshot.Status)
	}

	// estimated cost 25 is held, nothing deducted yet
	account := f.account(t, owner)
	if account.Balance != 100 || account.ReservedTotal != 25 {
		t.Fatalf("expected balance 100 reserved 25, got %d/%d", account.Balance, account.ReservedTotal)
	}

	if err := f.svc.Run(ctx, snapshot.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	final, err := f.svc.Get(ctx, snapshot.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != sessiondomain.SessionStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", final.Status, final.ErrorKind)
	}
	if final.PercentComplete != 100 {
		t.Fatalf("expected percent 100, got %d", final.PercentComplete)
	}
	if final.TargetEntityID == nil {
		t.Fatal("expected target entity to be created")
	}
	for _, stage := range final.Stages {
		if stage.Status != sessiondomain.StageStatusSucceeded {
			t.Fatalf("expected all stages SUCCEEDED, got %s for %s", stage.Status, stage.Name)
		}
	}

	// settled for actual cost 25, hold fully dropped
	account = f.account(t, owner)
	if account.Balance != 75 || account.ReservedTotal != 0 {
		t.Fatalf("expected balance 75 reserved 0, got %d/%d", account.Balance, account.ReservedTotal)
	}

	var mediaCount int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM media_assets WHERE entity_id = ?`, *final.TargetEntityID).Scan(&mediaCount).Error; err != nil {
		t.Fatalf("count media: %v", err)
	}
	if mediaCount != 1 {
		t.Fatalf("expected 1 media asset, got %d", mediaCount)
	}
}

func TestAdmitInsufficientBalanceCreatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := snowflake.ID(43)
	f.topup(t, owner, 10)

	_, err := f.svc.Admit(ctx, sessiondomain.AdmitRequest{
		OwnerID: owner,
		Kind:    sessiondomain.KindCharacter,
		Payload: map[string]any{"prompt": "p"},
	})
	if !errors.Is(err, ledgerdomain.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	var sessions int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM generation_sessions`).Scan(&sessions).Error; err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if sessions != 0 {
		t.Fatalf("expected no sessions, got %d", sessions)
	}

	account := f.account(t, owner)
	if account.Balance != 10 || account.ReservedTotal != 0 {
		t.Fatalf("expected untouched account, got %d/%d", account.Balance, account.ReservedTotal)
	}
}

func TestStageFailureChargesOnlyCompletedStages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := snowflake.ID(44)
	f.topup(t, owner, 100)

	f.gateway.pollStatus = gatewaydomain.SynthesisStatusFailed
	f.gateway.pollReason = "moderation_rejected"

	snapshot, err := f.svc.Admit(ctx, sessiondomain.AdmitRequest{
		OwnerID: owner,
		Kind:    sessiondomain.KindCharacter,
		Payload: map[string]any{"prompt": "p", "name": "n"},
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := f.svc.Run(ctx, snapshot.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	final, err := f.svc.Get(ctx, snapshot.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != sessiondomain.SessionStatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	if final.ErrorKind != sessiondomain.ErrorKindOperationFailed {
		t.Fatalf("expected operation failed error kind, got %s", final.ErrorKind)
	}

	if final.Stages[0].Status != sessiondomain.StageStatusSucceeded {
		t.Fatalf("expected first stage SUCCEEDED, got %s", final.Stages[0].Status)
	}
	if final.Stages[1].Status != sessiondomain.StageStatusFailed || final.Stages[1].ErrorKind != "moderation_rejected" {
		t.Fatalf("unexpected second stage: %+v", final.Stages[1])
	}

	// pays for the compiled text (5), the held remainder comes back
	account := f.account(t, owner)
	if account.Balance != 95 || account.ReservedTotal != 0 {
		t.Fatalf("expected balance 95 reserved 0, got %d/%d", account.Balance, account.ReservedTotal)
	}

	var entities int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM entities`).Scan(&entities).Error; err != nil {
		t.Fatalf("count entities: %v", err)
	}
	if entities != 0 {
		t.Fatalf("expected no entity persisted on failure, got %d", entities)
	}
}

func TestFirstStageFailureReleasesWholeHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := snowflake.ID(45)
	f.topup(t, owner, 100)

	f.gateway.compileErr = &gatewaydomain.OperationError{
		Kind:   gatewaydomain.OperationCompileText,
		Reason: "empty_model_output",
	}

	snapshot, err := f.svc.Admit(ctx, sessiondomain.AdmitRequest{
		OwnerID: owner,
		Kind:    sessiondomain.KindCharacter,
		Payload: map[string]any{"prompt": "p"},
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := f.svc.Run(ctx, snapshot.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	final, err := f.svc.Get(ctx, snapshot.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != sessiondomain.SessionStatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}

	// zero cost incurred: release, not settle
	account := f.account(t, owner)
	if account.Balance != 100 || account.ReservedTotal != 0 {
		t.Fatalf("expected balance 100 reserved 0, got %d/%d", account.Balance, account.ReservedTotal)
	}

	// the stage never reached is marked skipped, not left queued
	if final.Stages[1].Status != sessiondomain.StageStatusSkipped {
		t.Fatalf("expected second stage SKIPPED after first failed, got %s", final.Stages[1].Status)
	}
}

func TestSynthesisBudgetExhaustedFailsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := snowflake.ID(46)
	f.topup(t, owner, 100)

	// the job never finishes; each poll moves the clock past the budget
	f.gateway.pollStatus = gatewaydomain.SynthesisStatusPending
	f.gateway.onPoll = func() { f.clock.Advance(10 * time.Second) }

	snapshot, err := f.svc.Admit(ctx, sessiondomain.AdmitRequest{
		OwnerID: owner,
		Kind:    sessiondomain.KindCharacter,
		Payload: map[string]any{"prompt": "p", "name": "n"},
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := f.svc.Run(ctx, snapshot.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	final, err := f.svc.Get(ctx, snapshot.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != sessiondomain.SessionStatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	if final.ErrorKind != sessiondomain.ErrorKindOperationTimeout {
		t.Fatalf("expected timeout error kind, got %s", final.ErrorKind)
	}
	if final.Stages[1].Status != sessiondomain.StageStatusFailed {
		t.Fatalf("expected synthesis stage FAILED, got %s", final.Stages[1].Status)
	}

	// only the compiled text is charged
	account := f.account(t, owner)
	if account.Balance != 95 || account.ReservedTotal != 0 {
		t.Fatalf("expected balance 95 reserved 0, got %d/%d", account.Balance, account.ReservedTotal)
	}
}

func TestRunIsSingleShot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := snowflake.ID(46)
	f.topup(t, owner, 100)

	snapshot, err := f.svc.Admit(ctx, sessiondomain.AdmitRequest{
		OwnerID: owner,
		Kind:    sessiondomain.KindStory,
		Payload: map[string]any{"prompt": "a short tale", "name": "Tale"},
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := f.svc.Run(ctx, snapshot.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := f.svc.Run(ctx, snapshot.ID); err != nil {
		t.Fatalf("second run must be a no-op, got %v", err)
	}

	account := f.account(t, owner)
	if account.Balance != 95 || account.ReservedTotal != 0 {
		t.Fatalf("expected single settle of 5, got %d/%d", account.Balance, account.ReservedTotal)
	}
}

func TestCancelBetweenPollsDiscardsSynthesis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := snowflake.ID(47)
	f.topup(t, owner, 100)

	snapshot, err := f.svc.Admit(ctx, sessiondomain.AdmitRequest{
		OwnerID: owner,
		Kind:    sessiondomain.KindCharacter,
		Payload: map[string]any{"prompt": "p", "name": "n"},
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	// cancel lands while the synthesis job is in flight
	f.gateway.onSubmit = func() {
		if err := f.svc.Cancel(ctx, snapshot.ID); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}

	if err := f.svc.Run(ctx, snapshot.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	final, err := f.svc.Get(ctx, snapshot.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != sessiondomain.SessionStatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", final.Status)
	}

	// compile completed before the cancel, so only its cost is charged
	account := f.account(t, owner)
	if account.Balance != 95 || account.ReservedTotal != 0 {
		t.Fatalf("expected balance 95 reserved 0, got %d/%d", account.Balance, account.ReservedTotal)
	}
}

func TestCancelTerminalSessionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := snowflake.ID(48)
	f.topup(t, owner, 100)

	snapshot, err := f.svc.Admit(ctx, sessiondomain.AdmitRequest{
		OwnerID: owner,
		Kind:    sessiondomain.KindStory,
		Payload: map[string]any{"prompt": "p", "name": "n"},
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := f.svc.Run(ctx, snapshot.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if err := f.svc.Cancel(ctx, snapshot.ID); !errors.Is(err, sessiondomain.ErrNotCancellable) {
		t.Fatalf("expected not cancellable, got %v", err)
	}
}

func TestDataCorrectionAnalyzesExistingPortrait(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := snowflake.ID(49)
	f.topup(t, owner, 100)

	entityID := snowflake.ID(7001)
	now := f.clock.Now()
	if err := f.db.Exec(
		`INSERT INTO entities (id, owner_id, kind, name, species, body, bot_owned, created_at, updated_at)
		 VALUES (?, ?, 'CHARACTER', 'Wolfram', NULL, 'sheet', 1, ?, ?)`,
		entityID, owner, now, now,
	).Error; err != nil {
		t.Fatalf("seed entity: %v", err)
	}
	if err := f.db.Exec(
		`INSERT INTO media_assets (id, entity_id, role, url, created_at)
		 VALUES (?, ?, 'primary', 'https://cdn.example/wolfram.png', ?)`,
		snowflake.ID(7002), entityID, now,
	).Error; err != nil {
		t.Fatalf("seed media: %v", err)
	}

	f.gateway.compileOutput = "gray wolf\nfurther detail ignored"

	snapshot, err := f.svc.Admit(ctx, sessiondomain.AdmitRequest{
		OwnerID:        owner,
		Kind:           sessiondomain.KindDataCorrection,
		TargetEntityID: entityID,
		Payload:        map[string]any{"prompt": "identify the species"},
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := f.svc.Run(ctx, snapshot.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	final, err := f.svc.Get(ctx, snapshot.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != sessiondomain.SessionStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", final.Status, final.ErrorKind)
	}

	var species string
	if err := f.db.Raw(`SELECT species FROM entities WHERE id = ?`, entityID).Scan(&species).Error; err != nil {
		t.Fatalf("read species: %v", err)
	}
	if species != "gray wolf" {
		t.Fatalf("expected species 'gray wolf', got %q", species)
	}

	// analyze 8 + compile 5
	account := f.account(t, owner)
	if account.Balance != 87 || account.ReservedTotal != 0 {
		t.Fatalf("expected balance 87 reserved 0, got %d/%d", account.Balance, account.ReservedTotal)
	}
}

func TestRecoverStaleFinalizesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := snowflake.ID(50)
	f.topup(t, owner, 100)

	snapshot, err := f.svc.Admit(ctx, sessiondomain.AdmitRequest{
		OwnerID: owner,
		Kind:    sessiondomain.KindCharacter,
		Payload: map[string]any{"prompt": "p"},
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	// simulate a crash mid-run: RUNNING session with one paid stage
	started := f.clock.Now().Add(-2 * time.Hour)
	if err := f.db.Exec(
		`UPDATE generation_sessions SET status = 'RUNNING', started_at = ? WHERE id = ?`,
		started, snapshot.ID,
	).Error; err != nil {
		t.Fatalf("seed running session: %v", err)
	}
	if err := f.db.Exec(
		`UPDATE generation_stages SET status = 'SUCCEEDED', cost_units = 5 WHERE session_id = ? AND seq = 0`,
		snapshot.ID,
	).Error; err != nil {
		t.Fatalf("seed stage: %v", err)
	}
	if err := f.db.Exec(
		`UPDATE generation_stages SET status = 'RUNNING' WHERE session_id = ? AND seq = 1`,
		snapshot.ID,
	).Error; err != nil {
		t.Fatalf("seed stage: %v", err)
	}

	recovered, err := f.svc.RecoverStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered session, got %d", recovered)
	}

	final, err := f.svc.Get(ctx, snapshot.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != sessiondomain.SessionStatusFailed || final.ErrorKind != sessiondomain.ErrorKindRecoveryTimeout {
		t.Fatalf("expected FAILED/recovery_timeout, got %s/%s", final.Status, final.ErrorKind)
	}

	// settled for the completed stage only
	account := f.account(t, owner)
	if account.Balance != 95 || account.ReservedTotal != 0 {
		t.Fatalf("expected balance 95 reserved 0, got %d/%d", account.Balance, account.ReservedTotal)
	}

	// a second sweep finds nothing to do
	recovered, err = f.svc.RecoverStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("expected 0 recovered on second sweep, got %d", recovered)
	}
	account = f.account(t, owner)
	if account.Balance != 95 || account.ReservedTotal != 0 {
		t.Fatalf("balance moved on second sweep: %d/%d", account.Balance, account.ReservedTotal)
	}
}

func TestRecoverStaleReleasesNeverStartedSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := snowflake.ID(55)
	f.topup(t, owner, 100)

	// no dispatcher is wired, so the session stays PENDING with its hold open
	snapshot, err := f.svc.Admit(ctx, sessiondomain.AdmitRequest{
		OwnerID: owner,
		Kind:    sessiondomain.KindCharacter,
		Payload: map[string]any{"prompt": "p"},
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	account := f.account(t, owner)
	if account.ReservedTotal == 0 {
		t.Fatal("expected an open hold after admission")
	}

	f.clock.Advance(2 * time.Hour)
	fresh, err := f.svc.Admit(ctx, sessiondomain.AdmitRequest{
		OwnerID: owner,
		Kind:    sessiondomain.KindStory,
		Payload: map[string]any{"prompt": "p"},
	})
	if err != nil {
		t.Fatalf("admit fresh: %v", err)
	}

	recovered, err := f.svc.RecoverStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 recovered session, got %d", recovered)
	}

	final, err := f.svc.Get(ctx, snapshot.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != sessiondomain.SessionStatusFailed || final.ErrorKind != sessiondomain.ErrorKindRecoveryTimeout {
		t.Fatalf("expected FAILED/recovery_timeout, got %s/%s", final.Status, final.ErrorKind)
	}
	for _, stage := range final.Stages {
		if stage.Status != sessiondomain.StageStatusSkipped {
			t.Fatalf("expected stage %s SKIPPED, got %s", stage.Name, stage.Status)
		}
	}

	// nothing ran, so the whole hold for the stale session comes back
	freshSnapshot, err := f.svc.Get(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if freshSnapshot.Status != sessiondomain.SessionStatusPending {
		t.Fatalf("fresh pending session must not be swept, got %s", freshSnapshot.Status)
	}
	var freshHold int64
	if err := f.db.Raw(
		`SELECT amount FROM credit_reservations WHERE session_id = ?`, fresh.ID,
	).Scan(&freshHold).Error; err != nil {
		t.Fatalf("load fresh reservation: %v", err)
	}
	account = f.account(t, owner)
	if account.Balance != 100 {
		t.Fatalf("expected full refund of the stale hold, got balance %d", account.Balance)
	}
	if account.ReservedTotal != freshHold {
		t.Fatalf("expected only the fresh hold (%d) to remain, got reserved %d", freshHold, account.ReservedTotal)
	}
}

func TestRecoverStaleIgnoresFreshSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := snowflake.ID(51)
	f.topup(t, owner, 100)

	snapshot, err := f.svc.Admit(ctx, sessiondomain.AdmitRequest{
		OwnerID: owner,
		Kind:    sessiondomain.KindStory,
		Payload: map[string]any{"prompt": "p"},
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := f.db.Exec(
		`UPDATE generation_sessions SET status = 'RUNNING', started_at = ? WHERE id = ?`,
		f.clock.Now(), snapshot.ID,
	).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	recovered, err := f.svc.RecoverStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("expected no recovery for fresh session, got %d", recovered)
	}
}

func TestProgressEventsAreMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := snowflake.ID(52)
	f.topup(t, owner, 100)

	snapshot, err := f.svc.Admit(ctx, sessiondomain.AdmitRequest{
		OwnerID: owner,
		Kind:    sessiondomain.KindCharacter,
		Payload: map[string]any{"prompt": "p", "name": "n"},
	})
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	sub, _, err := f.hub.Subscribe(snapshot.ID.String())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := f.svc.Run(ctx, snapshot.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	last := -1
	terminalSeen := false
	for {
		select {
		case event := <-sub.Events():
			if event.PercentComplete < last {
				t.Fatalf("percent decreased from %d to %d", last, event.PercentComplete)
			}
			last = event.PercentComplete
			if event.SessionStatus == string(sessiondomain.SessionStatusSucceeded) {
				terminalSeen = true
			}
		default:
			if !terminalSeen {
				t.Fatal("expected a terminal progress event")
			}
			if last != 100 {
				t.Fatalf("expected final percent 100, got %d", last)
			}
			return
		}
	}
}

type fakeDispatcher struct {
	dispatched []snowflake.ID
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, sessionID snowflake.ID) error {
	f.dispatched = append(f.dispatched, sessionID)
	return nil
}

func TestSynchronousAdmissionSkipsDispatch(t *testing.T) {
	f := newFixture(t)
	dispatcher := &fakeDispatcher{}
	f.svc.SetDispatcher(dispatcher)
	ctx := context.Background()
	owner := snowflake.ID(56)
	f.topup(t, owner, 100)

	if _, err := f.svc.Admit(ctx, sessiondomain.AdmitRequest{
		OwnerID:     owner,
		Kind:        sessiondomain.KindStory,
		Payload:     map[string]any{"prompt": "p"},
		Synchronous: true,
	}); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if len(dispatcher.dispatched) != 0 {
		t.Fatalf("synchronous admission must not dispatch, got %d", len(dispatcher.dispatched))
	}

	if _, err := f.svc.Admit(ctx, sessiondomain.AdmitRequest{
		OwnerID: owner,
		Kind:    sessiondomain.KindStory,
		Payload: map[string]any{"prompt": "p"},
	}); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if len(dispatcher.dispatched) != 1 {
		t.Fatalf("expected the async admission to dispatch once, got %d", len(dispatcher.dispatched))
	}
}

func TestAdmitUnknownKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Admit(context.Background(), sessiondomain.AdmitRequest{
		OwnerID: snowflake.ID(53),
		Kind:    sessiondomain.SessionKind("unsupported"),
	})
	if !errors.Is(err, sessiondomain.ErrUnknownKind) {
		t.Fatalf("expected unknown kind, got %v", err)
	}
}
