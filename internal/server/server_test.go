package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	ledgerdomain "github.com/fableworks/loreline/internal/ledger/domain"
	"github.com/fableworks/loreline/internal/progress"
	sessiondomain "github.com/fableworks/loreline/internal/session/domain"
)

type fakeSessionService struct {
	admitReq  *sessiondomain.AdmitRequest
	admitErr  error
	snapshot  *sessiondomain.Snapshot
	getErr    error
	cancelErr error
	cancelled []snowflake.ID
}

func (f *fakeSessionService) Admit(ctx context.Context, req sessiondomain.AdmitRequest) (*sessiondomain.Snapshot, error) {
	_ = ctx
	f.admitReq = &req
	if f.admitErr != nil {
		return nil, f.admitErr
	}
	return f.snapshot, nil
}

func (f *fakeSessionService) Run(ctx context.Context, sessionID snowflake.ID) error {
	_ = ctx
	_ = sessionID
	return nil
}

func (f *fakeSessionService) Cancel(ctx context.Context, sessionID snowflake.ID) error {
	_ = ctx
	f.cancelled = append(f.cancelled, sessionID)
	return f.cancelErr
}

func (f *fakeSessionService) Get(ctx context.Context, sessionID snowflake.ID) (*sessiondomain.Snapshot, error) {
	_ = ctx
	_ = sessionID
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.snapshot, nil
}

func (f *fakeSessionService) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	_ = ctx
	_ = olderThan
	return 0, nil
}

type fakeLedgerService struct {
	account   *ledgerdomain.CreditAccount
	topupErr  error
	getErr    error
	lastTopup int64
}

func (f *fakeLedgerService) Reserve(ctx context.Context, ownerID, sessionID snowflake.ID, amount int64) (*ledgerdomain.CreditReservation, error) {
	panic("not used")
}

func (f *fakeLedgerService) Settle(ctx context.Context, reservationID snowflake.ID, actualAmount int64) error {
	panic("not used")
}

func (f *fakeLedgerService) Release(ctx context.Context, reservationID snowflake.ID) error {
	panic("not used")
}

func (f *fakeLedgerService) Topup(ctx context.Context, ownerID snowflake.ID, amount int64) (*ledgerdomain.CreditAccount, error) {
	_ = ctx
	f.lastTopup = amount
	if f.topupErr != nil {
		return nil, f.topupErr
	}
	return f.account, nil
}

func (f *fakeLedgerService) GetAccount(ctx context.Context, ownerID snowflake.ID) (*ledgerdomain.CreditAccount, error) {
	_ = ctx
	_ = ownerID
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.account, nil
}

func (f *fakeLedgerService) GetReservation(ctx context.Context, reservationID snowflake.ID) (*ledgerdomain.CreditReservation, error) {
	panic("not used")
}

func testSnapshot(id snowflake.ID) *sessiondomain.Snapshot {
	return &sessiondomain.Snapshot{
		ID:      id,
		OwnerID: snowflake.ID(7),
		Kind:    sessiondomain.KindCharacter,
		Status:  sessiondomain.SessionStatusPending,
	}
}

func newTestRouter(srv *Server, register func(*gin.Engine)) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ErrorHandlingMiddleware())
	register(router)
	return router
}

func TestCreateGenerationAdmitsSession(t *testing.T) {
	sessionSvc := &fakeSessionService{snapshot: testSnapshot(snowflake.ID(42))}
	srv := &Server{sessionSvc: sessionSvc}
	router := newTestRouter(srv, func(r *gin.Engine) {
		r.POST("/v1/generations", srv.CreateGeneration)
	})

	body := `{"owner_id":"7","kind":"character","payload":{"prompt":"a fox ranger"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/generations", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", resp.Code, resp.Body.String())
	}
	if sessionSvc.admitReq == nil {
		t.Fatal("expected Admit to be called")
	}
	if sessionSvc.admitReq.OwnerID != snowflake.ID(7) {
		t.Fatalf("expected owner 7, got %d", sessionSvc.admitReq.OwnerID)
	}
	if sessionSvc.admitReq.Kind != sessiondomain.KindCharacter {
		t.Fatalf("expected kind character, got %s", sessionSvc.admitReq.Kind)
	}
	if sessionSvc.admitReq.Payload["prompt"] != "a fox ranger" {
		t.Fatalf("unexpected payload: %#v", sessionSvc.admitReq.Payload)
	}
}

func TestCreateGenerationRejectsBadOwnerID(t *testing.T) {
	sessionSvc := &fakeSessionService{}
	srv := &Server{sessionSvc: sessionSvc}
	router := newTestRouter(srv, func(r *gin.Engine) {
		r.POST("/v1/generations", srv.CreateGeneration)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/generations", bytes.NewBufferString(`{"owner_id":"nope","kind":"character"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	if sessionSvc.admitReq != nil {
		t.Fatal("expected Admit not to be called")
	}
}

func TestCreateGenerationInsufficientBalance(t *testing.T) {
	sessionSvc := &fakeSessionService{
		admitErr: &ledgerdomain.InsufficientBalanceError{
			OwnerID:   snowflake.ID(7),
			Required:  30,
			Available: 5,
		},
	}
	srv := &Server{sessionSvc: sessionSvc}
	router := newTestRouter(srv, func(r *gin.Engine) {
		r.POST("/v1/generations", srv.CreateGeneration)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/generations", bytes.NewBufferString(`{"owner_id":"7","kind":"character"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d", resp.Code)
	}

	var payload errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload.Error.Type != "insufficient_balance" {
		t.Fatalf("expected insufficient_balance, got %s", payload.Error.Type)
	}
	if payload.Error.Required == nil || *payload.Error.Required != 30 {
		t.Fatalf("expected required 30, got %v", payload.Error.Required)
	}
	if payload.Error.Available == nil || *payload.Error.Available != 5 {
		t.Fatalf("expected available 5, got %v", payload.Error.Available)
	}
}

func TestGetGenerationNotFound(t *testing.T) {
	sessionSvc := &fakeSessionService{getErr: sessiondomain.ErrSessionNotFound}
	srv := &Server{sessionSvc: sessionSvc}
	router := newTestRouter(srv, func(r *gin.Engine) {
		r.GET("/v1/generations/:id", srv.GetGeneration)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/generations/42", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestCancelGenerationConflictWhenTerminal(t *testing.T) {
	sessionSvc := &fakeSessionService{cancelErr: sessiondomain.ErrNotCancellable}
	srv := &Server{sessionSvc: sessionSvc}
	router := newTestRouter(srv, func(r *gin.Engine) {
		r.POST("/v1/generations/:id/cancel", srv.CancelGeneration)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/generations/42/cancel", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
}

func TestCancelGenerationAccepted(t *testing.T) {
	sessionSvc := &fakeSessionService{}
	srv := &Server{sessionSvc: sessionSvc}
	router := newTestRouter(srv, func(r *gin.Engine) {
		r.POST("/v1/generations/:id/cancel", srv.CancelGeneration)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/generations/42/cancel", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", resp.Code)
	}
	if len(sessionSvc.cancelled) != 1 || sessionSvc.cancelled[0] != snowflake.ID(42) {
		t.Fatalf("expected cancel for session 42, got %v", sessionSvc.cancelled)
	}
}

func TestTopupCreditsRejectsNonPositiveAmount(t *testing.T) {
	ledgerSvc := &fakeLedgerService{}
	srv := &Server{ledgerSvc: ledgerSvc}
	router := newTestRouter(srv, func(r *gin.Engine) {
		r.POST("/v1/credits/:owner_id/topup", srv.TopupCredits)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/credits/7/topup", bytes.NewBufferString(`{"amount":0}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	if ledgerSvc.lastTopup != 0 {
		t.Fatal("expected Topup not to be called")
	}
}

func TestTopupCreditsReturnsAccount(t *testing.T) {
	ledgerSvc := &fakeLedgerService{
		account: &ledgerdomain.CreditAccount{OwnerID: snowflake.ID(7), Balance: 150},
	}
	srv := &Server{ledgerSvc: ledgerSvc}
	router := newTestRouter(srv, func(r *gin.Engine) {
		r.POST("/v1/credits/:owner_id/topup", srv.TopupCredits)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/credits/7/topup", bytes.NewBufferString(`{"amount":100}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if ledgerSvc.lastTopup != 100 {
		t.Fatalf("expected topup amount 100, got %d", ledgerSvc.lastTopup)
	}

	var payload struct {
		Data ledgerdomain.CreditAccount `json:"data"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload.Data.Balance != 150 {
		t.Fatalf("expected balance 150, got %d", payload.Data.Balance)
	}
}

func TestGetCreditAccountNotFound(t *testing.T) {
	ledgerSvc := &fakeLedgerService{getErr: ledgerdomain.ErrAccountNotFound}
	srv := &Server{ledgerSvc: ledgerSvc}
	router := newTestRouter(srv, func(r *gin.Engine) {
		r.GET("/v1/credits/:owner_id", srv.GetCreditAccount)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/credits/7", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestStreamEventsServesTerminalSnapshotAndCloses(t *testing.T) {
	hub := progress.NewHub()
	hub.Publish(progress.Snapshot{
		SessionID:       "42",
		SessionStatus:   "SUCCEEDED",
		PercentComplete: 100,
	})

	sessionSvc := &fakeSessionService{snapshot: testSnapshot(snowflake.ID(42))}
	srv := &Server{sessionSvc: sessionSvc, hub: hub}
	router := newTestRouter(srv, func(r *gin.Engine) {
		r.GET("/v1/generations/:id/events", srv.StreamGenerationEvents)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/generations/42/events", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if got := resp.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", got)
	}

	var snapshots []progress.Snapshot
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var snap progress.Snapshot
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		snapshots = append(snapshots, snap)
	}
	if len(snapshots) != 1 {
		t.Fatalf("expected 1 event, got %d", len(snapshots))
	}
	if snapshots[0].SessionStatus != "SUCCEEDED" || snapshots[0].PercentComplete != 100 {
		t.Fatalf("unexpected snapshot: %+v", snapshots[0])
	}
}

func TestStreamEventsSeedsFromStorageWhenHubEmpty(t *testing.T) {
	snapshot := testSnapshot(snowflake.ID(42))
	snapshot.Status = sessiondomain.SessionStatusFailed
	snapshot.ErrorKind = sessiondomain.ErrorKindOperationFailed

	sessionSvc := &fakeSessionService{snapshot: snapshot}
	srv := &Server{sessionSvc: sessionSvc, hub: progress.NewHub()}
	router := newTestRouter(srv, func(r *gin.Engine) {
		r.GET("/v1/generations/:id/events", srv.StreamGenerationEvents)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/generations/42/events", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	body := resp.Body.String()
	if !strings.Contains(body, `"session_status":"FAILED"`) {
		t.Fatalf("expected FAILED snapshot in stream, got: %s", body)
	}
	if !strings.Contains(body, sessiondomain.ErrorKindOperationFailed) {
		t.Fatalf("expected error kind in stream, got: %s", body)
	}
}

func TestStreamEventsUnknownSessionReturns404(t *testing.T) {
	sessionSvc := &fakeSessionService{getErr: sessiondomain.ErrSessionNotFound}
	srv := &Server{sessionSvc: sessionSvc, hub: progress.NewHub()}
	router := newTestRouter(srv, func(r *gin.Engine) {
		r.GET("/v1/generations/:id/events", srv.StreamGenerationEvents)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/generations/42/events", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}
