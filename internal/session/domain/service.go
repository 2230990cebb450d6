package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidRequest    = errors.New("invalid_request")
	ErrUnknownKind       = errors.New("unknown_session_kind")
	ErrSessionNotFound   = errors.New("session_not_found")
	ErrNotCancellable    = errors.New("session_not_cancellable")
	ErrTargetNotFound    = errors.New("target_entity_not_found")
	ErrMissingPrimaryRef = errors.New("missing_primary_media")
)

// Service owns the generation session lifecycle.
type Service interface {
	// Admit validates the request, reserves the estimated cost and persists
	// a PENDING session with its stage plan, then hands it to the dispatcher.
	// On insufficient balance no session is created.
	Admit(ctx context.Context, req AdmitRequest) (*Snapshot, error)

	// Run drives the session state machine to a terminal state. Safe to call
	// at most once per session; a second call observes the PENDING guard and
	// returns nil.
	Run(ctx context.Context, sessionID snowflake.ID) error

	// Cancel requests cooperative cancellation. The flag is observed between
	// stages and between synthesis polls.
	Cancel(ctx context.Context, sessionID snowflake.ID) error

	// Get returns the current session snapshot.
	Get(ctx context.Context, sessionID snowflake.ID) (*Snapshot, error)

	// RecoverStale finalizes sessions stuck RUNNING longer than olderThan,
	// and equally old PENDING sessions whose dispatch never ran, as FAILED.
	// Reservations are closed exactly once. Returns how many sessions were
	// finalized.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Dispatcher hands an admitted session to whatever executes it: the
// in-process runner pool or the Redis-backed queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID snowflake.ID) error
}
