package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidOwner        = errors.New("invalid_owner")
	ErrInvalidSession      = errors.New("invalid_session")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrReservationNotFound = errors.New("reservation_not_found")
	ErrInsufficientBalance = errors.New("insufficient_balance")
)

// InsufficientBalanceError carries the required versus available amounts so
// the API layer can surface them to the requester.
type InsufficientBalanceError struct {
	OwnerID   snowflake.ID
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient_balance: required %d, available %d", e.Required, e.Available)
}

// Unwrap lets callers match the sentinel with errors.Is.
func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Service is the credit ledger contract. Reserve, Settle and Release are the
// only operations allowed to mutate a CreditAccount, and each is atomic and
// serialized per owner.
type Service interface {
	// Reserve places a hold of amount against the owner's available balance
	// and opens a reservation bound to sessionID. Fails with
	// ErrInsufficientBalance before any cost is incurred.
	Reserve(ctx context.Context, ownerID, sessionID snowflake.ID, amount int64) (*CreditReservation, error)

	// Settle closes an OPEN reservation, deducting actualAmount from the
	// balance and dropping the full hold. actualAmount is clamped to
	// [0, reservation.amount]. Calling Settle on an already-closed
	// reservation is a no-op.
	Settle(ctx context.Context, reservationID snowflake.ID, actualAmount int64) error

	// Release closes an OPEN reservation dropping the hold without touching
	// the balance. Idempotent like Settle.
	Release(ctx context.Context, reservationID snowflake.ID) error

	// Topup adds amount to the owner's balance, creating the account when it
	// does not exist yet.
	Topup(ctx context.Context, ownerID snowflake.ID, amount int64) (*CreditAccount, error)

	// GetAccount returns the current account snapshot.
	GetAccount(ctx context.Context, ownerID snowflake.ID) (*CreditAccount, error)

	// GetReservation returns a reservation by id.
	GetReservation(ctx context.Context, reservationID snowflake.ID) (*CreditReservation, error)
}
