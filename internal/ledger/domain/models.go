package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ReservationStatus tracks the lifecycle of a credit hold.
type ReservationStatus string

const (
	ReservationStatusOpen     ReservationStatus = "OPEN"
	ReservationStatusSettled  ReservationStatus = "SETTLED"
	ReservationStatusReleased ReservationStatus = "RELEASED"
)

// TransactionKind labels an audit row in credit_transactions.
type TransactionKind string

const (
	TransactionKindReserve TransactionKind = "reserve"
	TransactionKindSettle  TransactionKind = "settle"
	TransactionKindRelease TransactionKind = "release"
	TransactionKindTopup   TransactionKind = "topup"
)

// CreditAccount holds a per-owner balance in the smallest billable unit.
// balance - reserved_total >= 0 always; mutated only through Service.
type CreditAccount struct {
	OwnerID       snowflake.ID `gorm:"primaryKey" json:"owner_id"`
	Balance       int64        `gorm:"not null" json:"balance"`
	ReservedTotal int64        `gorm:"not null" json:"reserved_total"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (CreditAccount) TableName() string { return "credit_accounts" }

// Available is the spendable amount not covered by open holds.
func (a CreditAccount) Available() int64 { return a.Balance - a.ReservedTotal }

// CreditReservation is a hold placed on a balance before actual cost is known.
// Exactly one reservation exists per generation session and only a terminal
// transition (SETTLED or RELEASED) closes it.
type CreditReservation struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	OwnerID       snowflake.ID      `gorm:"not null;index" json:"owner_id"`
	SessionID     snowflake.ID      `gorm:"not null;uniqueIndex" json:"session_id"`
	Amount        int64             `gorm:"not null" json:"amount"`
	SettledAmount int64             `gorm:"not null;default:0" json:"settled_amount"`
	Status        ReservationStatus `gorm:"type:text;not null;index" json:"status"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	ClosedAt      *time.Time        `json:"closed_at,omitempty"`
}

// TableName sets the database table name.
func (CreditReservation) TableName() string { return "credit_reservations" }

// CreditTransaction is an append-only audit row for every balance or hold
// movement. BalanceAfter snapshots the balance once the movement applied.
type CreditTransaction struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	OwnerID       snowflake.ID    `gorm:"not null;index" json:"owner_id"`
	ReservationID snowflake.ID    `gorm:"index" json:"reservation_id,omitempty"`
	Kind          TransactionKind `gorm:"type:text;not null" json:"kind"`
	Amount        int64           `gorm:"not null" json:"amount"`
	BalanceAfter  int64           `gorm:"not null" json:"balance_after"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }
