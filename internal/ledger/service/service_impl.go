package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fableworks/loreline/internal/clock"
	ledgerdomain "github.com/fableworks/loreline/internal/ledger/domain"
	obsmetrics "github.com/fableworks/loreline/internal/observability/metrics"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("ledger.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

// Reserve holds amount against the owner's spendable balance. The guard is a
// single conditional UPDATE so two concurrent reservations for the same owner
// can never both pass a check the balance cannot support.
func (s *Service) Reserve(ctx context.Context, ownerID, sessionID snowflake.ID, amount int64) (*ledgerdomain.CreditReservation, error) {
	if ownerID == 0 {
		return nil, ledgerdomain.ErrInvalidOwner
	}
	if sessionID == 0 {
		return nil, ledgerdomain.ErrInvalidSession
	}
	if amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	reservation := &ledgerdomain.CreditReservation{
		ID:        s.genID.Generate(),
		OwnerID:   ownerID,
		SessionID: sessionID,
		Amount:    amount,
		Status:    ledgerdomain.ReservationStatusOpen,
		CreatedAt: s.clock.Now().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()
		result := tx.WithContext(ctx).Exec(
			`UPDATE credit_accounts
			SET reserved_total = reserved_total + ?, updated_at = ?
			WHERE owner_id = ? AND balance - reserved_total >= ?`,
			amount, now, ownerID, amount,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			account, err := findAccount(ctx, tx, ownerID, false)
			if err != nil {
				return err
			}
			return &ledgerdomain.InsufficientBalanceError{
				OwnerID:   ownerID,
				Required:  amount,
				Available: account.Available(),
			}
		}

		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO credit_reservations (
				id, owner_id, session_id, amount, settled_amount, status, created_at
			) VALUES (?, ?, ?, ?, 0, ?, ?)`,
			reservation.ID, ownerID, sessionID, amount,
			string(ledgerdomain.ReservationStatusOpen), reservation.CreatedAt,
		).Error; err != nil {
			return err
		}

		return s.insertTransaction(ctx, tx, ownerID, reservation.ID, ledgerdomain.TransactionKindReserve, amount)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordCreditTransaction(ctx, string(ledgerdomain.TransactionKindReserve))
	s.log.Info("reservation opened",
		zap.String("owner_id", ownerID.String()),
		zap.String("reservation_id", reservation.ID.String()),
		zap.Int64("amount", amount),
	)
	return reservation, nil
}

// Settle deducts the actual incurred cost and drops the hold. Partial spend
// refunds the difference implicitly because only actualAmount leaves the
// balance while the whole hold is removed.
func (s *Service) Settle(ctx context.Context, reservationID snowflake.ID, actualAmount int64) error {
	if reservationID == 0 {
		return ledgerdomain.ErrReservationNotFound
	}

	var settled, refunded int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := findReservation(ctx, tx, reservationID, true)
		if err != nil {
			return err
		}
		if reservation.Status != ledgerdomain.ReservationStatusOpen {
			return nil
		}

		actual := actualAmount
		if actual < 0 {
			actual = 0
		}
		if actual > reservation.Amount {
			actual = reservation.Amount
		}
		settled = actual
		refunded = reservation.Amount - actual

		now := s.clock.Now().UTC()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE credit_accounts
			SET balance = balance - ?, reserved_total = reserved_total - ?, updated_at = ?
			WHERE owner_id = ?`,
			actual, reservation.Amount, now, reservation.OwnerID,
		).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE credit_reservations
			SET status = ?, settled_amount = ?, closed_at = ?
			WHERE id = ? AND status = ?`,
			string(ledgerdomain.ReservationStatusSettled), actual, now,
			reservationID, string(ledgerdomain.ReservationStatusOpen),
		).Error; err != nil {
			return err
		}

		return s.insertTransaction(ctx, tx, reservation.OwnerID, reservationID, ledgerdomain.TransactionKindSettle, -actual)
	})
	if err != nil {
		return err
	}
	s.metrics.RecordCreditTransaction(ctx, string(ledgerdomain.TransactionKindSettle))
	obsmetrics.Sessions().AddCreditsSettled(settled)
	obsmetrics.Sessions().AddCreditsReleased(refunded)
	return nil
}

// Release drops an open hold without charging anything.
func (s *Service) Release(ctx context.Context, reservationID snowflake.ID) error {
	if reservationID == 0 {
		return ledgerdomain.ErrReservationNotFound
	}

	var released int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := findReservation(ctx, tx, reservationID, true)
		if err != nil {
			return err
		}
		if reservation.Status != ledgerdomain.ReservationStatusOpen {
			return nil
		}
		released = reservation.Amount

		now := s.clock.Now().UTC()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE credit_accounts
			SET reserved_total = reserved_total - ?, updated_at = ?
			WHERE owner_id = ?`,
			reservation.Amount, now, reservation.OwnerID,
		).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE credit_reservations
			SET status = ?, closed_at = ?
			WHERE id = ? AND status = ?`,
			string(ledgerdomain.ReservationStatusReleased), now,
			reservationID, string(ledgerdomain.ReservationStatusOpen),
		).Error; err != nil {
			return err
		}

		return s.insertTransaction(ctx, tx, reservation.OwnerID, reservationID, ledgerdomain.TransactionKindRelease, 0)
	})
	if err != nil {
		return err
	}
	s.metrics.RecordCreditTransaction(ctx, string(ledgerdomain.TransactionKindRelease))
	obsmetrics.Sessions().AddCreditsReleased(released)
	return nil
}

func (s *Service) Topup(ctx context.Context, ownerID snowflake.ID, amount int64) (*ledgerdomain.CreditAccount, error) {
	if ownerID == 0 {
		return nil, ledgerdomain.ErrInvalidOwner
	}
	if amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	var account *ledgerdomain.CreditAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO credit_accounts (owner_id, balance, reserved_total, created_at, updated_at)
			VALUES (?, ?, 0, ?, ?)
			ON CONFLICT (owner_id) DO UPDATE SET
				balance = credit_accounts.balance + excluded.balance,
				updated_at = excluded.updated_at`,
			ownerID, amount, now, now,
		).Error; err != nil {
			return err
		}

		loaded, err := findAccount(ctx, tx, ownerID, false)
		if err != nil {
			return err
		}
		account = loaded
		return s.insertTransaction(ctx, tx, ownerID, 0, ledgerdomain.TransactionKindTopup, amount)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordCreditTransaction(ctx, string(ledgerdomain.TransactionKindTopup))
	return account, nil
}

func (s *Service) GetAccount(ctx context.Context, ownerID snowflake.ID) (*ledgerdomain.CreditAccount, error) {
	if ownerID == 0 {
		return nil, ledgerdomain.ErrInvalidOwner
	}
	return findAccount(ctx, s.db, ownerID, false)
}

func (s *Service) GetReservation(ctx context.Context, reservationID snowflake.ID) (*ledgerdomain.CreditReservation, error) {
	if reservationID == 0 {
		return nil, ledgerdomain.ErrReservationNotFound
	}
	return findReservation(ctx, s.db, reservationID, false)
}

func (s *Service) insertTransaction(ctx context.Context, tx *gorm.DB, ownerID, reservationID snowflake.ID, kind ledgerdomain.TransactionKind, amount int64) error {
	account, err := findAccount(ctx, tx, ownerID, false)
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (
			id, owner_id, reservation_id, kind, amount, balance_after, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.genID.Generate(), ownerID, reservationID, string(kind),
		amount, account.Balance, s.clock.Now().UTC(),
	).Error
}

func findAccount(ctx context.Context, tx *gorm.DB, ownerID snowflake.ID, forUpdate bool) (*ledgerdomain.CreditAccount, error) {
	query := `SELECT owner_id, balance, reserved_total, created_at, updated_at
		FROM credit_accounts WHERE owner_id = ?`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var account ledgerdomain.CreditAccount
	err := tx.WithContext(ctx).Raw(query, ownerID).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.OwnerID == 0 {
		return nil, ledgerdomain.ErrAccountNotFound
	}
	return &account, nil
}

func findReservation(ctx context.Context, tx *gorm.DB, reservationID snowflake.ID, forUpdate bool) (*ledgerdomain.CreditReservation, error) {
	query := `SELECT id, owner_id, session_id, amount, settled_amount, status, created_at, closed_at
		FROM credit_reservations WHERE id = ?`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var reservation ledgerdomain.CreditReservation
	err := tx.WithContext(ctx).Raw(query, reservationID).Scan(&reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgerdomain.ErrReservationNotFound
		}
		return nil, err
	}
	if reservation.ID == 0 {
		return nil, ledgerdomain.ErrReservationNotFound
	}
	return &reservation, nil
}
