package migration

import (
	"context"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/fableworks/loreline/internal/config"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		if err := RunMigrations(sqlDB); err != nil {
			return err
		}

		return EnsureSystemAccount(context.Background(), conn, cfg.SystemOwnerID)
	}),
)

// EnsureSystemAccount creates the scheduler's billing account when missing.
// The account starts empty; operators top it up through the credits API.
func EnsureSystemAccount(ctx context.Context, conn *gorm.DB, ownerID int64) error {
	if ownerID == 0 {
		return nil
	}
	return conn.WithContext(ctx).Exec(`
		INSERT INTO credit_accounts (owner_id, balance, reserved_total, created_at, updated_at)
		VALUES (?, 0, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (owner_id) DO NOTHING
	`, ownerID).Error
}
