package migrations

import (
	"github.com/ksred/klear-core/internal/flags"
	"github.com/ksred/klear-core/internal/settlement"
	"gorm.io/gorm"
)

// AddSettlementState creates the checkpoint, flagged trade and settings
// tables plus the indexes the matcher and the trade processor scan by
func AddSettlementState(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&settlement.Checkpoint{},
		&settlement.FlaggedTrade{},
		&flags.Setting{},
	); err != nil {
		return err
	}

	indexes := []string{
		// Matcher loads the book per market and status
		`CREATE INDEX IF NOT EXISTS idx_orders_market_status_created
		 ON orders(market_id, status, created_at)`,

		// Pending settlement scan
		`CREATE INDEX IF NOT EXISTS idx_trades_unsettled
		 ON trades(id) WHERE sell_withdraw_id IS NULL`,

		`CREATE INDEX IF NOT EXISTS idx_flagged_trades_status
		 ON flagged_trades(status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
