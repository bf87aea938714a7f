package migrations

import (
	"github.com/ksred/klear-core/internal/trading"
	"github.com/ksred/klear-core/internal/types"
	"github.com/ksred/klear-core/internal/wallet"
	"gorm.io/gorm"
)

// CreateCoreTables creates the order book, trade ledger and wallet tables
func CreateCoreTables(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&types.Currency{},
		&types.Market{},
		&types.Order{},
		&types.Trade{},
		&trading.IdempotencyRecord{},
	); err != nil {
		return err
	}

	if err := db.AutoMigrate(&wallet.Wallet{}, &wallet.Transaction{}); err != nil {
		return err
	}

	return nil
}
