package wallet

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-core/internal/types"
)

// Reference modules of the four settlement legs of a trade
const (
	RefTradeSellWithdraw = "trade_sell_withdraw"
	RefTradeBuyWithdraw  = "trade_buy_withdraw"
	RefTradeSellDeposit  = "trade_sell_deposit"
	RefTradeBuyDeposit   = "trade_buy_deposit"
	RefManualDeposit     = "manual_deposit"
)

type Wallet struct {
	ID         uint             `gorm:"primaryKey" json:"id"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	UserID     uint             `gorm:"uniqueIndex:idx_wallets_owner" json:"user_id"`
	CurrencyID types.CurrencyID `gorm:"uniqueIndex:idx_wallets_owner" json:"currency_id"`
	Type       types.WalletType `gorm:"uniqueIndex:idx_wallets_owner" json:"type"`
	Balance    decimal.Decimal  `gorm:"type:decimal(36,18)" json:"balance"`
}

// Transaction is an append-only ledger entry against one wallet. The
// (RefModule, RefID) pair identifies the business event that produced it, so
// a second attempt for the same event finds the first one.
type Transaction struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	WalletID      uint            `gorm:"index" json:"wallet_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(36,18)" json:"amount"`
	RefModule     string          `gorm:"uniqueIndex:idx_wallet_transactions_ref" json:"ref_module"`
	RefID         uint            `gorm:"uniqueIndex:idx_wallet_transactions_ref" json:"ref_id"`
	Description   string          `json:"description"`
	AllowNegative bool            `json:"allow_negative"`
	Committed     bool            `gorm:"index" json:"committed"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(36,18)" json:"balance_after"`
}
