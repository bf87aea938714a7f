package trading

import (
	"time"

	"gorm.io/gorm"
)

// IdempotencyRecord maps an intake key to the order it created
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     uint      `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// OrderRequest is the intake payload for a new order
type OrderRequest struct {
	Market     string  `json:"market" binding:"required"`
	UserID     uint    `json:"user_id" binding:"required"`
	Side       string  `json:"side" binding:"required"`
	Execution  string  `json:"execution" binding:"required"`
	TradeType  string  `json:"trade_type"`
	Price      *string `json:"price"`
	StopPrice  *string `json:"stop_price"`
	Amount     string  `json:"amount" binding:"required"`
	PairID     *uint   `json:"pair_id"`
	PositionID *uint   `json:"position_id"`
}
