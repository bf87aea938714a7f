package trading

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-core/internal/types"
)

// ErrOrderConflict is returned when an order changed since it was loaded
var ErrOrderConflict = errors.New("order was modified concurrently")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// WithTx returns a Database bound to tx
func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

func (d *Database) CreateOrder(ctx context.Context, order *types.Order) error {
	return d.db.WithContext(ctx).Create(order).Error
}

func (d *Database) GetOrder(ctx context.Context, id uint) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).First(&order, id).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// OrdersByStatus loads the orders of a market in time priority
func (d *Database) OrdersByStatus(ctx context.Context, marketID uint, status types.OrderStatus) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.WithContext(ctx).
		Where("market_id = ? AND status = ?", marketID, status).
		Order("created_at, id").
		Find(&orders).Error
	return orders, err
}

// UpdateOrder writes fill progress and status of order if nobody else changed
// it since it was read, bumping its version
func (d *Database) UpdateOrder(ctx context.Context, order *types.Order) error {
	now := time.Now()
	res := d.db.WithContext(ctx).Model(&types.Order{}).
		Where("id = ? AND version = ?", order.ID, order.Version).
		Updates(map[string]interface{}{
			"matched_amount": order.MatchedAmount,
			"matched_total":  order.MatchedTotal,
			"fee":            order.Fee,
			"status":         order.Status,
			"created_at":     order.CreatedAt,
			"version":        order.Version + 1,
			"updated_at":     now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOrderConflict
	}

	order.Version++
	order.UpdatedAt = now
	return nil
}

// CreateTrades appends trades to the ledger in the given order
func (d *Database) CreateTrades(ctx context.Context, trades []*types.Trade) error {
	for _, t := range trades {
		if err := d.db.WithContext(ctx).Create(t).Error; err != nil {
			return err
		}
	}
	return nil
}

// TradesAfter returns at most limit trades with id > afterID in id order
func (d *Database) TradesAfter(ctx context.Context, afterID uint, limit int) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id").
		Limit(limit).
		Find(&trades).Error
	return trades, err
}

func (d *Database) ActiveMarkets(ctx context.Context) ([]types.Market, error) {
	var markets []types.Market
	err := d.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&markets).Error
	return markets, err
}

func (d *Database) GetMarket(ctx context.Context, id uint) (*types.Market, error) {
	var market types.Market
	if err := d.db.WithContext(ctx).First(&market, id).Error; err != nil {
		return nil, err
	}
	return &market, nil
}

func (d *Database) GetMarketBySymbol(ctx context.Context, symbol string) (*types.Market, error) {
	var market types.Market
	if err := d.db.WithContext(ctx).Where("symbol = ?", symbol).First(&market).Error; err != nil {
		return nil, err
	}
	return &market, nil
}

func (d *Database) GetCurrency(ctx context.Context, id types.CurrencyID) (*types.Currency, error) {
	var currency types.Currency
	if err := d.db.WithContext(ctx).First(&currency, id).Error; err != nil {
		return nil, err
	}
	return &currency, nil
}

// CreateOrderWithIdempotency creates a new order and idempotency record in a transaction
func (d *Database) CreateOrderWithIdempotency(ctx context.Context, order *types.Order, idempotencyKey string) error {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	record := IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     order.ID,
		ResourceType:   "order",
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}

	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// GetIdempotencyRecord retrieves an idempotency record by key, nil when absent
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}
