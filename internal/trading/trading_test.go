package trading

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-core/internal/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.db")
	db, err := gorm.Open(sqlite.Open("file:"+path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Market{}, &types.Order{}, &types.Trade{}, &IdempotencyRecord{}))
	require.NoError(t, db.Create(&types.Market{Symbol: "BTCUSDT", BaseCurrencyID: 3, QuoteCurrencyID: 2, IsActive: true}).Error)
	require.NoError(t, db.Create(&types.Market{Symbol: "ETHUSDT", BaseCurrencyID: 4, QuoteCurrencyID: 2}).Error)
	return NewService(db)
}

func strPtr(s string) *string { return &s }

func TestPlaceOrder(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	order, err := s.PlaceOrder(ctx, OrderRequest{
		Market: "BTCUSDT", UserID: 1, Side: "BUY", Execution: "limit",
		Price: strPtr("100"), Amount: "0.5",
	}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderActive, order.Status)
	assert.Equal(t, types.TradeSpot, order.TradeType)
	assert.True(t, order.Amount.Equal(decimal.RequireFromString("0.5")))

	again, err := s.PlaceOrder(ctx, OrderRequest{
		Market: "BTCUSDT", UserID: 1, Side: "buy", Execution: "limit",
		Price: strPtr("100"), Amount: "0.5",
	}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, order.ID, again.ID)
}

func TestPlaceStopOrderIsInactive(t *testing.T) {
	s := newTestService(t)

	order, err := s.PlaceOrder(context.Background(), OrderRequest{
		Market: "BTCUSDT", UserID: 1, Side: "sell", Execution: "stop_limit",
		Price: strPtr("90"), StopPrice: strPtr("95"), Amount: "1",
	}, "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderInactive, order.Status)
}

func TestPlaceOrderValidation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  OrderRequest
	}{
		{"limit without price", OrderRequest{Market: "BTCUSDT", UserID: 1, Side: "buy", Execution: "limit", Amount: "1"}},
		{"zero amount", OrderRequest{Market: "BTCUSDT", UserID: 1, Side: "buy", Execution: "market", Amount: "0"}},
		{"unknown side", OrderRequest{Market: "BTCUSDT", UserID: 1, Side: "hold", Execution: "market", Amount: "1"}},
		{"stop without stop price", OrderRequest{Market: "BTCUSDT", UserID: 1, Side: "buy", Execution: "stop_market", Amount: "1"}},
		{"bad amount", OrderRequest{Market: "BTCUSDT", UserID: 1, Side: "buy", Execution: "market", Amount: "abc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.PlaceOrder(ctx, tt.req, "")
			assert.True(t, errors.Is(err, ErrInvalidOrder), "got %v", err)
		})
	}

	_, err := s.PlaceOrder(ctx, OrderRequest{Market: "ETHUSDT", UserID: 1, Side: "buy", Execution: "market", Amount: "1"}, "")
	assert.True(t, errors.Is(err, ErrMarketInactive))

	_, err = s.PlaceOrder(ctx, OrderRequest{Market: "DOGEUSDT", UserID: 1, Side: "buy", Execution: "market", Amount: "1"}, "")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestCancelOrder(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	order, err := s.PlaceOrder(ctx, OrderRequest{
		Market: "BTCUSDT", UserID: 1, Side: "sell", Execution: "limit",
		Price: strPtr("100"), Amount: "1",
	}, "")
	require.NoError(t, err)

	canceled, err := s.CancelOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCanceled, canceled.Status)
	assert.Equal(t, int64(1), canceled.Version)

	_, err = s.CancelOrder(ctx, order.ID)
	assert.True(t, errors.Is(err, ErrNotCancelable))
}

func TestUpdateOrderDetectsConflict(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	order, err := s.PlaceOrder(ctx, OrderRequest{
		Market: "BTCUSDT", UserID: 1, Side: "sell", Execution: "limit",
		Price: strPtr("100"), Amount: "1",
	}, "")
	require.NoError(t, err)

	stale := *order
	require.NoError(t, s.Database().UpdateOrder(ctx, order))
	assert.True(t, errors.Is(s.Database().UpdateOrder(ctx, &stale), ErrOrderConflict))
}
