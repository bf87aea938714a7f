package trading

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-core/internal/types"
	"github.com/ksred/klear-core/pkg/response"
)

var (
	ErrInvalidOrder   = errors.New("invalid order")
	ErrNotCancelable  = errors.New("order is not cancelable")
	ErrMarketInactive = errors.New("market is not active")
)

// Service is the order book store: order intake, cancel and reads
type Service struct {
	db *Database
}

// NewService creates a new order book service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

func (s *Service) Database() *Database {
	return s.db
}

// CreateOrder validates and stores a new order. A repeated idempotency key
// returns the order created the first time.
func (s *Service) CreateOrder(ctx context.Context, order *types.Order, idempotencyKey string) error {
	if idempotencyKey != "" {
		record, err := s.db.GetIdempotencyRecord(ctx, idempotencyKey)
		if err != nil {
			return err
		}
		if record != nil && record.ExpiresAt.After(time.Now()) {
			existing, err := s.db.GetOrder(ctx, record.ResourceID)
			if err != nil {
				return err
			}
			*order = *existing
			return nil
		}
	}

	if err := validateOrder(order); err != nil {
		return err
	}

	order.MatchedAmount = decimal.Zero
	order.MatchedTotal = decimal.Zero
	order.Fee = decimal.Zero
	order.Version = 0
	order.Status = types.OrderActive
	if order.Execution.IsStop() {
		order.Status = types.OrderInactive
	}
	if order.TradeType == "" {
		order.TradeType = types.TradeSpot
	}

	var err error
	if idempotencyKey != "" {
		err = s.db.CreateOrderWithIdempotency(ctx, order, idempotencyKey)
	} else {
		err = s.db.CreateOrder(ctx, order)
	}
	if err != nil {
		return err
	}

	log.Debug().
		Str("component", "order_book").
		Uint("order_id", order.ID).
		Uint("market_id", order.MarketID).
		Str("side", string(order.Side)).
		Str("execution", string(order.Execution)).
		Msg("order placed")
	return nil
}

// PlaceOrder resolves an intake request into an order and creates it
func (s *Service) PlaceOrder(ctx context.Context, req OrderRequest, idempotencyKey string) (*types.Order, error) {
	market, err := s.db.GetMarketBySymbol(ctx, req.Market)
	if err != nil {
		return nil, err
	}
	if !market.IsActive {
		return nil, ErrMarketInactive
	}

	order := &types.Order{
		MarketID:   market.ID,
		UserID:     req.UserID,
		Side:       types.Side(strings.ToLower(req.Side)),
		Execution:  types.Execution(strings.ToLower(req.Execution)),
		TradeType:  types.TradeType(strings.ToLower(req.TradeType)),
		PairID:     req.PairID,
		PositionID: req.PositionID,
	}
	if order.Amount, err = decimal.NewFromString(req.Amount); err != nil {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidOrder, req.Amount)
	}
	if order.Price, err = parseNullDecimal(req.Price); err != nil {
		return nil, fmt.Errorf("%w: price: %v", ErrInvalidOrder, err)
	}
	if order.StopPrice, err = parseNullDecimal(req.StopPrice); err != nil {
		return nil, fmt.Errorf("%w: stop price: %v", ErrInvalidOrder, err)
	}

	if err := s.CreateOrder(ctx, order, idempotencyKey); err != nil {
		return nil, err
	}
	return order, nil
}

// CancelOrder cancels an active or inactive order
func (s *Service) CancelOrder(ctx context.Context, id uint) (*types.Order, error) {
	order, err := s.db.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != types.OrderActive && order.Status != types.OrderInactive {
		return nil, ErrNotCancelable
	}

	order.Status = types.OrderCanceled
	if err := s.db.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, id uint) (*types.Order, error) {
	return s.db.GetOrder(ctx, id)
}

func (s *Service) ActiveMarkets(ctx context.Context) ([]types.Market, error) {
	return s.db.ActiveMarkets(ctx)
}

func (s *Service) GetMarketBySymbol(ctx context.Context, symbol string) (*types.Market, error) {
	return s.db.GetMarketBySymbol(ctx, symbol)
}

func validateOrder(o *types.Order) error {
	if o.Side != types.SideBuy && o.Side != types.SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, o.Side)
	}
	switch o.Execution {
	case types.ExecLimit, types.ExecMarket, types.ExecStopLimit, types.ExecStopMarket:
	default:
		return fmt.Errorf("%w: execution %q", ErrInvalidOrder, o.Execution)
	}
	switch o.TradeType {
	case "", types.TradeSpot, types.TradeMargin:
	default:
		return fmt.Errorf("%w: trade type %q", ErrInvalidOrder, o.TradeType)
	}
	if !o.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	if !o.IsMarket() && !o.HasPrice() {
		return fmt.Errorf("%w: %s order needs a price", ErrInvalidOrder, o.Execution)
	}
	if o.Price.Valid && o.Price.Decimal.IsNegative() {
		return fmt.Errorf("%w: negative price", ErrInvalidOrder)
	}
	if o.Execution.IsStop() && !o.HasStopPrice() {
		return fmt.Errorf("%w: stop order needs a stop price", ErrInvalidOrder)
	}
	return nil
}

func parseNullDecimal(v *string) (decimal.NullDecimal, error) {
	if v == nil || *v == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*v)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

// GinHandlers contains HTTP handlers for order book endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for order book endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests from order intake
// Requires an Idempotency-Key header
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.PlaceOrder(c.Request.Context(), req, idempotencyKey)
		if errors.Is(err, ErrInvalidOrder) || errors.Is(err, ErrMarketInactive) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, order, err)
	}
}

// GetOrderHandler handles GET requests for one order
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("order_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "Invalid order ID")
			return
		}

		order, err := h.service.GetOrder(c.Request.Context(), uint(id))
		response.Handle(c, order, err)
	}
}

// CancelOrderHandler handles DELETE requests for one order
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("order_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "Invalid order ID")
			return
		}

		order, err := h.service.CancelOrder(c.Request.Context(), uint(id))
		if errors.Is(err, ErrNotCancelable) || errors.Is(err, ErrOrderConflict) {
			response.Conflict(c, err.Error())
			return
		}
		response.Handle(c, order, err)
	}
}

func (h *GinHandlers) ListMarketsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		markets, err := h.service.ActiveMarkets(c.Request.Context())
		response.Handle(c, markets, err)
	}
}
