package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-core/internal/metrics"
	"github.com/ksred/klear-core/internal/trading"
	"github.com/ksred/klear-core/internal/types"
)

// PriceFeed supplies the reference price of a market. A zero price means no
// reference is known and disables the guard for that round.
type PriceFeed interface {
	ReferencePrice(ctx context.Context, market types.Market) (decimal.Decimal, error)
}

// Observer is notified after a round committed. Failures are logged and
// never undo the round.
type Observer interface {
	RoundCommitted(ctx context.Context, result *RoundResult) error
}

// RoundResult describes one committed matching round
type RoundResult struct {
	RoundID   uuid.UUID
	Market    types.Market
	Trades    []*types.Trade
	Updated   []*types.Order
	Open      []*types.Order
	Canceled  []*types.Order
	Rejected  []*types.Order
	Activated []*types.Order
	PriceLow  decimal.Decimal
	PriceHigh decimal.Decimal
	Reference decimal.Decimal
	Stall     *GuardStall
	Duration  time.Duration
}

func (r *RoundResult) Response() types.RoundResponse {
	return types.RoundResponse{
		RoundID:    r.RoundID.String(),
		Market:     r.Market.Symbol,
		Trades:     len(r.Trades),
		Canceled:   len(r.Canceled),
		Rejected:   len(r.Rejected),
		Activated:  len(r.Activated),
		PriceLow:   r.PriceLow,
		PriceHigh:  r.PriceHigh,
		Reference:  r.Reference,
		GuardStall: r.Stall != nil,
		DurationMS: r.Duration.Milliseconds(),
	}
}

type Matcher struct {
	db        *gorm.DB
	cfg       Config
	feed      PriceFeed
	observers []Observer
	now       func() time.Time
}

func NewMatcher(db *gorm.DB, cfg Config, feed PriceFeed, observers ...Observer) *Matcher {
	return &Matcher{
		db:        db,
		cfg:       cfg,
		feed:      feed,
		observers: observers,
		now:       time.Now,
	}
}

// RunRound executes one matching round for market. Order fills and trades
// are written in one transaction; a failure leaves nothing behind and the
// market is simply matched again next round. Stop activation and observers
// run after the commit.
func (m *Matcher) RunRound(ctx context.Context, market types.Market) (*RoundResult, error) {
	start := m.now()
	result := &RoundResult{RoundID: uuid.New(), Market: market}
	logger := log.With().
		Str("component", "matcher").
		Str("market", market.Symbol).
		Str("round_id", result.RoundID.String()).
		Logger()

	result.Reference = m.referencePrice(ctx, market, logger)

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := trading.NewDatabase(tx)

		orders, err := m.loadBook(ctx, store, market.ID)
		if err != nil {
			return err
		}

		res := newBook(m.cfg, market, result.Reference, orders).match()

		for _, o := range res.updated {
			if err := store.UpdateOrder(ctx, o); err != nil {
				return fmt.Errorf("failed to update order %d: %w", o.ID, err)
			}
		}
		if err := store.CreateTrades(ctx, res.trades); err != nil {
			return fmt.Errorf("failed to create trades: %w", err)
		}

		result.Trades = res.trades
		result.Updated = res.updated
		result.Open = res.open
		result.Canceled = res.canceled
		result.Rejected = res.rejected
		result.PriceLow = res.low
		result.PriceHigh = res.high
		result.Stall = res.stall
		return nil
	})
	if err != nil {
		result.Duration = m.now().Sub(start)
		metrics.RoundsTotal.WithLabelValues(market.Symbol, types.ErrorClass(err)).Inc()
		logger.Error().Err(err).Str("error_class", types.ErrorClass(err)).Dur("duration", result.Duration).Msg("matching round failed")
		return nil, err
	}

	if result.Stall != nil {
		metrics.GuardStalls.WithLabelValues(market.Symbol).Inc()
		logger.Warn().
			Str("reference", result.Reference.String()).
			Str("bid", result.Stall.Bid.String()).
			Str("ask", result.Stall.Ask.String()).
			Int("rejected", len(result.Rejected)).
			Msg("price guard is holding back a crossing book")
	}

	if len(result.Trades) > 0 {
		activated, err := m.activateStops(ctx, market, result.Reference, result.PriceLow, result.PriceHigh)
		if err != nil {
			metrics.SideEffectFailures.WithLabelValues("stop_activation").Inc()
			logger.Warn().Err(err).Msg("failed to activate stop orders")
		}
		result.Activated = activated
	}

	for _, obs := range m.observers {
		if err := obs.RoundCommitted(ctx, result); err != nil {
			metrics.SideEffectFailures.WithLabelValues(fmt.Sprintf("%T", obs)).Inc()
			logger.Warn().Err(err).Msg("round observer failed")
		}
	}

	result.Duration = m.now().Sub(start)
	metrics.RoundsTotal.WithLabelValues(market.Symbol, "ok").Inc()
	metrics.RoundDuration.WithLabelValues(market.Symbol).Observe(result.Duration.Seconds())
	metrics.TradesCreated.WithLabelValues(market.Symbol).Add(float64(len(result.Trades)))

	event := logger.Info()
	if len(result.Trades) == 0 {
		event = logger.Debug()
	}
	event.
		Int("trades", len(result.Trades)).
		Int("canceled", len(result.Canceled)).
		Int("rejected", len(result.Rejected)).
		Int("activated", len(result.Activated)).
		Dur("duration", result.Duration).
		Msg("matching round committed")

	return result, nil
}

// loadBook reads active and inactive orders of a market and checks them
func (m *Matcher) loadBook(ctx context.Context, store *trading.Database, marketID uint) ([]*types.Order, error) {
	var orders []*types.Order
	for _, status := range []types.OrderStatus{types.OrderActive, types.OrderInactive} {
		rows, err := store.OrdersByStatus(ctx, marketID, status)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s orders: %w", status, err)
		}
		for i := range rows {
			if err := rows[i].Validate(); err != nil {
				return nil, err
			}
			orders = append(orders, &rows[i])
		}
	}
	return orders, nil
}

func (m *Matcher) referencePrice(ctx context.Context, market types.Market, logger zerolog.Logger) decimal.Decimal {
	if m.feed == nil {
		return decimal.Zero
	}
	price, err := m.feed.ReferencePrice(ctx, market)
	if err != nil {
		logger.Warn().Err(err).Msg("reference price unavailable, guard skipped")
		return decimal.Zero
	}
	return price
}

// IsConflict reports whether err came from a concurrent change to the book
func IsConflict(err error) bool {
	return errors.Is(err, trading.ErrOrderConflict)
}
