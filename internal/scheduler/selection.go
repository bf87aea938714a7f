package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-core/internal/types"
)

// Selection picks which active markets take part in a cycle
type Selection int

const (
	// SelectAll matches every active market
	SelectAll Selection = iota
	// SelectCrossed matches only markets whose book can trade
	SelectCrossed
)

func (s Selection) String() string {
	if s == SelectCrossed {
		return "crossed"
	}
	return "all"
}

func ParseSelection(s string) (Selection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return SelectAll, nil
	case "crossed":
		return SelectCrossed, nil
	}
	return SelectAll, fmt.Errorf("unknown market selection %q", s)
}

type MarketSelector interface {
	Select(ctx context.Context, markets []types.Market) ([]types.Market, error)
}

// OrderSource lists the orders of a market in one status
type OrderSource interface {
	OrdersByStatus(ctx context.Context, marketID uint, status types.OrderStatus) ([]types.Order, error)
}

// NewSelector returns the selector of the given variant
func NewSelector(sel Selection, orders OrderSource) MarketSelector {
	if sel == SelectCrossed {
		return crossedMarkets{orders: orders}
	}
	return allMarkets{}
}

type allMarkets struct{}

func (allMarkets) Select(_ context.Context, markets []types.Market) ([]types.Market, error) {
	return markets, nil
}

type crossedMarkets struct {
	orders OrderSource
}

func (s crossedMarkets) Select(ctx context.Context, markets []types.Market) ([]types.Market, error) {
	var out []types.Market
	for _, m := range markets {
		orders, err := s.orders.OrdersByStatus(ctx, m.ID, types.OrderActive)
		if err != nil {
			return nil, fmt.Errorf("failed to load book of %s: %w", m.Symbol, err)
		}
		if crossed(orders) {
			out = append(out, m)
		}
	}
	return out, nil
}

// crossed reports whether the book holds a market order or a best bid at or
// above the best ask
func crossed(orders []types.Order) bool {
	var bid, ask decimal.NullDecimal
	for i := range orders {
		o := &orders[i]
		if !o.IsOpen() {
			continue
		}
		if o.IsMarket() {
			return true
		}
		if !o.Price.Valid {
			continue
		}
		if o.IsBuy() {
			if !bid.Valid || o.Price.Decimal.GreaterThan(bid.Decimal) {
				bid = o.Price
			}
		} else if !ask.Valid || o.Price.Decimal.LessThan(ask.Decimal) {
			ask = o.Price
		}
	}
	return bid.Valid && ask.Valid && bid.Decimal.GreaterThanOrEqual(ask.Decimal)
}
