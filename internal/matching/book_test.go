package matching

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ksred/klear-core/internal/types"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testMarket() types.Market {
	return types.Market{ID: 1, Symbol: "BTCUSDT", BaseCurrencyID: 3, QuoteCurrencyID: 2, IsActive: true}
}

func noGuard() Config {
	return Config{PriceGuardDisabled: true}
}

func newOrder(id uint, side types.Side, exec types.Execution, price, amount string, at int) *types.Order {
	o := &types.Order{
		ID:            id,
		MarketID:      1,
		UserID:        100 + id,
		Side:          side,
		Execution:     exec,
		TradeType:     types.TradeSpot,
		Amount:        dec(amount),
		MatchedAmount: decimal.Zero,
		MatchedTotal:  decimal.Zero,
		Fee:           decimal.Zero,
		Status:        types.OrderActive,
		CreatedAt:     epoch.Add(time.Duration(at) * time.Second),
	}
	if price != "" {
		o.Price = decimal.NewNullDecimal(dec(price))
	}
	return o
}

func limit(id uint, side types.Side, price, amount string, at int) *types.Order {
	return newOrder(id, side, types.ExecLimit, price, amount, at)
}

func marketOrder(id uint, side types.Side, amount string, at int) *types.Order {
	return newOrder(id, side, types.ExecMarket, "", amount, at)
}

func runBook(cfg Config, ref string, orders ...*types.Order) *bookResult {
	r := decimal.Zero
	if ref != "" {
		r = dec(ref)
	}
	return newBook(cfg, testMarket(), r, orders).match()
}

func TestBookRestingSellIsMaker(t *testing.T) {
	sell := limit(1, types.SideSell, "100", "1", 0)
	buy := limit(2, types.SideBuy, "100", "0.4", 1)

	res := runBook(noGuard(), "", sell, buy)

	require.Len(t, res.trades, 1)
	trade := res.trades[0]
	assert.True(t, trade.MatchedAmount.Equal(dec("0.4")))
	assert.True(t, trade.MatchedPrice.Equal(dec("100")))
	assert.True(t, trade.IsSellerMaker)
	assert.Equal(t, uint(1), trade.SellOrderID)
	assert.Equal(t, uint(2), trade.BuyOrderID)

	assert.Equal(t, types.OrderActive, sell.Status)
	assert.True(t, sell.MatchedAmount.Equal(dec("0.4")))
	assert.Equal(t, types.OrderDone, buy.Status)
	assert.True(t, buy.MatchedTotal.Equal(dec("40")))
	assert.Len(t, res.updated, 2)
}

func TestBookRestingBuyIsMaker(t *testing.T) {
	buy := limit(1, types.SideBuy, "105", "1", 0)
	sell := limit(2, types.SideSell, "100", "1", 1)

	res := runBook(noGuard(), "", buy, sell)

	require.Len(t, res.trades, 1)
	assert.False(t, res.trades[0].IsSellerMaker)
	assert.True(t, res.trades[0].MatchedPrice.Equal(dec("105")))
	assert.Equal(t, types.OrderDone, buy.Status)
	assert.Equal(t, types.OrderDone, sell.Status)
}

func TestBookPriceTimePriority(t *testing.T) {
	expensive := limit(1, types.SideSell, "101", "1", 0)
	cheapLate := limit(2, types.SideSell, "100", "1", 2)
	cheapEarly := limit(3, types.SideSell, "100", "1", 1)
	buy := limit(4, types.SideBuy, "101", "2.5", 3)

	res := runBook(noGuard(), "", expensive, cheapLate, cheapEarly, buy)

	require.Len(t, res.trades, 3)
	assert.Equal(t, uint(3), res.trades[0].SellOrderID)
	assert.Equal(t, uint(2), res.trades[1].SellOrderID)
	assert.Equal(t, uint(1), res.trades[2].SellOrderID)
	assert.True(t, res.trades[2].MatchedAmount.Equal(dec("0.5")))
	assert.True(t, res.low.Equal(dec("100")))
	assert.True(t, res.high.Equal(dec("101")))
	assert.Equal(t, types.OrderDone, buy.Status)
	assert.Equal(t, types.OrderActive, expensive.Status)
}

func TestBookNoCross(t *testing.T) {
	sell := limit(1, types.SideSell, "100", "1", 0)
	buy := limit(2, types.SideBuy, "99.99", "1", 1)

	res := runBook(noGuard(), "", sell, buy)

	assert.Empty(t, res.trades)
	assert.Empty(t, res.updated)
	assert.Len(t, res.open, 2)
}

func TestBookOCOSiblingsNeverTrade(t *testing.T) {
	sell := limit(1, types.SideSell, "100", "1", 0)
	buy := limit(2, types.SideBuy, "100", "1", 1)
	pair := uint(1)
	buy.PairID = &pair

	res := runBook(noGuard(), "", sell, buy)

	assert.Empty(t, res.trades)
	assert.Equal(t, types.OrderActive, sell.Status)
	assert.Equal(t, types.OrderActive, buy.Status)
}

func TestBookOCOSiblingCanceledOnFill(t *testing.T) {
	takeProfit := limit(1, types.SideSell, "110", "1", 0)
	stop := newOrder(2, types.SideSell, types.ExecStopLimit, "90", "1", 0)
	stop.Status = types.OrderInactive
	stop.StopPrice = decimal.NewNullDecimal(dec("95"))
	pair := uint(1)
	stop.PairID = &pair
	buy := limit(3, types.SideBuy, "110", "0.5", 1)

	res := runBook(noGuard(), "", takeProfit, stop, buy)

	require.Len(t, res.trades, 1)
	assert.Equal(t, types.OrderCanceled, stop.Status)
	assert.Contains(t, res.canceled, stop)
	assert.Contains(t, res.updated, stop)
	assert.Equal(t, types.OrderActive, takeProfit.Status)
}

func TestBookMarketOrders(t *testing.T) {
	t.Run("market buy takes the book then is canceled", func(t *testing.T) {
		sell := limit(1, types.SideSell, "100", "1", 0)
		buy := marketOrder(2, types.SideBuy, "3", 1)

		res := runBook(noGuard(), "", sell, buy)

		require.Len(t, res.trades, 1)
		assert.True(t, res.trades[0].IsSellerMaker)
		assert.True(t, buy.MatchedAmount.Equal(dec("1")))
		assert.Equal(t, types.OrderCanceled, buy.Status)
		assert.Equal(t, types.OrderDone, sell.Status)
	})

	t.Run("market sell makes the buyer maker", func(t *testing.T) {
		buy := limit(1, types.SideBuy, "100", "1", 5)
		sell := marketOrder(2, types.SideSell, "1", 0)

		res := runBook(noGuard(), "", buy, sell)

		require.Len(t, res.trades, 1)
		assert.False(t, res.trades[0].IsSellerMaker)
		assert.True(t, res.trades[0].MatchedPrice.Equal(dec("100")))
	})

	t.Run("two market orders never trade", func(t *testing.T) {
		buy := marketOrder(1, types.SideBuy, "1", 0)
		sell := marketOrder(2, types.SideSell, "1", 1)

		res := runBook(noGuard(), "", buy, sell)

		assert.Empty(t, res.trades)
		assert.Equal(t, types.OrderCanceled, buy.Status)
		assert.Equal(t, types.OrderCanceled, sell.Status)
	})

	t.Run("protective price cancels instead of trading", func(t *testing.T) {
		cfg := noGuard()
		cfg.MarketOrderMaxPriceDiff = dec("0.02")
		sell := limit(1, types.SideSell, "110", "1", 0)
		buy := marketOrder(2, types.SideBuy, "1", 1)
		buy.Price = decimal.NewNullDecimal(dec("100"))

		res := runBook(cfg, "", sell, buy)

		assert.Empty(t, res.trades)
		assert.Equal(t, types.OrderCanceled, buy.Status)
		assert.Equal(t, types.OrderActive, sell.Status)
	})
}

func TestBookPriceGuard(t *testing.T) {
	cfg := Config{PriceGuardBand: dec("0.1")}
	farSell := limit(1, types.SideSell, "80", "1", 0)
	sell := limit(2, types.SideSell, "100", "1", 1)
	buy := limit(3, types.SideBuy, "100", "2", 2)

	res := runBook(cfg, "100", farSell, sell, buy)

	require.Len(t, res.trades, 1)
	assert.Equal(t, uint(2), res.trades[0].SellOrderID)
	assert.Equal(t, []*types.Order{farSell}, res.rejected)
	assert.Equal(t, types.OrderActive, farSell.Status)
	assert.True(t, farSell.MatchedAmount.IsZero())
	assert.NotContains(t, res.updated, farSell)
	assert.Nil(t, res.stall)

	// without a reference price the guard has nothing to compare against
	farSell = limit(1, types.SideSell, "80", "1", 0)
	buy = limit(3, types.SideBuy, "100", "2", 2)
	res = runBook(cfg, "", farSell, buy)
	assert.Len(t, res.trades, 1)
	assert.Empty(t, res.rejected)
}

func TestBookGuardStall(t *testing.T) {
	cfg := Config{PriceGuardBand: dec("0.1")}

	// the market moved past the band: both sides cross but neither is admitted
	res := runBook(cfg, "100", limit(1, types.SideSell, "115", "1", 0), limit(2, types.SideBuy, "116", "1", 1))
	assert.Empty(t, res.trades)
	assert.Len(t, res.rejected, 2)
	require.NotNil(t, res.stall)
	assert.True(t, res.stall.Bid.Equal(dec("116")))
	assert.True(t, res.stall.Ask.Equal(dec("115")))
	assert.True(t, res.stall.Mid().Equal(dec("115.5")))

	// a rejected order far from a quiet book is not a stall
	res = runBook(cfg, "100",
		limit(1, types.SideSell, "101", "1", 0),
		limit(2, types.SideBuy, "99", "1", 1),
		limit(3, types.SideBuy, "80", "1", 2),
	)
	assert.Len(t, res.rejected, 1)
	assert.Nil(t, res.stall)

	// a fat finger that crosses in-band orders is one
	res = runBook(cfg, "100",
		limit(1, types.SideSell, "101", "1", 0),
		limit(2, types.SideBuy, "150", "1", 1),
	)
	assert.Empty(t, res.trades)
	require.NotNil(t, res.stall)
	assert.True(t, res.stall.Bid.Equal(dec("150")))
}

func TestBookMaxTradesPerRound(t *testing.T) {
	cfg := noGuard()
	cfg.MaxTradesPerRound = 2
	orders := []*types.Order{
		limit(1, types.SideSell, "100", "1", 0),
		limit(2, types.SideSell, "100", "1", 1),
		limit(3, types.SideSell, "100", "1", 2),
		limit(4, types.SideBuy, "100", "3", 3),
	}

	res := runBook(cfg, "", orders...)

	assert.Len(t, res.trades, 2)
	assert.Equal(t, types.OrderActive, orders[3].Status)
	assert.True(t, orders[3].MatchedAmount.Equal(dec("2")))
}

func TestBookFees(t *testing.T) {
	cfg := noGuard()
	cfg.MakerFeeRate = dec("0.001")
	cfg.TakerFeeRate = dec("0.002")
	sell := limit(1, types.SideSell, "100", "1", 0)
	buy := limit(2, types.SideBuy, "100", "1", 1)

	res := runBook(cfg, "", sell, buy)

	require.Len(t, res.trades, 1)
	// buyer is taker and pays in base, seller is maker and pays in quote
	assert.True(t, res.trades[0].BuyFee.Equal(dec("0.002")))
	assert.True(t, res.trades[0].SellFee.Equal(dec("0.1")))
	assert.True(t, buy.Fee.Equal(dec("0.002")))
	assert.True(t, sell.Fee.Equal(dec("0.1")))
}

func TestBookConservation(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 25).Draw(t, "orders")
		var orders []*types.Order
		start := map[uint]decimal.Decimal{}
		for i := 0; i < n; i++ {
			id := uint(i + 1)
			side := types.SideBuy
			if rapid.Bool().Draw(t, fmt.Sprintf("sell-%d", i)) {
				side = types.SideSell
			}
			amount := decimal.New(rapid.Int64Range(1, 500).Draw(t, fmt.Sprintf("amount-%d", i)), -2)
			at := rapid.IntRange(0, 10).Draw(t, fmt.Sprintf("at-%d", i))
			var o *types.Order
			if rapid.IntRange(0, 4).Draw(t, fmt.Sprintf("kind-%d", i)) == 0 {
				o = marketOrder(id, side, amount.String(), at)
			} else {
				price := decimal.NewFromInt(rapid.Int64Range(95, 105).Draw(t, fmt.Sprintf("price-%d", i)))
				o = limit(id, side, price.String(), amount.String(), at)
			}
			if rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("partial-%d", i)) == 0 {
				o.MatchedAmount = amount.Div(decimal.NewFromInt(2)).Truncate(2)
			}
			start[id] = o.MatchedAmount
			orders = append(orders, o)
		}
		byID := map[uint]*types.Order{}
		for _, o := range orders {
			byID[o.ID] = o
		}

		res := runBook(noGuard(), "", orders...)

		filled := map[uint]decimal.Decimal{}
		for _, tr := range res.trades {
			if !tr.MatchedAmount.IsPositive() {
				t.Fatalf("trade with non-positive amount %s", tr.MatchedAmount)
			}
			sell, buy := byID[tr.SellOrderID], byID[tr.BuyOrderID]
			if !sell.IsSell() || !buy.IsBuy() {
				t.Fatalf("trade %v pairs wrong sides", tr)
			}
			if sell.IsMarket() && buy.IsMarket() {
				t.Fatalf("two market orders traded")
			}
			if !sell.IsMarket() && tr.MatchedPrice.LessThan(sell.Price.Decimal) {
				t.Fatalf("sell %d filled below its limit", sell.ID)
			}
			if !buy.IsMarket() && tr.MatchedPrice.GreaterThan(buy.Price.Decimal) {
				t.Fatalf("buy %d filled above its limit", buy.ID)
			}
			filled[sell.ID] = filled[sell.ID].Add(tr.MatchedAmount)
			filled[buy.ID] = filled[buy.ID].Add(tr.MatchedAmount)
		}

		for _, o := range orders {
			if !start[o.ID].Add(filled[o.ID]).Equal(o.MatchedAmount) {
				t.Fatalf("order %d matched %s, trades say %s+%s", o.ID, o.MatchedAmount, start[o.ID], filled[o.ID])
			}
			if o.MatchedAmount.GreaterThan(o.Amount) {
				t.Fatalf("order %d overfilled", o.ID)
			}
			if o.IsFilled() && o.Status == types.OrderActive {
				t.Fatalf("filled order %d still active", o.ID)
			}
			if o.IsMarket() && o.Status == types.OrderActive {
				t.Fatalf("market order %d left resting", o.ID)
			}
		}

		// what is left must not cross
		var bestBid, bestAsk decimal.Decimal
		for _, o := range res.open {
			if o.IsBuy() && (bestBid.IsZero() || o.Price.Decimal.GreaterThan(bestBid)) {
				bestBid = o.Price.Decimal
			}
			if o.IsSell() && (bestAsk.IsZero() || o.Price.Decimal.LessThan(bestAsk)) {
				bestAsk = o.Price.Decimal
			}
		}
		if !bestBid.IsZero() && !bestAsk.IsZero() && bestBid.GreaterThanOrEqual(bestAsk) {
			t.Fatalf("book still crossed: bid %s ask %s", bestBid, bestAsk)
		}
	})
}
