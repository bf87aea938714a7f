package matching

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-core/internal/types"
)

// bookResult is the in-memory outcome of matching one market's book
type bookResult struct {
	trades   []*types.Trade
	updated  []*types.Order
	canceled []*types.Order
	rejected []*types.Order
	open     []*types.Order
	low      decimal.Decimal
	high     decimal.Decimal
	stall    *GuardStall
}

// GuardStall is a round in which the price guard held back a crossing book:
// nothing traded although the best bid is at or above the best ask once the
// rejected orders are counted
type GuardStall struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Mid is the middle of the crossing prices
func (g GuardStall) Mid() decimal.Decimal {
	return g.Bid.Add(g.Ask).Div(decimal.NewFromInt(2))
}

// book holds the orders of one market for the duration of one round
type book struct {
	cfg    Config
	market types.Market
	ref    decimal.Decimal

	buys     []*types.Order
	sells    []*types.Order
	inactive []*types.Order
	all      []*types.Order
	touched  map[uint]*types.Order
	rejected []*types.Order
	canceled []*types.Order
}

func newBook(cfg Config, market types.Market, ref decimal.Decimal, orders []*types.Order) *book {
	b := &book{
		cfg:     cfg,
		market:  market,
		ref:     ref,
		all:     orders,
		touched: map[uint]*types.Order{},
	}

	for _, o := range orders {
		switch {
		case o.Status == types.OrderInactive:
			b.inactive = append(b.inactive, o)
		case !o.IsOpen():
		case !o.IsMarket() && cfg.outsideBand(ref, o.Price.Decimal):
			b.rejected = append(b.rejected, o)
		case o.IsBuy():
			b.buys = append(b.buys, o)
		default:
			b.sells = append(b.sells, o)
		}
	}

	sort.SliceStable(b.sells, func(i, j int) bool {
		return before(b.sells[i], b.sells[j], func(x, y decimal.Decimal) bool { return x.LessThan(y) })
	})
	sort.SliceStable(b.buys, func(i, j int) bool {
		return before(b.buys[i], b.buys[j], func(x, y decimal.Decimal) bool { return x.GreaterThan(y) })
	})
	return b
}

// before orders one side of the book: market orders first, then by price,
// then by time
func before(a, b *types.Order, better func(x, y decimal.Decimal) bool) bool {
	if a.IsMarket() != b.IsMarket() {
		return a.IsMarket()
	}
	if !a.IsMarket() && !a.Price.Decimal.Equal(b.Price.Decimal) {
		return better(a.Price.Decimal, b.Price.Decimal)
	}
	return a.PlacedBefore(b)
}

// match runs the continuous double auction over the book
func (b *book) match() *bookResult {
	var trades []*types.Trade
	low, high := decimal.Zero, decimal.Zero

matching:
	for _, sell := range b.sells {
		for _, buy := range b.buys {
			if b.cfg.MaxTradesPerRound > 0 && len(trades) >= b.cfg.MaxTradesPerRound {
				break matching
			}
			if !sell.IsOpen() {
				break
			}
			if !buy.IsOpen() {
				continue
			}
			if sell.IsMarket() && buy.IsMarket() {
				continue
			}
			if sell.SameOCOPair(buy) && !sell.Started() && !buy.Started() {
				continue
			}
			if !sell.IsMarket() && !buy.IsMarket() && buy.Price.Decimal.LessThan(sell.Price.Decimal) {
				// buys are sorted best first, nothing further crosses this sell
				break
			}

			sellerMaker := !sell.IsMarket() && (buy.IsMarket() || sell.PlacedBefore(buy))
			maker, taker := buy, sell
			if sellerMaker {
				maker, taker = sell, buy
			}
			price := maker.Price.Decimal

			if !b.withinProtection(taker, price) {
				b.cancel(taker)
				if taker == sell {
					break
				}
				continue
			}

			amount := decimal.Min(sell.Remaining(), buy.Remaining())
			buyRate, sellRate := b.cfg.TakerFeeRate, b.cfg.MakerFeeRate
			if !sellerMaker {
				buyRate, sellRate = b.cfg.MakerFeeRate, b.cfg.TakerFeeRate
			}
			buyFee := amount.Mul(buyRate)
			sellFee := amount.Mul(price).Mul(sellRate)

			buy.ApplyFill(amount, price, buyFee)
			sell.ApplyFill(amount, price, sellFee)
			b.touch(buy)
			b.touch(sell)
			b.cancelSiblings(buy)
			b.cancelSiblings(sell)

			trades = append(trades, &types.Trade{
				MarketID:      b.market.ID,
				SellOrderID:   sell.ID,
				BuyOrderID:    buy.ID,
				SellerID:      sell.UserID,
				BuyerID:       buy.UserID,
				MatchedPrice:  price,
				MatchedAmount: amount,
				IsSellerMaker: sellerMaker,
				SellFee:       sellFee,
				BuyFee:        buyFee,
			})

			if low.IsZero() || price.LessThan(low) {
				low = price
			}
			if price.GreaterThan(high) {
				high = price
			}
		}
	}

	// market orders never rest in the book
	for _, side := range [][]*types.Order{b.buys, b.sells} {
		for _, o := range side {
			if o.IsMarket() && o.IsOpen() {
				b.cancel(o)
			}
		}
	}

	res := &bookResult{
		trades:   trades,
		canceled: b.canceled,
		rejected: b.rejected,
		low:      low,
		high:     high,
	}
	if len(trades) == 0 {
		res.stall = b.stall()
	}
	for _, o := range b.all {
		if _, ok := b.touched[o.ID]; ok {
			res.updated = append(res.updated, o)
		}
		if o.IsOpen() {
			res.open = append(res.open, o)
		}
	}
	sort.Slice(res.updated, func(i, j int) bool { return res.updated[i].ID < res.updated[j].ID })
	return res
}

// stall reports a crossing book whose best bid or best ask was rejected by
// the guard. Only limit prices count.
func (b *book) stall() *GuardStall {
	if len(b.rejected) == 0 {
		return nil
	}
	var bid, ask decimal.Decimal
	var bidRejected, askRejected bool
	for i, side := range [][]*types.Order{b.buys, b.sells, b.rejected} {
		rejected := i == 2
		for _, o := range side {
			if o.IsMarket() || !o.IsOpen() || !o.HasPrice() {
				continue
			}
			price := o.Price.Decimal
			if o.IsBuy() && price.GreaterThan(bid) {
				bid, bidRejected = price, rejected
			}
			if o.IsSell() && (ask.IsZero() || price.LessThan(ask)) {
				ask, askRejected = price, rejected
			}
		}
	}
	if bid.IsZero() || ask.IsZero() || bid.LessThan(ask) || !(bidRejected || askRejected) {
		return nil
	}
	return &GuardStall{Bid: bid, Ask: ask}
}

// withinProtection checks a market taker that carries a price against the
// maker price it is about to trade at
func (b *book) withinProtection(taker *types.Order, price decimal.Decimal) bool {
	if !taker.IsMarket() || !taker.HasPrice() || !b.cfg.MarketOrderMaxPriceDiff.IsPositive() {
		return true
	}
	limit := taker.Price.Decimal
	if taker.IsBuy() {
		return !price.GreaterThan(limit.Mul(one.Add(b.cfg.MarketOrderMaxPriceDiff)))
	}
	return !price.LessThan(limit.Mul(one.Sub(b.cfg.MarketOrderMaxPriceDiff)))
}

// cancelSiblings cancels the unfilled OCO siblings of an order that started filling
func (b *book) cancelSiblings(o *types.Order) {
	if !o.Started() {
		return
	}
	for _, other := range b.all {
		if other.ID == o.ID || !o.SameOCOPair(other) || other.Started() {
			continue
		}
		if other.Status == types.OrderActive || other.Status == types.OrderInactive {
			b.cancel(other)
		}
	}
}

func (b *book) cancel(o *types.Order) {
	if o.Status == types.OrderCanceled {
		return
	}
	o.Status = types.OrderCanceled
	b.touch(o)
	b.canceled = append(b.canceled, o)
}

func (b *book) touch(o *types.Order) {
	b.touched[o.ID] = o
}
