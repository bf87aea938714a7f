package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type CurrencyID uint

// Currency is an entry of the currency registry. A currency that does not
// support the wallet type a trade needs cannot be settled.
type Currency struct {
	ID            CurrencyID `gorm:"primaryKey" json:"id"`
	Code          string     `gorm:"uniqueIndex" json:"code"`
	SpotEnabled   bool       `json:"spot_enabled"`
	MarginEnabled bool       `json:"margin_enabled"`
}

// SupportsWallet reports whether wallets of the given type may hold this currency
func (c Currency) SupportsWallet(t WalletType) bool {
	switch t {
	case WalletSpot:
		return c.SpotEnabled
	case WalletMargin:
		return c.MarginEnabled
	}
	return false
}

type WalletType string

const (
	WalletSpot   WalletType = "spot"
	WalletMargin WalletType = "margin"
)

// PairKey is the structured identity of a market: base priced in quote.
type PairKey struct {
	Base  CurrencyID
	Quote CurrencyID
}

func (k PairKey) String() string {
	return fmt.Sprintf("%d/%d", k.Base, k.Quote)
}

type Market struct {
	ID              uint                `gorm:"primaryKey" json:"id"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	Symbol          string              `gorm:"uniqueIndex" json:"symbol"`
	BaseCurrencyID  CurrencyID          `gorm:"uniqueIndex:idx_markets_pair" json:"base_currency_id"`
	QuoteCurrencyID CurrencyID          `gorm:"uniqueIndex:idx_markets_pair" json:"quote_currency_id"`
	IsActive        bool                `gorm:"index" json:"is_active"`
	MaxLeverage     decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"max_leverage"`
	AmountPrecision int32               `json:"amount_precision"`
	PricePrecision  int32               `json:"price_precision"`
}

func (m Market) Key() PairKey {
	return PairKey{Base: m.BaseCurrencyID, Quote: m.QuoteCurrencyID}
}

// Touches reports whether settling a trade in this market moves balances of c
func (m Market) Touches(c CurrencyID) bool {
	return m.BaseCurrencyID == c || m.QuoteCurrencyID == c
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type Execution string

const (
	ExecLimit      Execution = "limit"
	ExecMarket     Execution = "market"
	ExecStopLimit  Execution = "stop_limit"
	ExecStopMarket Execution = "stop_market"
)

func (e Execution) IsMarket() bool {
	return e == ExecMarket || e == ExecStopMarket
}

func (e Execution) IsStop() bool {
	return e == ExecStopLimit || e == ExecStopMarket
}

type TradeType string

const (
	TradeSpot   TradeType = "spot"
	TradeMargin TradeType = "margin"
)

// WalletType returns the wallet type that settles orders of this trade type
func (t TradeType) WalletType() WalletType {
	if t == TradeMargin {
		return WalletMargin
	}
	return WalletSpot
}

type OrderStatus string

const (
	OrderActive   OrderStatus = "active"
	OrderInactive OrderStatus = "inactive"
	OrderCanceled OrderStatus = "canceled"
	OrderDone     OrderStatus = "done"
)

// Order is a resting or incoming order of one user in one market. Fill
// progress and status are only mutated by the matcher; Version guards every
// such update.
type Order struct {
	ID            uint                `gorm:"primaryKey" json:"id"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	MarketID      uint                `gorm:"index:idx_orders_market_status" json:"market_id"`
	UserID        uint                `gorm:"index" json:"user_id"`
	Side          Side                `json:"side"`
	Execution     Execution           `json:"execution"`
	TradeType     TradeType           `json:"trade_type"`
	Price         decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"price"`
	StopPrice     decimal.NullDecimal `gorm:"type:decimal(36,18)" json:"stop_price"`
	Amount        decimal.Decimal     `gorm:"type:decimal(36,18)" json:"amount"`
	MatchedAmount decimal.Decimal     `gorm:"type:decimal(36,18)" json:"matched_amount"`
	MatchedTotal  decimal.Decimal     `gorm:"type:decimal(36,18)" json:"matched_total"`
	Fee           decimal.Decimal     `gorm:"type:decimal(36,18)" json:"fee"`
	Status        OrderStatus         `gorm:"index:idx_orders_market_status" json:"status"`
	PairID        *uint               `json:"pair_id,omitempty"`
	PositionID    *uint               `json:"position_id,omitempty"`
	Version       int64               `json:"version"`
}

func (o *Order) IsBuy() bool    { return o.Side == SideBuy }
func (o *Order) IsSell() bool   { return o.Side == SideSell }
func (o *Order) IsMarket() bool { return o.Execution.IsMarket() }

// HasPrice reports whether the order carries a usable limit or protective price
func (o *Order) HasPrice() bool {
	return o.Price.Valid && o.Price.Decimal.IsPositive()
}

func (o *Order) HasStopPrice() bool {
	return o.StopPrice.Valid && o.StopPrice.Decimal.IsPositive()
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.MatchedAmount)
}

func (o *Order) IsFilled() bool {
	return !o.Remaining().IsPositive()
}

// Started reports whether the order has received at least one fill
func (o *Order) Started() bool {
	return o.MatchedAmount.IsPositive()
}

// IsOpen reports whether the order can still take part in matching
func (o *Order) IsOpen() bool {
	return o.Status == OrderActive && !o.IsFilled()
}

// PlacedBefore orders two orders by time priority
func (o *Order) PlacedBefore(other *Order) bool {
	if o.CreatedAt.Equal(other.CreatedAt) {
		return o.ID < other.ID
	}
	return o.CreatedAt.Before(other.CreatedAt)
}

// SameOCOPair reports whether o and other are the two legs of one OCO pair
func (o *Order) SameOCOPair(other *Order) bool {
	if o.PairID != nil && *o.PairID == other.ID {
		return true
	}
	if other.PairID != nil && *other.PairID == o.ID {
		return true
	}
	return o.PairID != nil && other.PairID != nil && *o.PairID == *other.PairID
}

// ApplyFill records a fill of amount at price on the order and moves it to
// done once nothing remains
func (o *Order) ApplyFill(amount, price, fee decimal.Decimal) {
	o.MatchedAmount = o.MatchedAmount.Add(amount)
	o.MatchedTotal = o.MatchedTotal.Add(amount.Mul(price))
	o.Fee = o.Fee.Add(fee)
	if o.IsFilled() {
		o.Status = OrderDone
	}
}

// Validate checks the fill invariants of a stored order
func (o *Order) Validate() error {
	if !o.Amount.IsPositive() {
		return Integrityf("order %d has non-positive amount %s", o.ID, o.Amount)
	}
	if o.MatchedAmount.IsNegative() {
		return Integrityf("order %d has negative matched amount %s", o.ID, o.MatchedAmount)
	}
	if o.MatchedAmount.GreaterThan(o.Amount) {
		return Integrityf("order %d matched %s of %s", o.ID, o.MatchedAmount, o.Amount)
	}
	if o.Status == OrderActive && o.IsFilled() {
		return Integrityf("order %d is fully matched but still active", o.ID)
	}
	if !o.IsMarket() && !o.HasPrice() {
		return Integrityf("%s order %d has no price", o.Execution, o.ID)
	}
	if o.Execution.IsStop() && !o.HasStopPrice() {
		return Integrityf("%s order %d has no stop price", o.Execution, o.ID)
	}
	return nil
}

// Trade is the immutable record of one fill between a buy and a sell order.
// Only the four settlement leg references are ever written after creation.
type Trade struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	MarketID       uint            `gorm:"index" json:"market_id"`
	SellOrderID    uint            `gorm:"uniqueIndex:idx_trades_orders" json:"sell_order_id"`
	BuyOrderID     uint            `gorm:"uniqueIndex:idx_trades_orders" json:"buy_order_id"`
	SellerID       uint            `json:"seller_id"`
	BuyerID        uint            `json:"buyer_id"`
	MatchedPrice   decimal.Decimal `gorm:"type:decimal(36,18)" json:"matched_price"`
	MatchedAmount  decimal.Decimal `gorm:"type:decimal(36,18)" json:"matched_amount"`
	IsSellerMaker  bool            `json:"is_seller_maker"`
	SellFee        decimal.Decimal `gorm:"type:decimal(36,18)" json:"sell_fee"`
	BuyFee         decimal.Decimal `gorm:"type:decimal(36,18)" json:"buy_fee"`
	SellWithdrawID *uint           `json:"sell_withdraw_id,omitempty"`
	BuyWithdrawID  *uint           `json:"buy_withdraw_id,omitempty"`
	SellDepositID  *uint           `json:"sell_deposit_id,omitempty"`
	BuyDepositID   *uint           `json:"buy_deposit_id,omitempty"`
}

// Total is the quote currency value of the trade
func (t *Trade) Total() decimal.Decimal {
	return t.MatchedAmount.Mul(t.MatchedPrice)
}

// IsSettled reports whether all four wallet legs are attached
func (t *Trade) IsSettled() bool {
	return t.SellWithdrawID != nil && t.BuyWithdrawID != nil &&
		t.SellDepositID != nil && t.BuyDepositID != nil
}

// Description renders the audit text attached to the trade's wallet legs
func (t *Trade) Description(m Market, base, quote Currency) string {
	return fmt.Sprintf("trade #%d %s: %s %s at %s %s",
		t.ID, m.Symbol,
		t.MatchedAmount.Round(m.AmountPrecision).String(), base.Code,
		t.MatchedPrice.Round(m.PricePrecision).String(), quote.Code)
}

// ClockOrder returns a timestamp strictly after base for the i-th order of a batch
func ClockOrder(base time.Time, i int) time.Time {
	return base.Add(time.Duration(i) * time.Microsecond)
}
