package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-core/internal/matching"
	"github.com/ksred/klear-core/internal/types"
)

type Config struct {
	Brokers        []string
	TradesTopic    string
	PositionsTopic string
}

// TradeEvent announces a settled trade to notification consumers
type TradeEvent struct {
	EventID       string          `json:"event_id"`
	TradeID       uint            `json:"trade_id"`
	Market        string          `json:"market"`
	SellerID      uint            `json:"seller_id"`
	BuyerID       uint            `json:"buyer_id"`
	Price         decimal.Decimal `json:"price"`
	Amount        decimal.Decimal `json:"amount"`
	IsSellerMaker bool            `json:"is_seller_maker"`
	SellFee       decimal.Decimal `json:"sell_fee"`
	BuyFee        decimal.Decimal `json:"buy_fee"`
	SettledAt     time.Time       `json:"settled_at"`
}

// PositionEvent tells the margin position manager that a position's order traded
type PositionEvent struct {
	EventID    string          `json:"event_id"`
	PositionID uint            `json:"position_id"`
	OrderID    uint            `json:"order_id"`
	TradeID    uint            `json:"trade_id"`
	Market     string          `json:"market"`
	Side       types.Side      `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	OrderDone  bool            `json:"order_done"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Publisher turns committed rounds and settled trades into events
type Publisher struct {
	sender Sender
	cfg    Config
	now    func() time.Time
}

func NewPublisher(sender Sender, cfg Config) *Publisher {
	return &Publisher{sender: sender, cfg: cfg, now: time.Now}
}

func (p *Publisher) TradeSettled(ctx context.Context, trade *types.Trade, market types.Market) error {
	ev := TradeEvent{
		EventID:       uuid.NewString(),
		TradeID:       trade.ID,
		Market:        market.Symbol,
		SellerID:      trade.SellerID,
		BuyerID:       trade.BuyerID,
		Price:         trade.MatchedPrice,
		Amount:        trade.MatchedAmount,
		IsSellerMaker: trade.IsSellerMaker,
		SellFee:       trade.SellFee,
		BuyFee:        trade.BuyFee,
		SettledAt:     p.now(),
	}
	return p.send(ctx, p.cfg.TradesTopic, fmt.Sprintf("%d", trade.ID), ev)
}

// RoundCommitted publishes one position event per traded margin order
func (p *Publisher) RoundCommitted(ctx context.Context, result *matching.RoundResult) error {
	orders := make(map[uint]*types.Order, len(result.Updated))
	for _, o := range result.Updated {
		orders[o.ID] = o
	}

	var errs []error
	for _, t := range result.Trades {
		for _, id := range []uint{t.SellOrderID, t.BuyOrderID} {
			o, ok := orders[id]
			if !ok || o.PositionID == nil {
				continue
			}
			ev := PositionEvent{
				EventID:    uuid.NewString(),
				PositionID: *o.PositionID,
				OrderID:    o.ID,
				TradeID:    t.ID,
				Market:     result.Market.Symbol,
				Side:       o.Side,
				Price:      t.MatchedPrice,
				Amount:     t.MatchedAmount,
				OrderDone:  o.Status == types.OrderDone,
				CreatedAt:  p.now(),
			}
			if err := p.send(ctx, p.cfg.PositionsTopic, fmt.Sprintf("%d", *o.PositionID), ev); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) send(ctx context.Context, topic, key string, ev interface{}) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.sender.Send(ctx, topic, []byte(key), data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}
