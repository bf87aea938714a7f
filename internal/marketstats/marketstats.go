package marketstats

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-core/internal/matching"
	"github.com/ksred/klear-core/internal/types"
	"github.com/ksred/klear-core/pkg/response"
)

// Stats is the running summary of a market's settled trades
type Stats struct {
	MarketID    uint            `json:"market_id"`
	Symbol      string          `json:"symbol"`
	LastPrice   decimal.Decimal `json:"last_price"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	TradeCount  int64           `json:"trade_count"`
	LastTradeID uint            `json:"last_trade_id"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type Level struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// Depth is the aggregated resting book of a market after its last round
type Depth struct {
	MarketID  uint      `json:"market_id"`
	Symbol    string    `json:"symbol"`
	RoundID   string    `json:"round_id"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reference sources
const (
	SourceOps  = "ops"
	SourceBook = "book"
)

var ErrInvalidReference = errors.New("reference price must be positive")

// Reference is a reference price set outside of settled trades, either by an
// operator or by re-anchoring on a book the guard kept rejecting
type Reference struct {
	Price     decimal.Decimal `json:"price"`
	Source    string          `json:"source"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Service maintains stats and depth. It is the reference price feed of the
// matcher, a round observer and a settled trade observer.
type Service struct {
	store *Store
	mu    sync.Mutex

	// reanchorAfter consecutive stalled rounds move the reference; 0 never
	reanchorAfter int
	stalls        map[uint]int
	now           func() time.Time
}

func NewService(store *Store, reanchorAfter int) *Service {
	return &Service{
		store:         store,
		reanchorAfter: reanchorAfter,
		stalls:        make(map[uint]int),
		now:           time.Now,
	}
}

func (s *Service) Stats(marketID uint) (*Stats, error) {
	var st Stats
	if _, err := s.store.get(statsKey(marketID), &st); err != nil {
		return nil, err
	}
	st.MarketID = marketID
	return &st, nil
}

func (s *Service) Depth(marketID uint) (*Depth, error) {
	var d Depth
	if _, err := s.store.get(depthKey(marketID), &d); err != nil {
		return nil, err
	}
	d.MarketID = marketID
	return &d, nil
}

// ReferencePrice returns the most recent of the last settled price and the
// stored reference, zero when there is neither
func (s *Service) ReferencePrice(_ context.Context, market types.Market) (decimal.Decimal, error) {
	st, err := s.Stats(market.ID)
	if err != nil {
		return decimal.Zero, err
	}
	var ref Reference
	ok, err := s.store.get(referenceKey(market.ID), &ref)
	if err != nil {
		return decimal.Zero, err
	}
	if ok && (st.LastPrice.IsZero() || ref.UpdatedAt.After(st.UpdatedAt)) {
		return ref.Price, nil
	}
	return st.LastPrice, nil
}

// SetReferencePrice stores a reference price for a market. It stays in
// force until a trade settles after it.
func (s *Service) SetReferencePrice(marketID uint, price decimal.Decimal, source string) (*Reference, error) {
	if !price.IsPositive() {
		return nil, ErrInvalidReference
	}
	ref := Reference{Price: price, Source: source, UpdatedAt: s.now()}
	if err := s.store.put(referenceKey(marketID), ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// TradeSettled folds a settled trade into the market's stats. Trades at or
// below the last applied id are ignored.
func (s *Service) TradeSettled(_ context.Context, trade *types.Trade, market types.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	if _, err := s.store.get(statsKey(market.ID), &st); err != nil {
		return err
	}
	if trade.ID <= st.LastTradeID {
		return nil
	}

	price := trade.MatchedPrice
	st.MarketID = market.ID
	st.Symbol = market.Symbol
	st.LastPrice = price
	if st.TradeCount == 0 || price.GreaterThan(st.High) {
		st.High = price
	}
	if st.TradeCount == 0 || price.LessThan(st.Low) {
		st.Low = price
	}
	st.Volume = st.Volume.Add(trade.MatchedAmount)
	st.QuoteVolume = st.QuoteVolume.Add(trade.Total())
	st.TradeCount++
	st.LastTradeID = trade.ID
	st.UpdatedAt = s.now()

	return s.store.put(statsKey(market.ID), st)
}

// RoundCommitted rebuilds the depth snapshot from the book left by the round
// and re-anchors the reference once the guard has stalled long enough
func (s *Service) RoundCommitted(_ context.Context, result *matching.RoundResult) error {
	if err := s.trackStall(result); err != nil {
		return err
	}

	bids := map[string]*Level{}
	asks := map[string]*Level{}
	for _, o := range result.Open {
		if o.IsMarket() || !o.HasPrice() {
			continue
		}
		levels := asks
		if o.IsBuy() {
			levels = bids
		}
		key := o.Price.Decimal.String()
		l, ok := levels[key]
		if !ok {
			l = &Level{Price: o.Price.Decimal, Amount: decimal.Zero}
			levels[key] = l
		}
		l.Amount = l.Amount.Add(o.Remaining())
	}

	d := Depth{
		MarketID:  result.Market.ID,
		Symbol:    result.Market.Symbol,
		RoundID:   result.RoundID.String(),
		Bids:      sortedLevels(bids, true),
		Asks:      sortedLevels(asks, false),
		UpdatedAt: s.now(),
	}
	return s.store.put(depthKey(result.Market.ID), d)
}

func (s *Service) trackStall(result *matching.RoundResult) error {
	id := result.Market.ID
	s.mu.Lock()
	if result.Stall == nil {
		delete(s.stalls, id)
		s.mu.Unlock()
		return nil
	}
	s.stalls[id]++
	reanchor := s.reanchorAfter > 0 && s.stalls[id] >= s.reanchorAfter
	if reanchor {
		delete(s.stalls, id)
	}
	s.mu.Unlock()

	if !reanchor {
		return nil
	}
	_, err := s.SetReferencePrice(id, result.Stall.Mid(), SourceBook)
	return err
}

func sortedLevels(m map[string]*Level, desc bool) []Level {
	out := make([]Level, 0, len(m))
	for _, l := range m {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// MarketResolver looks a market up by symbol
type MarketResolver interface {
	GetMarketBySymbol(ctx context.Context, symbol string) (*types.Market, error)
}

type GinHandlers struct {
	service *Service
	markets MarketResolver
}

func NewGinHandlers(service *Service, markets MarketResolver) *GinHandlers {
	return &GinHandlers{service: service, markets: markets}
}

// StatsHandler handles GET requests for market statistics
// URL parameter: symbol
func (h *GinHandlers) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		market, err := h.markets.GetMarketBySymbol(c.Request.Context(), c.Param("symbol"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		st, err := h.service.Stats(market.ID)
		if st != nil {
			st.Symbol = market.Symbol
		}
		response.Handle(c, st, err)
	}
}

type referenceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// SetReferenceHandler handles PUT requests overriding a market's reference price
// URL parameter: symbol
func (h *GinHandlers) SetReferenceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		market, err := h.markets.GetMarketBySymbol(c.Request.Context(), c.Param("symbol"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		var req referenceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request format")
			return
		}
		ref, err := h.service.SetReferencePrice(market.ID, req.Price, SourceOps)
		if errors.Is(err, ErrInvalidReference) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, ref, err)
	}
}

func (h *GinHandlers) DepthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		market, err := h.markets.GetMarketBySymbol(c.Request.Context(), c.Param("symbol"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		d, err := h.service.Depth(market.ID)
		if d != nil {
			d.Symbol = market.Symbol
		}
		response.Handle(c, d, err)
	}
}
