package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-core/internal/types"
	"github.com/ksred/klear-core/internal/wallet"
	"github.com/ksred/klear-core/pkg/response"
)

var (
	ErrUnknownCurrency = errors.New("unknown currency")
	errSettledMeanwhile = errors.New("trade settled by another processor")
)

type Service struct {
	gormDB  *gorm.DB
	db      *Database
	wallets *wallet.Service
}

func NewService(gormDB *gorm.DB, wallets *wallet.Service) *Service {
	return &Service{
		gormDB:  gormDB,
		db:      NewDatabase(gormDB),
		wallets: wallets,
	}
}

func (s *Service) GetDB() *Database {
	return s.db
}

// leg is one of the four wallet movements of a trade
type leg struct {
	refModule     string
	userID        uint
	currency      types.CurrencyID
	walletType    types.WalletType
	amount        decimal.Decimal
	allowNegative bool
}

// SettleTrade commits the four wallet legs of a trade in one transaction and
// attaches them to the trade. A trade that already carries its legs is left
// alone, and legs left behind by an interrupted attempt are reused, so the
// call is safe to repeat.
func (s *Service) SettleTrade(ctx context.Context, tradeID uint) (*Settlement, error) {
	logger := log.With().
		Uint("trade_id", tradeID).
		Str("service", "settlement").
		Logger()

	out := &Settlement{}
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out.Trade, tradeID).Error; err != nil {
			return fmt.Errorf("failed to load trade: %w", err)
		}
		trade := &out.Trade
		if trade.IsSettled() {
			out.AlreadySettled = true
			return tx.First(&out.Market, trade.MarketID).Error
		}

		if err := tx.First(&out.Market, trade.MarketID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.Integrityf("trade %d references missing market %d", trade.ID, trade.MarketID)
			}
			return err
		}
		market := out.Market

		sellType, buyType, err := walletTypes(tx, trade)
		if err != nil {
			return err
		}
		base, err := currency(tx, market.BaseCurrencyID)
		if err != nil {
			return err
		}
		quote, err := currency(tx, market.QuoteCurrencyID)
		if err != nil {
			return err
		}
		for _, check := range []struct {
			c  *types.Currency
			wt types.WalletType
		}{{base, sellType}, {quote, sellType}, {base, buyType}, {quote, buyType}} {
			if !check.c.SupportsWallet(check.wt) {
				return types.Integrityf("trade %d: currency %s has no %s wallet", trade.ID, check.c.Code, check.wt)
			}
		}

		total := trade.Total()
		legs := []leg{
			{wallet.RefTradeSellWithdraw, trade.SellerID, base.ID, sellType, trade.MatchedAmount.Neg(), false},
			{wallet.RefTradeBuyWithdraw, trade.BuyerID, quote.ID, buyType, total.Neg(), false},
			{wallet.RefTradeSellDeposit, trade.SellerID, quote.ID, sellType, total.Sub(trade.SellFee), true},
			{wallet.RefTradeBuyDeposit, trade.BuyerID, base.ID, buyType, trade.MatchedAmount.Sub(trade.BuyFee), true},
		}

		ws := s.wallets.WithTx(tx)
		description := trade.Description(market, *base, *quote)
		ids := make([]uint, len(legs))
		for i, l := range legs {
			w, err := ws.GetOrCreate(ctx, l.userID, l.currency, l.walletType)
			if err != nil {
				return err
			}
			txn, err := ws.CreateTransaction(ctx, w, l.amount, l.refModule, trade.ID, description, l.allowNegative)
			if err != nil {
				return err
			}
			if err := ws.Commit(ctx, txn); err != nil {
				if errors.Is(err, wallet.ErrInsufficientBalance) {
					return types.Integrityf("trade %d %s: %v", trade.ID, l.refModule, err)
				}
				return err
			}
			ids[i] = txn.ID
		}

		res := tx.Model(&types.Trade{}).
			Where("id = ? AND sell_withdraw_id IS NULL", trade.ID).
			Updates(map[string]interface{}{
				"sell_withdraw_id": ids[0],
				"buy_withdraw_id":  ids[1],
				"sell_deposit_id":  ids[2],
				"buy_deposit_id":   ids[3],
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errSettledMeanwhile
		}
		trade.SellWithdrawID, trade.BuyWithdrawID = &ids[0], &ids[1]
		trade.SellDepositID, trade.BuyDepositID = &ids[2], &ids[3]
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !out.AlreadySettled {
		logger.Debug().
			Str("market", out.Market.Symbol).
			Str("amount", out.Trade.MatchedAmount.String()).
			Str("price", out.Trade.MatchedPrice.String()).
			Msg("trade settled")
	}
	return out, nil
}

func walletTypes(tx *gorm.DB, trade *types.Trade) (types.WalletType, types.WalletType, error) {
	var orders []types.Order
	if err := tx.Where("id IN ?", []uint{trade.SellOrderID, trade.BuyOrderID}).Find(&orders).Error; err != nil {
		return "", "", err
	}
	var sellType, buyType types.WalletType
	for _, o := range orders {
		switch o.ID {
		case trade.SellOrderID:
			sellType = o.TradeType.WalletType()
		case trade.BuyOrderID:
			buyType = o.TradeType.WalletType()
		}
	}
	if sellType == "" || buyType == "" {
		return "", "", types.Integrityf("trade %d references missing orders", trade.ID)
	}
	return sellType, buyType, nil
}

func currency(tx *gorm.DB, id types.CurrencyID) (*types.Currency, error) {
	var c types.Currency
	if err := tx.First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.Integrityf("%v: %d", ErrUnknownCurrency, id)
		}
		return nil, err
	}
	return &c, nil
}

// Retry settles a flagged trade again and resolves the flag on success
func (s *Service) Retry(ctx context.Context, tradeID uint) (*Settlement, error) {
	if _, err := s.db.GetFlag(ctx, tradeID); err != nil {
		return nil, err
	}

	out, err := s.SettleTrade(ctx, tradeID)
	if err != nil {
		if ferr := s.db.Flag(ctx, tradeID, types.ErrorClass(err), err.Error()); ferr != nil {
			log.Error().Err(ferr).Uint("trade_id", tradeID).Msg("failed to update flag")
		}
		return nil, err
	}
	if err := s.db.Resolve(ctx, tradeID); err != nil {
		return nil, err
	}

	log.Info().Uint("trade_id", tradeID).Str("service", "settlement").Msg("flagged trade resolved")
	return out, nil
}

type GinHandlers struct {
	service   *Service
	processor *Processor
}

func NewGinHandlers(service *Service, processor *Processor) *GinHandlers {
	return &GinHandlers{
		service:   service,
		processor: processor,
	}
}

func tradeIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("trade_id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Invalid trade ID")
		return 0, false
	}
	return uint(id), true
}

// SettleTradeHandler handles POST requests settling one trade
// URL parameter: trade_id
func (h *GinHandlers) SettleTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := tradeIDParam(c)
		if !ok {
			return
		}
		out, err := h.service.SettleTrade(c.Request.Context(), id)
		response.Handle(c, out, err)
	}
}

// ProcessPendingHandler handles POST requests running the trade processor once
func (h *GinHandlers) ProcessPendingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := h.processor.ProcessPending(c.Request.Context())
		if IsCheckpointConflict(err) {
			response.Conflict(c, err.Error())
			return
		}
		response.Handle(c, out, err)
	}
}

func (h *GinHandlers) CheckpointHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cp, err := h.service.db.LoadCheckpoint(c.Request.Context())
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		cursor, err := h.service.db.LoadScanCursor(c.Request.Context())
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, types.CheckpointResponse{
			Name:      cp.Name,
			Value:     cp.Value,
			Scanned:   cursor.Value,
			UpdatedAt: cp.UpdatedAt,
		})
	}
}

// ListFlaggedHandler handles GET requests listing flagged trades
// Query parameter: status (open, resolved; empty for all)
func (h *GinHandlers) ListFlaggedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		flags, err := h.service.db.ListFlags(c.Request.Context(), FlagStatus(c.Query("status")))
		response.Handle(c, flags, err)
	}
}

func (h *GinHandlers) RetryFlaggedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := tradeIDParam(c)
		if !ok {
			return
		}
		out, err := h.service.Retry(c.Request.Context(), id)
		response.Handle(c, out, err)
	}
}
