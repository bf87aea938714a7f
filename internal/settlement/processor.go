package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-core/internal/metrics"
	"github.com/ksred/klear-core/internal/types"
)

type Config struct {
	BatchSize  int
	MaxBatches int
	Interval   time.Duration
	Policy     Policy
}

func DefaultConfig() Config {
	return Config{
		BatchSize:  100,
		MaxBatches: 10,
		Interval:   5 * time.Second,
		Policy:     PolicyBlock,
	}
}

// TradeObserver receives trades after their legs are committed. Failures are
// logged and counted, never rolled back into settlement.
type TradeObserver interface {
	TradeSettled(ctx context.Context, trade *types.Trade, market types.Market) error
}

type Processor struct {
	service   *Service
	cfg       Config
	observers []TradeObserver
}

func NewProcessor(service *Service, cfg Config, observers ...TradeObserver) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Processor{
		service:   service,
		cfg:       cfg,
		observers: observers,
	}
}

// Start begins the settlement processing loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	logger.Info().
		Dur("interval", p.cfg.Interval).
		Stringer("policy", p.cfg.Policy).
		Msg("starting settlement processor")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement processor")
			return
		case <-ticker.C:
			if _, err := p.ProcessPending(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process pending trades")
			}
		}
	}
}

// ProcessPending settles trades above the checkpoint in id order and moves
// the checkpoint over the settled prefix. Open flags above the mark are
// retried first, then the scan continues from the scan cursor, so trades
// behind a blocking flag keep settling. A transient failure stops the run
// after saving the progress made so far; the next run resumes from there.
func (p *Processor) ProcessPending(ctx context.Context) (*types.ProcessResponse, error) {
	db := p.service.db
	resp := &types.ProcessResponse{RunID: uuid.NewString()}
	logger := log.With().
		Str("component", "settlement_processor").
		Str("run_id", resp.RunID).
		Logger()

	cp, err := db.LoadCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	cursor, err := db.LoadScanCursor(ctx)
	if err != nil {
		return nil, err
	}
	resp.From = cp.Value
	resp.Checkpoint = cp.Value

	open, err := db.ListFlags(ctx, FlagOpen)
	if err != nil {
		return nil, err
	}

	// mark is the highest id below which everything is settled (or skipped),
	// scan the highest id visited
	mark, savedMark := cp.Value, cp.Value
	scan, savedScan := cursor.Value, cursor.Value
	if scan < mark {
		scan = mark
	}

	blocking := make(map[uint]bool)
	for _, f := range open {
		if f.TradeID > mark {
			blocking[f.TradeID] = true
		}
	}

	save := func() error {
		mark = p.nextMark(mark, scan, blocking, resp)
		if mark == savedMark && scan == savedScan {
			return nil
		}
		if err := db.Advance(ctx, savedMark, mark, savedScan, scan); err != nil {
			return err
		}
		savedMark, savedScan = mark, scan
		resp.Checkpoint = mark
		metrics.Checkpoint.Set(float64(mark))
		return nil
	}
	abort := func(err error) (*types.ProcessResponse, error) {
		if serr := save(); serr != nil {
			logger.Error().Err(serr).Msg("failed to save checkpoint")
		}
		return resp, err
	}

	for _, f := range open {
		if f.TradeID <= mark || f.TradeID > scan {
			continue
		}
		if err := p.settle(ctx, f.TradeID, blocking, resp, logger); err != nil {
			return abort(err)
		}
	}

	for batch := 0; batch < p.cfg.MaxBatches; batch++ {
		trades, err := db.TradesAfter(ctx, scan, p.cfg.BatchSize)
		if err != nil {
			return abort(err)
		}
		if len(trades) == 0 {
			break
		}

		for i := range trades {
			if err := p.settle(ctx, trades[i].ID, blocking, resp, logger); err != nil {
				return abort(err)
			}
			scan = trades[i].ID
		}

		if err := save(); err != nil {
			return resp, err
		}
		if len(trades) < p.cfg.BatchSize {
			break
		}
	}

	if err := save(); err != nil {
		return resp, err
	}

	if resp.Settled > 0 || resp.Flagged > 0 {
		logger.Info().
			Uint("from", resp.From).
			Uint("checkpoint", resp.Checkpoint).
			Uint("scanned", scan).
			Int("settled", resp.Settled).
			Int("flagged", resp.Flagged).
			Bool("blocked", resp.Blocked).
			Msg("processed pending trades")
	}
	return resp, nil
}

// settle settles one trade and records the outcome on resp. Integrity
// failures are flagged and swallowed; anything else is returned.
func (p *Processor) settle(ctx context.Context, id uint, blocking map[uint]bool, resp *types.ProcessResponse, logger zerolog.Logger) error {
	db := p.service.db
	out, err := p.service.SettleTrade(ctx, id)
	if err != nil {
		class := types.ErrorClass(err)
		if !types.IsIntegrity(err) {
			logger.Error().Err(err).
				Uint("trade_id", id).
				Str("error_class", class).
				Msg("settlement batch aborted")
			return err
		}

		resp.Flagged++
		metrics.TradesFlagged.WithLabelValues(class).Inc()
		logger.Error().Err(err).
			Uint("trade_id", id).
			Str("error_class", class).
			Stringer("policy", p.cfg.Policy).
			Msg("trade flagged")
		if ferr := db.Flag(ctx, id, class, err.Error()); ferr != nil {
			return ferr
		}
		blocking[id] = true
		return nil
	}

	if blocking[id] {
		if err := db.Resolve(ctx, id); err != nil {
			logger.Warn().Err(err).Uint("trade_id", id).Msg("failed to resolve flag")
		}
		delete(blocking, id)
	}
	if out.AlreadySettled {
		return nil
	}
	resp.Settled++
	metrics.TradesSettled.Inc()
	p.notify(ctx, &out.Trade, out.Market)
	return nil
}

// nextMark returns the mark for the current progress. Under PolicyBlock it
// stops right below the lowest open flag; otherwise it follows the scan.
func (p *Processor) nextMark(mark, scan uint, blocking map[uint]bool, resp *types.ProcessResponse) uint {
	resp.Blocked, resp.BlockedAt = false, 0
	if p.cfg.Policy == PolicyBlock {
		var low uint
		for id := range blocking {
			if low == 0 || id < low {
				low = id
			}
		}
		if low != 0 && low <= scan {
			resp.Blocked, resp.BlockedAt = true, low
			if low-1 > mark {
				return low - 1
			}
			return mark
		}
	}
	return scan
}

func (p *Processor) notify(ctx context.Context, trade *types.Trade, market types.Market) {
	for _, o := range p.observers {
		if err := o.TradeSettled(ctx, trade, market); err != nil {
			metrics.SideEffectFailures.WithLabelValues("settlement").Inc()
			log.Warn().Err(err).
				Uint("trade_id", trade.ID).
				Str("component", "settlement_processor").
				Msg("post-settlement side effect failed")
		}
	}
}

// IsCheckpointConflict reports whether another processor moved the mark
func IsCheckpointConflict(err error) bool {
	return errors.Is(err, ErrCheckpointConflict)
}
