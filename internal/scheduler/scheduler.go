package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/klear-core/internal/flags"
	"github.com/ksred/klear-core/internal/matching"
	"github.com/ksred/klear-core/internal/metrics"
	"github.com/ksred/klear-core/internal/partition"
	"github.com/ksred/klear-core/internal/types"
	"github.com/ksred/klear-core/pkg/response"
)

// RoundRunner executes one matching round for a market
type RoundRunner interface {
	RunRound(ctx context.Context, market types.Market) (*matching.RoundResult, error)
}

type MarketSource interface {
	ActiveMarkets(ctx context.Context) ([]types.Market, error)
	GetMarketBySymbol(ctx context.Context, symbol string) (*types.Market, error)
}

// FlagSource reads runtime switches
type FlagSource interface {
	IsEnabled(ctx context.Context, key string, def bool) (bool, error)
}

type Config struct {
	Interval time.Duration
	// RoundBudget bounds one market round; zero means unbounded
	RoundBudget time.Duration
}

type Scheduler struct {
	runner      RoundRunner
	markets     MarketSource
	flags       FlagSource
	selector    MarketSelector
	partitioner *partition.Partitioner
	cfg         Config
}

func New(runner RoundRunner, markets MarketSource, flagSource FlagSource, selector MarketSelector, partitioner *partition.Partitioner, cfg Config) *Scheduler {
	if selector == nil {
		selector = allMarkets{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Scheduler{
		runner:      runner,
		markets:     markets,
		flags:       flagSource,
		selector:    selector,
		partitioner: partitioner,
		cfg:         cfg,
	}
}

// Start runs a cycle on every tick until ctx is done
func (s *Scheduler) Start(ctx context.Context) {
	logger := log.With().Str("component", "scheduler").Logger()
	logger.Info().Dur("interval", s.cfg.Interval).Msg("starting round scheduler")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down round scheduler")
			return
		case <-ticker.C:
			if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("matching cycle failed")
			}
		}
	}
}

// RunCycle partitions the active markets once and runs the groups in order.
// Markets of a concurrent group run in parallel and the next group starts
// only after all of them finished. A failed market is recorded and never
// stops its siblings or later groups.
func (s *Scheduler) RunCycle(ctx context.Context) (*types.CycleResponse, error) {
	start := time.Now()
	resp := &types.CycleResponse{
		CycleID:   uuid.NewString(),
		StartedAt: start,
		Failures:  map[string]string{},
	}
	logger := log.With().
		Str("component", "scheduler").
		Str("cycle_id", resp.CycleID).
		Logger()

	enabled, err := s.flags.IsEnabled(ctx, flags.MatchingEngine, true)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if !enabled {
		resp.Skipped = true
		metrics.CyclesTotal.WithLabelValues("skipped").Inc()
		logger.Debug().Msg("matching engine disabled, cycle skipped")
		return resp, nil
	}

	resp.Concurrent, err = s.flags.IsEnabled(ctx, flags.ConcurrentMatcher, true)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	markets, err := s.markets.ActiveMarkets(ctx)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	markets, err = s.selector.Select(ctx, markets)
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	groups := s.partitioner.Partition(markets, resp.Concurrent)
	resp.Groups = make([][]string, 0, len(groups))
	for _, g := range groups {
		resp.Groups = append(resp.Groups, g.Symbols())
	}

	var mu sync.Mutex
	record := func(market types.Market, result *matching.RoundResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			resp.Failures[market.Symbol] = err.Error()
			return
		}
		resp.Rounds = append(resp.Rounds, result.Response())
	}

	for i, g := range groups {
		if err := ctx.Err(); err != nil {
			return resp, err
		}

		if g.Sequential || len(g.Markets) == 1 {
			for _, m := range g.Markets {
				result, err := s.runMarket(ctx, m, logger)
				record(m, result, err)
			}
			continue
		}

		var eg errgroup.Group
		eg.SetLimit(len(g.Markets))
		for _, m := range g.Markets {
			m := m
			eg.Go(func() error {
				result, err := s.runMarket(ctx, m, logger)
				record(m, result, err)
				return nil
			})
		}
		_ = eg.Wait()

		logger.Debug().
			Int("group", i).
			Bool("pivot", g.Pivot).
			Strs("markets", g.Symbols()).
			Msg("group finished")
	}

	resp.DurationMS = time.Since(start).Milliseconds()
	outcome := "ok"
	if len(resp.Failures) > 0 {
		outcome = "partial"
	}
	metrics.CyclesTotal.WithLabelValues(outcome).Inc()

	logger.Info().
		Int("markets", len(markets)).
		Int("groups", len(groups)).
		Int("failures", len(resp.Failures)).
		Bool("concurrent", resp.Concurrent).
		Int64("duration_ms", resp.DurationMS).
		Msg("matching cycle finished")
	return resp, nil
}

func (s *Scheduler) runMarket(ctx context.Context, market types.Market, logger zerolog.Logger) (*matching.RoundResult, error) {
	if s.cfg.RoundBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RoundBudget)
		defer cancel()
	}

	result, err := s.runner.RunRound(ctx, market)
	if err != nil {
		logger.Warn().Err(err).
			Str("market", market.Symbol).
			Str("error_class", types.ErrorClass(err)).
			Msg("market round failed")
		return nil, err
	}
	return result, nil
}

// RunMarket runs one round for the market with the given symbol
func (s *Scheduler) RunMarket(ctx context.Context, symbol string) (*types.RoundResponse, error) {
	market, err := s.markets.GetMarketBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !market.IsActive {
		return nil, ErrMarketInactive
	}
	result, err := s.runMarket(ctx, *market, log.With().Str("component", "scheduler").Logger())
	if err != nil {
		return nil, err
	}
	out := result.Response()
	return &out, nil
}

var ErrMarketInactive = errors.New("market is not active")

type GinHandlers struct {
	scheduler *Scheduler
}

func NewGinHandlers(scheduler *Scheduler) *GinHandlers {
	return &GinHandlers{scheduler: scheduler}
}

// RunCycleHandler handles POST requests running one matching cycle
func (h *GinHandlers) RunCycleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := h.scheduler.RunCycle(c.Request.Context())
		response.Handle(c, out, err)
	}
}

// RunRoundHandler handles POST requests running one round for a market
// URL parameter: symbol
func (h *GinHandlers) RunRoundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := h.scheduler.RunMarket(c.Request.Context(), c.Param("symbol"))
		if errors.Is(err, ErrMarketInactive) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, out, err)
	}
}
