package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/ksred/klear-core/internal/auth"
	"github.com/ksred/klear-core/internal/config"
	"github.com/ksred/klear-core/internal/database"
	"github.com/ksred/klear-core/internal/events"
	"github.com/ksred/klear-core/internal/flags"
	"github.com/ksred/klear-core/internal/marketstats"
	"github.com/ksred/klear-core/internal/matching"
	"github.com/ksred/klear-core/internal/partition"
	"github.com/ksred/klear-core/internal/scheduler"
	"github.com/ksred/klear-core/internal/settlement"
	"github.com/ksred/klear-core/internal/trading"
	"github.com/ksred/klear-core/internal/wallet"
	"github.com/ksred/klear-core/pkg/middleware"
)

var envFile string

func main() {
	root := &cobra.Command{
		Use:           "klear-core",
		Short:         "Matching and settlement core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "path to a .env file (default ./.env)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the ops API, the round scheduler and the trade processor",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "matcher",
			Short: "Run only the round scheduler loop",
			RunE:  runMatcher,
		},
		&cobra.Command{
			Use:   "tradeprocessor",
			Short: "Run only the trade processor loop",
			RunE:  runTradeProcessor,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE:  runMigrate,
		},
	)

	if err := root.Execute(); err != nil {
		zlog.Fatal().Err(err).Msg("command failed")
	}
}

// configureLogging sets up pretty printing with timestamps outside production
// and debug logging when DEBUG is set
func configureLogging(cfg config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Server.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// app holds the wired services of one process
type app struct {
	cfg        config.Config
	db         *gorm.DB
	stats      *marketstats.Service
	statsStore *marketstats.Store
	sender     events.Sender

	trading    *trading.Service
	flags      *flags.Service
	scheduler  *scheduler.Scheduler
	settlement *settlement.Service
	processor  *settlement.Processor
	auth       *auth.Service
}

func newApp() (*app, error) {
	cfg, err := config.LoadFromEnv(envFile)
	if err != nil {
		return nil, err
	}
	configureLogging(cfg)

	db, err := database.NewDatabase(cfg.DBPath, cfg.Server.Debug)
	if err != nil {
		return nil, err
	}

	store, err := marketstats.Open(cfg.StatsDir)
	if err != nil {
		return nil, err
	}
	stats := marketstats.NewService(store, cfg.Matching.GuardReanchorRounds)

	sender := events.NewSender(cfg.Kafka.Brokers)
	publisher := events.NewPublisher(sender, cfg.Kafka)

	tradingService := trading.NewService(db)
	flagService := flags.NewService(db)

	matcher := matching.NewMatcher(db, cfg.Matching, stats, stats, publisher)
	selector := scheduler.NewSelector(cfg.Selection, tradingService.Database())
	sched := scheduler.New(matcher, tradingService, flagService, selector, partition.NewPartitioner(cfg.Partition), cfg.Scheduler)

	settlementService := settlement.NewService(db, wallet.NewService(db))
	processor := settlement.NewProcessor(settlementService, cfg.Settlement, stats, publisher)

	authService := auth.NewService(cfg.Server.JWTSecret)
	authService.RegisterOperator(cfg.Server.APIKey, cfg.Server.APISecret)

	return &app{
		cfg:        cfg,
		db:         db,
		stats:      stats,
		statsStore: store,
		sender:     sender,
		trading:    tradingService,
		flags:      flagService,
		scheduler:  sched,
		settlement: settlementService,
		processor:  processor,
		auth:       authService,
	}, nil
}

func (a *app) Close() {
	if err := a.sender.Close(); err != nil {
		zlog.Warn().Err(err).Msg("failed to close event sender")
	}
	if err := a.statsStore.Close(); err != nil {
		zlog.Warn().Err(err).Msg("failed to close stats store")
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runLoops runs the given loops until ctx is done and waits for them to return
func runLoops(ctx context.Context, loops ...func(context.Context)) {
	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func(loop func(context.Context)) {
			defer wg.Done()
			loop(ctx)
		}(loop)
	}
	wg.Wait()
}

func runMatcher(_ *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()
	runLoops(ctx, a.scheduler.Start)
	return nil
}

func runTradeProcessor(_ *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()
	runLoops(ctx, a.processor.Start)
	return nil
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.LoadFromEnv(envFile)
	if err != nil {
		return err
	}
	configureLogging(cfg)

	db, err := database.NewDatabase(cfg.DBPath, cfg.Server.Debug)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	zlog.Info().Str("db_path", cfg.DBPath).Msg("migrations applied")
	return nil
}

// runServe starts the ops API and both loops with graceful shutdown support
func runServe(_ *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	limiter := middleware.NewRateLimiter(middleware.DefaultLimits)
	router.Use(limiter.Middleware())
	setupRoutes(router, a)

	srv := &http.Server{
		Addr:    ":" + a.cfg.Server.Port,
		Handler: router,
	}

	ctx, stop := signalContext()
	defer stop()

	loopsDone := make(chan struct{})
	go func() {
		defer close(loopsDone)
		runLoops(ctx, a.scheduler.Start, a.processor.Start, limiter.Cleanup)
	}()

	go func() {
		zlog.Info().Str("addr", srv.Addr).Msg("starting ops server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	zlog.Info().Msg("shutting down server")

	// give outstanding requests 5 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("server forced to shutdown")
	}
	<-loopsDone

	zlog.Info().Msg("server exiting")
	return nil
}

// setupRoutes configures all API endpoints and their handlers
//   - Auth routes: operator token issuance
//   - Internal routes: ops API, protected by operator tokens
//   - /metrics: prometheus scrape endpoint
func setupRoutes(router *gin.Engine, a *app) {
	authHandlers := auth.NewGinHandlers(a.auth)
	tradingHandlers := trading.NewGinHandlers(a.trading)
	statsHandlers := marketstats.NewGinHandlers(a.stats, a.trading)
	schedulerHandlers := scheduler.NewGinHandlers(a.scheduler)
	settlementHandlers := settlement.NewGinHandlers(a.settlement, a.processor)
	flagHandlers := flags.NewGinHandlers(a.flags)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(a.cfg.Server.JWTSecret))
		{
			internal.POST("/orders", tradingHandlers.CreateOrderHandler())
			internal.GET("/orders/:order_id", tradingHandlers.GetOrderHandler())
			internal.DELETE("/orders/:order_id", tradingHandlers.CancelOrderHandler())

			internal.GET("/markets", tradingHandlers.ListMarketsHandler())
			internal.GET("/markets/:symbol/stats", statsHandlers.StatsHandler())
			internal.GET("/markets/:symbol/depth", statsHandlers.DepthHandler())
			internal.PUT("/markets/:symbol/reference", statsHandlers.SetReferenceHandler())

			internal.POST("/matching/cycle", schedulerHandlers.RunCycleHandler())
			internal.POST("/matching/markets/:symbol/round", schedulerHandlers.RunRoundHandler())

			internal.POST("/settlement/process", settlementHandlers.ProcessPendingHandler())
			internal.GET("/settlement/checkpoint", settlementHandlers.CheckpointHandler())
			internal.POST("/settlement/trades/:trade_id", settlementHandlers.SettleTradeHandler())
			internal.GET("/settlement/flagged", settlementHandlers.ListFlaggedHandler())
			internal.POST("/settlement/flagged/:trade_id/retry", settlementHandlers.RetryFlaggedHandler())

			internal.GET("/settings", flagHandlers.ListSettingsHandler())
			internal.PUT("/settings/:key", flagHandlers.SetSettingHandler())
		}
	}
}
