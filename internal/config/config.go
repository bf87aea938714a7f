package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-core/internal/events"
	"github.com/ksred/klear-core/internal/matching"
	"github.com/ksred/klear-core/internal/partition"
	"github.com/ksred/klear-core/internal/scheduler"
	"github.com/ksred/klear-core/internal/settlement"
	"github.com/ksred/klear-core/internal/types"
)

type Server struct {
	Env       string
	Debug     bool
	Port      string
	JWTSecret string
	// Operator credentials exchanged for a token at /api/v1/auth/token
	APIKey    string
	APISecret string
}

type Config struct {
	Server     Server
	DBPath     string
	StatsDir   string
	Partition  partition.Config
	Scheduler  scheduler.Config
	Selection  scheduler.Selection
	Matching   matching.Config
	Settlement settlement.Config
	Kafka      events.Config
}

const (
	defaultPivotBase  types.CurrencyID = 2 // USDT
	defaultPivotQuote types.CurrencyID = 1 // IRT
)

func Default() Config {
	return Config{
		Server: Server{
			Env:       "development",
			Port:      "8080",
			JWTSecret: "klear-secret-key",
			APIKey:    "test-api-key",
			APISecret: "test-api-secret",
		},
		DBPath: "klear.db",
		Partition: partition.Config{
			Pivot:      types.PairKey{Base: defaultPivotBase, Quote: defaultPivotQuote},
			Groups:     2,
			QuoteOrder: []types.CurrencyID{defaultPivotQuote, defaultPivotBase},
		},
		Scheduler: scheduler.Config{
			Interval:    time.Second,
			RoundBudget: 10 * time.Second,
		},
		Selection:  scheduler.SelectAll,
		Matching:   matching.DefaultConfig(),
		Settlement: settlement.DefaultConfig(),
		Kafka: events.Config{
			TradesTopic:    "klear.trades",
			PositionsTopic: "klear.positions",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if it exists) and the
// environment. Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Server.Env = getEnv("ENV", cfg.Server.Env)
	cfg.Server.Debug = os.Getenv("DEBUG") == "true"
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.JWTSecret = getEnv("JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.APIKey = getEnv("API_KEY", cfg.Server.APIKey)
	cfg.Server.APISecret = getEnv("API_SECRET", cfg.Server.APISecret)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.StatsDir = getEnv("STATS_DIR", cfg.StatsDir)

	var err error
	p := &cfg.Partition
	if p.Pivot.Base, err = currencyEnv("PIVOT_BASE", p.Pivot.Base); err != nil {
		return cfg, err
	}
	if p.Pivot.Quote, err = currencyEnv("PIVOT_QUOTE", p.Pivot.Quote); err != nil {
		return cfg, err
	}
	p.QuoteOrder = []types.CurrencyID{p.Pivot.Quote, p.Pivot.Base}
	if p.Groups, err = intEnv("PARTITION_GROUPS", p.Groups); err != nil {
		return cfg, err
	}
	if order := os.Getenv("PARTITION_QUOTE_ORDER"); order != "" {
		p.QuoteOrder = nil
		for _, field := range strings.Split(order, ",") {
			id, err := strconv.ParseUint(strings.TrimSpace(field), 10, 64)
			if err != nil {
				return cfg, fmt.Errorf("invalid PARTITION_QUOTE_ORDER: %w", err)
			}
			p.QuoteOrder = append(p.QuoteOrder, types.CurrencyID(id))
		}
	}

	if cfg.Scheduler.Interval, err = msEnv("MATCH_INTERVAL_MS", cfg.Scheduler.Interval); err != nil {
		return cfg, err
	}
	if cfg.Scheduler.RoundBudget, err = msEnv("ROUND_BUDGET_MS", cfg.Scheduler.RoundBudget); err != nil {
		return cfg, err
	}
	if cfg.Selection, err = scheduler.ParseSelection(os.Getenv("MARKET_SELECTION")); err != nil {
		return cfg, err
	}

	m := &cfg.Matching
	if m.MaxTradesPerRound, err = intEnv("MAX_TRADES_PER_ROUND", m.MaxTradesPerRound); err != nil {
		return cfg, err
	}
	m.PriceGuardDisabled = os.Getenv("PRICE_GUARD_DISABLED") == "true"
	if m.GuardReanchorRounds, err = intEnv("PRICE_GUARD_REANCHOR_ROUNDS", m.GuardReanchorRounds); err != nil {
		return cfg, err
	}
	for key, dst := range map[string]*decimal.Decimal{
		"PRICE_GUARD_BAND":            &m.PriceGuardBand,
		"MARKET_ORDER_MAX_PRICE_DIFF": &m.MarketOrderMaxPriceDiff,
		"STOP_ACTIVATION_GUARD_RATE":  &m.StopActivationGuardRate,
		"MAKER_FEE_RATE":              &m.MakerFeeRate,
		"TAKER_FEE_RATE":              &m.TakerFeeRate,
	} {
		if *dst, err = decimalEnv(key, *dst); err != nil {
			return cfg, err
		}
	}

	s := &cfg.Settlement
	if s.Interval, err = msEnv("SETTLE_INTERVAL_MS", s.Interval); err != nil {
		return cfg, err
	}
	if s.BatchSize, err = intEnv("SETTLE_BATCH_SIZE", s.BatchSize); err != nil {
		return cfg, err
	}
	if s.MaxBatches, err = intEnv("SETTLE_MAX_BATCHES", s.MaxBatches); err != nil {
		return cfg, err
	}
	if s.Policy, err = settlement.ParsePolicy(os.Getenv("UNSETTLEABLE_POLICY")); err != nil {
		return cfg, err
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, b)
			}
		}
	}
	cfg.Kafka.TradesTopic = getEnv("KAFKA_TRADES_TOPIC", cfg.Kafka.TradesTopic)
	cfg.Kafka.PositionsTopic = getEnv("KAFKA_POSITIONS_TOPIC", cfg.Kafka.PositionsTopic)

	return cfg, nil
}

// IsProduction reports whether the service runs with production logging
func (c Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func msEnv(key string, def time.Duration) (time.Duration, error) {
	ms, err := intEnv(key, int(def/time.Millisecond))
	if err != nil {
		return def, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func currencyEnv(key string, def types.CurrencyID) (types.CurrencyID, error) {
	n, err := intEnv(key, int(def))
	if err != nil {
		return def, err
	}
	if n <= 0 {
		return def, fmt.Errorf("invalid %s: %d", key, n)
	}
	return types.CurrencyID(n), nil
}

func decimalEnv(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
