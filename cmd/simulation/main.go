package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/ksred/klear-core/internal/database"
	"github.com/ksred/klear-core/internal/flags"
	"github.com/ksred/klear-core/internal/marketstats"
	"github.com/ksred/klear-core/internal/matching"
	"github.com/ksred/klear-core/internal/partition"
	"github.com/ksred/klear-core/internal/scheduler"
	"github.com/ksred/klear-core/internal/settlement"
	"github.com/ksred/klear-core/internal/trading"
	"github.com/ksred/klear-core/internal/types"
	"github.com/ksred/klear-core/internal/wallet"
)

const (
	irt  types.CurrencyID = 1
	usdt types.CurrencyID = 2
	btc  types.CurrencyID = 3
	eth  types.CurrencyID = 4
)

var (
	currencies = []types.Currency{
		{ID: irt, Code: "IRT", SpotEnabled: true},
		{ID: usdt, Code: "USDT", SpotEnabled: true, MarginEnabled: true},
		{ID: btc, Code: "BTC", SpotEnabled: true, MarginEnabled: true},
		{ID: eth, Code: "ETH", SpotEnabled: true, MarginEnabled: true},
	}

	// markets and the price orders are scattered around
	markets = []struct {
		market types.Market
		price  float64
	}{
		{types.Market{Symbol: "USDTIRT", BaseCurrencyID: usdt, QuoteCurrencyID: irt}, 600},
		{types.Market{Symbol: "BTCIRT", BaseCurrencyID: btc, QuoteCurrencyID: irt}, 60000},
		{types.Market{Symbol: "BTCUSDT", BaseCurrencyID: btc, QuoteCurrencyID: usdt}, 100},
		{types.Market{Symbol: "ETHUSDT", BaseCurrencyID: eth, QuoteCurrencyID: usdt}, 20},
		{types.Market{Symbol: "ETHIRT", BaseCurrencyID: eth, QuoteCurrencyID: irt}, 12000},
	}

	funding = decimal.NewFromInt(1_000_000_000)
)

type options struct {
	users      int
	orders     int
	cycles     int
	concurrent bool
	policy     string
	seed       int64
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "simulation",
		Short: "Place random orders, run matching cycles and settle the trades in-process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVar(&opts.users, "users", 20, "number of funded users")
	cmd.Flags().IntVar(&opts.orders, "orders", 150, "orders placed per cycle")
	cmd.Flags().IntVar(&opts.cycles, "cycles", 10, "matching cycles to run")
	cmd.Flags().BoolVar(&opts.concurrent, "concurrent", true, "run partition groups concurrently")
	cmd.Flags().StringVar(&opts.policy, "policy", "block", "unsettleable trade policy (block, skip)")
	cmd.Flags().Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "random seed")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("simulation failed")
	}
}

// phaseStats tracks durations of one simulation phase
type phaseStats struct {
	name      string
	durations []time.Duration
}

func (ps *phaseStats) add(d time.Duration) {
	ps.durations = append(ps.durations, d)
}

// calculate returns min, max, mean, median and 95th percentile durations
func (ps *phaseStats) calculate() (min, max, mean, median, p95 time.Duration) {
	if len(ps.durations) == 0 {
		return 0, 0, 0, 0, 0
	}

	sorted := append([]time.Duration(nil), ps.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean = sum / time.Duration(len(sorted))
	median = sorted[len(sorted)/2]
	p95 = sorted[int(math.Ceil(float64(len(sorted))*0.95))-1]
	return
}

func run(ctx context.Context, opts options) error {
	policy, err := settlement.ParsePolicy(opts.policy)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(opts.seed))

	dir, err := os.MkdirTemp("", "klear-simulation")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	db, err := database.NewDatabase(filepath.Join(dir, "simulation.db"), false)
	if err != nil {
		return err
	}
	store, err := marketstats.Open("")
	if err != nil {
		return err
	}
	defer store.Close()
	matchCfg := matching.DefaultConfig()
	stats := marketstats.NewService(store, matchCfg.GuardReanchorRounds)

	if err := seed(ctx, db, opts); err != nil {
		return err
	}

	wallets := wallet.NewService(db)
	orders := trading.NewService(db)
	flagService := flags.NewService(db)
	if err := flagService.Set(ctx, flags.ConcurrentMatcher, fmt.Sprint(opts.concurrent)); err != nil {
		return err
	}

	matcher := matching.NewMatcher(db, matchCfg, stats, stats)
	sched := scheduler.New(matcher, orders, flagService, nil, partition.NewPartitioner(partition.Config{
		Pivot:      types.PairKey{Base: usdt, Quote: irt},
		Groups:     2,
		QuoteOrder: []types.CurrencyID{irt, usdt},
	}), scheduler.Config{RoundBudget: 10 * time.Second})

	settlementService := settlement.NewService(db, wallets)
	processor := settlement.NewProcessor(settlementService, settlement.Config{
		BatchSize:  100,
		MaxBatches: 1000,
		Policy:     policy,
	}, stats)

	place := &phaseStats{name: "Place Orders"}
	cycle := &phaseStats{name: "Matching Cycle"}
	settle := &phaseStats{name: "Settlement Run"}

	var rounds, failures, settled, flagged int
	for i := 0; i < opts.cycles; i++ {
		start := time.Now()
		if err := placeOrders(ctx, orders, rng, opts); err != nil {
			return err
		}
		place.add(time.Since(start))

		start = time.Now()
		resp, err := sched.RunCycle(ctx)
		if err != nil {
			return err
		}
		cycle.add(time.Since(start))
		rounds += len(resp.Rounds)
		failures += len(resp.Failures)

		start = time.Now()
		processed, err := processor.ProcessPending(ctx)
		if err != nil {
			return err
		}
		settle.add(time.Since(start))
		settled += processed.Settled
		flagged += processed.Flagged

		log.Info().
			Int("cycle", i+1).
			Strs("pivot_group", firstGroup(resp.Groups)).
			Int("groups", len(resp.Groups)).
			Int("settled", processed.Settled).
			Uint("checkpoint", processed.Checkpoint).
			Msg("cycle complete")
	}

	fmt.Println()
	fmt.Println("Performance")
	fmt.Println(strings.Repeat("-", 80))
	fmt.Printf("%-16s %10s %10s %10s %10s %10s\n", "Phase", "Min", "Max", "Mean", "Median", "P95")
	for _, ps := range []*phaseStats{place, cycle, settle} {
		min, max, mean, median, p95 := ps.calculate()
		fmt.Printf("%-16s %10s %10s %10s %10s %10s\n", ps.name,
			min.Round(time.Microsecond), max.Round(time.Microsecond), mean.Round(time.Microsecond),
			median.Round(time.Microsecond), p95.Round(time.Microsecond))
	}

	fmt.Println()
	fmt.Printf("Rounds: %d  Round failures: %d  Trades settled: %d  Flagged: %d\n", rounds, failures, settled, flagged)

	ok, err := conservationReport(ctx, db, wallets, opts)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("conservation check failed")
	}
	return nil
}

func firstGroup(groups [][]string) []string {
	if len(groups) == 0 {
		return nil
	}
	return groups[0]
}

// seed creates the currency registry, the markets and funds every user with
// every currency
func seed(ctx context.Context, db *gorm.DB, opts options) error {
	if err := db.WithContext(ctx).Create(&currencies).Error; err != nil {
		return fmt.Errorf("failed to seed currencies: %w", err)
	}
	for i := range markets {
		m := &markets[i].market
		m.IsActive = true
		m.AmountPrecision = 4
		m.PricePrecision = 2
		if err := db.WithContext(ctx).Create(m).Error; err != nil {
			return fmt.Errorf("failed to seed market %s: %w", m.Symbol, err)
		}
	}

	wallets := wallet.NewService(db)
	ref := uint(1)
	for user := 1; user <= opts.users; user++ {
		for _, c := range currencies {
			if _, err := wallets.Deposit(ctx, uint(user), c.ID, types.WalletSpot, funding, ref); err != nil {
				return fmt.Errorf("failed to fund user %d: %w", user, err)
			}
			ref++
		}
	}
	return nil
}

// placeOrders places limit orders around each market's price plus the
// occasional market order
func placeOrders(ctx context.Context, orders *trading.Service, rng *rand.Rand, opts options) error {
	for i := 0; i < opts.orders; i++ {
		m := markets[rng.Intn(len(markets))]
		side := "buy"
		if rng.Intn(2) == 0 {
			side = "sell"
		}

		req := trading.OrderRequest{
			Market:    m.market.Symbol,
			UserID:    uint(rng.Intn(opts.users) + 1),
			Side:      side,
			Execution: "limit",
			TradeType: "spot",
			Amount:    decimal.NewFromFloat(0.01 + rng.Float64()).Round(4).String(),
		}
		if rng.Intn(10) == 0 {
			req.Execution = "market"
		} else {
			price := decimal.NewFromFloat(m.price * (0.97 + rng.Float64()*0.06)).Round(2).String()
			req.Price = &price
		}

		if _, err := orders.PlaceOrder(ctx, req, uuid.NewString()); err != nil {
			return fmt.Errorf("failed to place order on %s: %w", m.market.Symbol, err)
		}
	}
	return nil
}

// conservationReport checks per currency that the wallet total equals what
// was deposited minus the fees withheld from settled trades
func conservationReport(ctx context.Context, db *gorm.DB, wallets *wallet.Service, opts options) (bool, error) {
	var trades []types.Trade
	if err := db.WithContext(ctx).Find(&trades).Error; err != nil {
		return false, err
	}
	byID := make(map[uint]types.Market, len(markets))
	for _, m := range markets {
		byID[m.market.ID] = m.market
	}

	fees := make(map[types.CurrencyID]decimal.Decimal)
	for _, t := range trades {
		if !t.IsSettled() {
			continue
		}
		m := byID[t.MarketID]
		fees[m.BaseCurrencyID] = fees[m.BaseCurrencyID].Add(t.BuyFee)
		fees[m.QuoteCurrencyID] = fees[m.QuoteCurrencyID].Add(t.SellFee)
	}

	fmt.Println()
	fmt.Println("Conservation")
	fmt.Println(strings.Repeat("-", 80))
	fmt.Printf("%-6s %22s %18s %22s %8s\n", "Code", "Deposited", "Fees", "Wallets", "Status")

	ok := true
	deposited := funding.Mul(decimal.NewFromInt(int64(opts.users)))
	for _, c := range currencies {
		total, err := wallets.Total(ctx, c.ID)
		if err != nil {
			return false, err
		}
		expected := deposited.Sub(fees[c.ID])
		status := "OK"
		// sqlite keeps decimals as REAL, allow for rounding in the last places
		if total.Sub(expected).Abs().GreaterThan(decimal.RequireFromString("0.0001")) {
			status = "MISMATCH"
			ok = false
		}
		fmt.Printf("%-6s %22s %18s %22s %8s\n", c.Code,
			deposited.StringFixed(4), fees[c.ID].StringFixed(4), total.StringFixed(4), status)
	}
	return ok, nil
}
