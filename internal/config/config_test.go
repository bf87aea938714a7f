package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-core/internal/scheduler"
	"github.com/ksred/klear-core/internal/settlement"
	"github.com/ksred/klear-core/internal/types"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFromEnv(noEnvFile(t))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Partition, cfg.Partition)
	assert.Equal(t, settlement.PolicyBlock, cfg.Settlement.Policy)
	assert.Equal(t, scheduler.SelectAll, cfg.Selection)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.True(t, cfg.Matching.TakerFeeRate.Equal(def.Matching.TakerFeeRate))
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PIVOT_BASE", "7")
	t.Setenv("PIVOT_QUOTE", "8")
	t.Setenv("PARTITION_GROUPS", "4")
	t.Setenv("MATCH_INTERVAL_MS", "250")
	t.Setenv("PRICE_GUARD_BAND", "0.25")
	t.Setenv("PRICE_GUARD_DISABLED", "true")
	t.Setenv("PRICE_GUARD_REANCHOR_ROUNDS", "5")
	t.Setenv("UNSETTLEABLE_POLICY", "skip")
	t.Setenv("MARKET_SELECTION", "crossed")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("SETTLE_BATCH_SIZE", "25")

	cfg, err := LoadFromEnv(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, types.PairKey{Base: 7, Quote: 8}, cfg.Partition.Pivot)
	assert.Equal(t, []types.CurrencyID{8, 7}, cfg.Partition.QuoteOrder)
	assert.Equal(t, 4, cfg.Partition.Groups)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.Interval)
	assert.True(t, cfg.Matching.PriceGuardBand.Equal(decimal.RequireFromString("0.25")))
	assert.True(t, cfg.Matching.PriceGuardDisabled)
	assert.Equal(t, 5, cfg.Matching.GuardReanchorRounds)
	assert.Equal(t, settlement.PolicySkip, cfg.Settlement.Policy)
	assert.Equal(t, scheduler.SelectCrossed, cfg.Selection)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 25, cfg.Settlement.BatchSize)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]string{
		"PARTITION_GROUPS":      "two",
		"PIVOT_BASE":            "0",
		"TAKER_FEE_RATE":        "cheap",
		"UNSETTLEABLE_POLICY":   "ignore",
		"PARTITION_QUOTE_ORDER": "1,x",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadFromEnv(noEnvFile(t))
			assert.Error(t, err)
		})
	}
}
