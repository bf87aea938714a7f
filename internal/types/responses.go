package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RoundResponse represents the outcome of one matching round on the ops API
type RoundResponse struct {
	RoundID    string          `json:"round_id"`
	Market     string          `json:"market"`
	Trades     int             `json:"trades"`
	Canceled   int             `json:"canceled"`
	Rejected   int             `json:"rejected"`
	Activated  int             `json:"activated"`
	PriceLow   decimal.Decimal `json:"price_low"`
	PriceHigh  decimal.Decimal `json:"price_high"`
	Reference  decimal.Decimal `json:"reference"`
	GuardStall bool            `json:"guard_stall,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// CycleResponse represents the outcome of one scheduler cycle
type CycleResponse struct {
	CycleID    string            `json:"cycle_id"`
	Skipped    bool              `json:"skipped"`
	Concurrent bool              `json:"concurrent"`
	Groups     [][]string        `json:"groups"`
	Rounds     []RoundResponse   `json:"rounds"`
	Failures   map[string]string `json:"failures,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	DurationMS int64             `json:"duration_ms"`
}

// ProcessResponse represents the outcome of one trade processor run
type ProcessResponse struct {
	RunID      string `json:"run_id"`
	From       uint   `json:"from"`
	Checkpoint uint   `json:"checkpoint"`
	Settled    int    `json:"settled"`
	Flagged    int    `json:"flagged"`
	Blocked    bool   `json:"blocked"`
	BlockedAt  uint   `json:"blocked_at,omitempty"`
}

// CheckpointResponse represents the settlement high-water mark
type CheckpointResponse struct {
	Name      string    `json:"name"`
	Value     uint      `json:"value"`
	Scanned   uint      `json:"scanned"`
	UpdatedAt time.Time `json:"updated_at"`
}
