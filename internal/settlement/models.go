package settlement

import (
	"fmt"
	"strings"
	"time"

	"github.com/ksred/klear-core/internal/types"
)

const (
	// CheckpointName is the checkpoint row holding the settlement high-water mark
	CheckpointName = "tradeprocessor_last_trade_id"
	// ScanCursorName is the checkpoint row holding the highest trade id the
	// processor has visited. Every trade between the mark and the cursor is
	// either settled or flagged.
	ScanCursorName = "tradeprocessor_scanned_trade_id"
)

// Checkpoint is an index into the trade ledger: every trade with an id at or
// below Value has its wallet legs committed
type Checkpoint struct {
	Name      string    `gorm:"primaryKey" json:"name"`
	Value     uint      `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type FlagStatus string

const (
	FlagOpen     FlagStatus = "open"
	FlagResolved FlagStatus = "resolved"
)

// FlaggedTrade records a trade that could not be settled
type FlaggedTrade struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	TradeID   uint       `gorm:"uniqueIndex" json:"trade_id"`
	Class     string     `json:"class"`
	Reason    string     `json:"reason"`
	Status    FlagStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Policy decides what a permanently unsettleable trade does to the mark
type Policy int

const (
	// PolicyBlock keeps the mark below the trade until it is resolved
	PolicyBlock Policy = iota
	// PolicySkip flags the trade and lets the mark move past it
	PolicySkip
)

func (p Policy) String() string {
	if p == PolicySkip {
		return "skip"
	}
	return "block"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "block":
		return PolicyBlock, nil
	case "skip":
		return PolicySkip, nil
	}
	return PolicyBlock, fmt.Errorf("unknown unsettleable policy %q", s)
}

// Settlement is the outcome of settling one trade
type Settlement struct {
	Trade          types.Trade  `json:"trade"`
	Market         types.Market `json:"market"`
	AlreadySettled bool         `json:"already_settled"`
}
