package settlement

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-core/internal/types"
)

var ErrCheckpointConflict = errors.New("checkpoint moved concurrently")

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// LoadCheckpoint returns the high-water mark, creating it at zero
func (d *Database) LoadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	return d.load(ctx, CheckpointName)
}

// LoadScanCursor returns the scan cursor, creating it at zero
func (d *Database) LoadScanCursor(ctx context.Context) (*Checkpoint, error) {
	return d.load(ctx, ScanCursorName)
}

func (d *Database) load(ctx context.Context, name string) (*Checkpoint, error) {
	cp := Checkpoint{Name: name}
	err := d.db.WithContext(ctx).
		Where(Checkpoint{Name: name}).
		Attrs(Checkpoint{Value: 0, UpdatedAt: time.Now()}).
		FirstOrCreate(&cp).Error
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// CompareAndSwapCheckpoint moves the mark from one value to another. It
// fails with ErrCheckpointConflict when another processor moved it first.
func (d *Database) CompareAndSwapCheckpoint(ctx context.Context, from, to uint) error {
	return swap(d.db.WithContext(ctx), CheckpointName, from, to)
}

// Advance moves the mark and the scan cursor in one transaction, each by
// compare-and-set. Rows whose value does not change are left alone.
func (d *Database) Advance(ctx context.Context, markFrom, markTo, scanFrom, scanTo uint) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if markFrom != markTo {
			if err := swap(tx, CheckpointName, markFrom, markTo); err != nil {
				return err
			}
		}
		if scanFrom != scanTo {
			if err := swap(tx, ScanCursorName, scanFrom, scanTo); err != nil {
				return err
			}
		}
		return nil
	})
}

func swap(db *gorm.DB, name string, from, to uint) error {
	res := db.Model(&Checkpoint{}).
		Where("name = ? AND value = ?", name, from).
		Updates(map[string]interface{}{"value": to, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrCheckpointConflict
	}
	return nil
}

// TradesAfter returns at most limit trades with id > afterID in id order
func (d *Database) TradesAfter(ctx context.Context, afterID uint, limit int) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id").
		Limit(limit).
		Find(&trades).Error
	return trades, err
}

// Flag records or refreshes an open flag for a trade
func (d *Database) Flag(ctx context.Context, tradeID uint, class, reason string) error {
	now := time.Now()
	flag := FlaggedTrade{
		TradeID:   tradeID,
		Class:     class,
		Reason:    reason,
		Status:    FlagOpen,
		Attempts:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "trade_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"class":      class,
			"reason":     reason,
			"status":     FlagOpen,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		}),
	}).Create(&flag).Error
}

// Resolve closes the open flag of a trade, if there is one
func (d *Database) Resolve(ctx context.Context, tradeID uint) error {
	return d.db.WithContext(ctx).Model(&FlaggedTrade{}).
		Where("trade_id = ? AND status = ?", tradeID, FlagOpen).
		Updates(map[string]interface{}{"status": FlagResolved, "updated_at": time.Now()}).Error
}

func (d *Database) GetFlag(ctx context.Context, tradeID uint) (*FlaggedTrade, error) {
	var flag FlaggedTrade
	if err := d.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&flag).Error; err != nil {
		return nil, err
	}
	return &flag, nil
}

func (d *Database) ListFlags(ctx context.Context, status FlagStatus) ([]FlaggedTrade, error) {
	var flags []FlaggedTrade
	q := d.db.WithContext(ctx).Order("trade_id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&flags).Error
	return flags, err
}
