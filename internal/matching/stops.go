package matching

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-core/internal/trading"
	"github.com/ksred/klear-core/internal/types"
)

// triggered reports whether a stop order fires for a round that traded
// within [low, high]: sell stops fire when the price fell to them, buy stops
// when it rose to them
func triggered(o *types.Order, low, high decimal.Decimal) bool {
	if !o.Execution.IsStop() || !o.StopPrice.Valid {
		return false
	}
	if o.IsSell() {
		return !o.StopPrice.Decimal.LessThan(low)
	}
	return !o.StopPrice.Decimal.GreaterThan(high)
}

// activateStops turns triggered stop orders of market into active orders in
// their own transaction. Activated orders get fresh, ordered creation times
// so they queue behind the resting book; active limit siblings of an
// activated order are canceled.
func (m *Matcher) activateStops(ctx context.Context, market types.Market, ref, low, high decimal.Decimal) ([]*types.Order, error) {
	low, high, ok := m.cfg.stopRange(ref, low, high)
	if !ok {
		return nil, nil
	}

	var activated []*types.Order
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		activated = nil
		store := trading.NewDatabase(tx)

		inactive, err := store.OrdersByStatus(ctx, market.ID, types.OrderInactive)
		if err != nil {
			return err
		}
		active, err := store.OrdersByStatus(ctx, market.ID, types.OrderActive)
		if err != nil {
			return err
		}

		now := m.now()
		for i := range inactive {
			o := &inactive[i]
			if !triggered(o, low, high) {
				continue
			}
			o.Status = types.OrderActive
			o.CreatedAt = types.ClockOrder(now, len(activated))
			if err := store.UpdateOrder(ctx, o); err != nil {
				return fmt.Errorf("failed to activate order %d: %w", o.ID, err)
			}
			activated = append(activated, o)

			for j := range active {
				sibling := &active[j]
				if sibling.Status != types.OrderActive || sibling.Execution != types.ExecLimit || !o.SameOCOPair(sibling) {
					continue
				}
				sibling.Status = types.OrderCanceled
				if err := store.UpdateOrder(ctx, sibling); err != nil {
					return fmt.Errorf("failed to cancel sibling %d: %w", sibling.ID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return activated, nil
}
