package allocation

import (
	"context"

	appledger "github.com/xiebiao/stockledger/internal/application/ledger"
	"github.com/xiebiao/stockledger/internal/domain/ledger"
	"github.com/xiebiao/stockledger/pkg/metrics"
)

// Adjust 盘点调整：将(商品, 仓库)的在库数量设置为newOnHand
//
// 业务规则：
//   - newOnHand不得低于当前已分配数量（不能把已预留的库存盘没）
//   - delta由当前状态计算得出，写ADJUSTMENT流水
//   - 成功后发布StockUpdated；可用数量到达补货阈值时追加LowStock
func (e *Engine) Adjust(ctx context.Context, productID uint, warehouse string, newOnHand int, reason string, actorID uint) (*ledger.InventoryRecord, error) {
	if newOnHand < 0 {
		metrics.IncAllocation("adjust", "invalid_state")
		return nil, ledger.ErrInvalidQuantity
	}

	var result *ledger.InventoryRecord

	err := e.withConflictRetry(ctx, func(ctx context.Context) error {
		rec, err := e.ledger.GetOrCreate(ctx, productID, warehouse)
		if err != nil {
			return err
		}

		// 不能缩减到已预留数量以下
		if newOnHand < rec.QuantityAllocated {
			return ledger.ErrInvalidState
		}

		delta := newOnHand - rec.QuantityOnHand
		if delta == 0 {
			// 无净变化：不写流水、不发事件
			result = rec
			return nil
		}

		before := *rec
		updated, err := e.ledger.Mutate(ctx, appledger.Mutation{
			ProductID:       productID,
			Warehouse:       warehouse,
			OnHandDelta:     delta,
			ExpectedVersion: rec.Version,
			Movement:        ledger.NewAdjustmentMovement(productID, warehouse, delta, reason, actorID),
			Counted:         true,
		})
		if err != nil {
			return err
		}

		metrics.IncMovement(string(ledger.MovementAdjustment))
		e.refreshCache(ctx, updated)
		e.emitStockUpdated(ctx, &before, updated, reason, "")
		e.checkLowStock(ctx, updated)

		result = updated
		return nil
	})
	if err != nil {
		metrics.IncAllocation("adjust", resultLabel(err))
		return nil, err
	}

	metrics.IncAllocation("adjust", "success")
	return result, nil
}
