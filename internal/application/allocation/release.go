package allocation

import (
	"context"

	appledger "github.com/xiebiao/stockledger/internal/application/ledger"
	"github.com/xiebiao/stockledger/internal/domain/event"
	"github.com/xiebiao/stockledger/internal/domain/ledger"
	"github.com/xiebiao/stockledger/pkg/metrics"
)

// Release 释放预留库存（Allocate的逆操作）
//
// 释放量超过当前已分配数量时返回ErrInvalidState，不做变更。
// 成功后写RELEASE流水（-q，作用于allocated）并发布InventoryReleased。
func (e *Engine) Release(ctx context.Context, productID uint, warehouse string, quantity int, referenceID string) (*ledger.InventoryRecord, error) {
	if quantity <= 0 {
		metrics.IncAllocation("release", "invalid_state")
		return nil, ledger.ErrInvalidQuantity
	}

	var result *ledger.InventoryRecord

	err := e.withConflictRetry(ctx, func(ctx context.Context) error {
		rec, err := e.ledger.GetOrCreate(ctx, productID, warehouse)
		if err != nil {
			return err
		}

		if rec.QuantityAllocated < quantity {
			return ledger.ErrInvalidState
		}

		updated, err := e.ledger.Mutate(ctx, appledger.Mutation{
			ProductID:       productID,
			Warehouse:       warehouse,
			AllocatedDelta:  -quantity,
			ExpectedVersion: rec.Version,
			Movement:        ledger.NewReleaseMovement(productID, warehouse, quantity, referenceID),
		})
		if err != nil {
			return err
		}

		metrics.IncMovement(string(ledger.MovementRelease))
		e.refreshCache(ctx, updated)
		e.publish(ctx, event.TypeInventoryReleased, event.AllocationPayload{
			ProductID:   productID,
			Warehouse:   warehouse,
			Quantity:    quantity,
			Available:   updated.Available(),
			ReferenceID: referenceID,
		})

		result = updated
		return nil
	})
	if err != nil {
		metrics.IncAllocation("release", resultLabel(err))
		return nil, err
	}

	metrics.IncAllocation("release", "success")
	return result, nil
}

// ReduceFromAllocation 预留转扣减（履约/发货）
//
// 要求allocated >= quantity，否则返回ErrInvalidState。
// 一次原子变更同时应用onHandDelta=-q与allocatedDelta=-q，
// 写SALE流水并发布StockUpdated。
func (e *Engine) ReduceFromAllocation(ctx context.Context, productID uint, warehouse string, quantity int, referenceID string) (*ledger.InventoryRecord, error) {
	if quantity <= 0 {
		metrics.IncAllocation("reduce", "invalid_state")
		return nil, ledger.ErrInvalidQuantity
	}

	var result *ledger.InventoryRecord

	err := e.withConflictRetry(ctx, func(ctx context.Context) error {
		rec, err := e.ledger.GetOrCreate(ctx, productID, warehouse)
		if err != nil {
			return err
		}

		if rec.QuantityAllocated < quantity {
			return ledger.ErrInvalidState
		}

		before := *rec
		updated, err := e.ledger.Mutate(ctx, appledger.Mutation{
			ProductID:       productID,
			Warehouse:       warehouse,
			OnHandDelta:     -quantity,
			AllocatedDelta:  -quantity,
			ExpectedVersion: rec.Version,
			Movement:        ledger.NewSaleMovement(productID, warehouse, quantity, referenceID),
		})
		if err != nil {
			return err
		}

		metrics.IncMovement(string(ledger.MovementSale))
		e.refreshCache(ctx, updated)
		e.emitStockUpdated(ctx, &before, updated, "", referenceID)
		e.checkLowStock(ctx, updated)

		result = updated
		return nil
	})
	if err != nil {
		metrics.IncAllocation("reduce", resultLabel(err))
		return nil, err
	}

	metrics.IncAllocation("reduce", "success")
	return result, nil
}
