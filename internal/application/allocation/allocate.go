package allocation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	appledger "github.com/xiebiao/stockledger/internal/application/ledger"
	"github.com/xiebiao/stockledger/internal/domain/event"
	"github.com/xiebiao/stockledger/internal/domain/ledger"
	"github.com/xiebiao/stockledger/pkg/metrics"
	"github.com/xiebiao/stockledger/pkg/saga"
)

// Allocate 在单一仓库为业务单据预留quantity件库存
//
// 可用数量不足时返回InsufficientStockError（携带请求量与可用量），
// 不做任何变更。成功后写ALLOCATION流水（+q，作用于allocated）
// 并发布InventoryAllocated。
func (e *Engine) Allocate(ctx context.Context, productID uint, warehouse string, quantity int, referenceID string) (*ledger.InventoryRecord, error) {
	if quantity <= 0 {
		metrics.IncAllocation("allocate", "invalid_state")
		return nil, ledger.ErrInvalidQuantity
	}

	var result *ledger.InventoryRecord

	err := e.withConflictRetry(ctx, func(ctx context.Context) error {
		rec, err := e.ledger.GetOrCreate(ctx, productID, warehouse)
		if err != nil {
			return err
		}

		if rec.Available() < quantity {
			return ledger.NewInsufficientStockError(productID, quantity, rec.Available())
		}

		updated, err := e.ledger.Mutate(ctx, appledger.Mutation{
			ProductID:       productID,
			Warehouse:       warehouse,
			AllocatedDelta:  quantity,
			ExpectedVersion: rec.Version,
			Movement:        ledger.NewAllocationMovement(productID, warehouse, quantity, referenceID),
		})
		if err != nil {
			return err
		}

		metrics.IncMovement(string(ledger.MovementAllocation))
		e.refreshCache(ctx, updated)
		e.publish(ctx, event.TypeInventoryAllocated, event.AllocationPayload{
			ProductID:   productID,
			Warehouse:   warehouse,
			Quantity:    quantity,
			Available:   updated.Available(),
			ReferenceID: referenceID,
		})
		e.checkLowStock(ctx, updated)

		result = updated
		return nil
	})
	if err != nil {
		metrics.IncAllocation("allocate", resultLabel(err))
		return nil, err
	}

	metrics.IncAllocation("allocate", "success")
	return result, nil
}

// WarehouseAllocation 多仓分配结果中的单仓明细
type WarehouseAllocation struct {
	Warehouse string `json:"warehouse"`
	Quantity  int    `json:"quantity"`
}

// AllocateAcrossWarehouses 智能多仓分配
//
// 策略：读取商品在全部仓库的快照，按可用数量降序贪心消耗
// （同可用量时按仓库名字典序，保证确定性）。总可用量不足时
// 整体失败，不做任何部分分配。
//
// 计划-执行模型不是全局原子的：计划时捕获各记录版本号并
// 逐仓以乐观锁提交；任一仓版本过期时，通过saga补偿释放
// 已分配的仓，然后整个计划重读重算重试（有限次）。
func (e *Engine) AllocateAcrossWarehouses(ctx context.Context, productID uint, quantity int, referenceID string) ([]WarehouseAllocation, error) {
	if quantity <= 0 {
		metrics.IncAllocation("allocate_multi", "invalid_state")
		return nil, ledger.ErrInvalidQuantity
	}

	var result []WarehouseAllocation

	err := e.withConflictRetry(ctx, func(ctx context.Context) error {
		plan, err := e.planAllocation(ctx, productID, quantity)
		if err != nil {
			return err
		}

		executed, err := e.executePlan(ctx, productID, referenceID, plan)
		if err != nil {
			return err
		}

		result = executed
		return nil
	})
	if err != nil {
		metrics.IncAllocation("allocate_multi", resultLabel(err))
		return nil, err
	}

	metrics.IncAllocation("allocate_multi", "success")
	return result, nil
}

// allocationLeg 分配计划中的一腿：从某仓取take件，乐观锁版本在计划时捕获
type allocationLeg struct {
	record *ledger.InventoryRecord
	take   int
}

// planAllocation 生成多仓分配计划
func (e *Engine) planAllocation(ctx context.Context, productID uint, quantity int) ([]allocationLeg, error) {
	records, err := e.records.ListByProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("读取多仓库存快照失败: %w", err)
	}

	total := 0
	for _, rec := range records {
		total += rec.Available()
	}
	if total < quantity {
		return nil, ledger.NewInsufficientStockError(productID, quantity, total)
	}

	// 可用数量降序，同量按仓库名字典序（确定性）
	sort.Slice(records, func(i, j int) bool {
		if records[i].Available() != records[j].Available() {
			return records[i].Available() > records[j].Available()
		}
		return records[i].Warehouse < records[j].Warehouse
	})

	plan := make([]allocationLeg, 0, len(records))
	remaining := quantity
	for _, rec := range records {
		if remaining == 0 {
			break
		}
		take := rec.Available()
		if take > remaining {
			take = remaining
		}
		if take == 0 {
			continue
		}
		plan = append(plan, allocationLeg{record: rec, take: take})
		remaining -= take
	}

	return plan, nil
}

// executePlan 逐仓执行分配计划（saga补偿兜底）
//
// 某一腿版本冲突时，已分配的前几腿通过补偿步骤释放，
// 保证"要么全部分配、要么什么都不留"对上层成立。
func (e *Engine) executePlan(ctx context.Context, productID uint, referenceID string, plan []allocationLeg) ([]WarehouseAllocation, error) {
	executed := make([]WarehouseAllocation, 0, len(plan))
	updatedRecs := make([]*ledger.InventoryRecord, 0, len(plan))

	sg := saga.New(0)
	for _, leg := range plan {
		leg := leg
		sg.AddStep(
			fmt.Sprintf("分配[%s:%d]", leg.record.Warehouse, leg.take),
			func(ctx context.Context) error {
				updated, err := e.ledger.Mutate(ctx, appledger.Mutation{
					ProductID:       productID,
					Warehouse:       leg.record.Warehouse,
					AllocatedDelta:  leg.take,
					ExpectedVersion: leg.record.Version,
					Movement:        ledger.NewAllocationMovement(productID, leg.record.Warehouse, leg.take, referenceID),
				})
				if err != nil {
					return err
				}
				metrics.IncMovement(string(ledger.MovementAllocation))
				executed = append(executed, WarehouseAllocation{Warehouse: leg.record.Warehouse, Quantity: leg.take})
				updatedRecs = append(updatedRecs, updated)
				return nil
			},
			func(ctx context.Context) error {
				// 补偿：释放本腿已分配的数量（重读当前版本后提交）
				return e.compensateAllocation(ctx, productID, leg.record.Warehouse, leg.take, referenceID)
			},
		)
	}

	if err := sg.Execute(ctx); err != nil {
		// saga包装过错误，在链上还原冲突语义供重试判断
		if errors.Is(err, ledger.ErrVersionConflict) {
			return nil, ledger.ErrVersionConflict
		}
		return nil, err
	}

	// 全部腿提交成功后统一发事件、刷缓存
	for i, rec := range updatedRecs {
		e.refreshCache(ctx, rec)
		e.publish(ctx, event.TypeInventoryAllocated, event.AllocationPayload{
			ProductID:   productID,
			Warehouse:   rec.Warehouse,
			Quantity:    executed[i].Quantity,
			Available:   rec.Available(),
			ReferenceID: referenceID,
		})
		e.checkLowStock(ctx, rec)
	}

	return executed, nil
}

// compensateAllocation 释放一腿已提交的分配（带独立冲突重试）
func (e *Engine) compensateAllocation(ctx context.Context, productID uint, warehouse string, quantity int, referenceID string) error {
	return e.withConflictRetry(ctx, func(ctx context.Context) error {
		rec, err := e.ledger.GetOrCreate(ctx, productID, warehouse)
		if err != nil {
			return err
		}
		_, err = e.ledger.Mutate(ctx, appledger.Mutation{
			ProductID:       productID,
			Warehouse:       warehouse,
			AllocatedDelta:  -quantity,
			ExpectedVersion: rec.Version,
			Movement:        ledger.NewReleaseMovement(productID, warehouse, quantity, referenceID),
		})
		if err == nil {
			metrics.IncMovement(string(ledger.MovementRelease))
		}
		return err
	})
}

// newTransferReference 生成调拨单据号（uuid保证唯一）
func newTransferReference() string {
	return "TRF-" + uuid.NewString()
}
