package allocation

import (
	"context"
	"fmt"

	appledger "github.com/xiebiao/stockledger/internal/application/ledger"
	"github.com/xiebiao/stockledger/internal/domain/ledger"
	"github.com/xiebiao/stockledger/pkg/metrics"
	"github.com/xiebiao/stockledger/pkg/saga"
)

// Transfer 跨仓库调拨
//
// 两条台账记录无法放进单个乐观锁提交，因此调拨建模为
// 两步saga：先扣源仓（TRANSFER_OUT），再加目标仓（TRANSFER_IN）。
// 第二步失败时补偿第一步（反向TRANSFER_IN回源仓），
// 避免库存停留在"在途"状态。
//
// 业务规则：源仓可用数量必须 >= quantity（已预留部分不可调拨）。
func (e *Engine) Transfer(ctx context.Context, productID uint, from, to string, quantity int, reason string) error {
	if quantity <= 0 {
		metrics.IncAllocation("transfer", "invalid_state")
		return ledger.ErrInvalidQuantity
	}
	if from == "" || to == "" || from == to {
		metrics.IncAllocation("transfer", "invalid_state")
		return ledger.ErrInvalidWarehouse
	}

	transferRef := newTransferReference()

	sg := saga.New(0)

	var fromBefore, fromAfter, toBefore, toAfter *ledger.InventoryRecord

	// 第一步：源仓出库
	sg.AddStep("调拨出库",
		func(ctx context.Context) error {
			return e.withConflictRetry(ctx, func(ctx context.Context) error {
				rec, err := e.ledger.GetOrCreate(ctx, productID, from)
				if err != nil {
					return err
				}
				if rec.Available() < quantity {
					return ledger.NewInsufficientStockError(productID, quantity, rec.Available())
				}
				before := *rec
				updated, err := e.ledger.Mutate(ctx, appledger.Mutation{
					ProductID:       productID,
					Warehouse:       from,
					OnHandDelta:     -quantity,
					ExpectedVersion: rec.Version,
					Movement:        ledger.NewTransferOutMovement(productID, from, quantity, reason, transferRef),
				})
				if err != nil {
					return err
				}
				metrics.IncMovement(string(ledger.MovementTransferOut))
				fromBefore, fromAfter = &before, updated
				return nil
			})
		},
		func(ctx context.Context) error {
			// 补偿：把扣掉的数量还回源仓（同一调拨单据号，便于对账）
			return e.withConflictRetry(ctx, func(ctx context.Context) error {
				rec, err := e.ledger.GetOrCreate(ctx, productID, from)
				if err != nil {
					return err
				}
				_, err = e.ledger.Mutate(ctx, appledger.Mutation{
					ProductID:       productID,
					Warehouse:       from,
					OnHandDelta:     quantity,
					ExpectedVersion: rec.Version,
					Movement:        ledger.NewTransferInMovement(productID, from, quantity, "调拨失败回补", transferRef),
				})
				if err == nil {
					metrics.IncMovement(string(ledger.MovementTransferIn))
				}
				return err
			})
		},
	)

	// 第二步：目标仓入库
	sg.AddStep("调拨入库",
		func(ctx context.Context) error {
			return e.withConflictRetry(ctx, func(ctx context.Context) error {
				rec, err := e.ledger.GetOrCreate(ctx, productID, to)
				if err != nil {
					return err
				}
				before := *rec
				updated, err := e.ledger.Mutate(ctx, appledger.Mutation{
					ProductID:       productID,
					Warehouse:       to,
					OnHandDelta:     quantity,
					ExpectedVersion: rec.Version,
					Movement:        ledger.NewTransferInMovement(productID, to, quantity, reason, transferRef),
				})
				if err != nil {
					return err
				}
				metrics.IncMovement(string(ledger.MovementTransferIn))
				toBefore, toAfter = &before, updated
				return nil
			})
		},
		nil, // 最后一步无需补偿
	)

	if err := sg.Execute(ctx); err != nil {
		metrics.IncAllocation("transfer", resultLabel(err))
		return fmt.Errorf("跨仓调拨失败: %w", err)
	}

	// 两腿都提交成功后统一发事件、刷缓存
	e.refreshCache(ctx, fromAfter)
	e.refreshCache(ctx, toAfter)
	e.emitStockUpdated(ctx, fromBefore, fromAfter, reason, transferRef)
	e.emitStockUpdated(ctx, toBefore, toAfter, reason, transferRef)
	e.checkLowStock(ctx, fromAfter)

	metrics.IncAllocation("transfer", "success")
	return nil
}
