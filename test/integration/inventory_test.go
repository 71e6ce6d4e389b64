package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiebiao/stockledger/internal/domain/ledger"
)

// 教学说明：库存全链路集成测试
// 走真实MySQL验证：盘点建账 → 预留 → 释放 → 发货扣减 → 跨仓调拨，
// 以及乐观锁在并发写入下的行为和流水对账公式。

// TestInventory_FullLifecycle 测试完整生命周期：建账→预留→释放→发货
func TestInventory_FullLifecycle(t *testing.T) {
	stack := newStack(t)
	ctx := context.Background()
	productID := nextProductID()
	orderRef := nextReference("ORD")

	// 1. 盘点建账：在库100
	rec, err := stack.engine.Adjust(ctx, productID, "WH-MAIN", 100, "期初建账", 1)
	require.NoError(t, err)
	assert.Equal(t, 100, rec.QuantityOnHand)
	require.NotNil(t, rec.LastCountedAt)

	// 2. 预留60
	rec, err = stack.engine.Allocate(ctx, productID, "WH-MAIN", 60, orderRef)
	require.NoError(t, err)
	assert.Equal(t, 60, rec.QuantityAllocated)
	assert.Equal(t, 40, rec.Available())

	// 3. 释放20
	rec, err = stack.engine.Release(ctx, productID, "WH-MAIN", 20, orderRef)
	require.NoError(t, err)
	assert.Equal(t, 40, rec.QuantityAllocated)

	// 4. 剩余40发货扣减
	rec, err = stack.engine.ReduceFromAllocation(ctx, productID, "WH-MAIN", 40, orderRef)
	require.NoError(t, err)
	assert.Equal(t, 60, rec.QuantityOnHand)
	assert.Equal(t, 0, rec.QuantityAllocated)

	// 对账：影响在库的流水带符号和 == 当前在库数量
	sum, err := stack.movements.SumOnHandDeltas(ctx, productID, "WH-MAIN")
	require.NoError(t, err)
	assert.Equal(t, rec.QuantityOnHand, sum, "流水之和必须与台账一致")

	// 订单流水可按单据号完整追溯
	trail, err := stack.movements.ListByReference(ctx, ledger.ReferenceTypeOrder, orderRef)
	require.NoError(t, err)
	assert.Len(t, trail, 3) // ALLOCATION + RELEASE + SALE
}

// TestInventory_InsufficientStockLeavesStateUntouched 测试超量预留不产生任何变更
func TestInventory_InsufficientStockLeavesStateUntouched(t *testing.T) {
	stack := newStack(t)
	ctx := context.Background()
	productID := nextProductID()

	_, err := stack.engine.Adjust(ctx, productID, "WH-MAIN", 30, "期初建账", 1)
	require.NoError(t, err)

	_, err = stack.engine.Allocate(ctx, productID, "WH-MAIN", 50, nextReference("ORD"))
	require.Error(t, err)

	var insufficient *ledger.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 50, insufficient.Requested)
	assert.Equal(t, 30, insufficient.Available)

	rec, err := stack.records.Get(ctx, productID, "WH-MAIN")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.QuantityAllocated)
}

// TestInventory_ConcurrentAllocationNeverOversells 测试并发预留不超卖
//
// 10个并发写入者各抢20件，总库存100：恰好5个成功。
// 乐观锁冲突由引擎内部重读重试吸收。
func TestInventory_ConcurrentAllocationNeverOversells(t *testing.T) {
	stack := newStack(t)
	ctx := context.Background()
	productID := nextProductID()

	_, err := stack.engine.Adjust(ctx, productID, "WH-MAIN", 100, "期初建账", 1)
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	results := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := stack.engine.Allocate(ctx, productID, "WH-MAIN", 20, nextReference("ORD"))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		// 失败只允许两种：库存不足，或冲突重试耗尽
		var insufficient *ledger.InsufficientStockError
		if !errors.As(err, &insufficient) {
			t.Logf("非库存不足的失败（允许，但需是瞬时错误）: %v", err)
		}
	}

	rec, err := stack.records.Get(ctx, productID, "WH-MAIN")
	require.NoError(t, err)
	assert.LessOrEqual(t, rec.QuantityAllocated, 100, "任何情况下不得超卖")
	assert.Equal(t, succeeded*20, rec.QuantityAllocated, "台账与成功次数一致")
}

// TestInventory_TransferBetweenWarehouses 测试跨仓调拨
func TestInventory_TransferBetweenWarehouses(t *testing.T) {
	stack := newStack(t)
	ctx := context.Background()
	productID := nextProductID()

	_, err := stack.engine.Adjust(ctx, productID, "WH-MAIN", 80, "期初建账", 1)
	require.NoError(t, err)

	err = stack.engine.Transfer(ctx, productID, "WH-MAIN", "WH-EAST", 30, "东仓补货")
	require.NoError(t, err)

	main, err := stack.records.Get(ctx, productID, "WH-MAIN")
	require.NoError(t, err)
	east, err := stack.records.Get(ctx, productID, "WH-EAST")
	require.NoError(t, err)
	assert.Equal(t, 50, main.QuantityOnHand)
	assert.Equal(t, 30, east.QuantityOnHand)

	// 两仓各自对账成立
	for _, wh := range []string{"WH-MAIN", "WH-EAST"} {
		sum, err := stack.movements.SumOnHandDeltas(ctx, productID, wh)
		require.NoError(t, err)
		rec, err := stack.records.Get(ctx, productID, wh)
		require.NoError(t, err)
		assert.Equal(t, rec.QuantityOnHand, sum, "仓库%s流水对账失败", wh)
	}
}

// TestInventory_MultiWarehouseAllocationAndQuery 测试多仓分配与读侧视图
func TestInventory_MultiWarehouseAllocationAndQuery(t *testing.T) {
	stack := newStack(t)
	ctx := context.Background()
	productID := nextProductID()

	_, err := stack.engine.Adjust(ctx, productID, "WH-MAIN", 30, "期初建账", 1)
	require.NoError(t, err)
	_, err = stack.engine.Adjust(ctx, productID, "WH-EAST", 50, "期初建账", 1)
	require.NoError(t, err)

	plan, err := stack.engine.AllocateAcrossWarehouses(ctx, productID, 60, nextReference("ORD"))
	require.NoError(t, err)

	// 可用量大的东仓先出
	require.Len(t, plan, 2)
	assert.Equal(t, "WH-EAST", plan[0].Warehouse)
	assert.Equal(t, 50, plan[0].Quantity)
	assert.Equal(t, "WH-MAIN", plan[1].Warehouse)
	assert.Equal(t, 10, plan[1].Quantity)

	view, err := stack.query.Consolidated(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 80, view.TotalOnHand)
	assert.Equal(t, 60, view.TotalAllocated)
	assert.Equal(t, 20, view.TotalAvailable)
}

// TestInventory_MovementPagination 测试流水分页查询
func TestInventory_MovementPagination(t *testing.T) {
	stack := newStack(t)
	ctx := context.Background()
	productID := nextProductID()

	// 1次ADJUSTMENT + 5次ALLOCATION
	_, err := stack.engine.Adjust(ctx, productID, "WH-MAIN", 100, "期初建账", 1)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := stack.engine.Allocate(ctx, productID, "WH-MAIN", 1, nextReference("ORD"))
		require.NoError(t, err)
	}

	page1, total, err := stack.query.Movements(ctx, ledger.MovementFilter{ProductID: productID}, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), total)
	assert.Len(t, page1, 4)

	page2, _, err := stack.query.Movements(ctx, ledger.MovementFilter{ProductID: productID}, 2, 4)
	require.NoError(t, err)
	assert.Len(t, page2, 2)

	// 只查分配类型
	allocs, total, err := stack.query.Movements(ctx, ledger.MovementFilter{
		ProductID:    productID,
		MovementType: ledger.MovementAllocation,
	}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, allocs, 5)
}

// TestInventory_MovementDateRange 测试流水时间区间查询
//
// 区间为左闭右开[From, To)：From取第一条流水的时刻应全部命中，
// To取第一条流水的时刻应全部排除。
func TestInventory_MovementDateRange(t *testing.T) {
	stack := newStack(t)
	ctx := context.Background()
	productID := nextProductID()

	before := time.Now().Add(-time.Second)

	_, err := stack.engine.Adjust(ctx, productID, "WH-MAIN", 100, "期初建账", 1)
	require.NoError(t, err)
	_, err = stack.engine.Allocate(ctx, productID, "WH-MAIN", 10, nextReference("ORD"))
	require.NoError(t, err)

	after := time.Now().Add(time.Second)

	// [before, after)包含全部流水
	_, total, err := stack.query.Movements(ctx, ledger.MovementFilter{
		ProductID: productID,
		From:      before,
		To:        after,
	}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	// From在所有流水之后：无命中
	_, total, err = stack.query.Movements(ctx, ledger.MovementFilter{
		ProductID: productID,
		From:      after,
	}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)

	// To在所有流水之前：无命中
	_, total, err = stack.query.Movements(ctx, ledger.MovementFilter{
		ProductID: productID,
		To:        before,
	}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}
