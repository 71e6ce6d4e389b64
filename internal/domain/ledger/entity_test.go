package ledger

import (
	"errors"
	"testing"
)

// TestInventoryRecord_Available 测试可用数量计算
func TestInventoryRecord_Available(t *testing.T) {
	rec := &InventoryRecord{QuantityOnHand: 100, QuantityAllocated: 30}

	if got := rec.Available(); got != 70 {
		t.Errorf("可用数量错误: 期望70 实际%d", got)
	}
}

// TestInventoryRecord_ApplyDelta 测试台账变更与不变量保护
func TestInventoryRecord_ApplyDelta(t *testing.T) {
	tests := []struct {
		name           string
		onHand         int
		allocated      int
		onHandDelta    int
		allocatedDelta int
		wantErr        bool
		wantOnHand     int
		wantAllocated  int
	}{
		{name: "入库", onHand: 10, allocated: 0, onHandDelta: 5, wantOnHand: 15},
		{name: "分配", onHand: 10, allocated: 2, allocatedDelta: 3, wantOnHand: 10, wantAllocated: 5},
		{name: "释放", onHand: 10, allocated: 5, allocatedDelta: -5, wantOnHand: 10, wantAllocated: 0},
		{name: "销售扣减", onHand: 10, allocated: 5, onHandDelta: -3, allocatedDelta: -3, wantOnHand: 7, wantAllocated: 2},
		{name: "在库为负被拒绝", onHand: 3, allocated: 0, onHandDelta: -4, wantErr: true},
		{name: "预占为负被拒绝", onHand: 10, allocated: 1, allocatedDelta: -2, wantErr: true},
		{name: "预占超过在库被拒绝", onHand: 10, allocated: 8, allocatedDelta: 3, wantErr: true},
		{name: "扣在库导致预占悬空被拒绝", onHand: 10, allocated: 8, onHandDelta: -5, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &InventoryRecord{
				ProductID:         1,
				Warehouse:         "WH-A",
				QuantityOnHand:    tt.onHand,
				QuantityAllocated: tt.allocated,
			}

			err := rec.ApplyDelta(tt.onHandDelta, tt.allocatedDelta)

			if tt.wantErr {
				if !errors.Is(err, ErrInvariantViolation) {
					t.Fatalf("期望不变量违反错误，实际: %v", err)
				}
				// 被拒绝的变更不得留下任何痕迹
				if rec.QuantityOnHand != tt.onHand || rec.QuantityAllocated != tt.allocated {
					t.Errorf("拒绝后字段被修改: on_hand=%d allocated=%d", rec.QuantityOnHand, rec.QuantityAllocated)
				}
				return
			}

			if err != nil {
				t.Fatalf("变更失败: %v", err)
			}
			if rec.QuantityOnHand != tt.wantOnHand {
				t.Errorf("在库数量错误: 期望%d 实际%d", tt.wantOnHand, rec.QuantityOnHand)
			}
			if rec.QuantityAllocated != tt.wantAllocated {
				t.Errorf("预占数量错误: 期望%d 实际%d", tt.wantAllocated, rec.QuantityAllocated)
			}
		})
	}
}

// TestInventoryRecord_IsLowStock 测试低库存判断（阈值含等于）
func TestInventoryRecord_IsLowStock(t *testing.T) {
	rec := &InventoryRecord{QuantityOnHand: 15, QuantityAllocated: 5}

	if !rec.IsLowStock(10) {
		t.Error("可用数量等于阈值应判定为低库存")
	}
	if !rec.IsLowStock(12) {
		t.Error("可用数量低于阈值应判定为低库存")
	}
	if rec.IsLowStock(9) {
		t.Error("可用数量高于阈值不应判定为低库存")
	}
}

// TestInventoryRecord_Validate 测试记录自检
func TestInventoryRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rec     InventoryRecord
		wantErr error
	}{
		{name: "合法记录", rec: InventoryRecord{ProductID: 1, Warehouse: "WH-A", QuantityOnHand: 5, QuantityAllocated: 2}},
		{name: "商品ID缺失", rec: InventoryRecord{Warehouse: "WH-A"}, wantErr: ErrInvalidProductID},
		{name: "仓库缺失", rec: InventoryRecord{ProductID: 1}, wantErr: ErrInvalidWarehouse},
		{name: "负在库", rec: InventoryRecord{ProductID: 1, Warehouse: "WH-A", QuantityOnHand: -1}, wantErr: ErrInvariantViolation},
		{name: "预占超在库", rec: InventoryRecord{ProductID: 1, Warehouse: "WH-A", QuantityOnHand: 1, QuantityAllocated: 2}, wantErr: ErrInvariantViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("合法记录不应报错: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("期望%v 实际%v", tt.wantErr, err)
			}
		})
	}
}

// TestInsufficientStockError 测试库存不足错误的语义
func TestInsufficientStockError(t *testing.T) {
	err := NewInsufficientStockError(42, 10, 3)

	if !errors.Is(err, ErrInsufficientStock) {
		t.Error("类型化错误应匹配ErrInsufficientStock哨兵")
	}

	var insufficientErr *InsufficientStockError
	if !errors.As(err, &insufficientErr) {
		t.Fatal("应能取回类型化错误")
	}
	if insufficientErr.ProductID != 42 || insufficientErr.Requested != 10 || insufficientErr.Available != 3 {
		t.Errorf("错误字段不完整: %+v", insufficientErr)
	}
}
