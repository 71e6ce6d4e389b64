package ledger

import "testing"

// TestMovementType_AffectsOnHand 测试流水类型与台账字段的对应关系
func TestMovementType_AffectsOnHand(t *testing.T) {
	onHandTypes := []MovementType{
		MovementInbound, MovementOutbound, MovementAdjustment,
		MovementSale, MovementTransferIn, MovementTransferOut, MovementReturn,
	}
	for _, mt := range onHandTypes {
		if !mt.AffectsOnHand() {
			t.Errorf("%s应影响在库数量", mt)
		}
	}

	for _, mt := range []MovementType{MovementAllocation, MovementRelease} {
		if mt.AffectsOnHand() {
			t.Errorf("%s只移动预占数量，不应影响在库", mt)
		}
	}
}

// TestMovementConstructors_SignConvention 测试构造函数的符号约定
//
// 约定：Quantity的符号跟随流水主要影响的台账字段，
// 增加为正、减少为负。
func TestMovementConstructors_SignConvention(t *testing.T) {
	tests := []struct {
		name         string
		movement     *StockMovement
		wantType     MovementType
		wantQuantity int
	}{
		{"分配记正", NewAllocationMovement(1, "WH-A", 5, "ORD-1"), MovementAllocation, 5},
		{"释放记负", NewReleaseMovement(1, "WH-A", 5, "ORD-1"), MovementRelease, -5},
		{"销售记负", NewSaleMovement(1, "WH-A", 5, "ORD-1"), MovementSale, -5},
		{"调拨出库记负", NewTransferOutMovement(1, "WH-A", 5, "补货", "TRF-1"), MovementTransferOut, -5},
		{"调拨入库记正", NewTransferInMovement(1, "WH-B", 5, "补货", "TRF-1"), MovementTransferIn, 5},
		{"盘点调整保留符号", NewAdjustmentMovement(1, "WH-A", -3, "盘亏", 7), MovementAdjustment, -3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.movement.MovementType != tt.wantType {
				t.Errorf("流水类型错误: 期望%s 实际%s", tt.wantType, tt.movement.MovementType)
			}
			if tt.movement.Quantity != tt.wantQuantity {
				t.Errorf("数量符号错误: 期望%d 实际%d", tt.wantQuantity, tt.movement.Quantity)
			}
			if err := tt.movement.Validate(); err != nil {
				t.Errorf("构造的流水应通过自检: %v", err)
			}
		})
	}
}

// TestMovement_ReferenceTypes 测试业务单据关联
func TestMovement_ReferenceTypes(t *testing.T) {
	alloc := NewAllocationMovement(1, "WH-A", 5, "ORD-1")
	if alloc.ReferenceType != ReferenceTypeOrder || alloc.ReferenceID != "ORD-1" {
		t.Errorf("分配流水应关联订单单据: %+v", alloc)
	}

	out := NewTransferOutMovement(1, "WH-A", 5, "补货", "TRF-1")
	in := NewTransferInMovement(1, "WH-B", 5, "补货", "TRF-1")
	if out.ReferenceType != ReferenceTypeTransfer || in.ReferenceType != ReferenceTypeTransfer {
		t.Error("调拨流水应关联调拨单据")
	}
	if out.ReferenceID != in.ReferenceID {
		t.Error("同一次调拨的两条流水应共享单据ID")
	}

	// 守恒：同一调拨两端的在库增量之和为0
	if out.Quantity+in.Quantity != 0 {
		t.Errorf("调拨流水不守恒: out=%d in=%d", out.Quantity, in.Quantity)
	}
}
