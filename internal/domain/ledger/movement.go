package ledger

import "time"

// MovementType 库存流水类型
type MovementType string

const (
	MovementInbound     MovementType = "INBOUND"      // 入库
	MovementOutbound    MovementType = "OUTBOUND"     // 出库
	MovementAdjustment  MovementType = "ADJUSTMENT"   // 盘点调整
	MovementAllocation  MovementType = "ALLOCATION"   // 分配（预留）
	MovementRelease     MovementType = "RELEASE"      // 释放预留
	MovementSale        MovementType = "SALE"         // 销售出库（预留转扣减）
	MovementTransferIn  MovementType = "TRANSFER_IN"  // 调拨入库
	MovementTransferOut MovementType = "TRANSFER_OUT" // 调拨出库
	MovementReturn      MovementType = "RETURN"       // 退货入库
)

// AffectsOnHand 该类型流水是否影响在库数量
//
// 符号约定（全局唯一口径）：流水Quantity的符号跟随其主要影响的台账字段。
//   - ALLOCATION记+q、RELEASE记-q，作用于quantity_allocated；
//   - 其余类型作用于quantity_on_hand，增加为正、减少为负。
//
// 因此对账公式为：所有AffectsOnHand类型流水的带符号和 == 当前quantity_on_hand
// （新记录以0为基线）。
func (t MovementType) AffectsOnHand() bool {
	switch t {
	case MovementAllocation, MovementRelease:
		return false
	default:
		return true
	}
}

// Valid 判断流水类型是否合法
func (t MovementType) Valid() bool {
	switch t {
	case MovementInbound, MovementOutbound, MovementAdjustment,
		MovementAllocation, MovementRelease, MovementSale,
		MovementTransferIn, MovementTransferOut, MovementReturn:
		return true
	default:
		return false
	}
}

// StockMovement 库存流水（只增不改的审计事实）
//
// 设计原则：
//   - Append-Only：创建后永不更新、永不删除
//   - 与台账变更在同一事务内写入（先写流水后提交）
//   - 记录关联业务单据（ReferenceID/ReferenceType）便于对账
type StockMovement struct {
	// 主键ID
	ID uint `gorm:"primaryKey" json:"id"`

	// 商品ID
	ProductID uint `gorm:"index:idx_product;not null" json:"product_id"`

	// 仓库位置标识
	Warehouse string `gorm:"index:idx_warehouse;type:varchar(64);not null" json:"warehouse"`

	// 流水类型
	MovementType MovementType `gorm:"type:varchar(20);not null" json:"movement_type"`

	// 带符号变更数量（符号约定见MovementType.AffectsOnHand）
	Quantity int `gorm:"not null" json:"quantity"`

	// 变更原因（盘点、补货、发货等）
	Reason string `gorm:"type:varchar(255)" json:"reason,omitempty"`

	// 关联业务单据ID（如订单号）
	ReferenceID string `gorm:"index:idx_reference;type:varchar(64)" json:"reference_id,omitempty"`

	// 关联业务单据类型（如 ORDER、TRANSFER）
	ReferenceType string `gorm:"type:varchar(32)" json:"reference_type,omitempty"`

	// 操作者ID（系统操作为0）
	ActorID uint `json:"actor_id,omitempty"`

	// 创建时间
	CreatedAt time.Time `gorm:"index:idx_created_at" json:"created_at"`
}

// TableName 指定表名
func (StockMovement) TableName() string {
	return "stock_movements"
}

// Validate 验证流水自身一致性
func (m *StockMovement) Validate() error {
	if m.ProductID == 0 {
		return ErrInvalidProductID
	}
	if m.Warehouse == "" {
		return ErrInvalidWarehouse
	}
	if !m.MovementType.Valid() {
		return ErrInvalidState
	}
	return nil
}

// NewAllocationMovement 创建分配流水（作用于allocated，记+q）
func NewAllocationMovement(productID uint, warehouse string, quantity int, referenceID string) *StockMovement {
	return &StockMovement{
		ProductID:     productID,
		Warehouse:     warehouse,
		MovementType:  MovementAllocation,
		Quantity:      quantity,
		ReferenceID:   referenceID,
		ReferenceType: ReferenceTypeOrder,
	}
}

// NewReleaseMovement 创建释放流水（作用于allocated，记-q）
func NewReleaseMovement(productID uint, warehouse string, quantity int, referenceID string) *StockMovement {
	return &StockMovement{
		ProductID:     productID,
		Warehouse:     warehouse,
		MovementType:  MovementRelease,
		Quantity:      -quantity,
		ReferenceID:   referenceID,
		ReferenceType: ReferenceTypeOrder,
	}
}

// NewSaleMovement 创建销售出库流水（在库-q）
func NewSaleMovement(productID uint, warehouse string, quantity int, referenceID string) *StockMovement {
	return &StockMovement{
		ProductID:     productID,
		Warehouse:     warehouse,
		MovementType:  MovementSale,
		Quantity:      -quantity,
		ReferenceID:   referenceID,
		ReferenceType: ReferenceTypeOrder,
	}
}

// NewAdjustmentMovement 创建盘点调整流水（delta为在库净变化，可正可负）
func NewAdjustmentMovement(productID uint, warehouse string, delta int, reason string, actorID uint) *StockMovement {
	return &StockMovement{
		ProductID:    productID,
		Warehouse:    warehouse,
		MovementType: MovementAdjustment,
		Quantity:     delta,
		Reason:       reason,
		ActorID:      actorID,
	}
}

// NewTransferOutMovement 创建调拨出库流水（源仓在库-q）
func NewTransferOutMovement(productID uint, warehouse string, quantity int, reason, transferRef string) *StockMovement {
	return &StockMovement{
		ProductID:     productID,
		Warehouse:     warehouse,
		MovementType:  MovementTransferOut,
		Quantity:      -quantity,
		Reason:        reason,
		ReferenceID:   transferRef,
		ReferenceType: ReferenceTypeTransfer,
	}
}

// NewTransferInMovement 创建调拨入库流水（目标仓在库+q）
func NewTransferInMovement(productID uint, warehouse string, quantity int, reason, transferRef string) *StockMovement {
	return &StockMovement{
		ProductID:     productID,
		Warehouse:     warehouse,
		MovementType:  MovementTransferIn,
		Quantity:      quantity,
		Reason:        reason,
		ReferenceID:   transferRef,
		ReferenceType: ReferenceTypeTransfer,
	}
}

// 业务单据类型
const (
	ReferenceTypeOrder    = "ORDER"
	ReferenceTypeTransfer = "TRANSFER"
)
