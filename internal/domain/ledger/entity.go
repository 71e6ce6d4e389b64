package ledger

import "time"

// InventoryRecord 库存台账记录（领域模型）
//
// 每个(product_id, warehouse)组合对应一条记录。
//
// 核心字段设计：
//   - QuantityOnHand：在库数量（仓库中实际存在的件数）
//   - QuantityAllocated：已分配数量（已被订单预留，尚未出库）
//   - Available：可用数量 = OnHand - Allocated（派生值，不落库）
//
// 为什么需要Allocated？
// 场景：用户下单后预留库存，发货时才真正扣减
//   - 如果直接扣减OnHand，取消订单后对账口径混乱
//   - 使用分配机制：下单分配 → 发货扣减 → 取消释放
//
// 并发控制：
// 采用乐观锁（Version字段），写入时校验版本号。
// 与悲观锁（SELECT FOR UPDATE）相比，在读多写少场景下无锁等待，
// 冲突时由调用方重读重算后重试。
type InventoryRecord struct {
	// 主键ID
	ID uint `gorm:"primaryKey" json:"id"`

	// 商品ID
	ProductID uint `gorm:"uniqueIndex:uk_product_warehouse;not null" json:"product_id"`

	// 仓库位置标识（如 MAIN、EAST）
	Warehouse string `gorm:"uniqueIndex:uk_product_warehouse;type:varchar(64);not null" json:"warehouse"`

	// 在库数量（恒 >= 0）
	QuantityOnHand int `gorm:"not null;default:0" json:"quantity_on_hand"`

	// 已分配数量（恒满足 0 <= allocated <= on_hand）
	QuantityAllocated int `gorm:"not null;default:0" json:"quantity_allocated"`

	// 乐观锁版本号（每次变更+1）
	Version int `gorm:"not null;default:0" json:"version"`

	// 最近一次盘点/调整时间
	LastCountedAt *time.Time `json:"last_counted_at,omitempty"`

	// 创建时间
	CreatedAt time.Time `json:"created_at"`

	// 更新时间
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (InventoryRecord) TableName() string {
	return "inventory_records"
}

// Available 可用数量（在库 - 已分配）
// 不变量保证此值恒 >= 0
func (r *InventoryRecord) Available() int {
	return r.QuantityOnHand - r.QuantityAllocated
}

// ApplyDelta 应用数量变更并校验不变量
//
// 校验顺序（固定）：
//  1. on_hand + onHandDelta >= 0
//  2. allocated + allocatedDelta >= 0
//  3. allocated + allocatedDelta <= on_hand + onHandDelta
//
// 台账是最后一道防线：调用方（分配引擎）应在调用前完成业务校验，
// 走到这里仍然违反不变量说明上游有缺陷，按ErrInvariantViolation处理。
func (r *InventoryRecord) ApplyDelta(onHandDelta, allocatedDelta int) error {
	newOnHand := r.QuantityOnHand + onHandDelta
	newAllocated := r.QuantityAllocated + allocatedDelta

	if newOnHand < 0 {
		return ErrInvariantViolation
	}
	if newAllocated < 0 {
		return ErrInvariantViolation
	}
	if newAllocated > newOnHand {
		return ErrInvariantViolation
	}

	r.QuantityOnHand = newOnHand
	r.QuantityAllocated = newAllocated
	return nil
}

// IsLowStock 判断是否低库存（可用数量到达或跌破阈值）
func (r *InventoryRecord) IsLowStock(threshold int) bool {
	return r.Available() <= threshold
}

// Validate 验证记录自身一致性
func (r *InventoryRecord) Validate() error {
	if r.ProductID == 0 {
		return ErrInvalidProductID
	}
	if r.Warehouse == "" {
		return ErrInvalidWarehouse
	}
	if r.QuantityOnHand < 0 || r.QuantityAllocated < 0 {
		return ErrInvariantViolation
	}
	if r.QuantityAllocated > r.QuantityOnHand {
		return ErrInvariantViolation
	}
	return nil
}
