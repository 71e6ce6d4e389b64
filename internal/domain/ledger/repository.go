package ledger

import (
	"context"
	"time"
)

// RecordRepository 库存台账仓储接口（领域层定义）
//
// 依赖倒置：领域层定义接口，基础设施层提供MySQL实现，
// 单元测试使用内存实现。
type RecordRepository interface {
	// Get 获取指定(商品, 仓库)的台账记录
	// 记录不存在时返回ErrRecordNotFound
	Get(ctx context.Context, productID uint, warehouse string) (*InventoryRecord, error)

	// ListByProduct 获取指定商品在所有仓库的台账记录
	ListByProduct(ctx context.Context, productID uint) ([]*InventoryRecord, error)

	// ListAll 获取全部台账记录（低库存巡检等读场景）
	ListAll(ctx context.Context) ([]*InventoryRecord, error)

	// Create 创建台账记录（全零初始状态惰性创建）
	Create(ctx context.Context, rec *InventoryRecord) error

	// UpdateWithVersion 乐观锁更新
	//
	// 仅当数据库中版本等于expectedVersion时写入，并将版本+1。
	// 版本过期时返回ErrVersionConflict，调用方需重读后重试整个决策。
	UpdateWithVersion(ctx context.Context, rec *InventoryRecord, expectedVersion int) error
}

// MovementFilter 流水查询条件
type MovementFilter struct {
	ProductID    uint          // 0表示不过滤
	Warehouse    string        // 空表示不过滤
	MovementType MovementType  // 空表示不过滤
	ReferenceID  string        // 空表示不过滤
	From         time.Time     // 零值表示不限起始时间
	To           time.Time     // 零值表示不限结束时间
}

// MovementRepository 库存流水仓储接口
//
// 只增不改：只有Create与查询，没有Update/Delete。
// 分页排序固定为(created_at, id)，保证翻页稳定。
type MovementRepository interface {
	// Create 写入一条流水（必须在台账变更的同一事务内调用）
	Create(ctx context.Context, mv *StockMovement) error

	// List 按条件分页查询流水
	List(ctx context.Context, filter MovementFilter, page, pageSize int) ([]*StockMovement, int64, error)

	// ListByReference 查询关联某业务单据的全部流水
	ListByReference(ctx context.Context, referenceType, referenceID string) ([]*StockMovement, error)

	// SumOnHandDeltas 汇总影响在库数量的流水带符号和（对账用）
	SumOnHandDeltas(ctx context.Context, productID uint, warehouse string) (int, error)
}
