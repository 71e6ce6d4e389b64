package mysql

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/xiebiao/stockledger/internal/domain/ledger"
)

// movementRepository MySQL变动流水仓储实现
//
// 流水表只追加（append-only）：只有Create和查询，没有Update/Delete。
type movementRepository struct {
	db *gorm.DB
}

// NewMovementRepository 创建流水仓储实例
func NewMovementRepository(db *gorm.DB) ledger.MovementRepository {
	return &movementRepository{db: db}
}

// Create 写入一条变动流水
func (r *movementRepository) Create(ctx context.Context, m *ledger.StockMovement) error {
	if err := m.Validate(); err != nil {
		return err
	}

	if err := getDB(ctx, r.db).Create(m).Error; err != nil {
		return fmt.Errorf("写入变动流水失败: %w", err)
	}

	return nil
}

// List 按条件分页查询流水
//
// 排序固定为created_at, id升序，保证同一毫秒内多条流水的顺序稳定。
func (r *movementRepository) List(ctx context.Context, filter ledger.MovementFilter, page, pageSize int) ([]*ledger.StockMovement, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := r.applyFilter(getDB(ctx, r.db).Model(&ledger.StockMovement{}), filter)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计流水数量失败: %w", err)
	}

	var movements []*ledger.StockMovement
	err := query.
		Order("created_at ASC, id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&movements).Error
	if err != nil {
		return nil, 0, fmt.Errorf("查询变动流水失败: %w", err)
	}

	return movements, total, nil
}

// ListByReference 查询某个业务单据关联的全部流水
func (r *movementRepository) ListByReference(ctx context.Context, referenceType, referenceID string) ([]*ledger.StockMovement, error) {
	var movements []*ledger.StockMovement

	err := getDB(ctx, r.db).
		Where("reference_type = ? AND reference_id = ?", referenceType, referenceID).
		Order("created_at ASC, id ASC").
		Find(&movements).Error
	if err != nil {
		return nil, fmt.Errorf("查询单据流水失败: %w", err)
	}

	return movements, nil
}

// SumOnHandDeltas 汇总影响在库数量的流水增量
//
// ALLOCATION/RELEASE只移动预占数量，不计入在库守恒校验。
func (r *movementRepository) SumOnHandDeltas(ctx context.Context, productID uint, warehouse string) (int, error) {
	var sum struct {
		Total int
	}

	err := getDB(ctx, r.db).Model(&ledger.StockMovement{}).
		Select("COALESCE(SUM(quantity), 0) AS total").
		Where("product_id = ? AND warehouse = ?", productID, warehouse).
		Where("movement_type NOT IN ?", []ledger.MovementType{
			ledger.MovementAllocation,
			ledger.MovementRelease,
		}).
		Scan(&sum).Error
	if err != nil {
		return 0, fmt.Errorf("汇总流水增量失败: %w", err)
	}

	return sum.Total, nil
}

func (r *movementRepository) applyFilter(query *gorm.DB, filter ledger.MovementFilter) *gorm.DB {
	if filter.ProductID != 0 {
		query = query.Where("product_id = ?", filter.ProductID)
	}
	if filter.Warehouse != "" {
		query = query.Where("warehouse = ?", filter.Warehouse)
	}
	if filter.MovementType != "" {
		query = query.Where("movement_type = ?", filter.MovementType)
	}
	if filter.ReferenceID != "" {
		query = query.Where("reference_id = ?", filter.ReferenceID)
	}
	if !filter.From.IsZero() {
		query = query.Where("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("created_at < ?", filter.To)
	}
	return query
}
