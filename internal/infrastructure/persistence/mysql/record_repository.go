package mysql

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/xiebiao/stockledger/internal/domain/ledger"
)

// recordRepository MySQL库存台账仓储实现
//
// 并发控制：乐观锁（version列）。
// UPDATE时附带WHERE version = ?，影响行数为0说明版本过期，
// 返回ErrVersionConflict由上层重读重试。
// 与悲观锁（SELECT FOR UPDATE）相比，读多写少场景下无锁等待。
type recordRepository struct {
	db *gorm.DB
}

// NewRecordRepository 创建台账仓储实例
func NewRecordRepository(db *gorm.DB) ledger.RecordRepository {
	return &recordRepository{db: db}
}

// Get 获取指定(商品, 仓库)的台账记录
func (r *recordRepository) Get(ctx context.Context, productID uint, warehouse string) (*ledger.InventoryRecord, error) {
	var rec ledger.InventoryRecord

	err := getDB(ctx, r.db).
		Where("product_id = ? AND warehouse = ?", productID, warehouse).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledger.ErrRecordNotFound
		}
		return nil, fmt.Errorf("查询库存记录失败: %w", err)
	}

	return &rec, nil
}

// ListByProduct 获取商品在所有仓库的台账记录
func (r *recordRepository) ListByProduct(ctx context.Context, productID uint) ([]*ledger.InventoryRecord, error) {
	var recs []*ledger.InventoryRecord

	err := getDB(ctx, r.db).
		Where("product_id = ?", productID).
		Order("warehouse ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("查询多仓库存失败: %w", err)
	}

	return recs, nil
}

// ListAll 获取全部台账记录
func (r *recordRepository) ListAll(ctx context.Context) ([]*ledger.InventoryRecord, error) {
	var recs []*ledger.InventoryRecord

	err := getDB(ctx, r.db).
		Order("product_id ASC, warehouse ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("查询台账记录失败: %w", err)
	}

	return recs, nil
}

// Create 创建台账记录
func (r *recordRepository) Create(ctx context.Context, rec *ledger.InventoryRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	if err := getDB(ctx, r.db).Create(rec).Error; err != nil {
		if isDuplicateError(err) {
			// 并发惰性创建撞唯一索引，由上层重读
			return fmt.Errorf("库存记录已存在: %w", err)
		}
		return fmt.Errorf("创建库存记录失败: %w", err)
	}

	return nil
}

// UpdateWithVersion 乐观锁更新
//
// 影响行数为0有两种可能：记录不存在或版本过期。
// 台账记录从不删除，因此这里统一按版本冲突处理。
func (r *recordRepository) UpdateWithVersion(ctx context.Context, rec *ledger.InventoryRecord, expectedVersion int) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	updates := map[string]interface{}{
		"quantity_on_hand":   rec.QuantityOnHand,
		"quantity_allocated": rec.QuantityAllocated,
		"version":            expectedVersion + 1,
	}
	if rec.LastCountedAt != nil {
		updates["last_counted_at"] = *rec.LastCountedAt
	}

	result := getDB(ctx, r.db).Model(&ledger.InventoryRecord{}).
		Where("product_id = ? AND warehouse = ? AND version = ?",
			rec.ProductID, rec.Warehouse, expectedVersion).
		Updates(updates)

	if err := result.Error; err != nil {
		return fmt.Errorf("更新库存记录失败: %w", err)
	}

	if result.RowsAffected == 0 {
		return ledger.ErrVersionConflict
	}

	return nil
}
