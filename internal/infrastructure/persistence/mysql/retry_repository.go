package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/xiebiao/stockledger/internal/domain/event"
)

// retryRepository MySQL重试记录仓储实现
type retryRepository struct {
	db *gorm.DB
}

// NewRetryRepository 创建重试记录仓储实例
func NewRetryRepository(db *gorm.DB) event.RetryRepository {
	return &retryRepository{db: db}
}

// Get 查询指定(事件, 处理器)的重试记录
func (r *retryRepository) Get(ctx context.Context, eventID, handlerID string) (*event.RetryRecord, error) {
	var rec event.RetryRecord

	err := getDB(ctx, r.db).
		Where("event_id = ? AND handler_id = ?", eventID, handlerID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, event.ErrRetryRecordNotFound
		}
		return nil, fmt.Errorf("查询重试记录失败: %w", err)
	}

	return &rec, nil
}

// Create 创建重试记录
func (r *retryRepository) Create(ctx context.Context, rec *event.RetryRecord) error {
	if err := getDB(ctx, r.db).Create(rec).Error; err != nil {
		return fmt.Errorf("创建重试记录失败: %w", err)
	}
	return nil
}

// Update 更新重试记录
func (r *retryRepository) Update(ctx context.Context, rec *event.RetryRecord) error {
	if err := getDB(ctx, r.db).Save(rec).Error; err != nil {
		return fmt.Errorf("更新重试记录失败: %w", err)
	}
	return nil
}

// Delete 删除重试记录
func (r *retryRepository) Delete(ctx context.Context, id uint) error {
	if err := getDB(ctx, r.db).Delete(&event.RetryRecord{}, id).Error; err != nil {
		return fmt.Errorf("删除重试记录失败: %w", err)
	}
	return nil
}

// ListDue 查询到期待重试的PENDING记录
func (r *retryRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*event.RetryRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var recs []*event.RetryRecord
	err := getDB(ctx, r.db).
		Where("status = ? AND next_retry_at <= ?", event.RetryStatusPending, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("查询到期重试记录失败: %w", err)
	}

	return recs, nil
}

// CountActive 统计PENDING记录数量
func (r *retryRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64

	err := getDB(ctx, r.db).Model(&event.RetryRecord{}).
		Where("status = ?", event.RetryStatusPending).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("统计重试记录失败: %w", err)
	}

	return count, nil
}
