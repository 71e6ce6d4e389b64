package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xiebiao/stockledger/internal/domain/event"
)

// deadLetterRepository MySQL死信仓储实现
type deadLetterRepository struct {
	db *gorm.DB
}

// NewDeadLetterRepository 创建死信仓储实例
func NewDeadLetterRepository(db *gorm.DB) event.DeadLetterRepository {
	return &deadLetterRepository{db: db}
}

// Upsert 写入死信（event_id幂等）
//
// 同一事件重复进入死信时只更新失败原因和时间，
// 利用INSERT ... ON DUPLICATE KEY UPDATE保证并发安全。
func (r *deadLetterRepository) Upsert(ctx context.Context, entry *event.DeadLetterEntry) error {
	err := getDB(ctx, r.db).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"failure_reason", "entered_at", "envelope",
		}),
	}).Create(entry).Error
	if err != nil {
		return fmt.Errorf("写入死信失败: %w", err)
	}

	return nil
}

// Statistics 死信统计
func (r *deadLetterRepository) Statistics(ctx context.Context) (*event.DeadLetterStatistics, error) {
	db := getDB(ctx, r.db)

	var total int64
	if err := db.Model(&event.DeadLetterEntry{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("统计死信总数失败: %w", err)
	}

	var rows []struct {
		EventType event.Type
		Count     int64
	}
	err := db.Model(&event.DeadLetterEntry{}).
		Select("event_type, COUNT(*) AS count").
		Group("event_type").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("统计死信分布失败: %w", err)
	}

	stats := &event.DeadLetterStatistics{
		Total:       total,
		ByEventType: make(map[event.Type]int64, len(rows)),
	}
	for _, row := range rows {
		stats.ByEventType[row.EventType] = row.Count
	}

	return stats, nil
}

// PurgeOlderThan 清理早于cutoff的死信
func (r *deadLetterRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := getDB(ctx, r.db).
		Where("entered_at < ?", cutoff).
		Delete(&event.DeadLetterEntry{})
	if err := result.Error; err != nil {
		return 0, fmt.Errorf("清理死信失败: %w", err)
	}

	return result.RowsAffected, nil
}
