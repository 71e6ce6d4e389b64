package event

import (
	"context"
	"time"
)

// RetryRepository 重试记录仓储接口
type RetryRepository interface {
	// Get 查询指定(事件, 处理器)的重试记录，不存在返回ErrRetryRecordNotFound
	Get(ctx context.Context, eventID, handlerID string) (*RetryRecord, error)

	// Create 创建重试记录（首次投递失败时）
	Create(ctx context.Context, rec *RetryRecord) error

	// Update 更新重试记录（重试失败后推进attempt_count/next_retry_at）
	Update(ctx context.Context, rec *RetryRecord) error

	// Delete 删除重试记录（重试成功或移交死信后）
	Delete(ctx context.Context, id uint) error

	// ListDue 查询到期待重试的PENDING记录（按next_retry_at升序，限量）
	ListDue(ctx context.Context, now time.Time, limit int) ([]*RetryRecord, error)

	// CountActive 当前PENDING记录数量（运维统计）
	CountActive(ctx context.Context) (int64, error)
}

// DeadLetterRepository 死信仓储接口
type DeadLetterRepository interface {
	// Upsert 写入死信（按event_id幂等：已存在则更新failure_reason与entered_at）
	Upsert(ctx context.Context, entry *DeadLetterEntry) error

	// Statistics 死信统计
	Statistics(ctx context.Context) (*DeadLetterStatistics, error)

	// PurgeOlderThan 清理早于cutoff的死信，返回清理条数
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
