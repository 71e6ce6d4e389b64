package event

import "time"

// RetryStatus 重试记录状态
type RetryStatus string

const (
	// RetryStatusPending 等待重试
	RetryStatusPending RetryStatus = "PENDING"

	// RetryStatusExhausted 重试次数耗尽（已移交死信）
	RetryStatusExhausted RetryStatus = "EXHAUSTED"
)

// RetryRecord 事件重试记录
//
// 每个(event_id, handler_id)组合一条记录，状态机：
//
//	首次处理失败 → PENDING（计算next_retry_at）
//	重试再失败   → PENDING（attempt_count+1，退避时间指数增长）
//	重试成功     → 删除记录
//	次数耗尽     → EXHAUSTED，移交死信存储
type RetryRecord struct {
	// 主键ID
	ID uint `gorm:"primaryKey" json:"id"`

	// 事件ID
	EventID string `gorm:"uniqueIndex:uk_event_handler;type:varchar(64);not null" json:"event_id"`

	// 处理器ID（同一事件不同处理器独立重试）
	HandlerID string `gorm:"uniqueIndex:uk_event_handler;type:varchar(128);not null" json:"handler_id"`

	// 事件类型（冗余存储，便于统计与重放）
	EventType Type `gorm:"type:varchar(32);not null" json:"event_type"`

	// 事件信封JSON（重新调度时反序列化回DomainEvent）
	Envelope string `gorm:"type:text;not null" json:"envelope"`

	// 已尝试次数（含首次同步投递）
	AttemptCount int `gorm:"not null;default:1" json:"attempt_count"`

	// 下次重试时间
	NextRetryAt time.Time `gorm:"index:idx_next_retry;not null" json:"next_retry_at"`

	// 最近一次失败原因
	LastError string `gorm:"type:varchar(512)" json:"last_error"`

	// 状态
	Status RetryStatus `gorm:"type:varchar(16);index:idx_next_retry;not null" json:"status"`

	// 创建时间
	CreatedAt time.Time `json:"created_at"`

	// 更新时间
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (RetryRecord) TableName() string {
	return "event_retry_records"
}

// Due 判断是否到达重试时间
func (r *RetryRecord) Due(now time.Time) bool {
	return r.Status == RetryStatusPending && !r.NextRetryAt.After(now)
}
