package event

import "time"

// DeadLetterEntry 死信条目
//
// 事件重试耗尽后进入死信存储，等待人工或工具介入重放，
// 不做任何自动再处理。
//
// 幂等约定：event_id唯一。重复记录同一事件时更新
// failure_reason与entered_at，不产生第二条记录。
type DeadLetterEntry struct {
	// 主键ID
	ID uint `gorm:"primaryKey" json:"id"`

	// 事件ID（唯一）
	EventID string `gorm:"uniqueIndex:uk_event_id;type:varchar(64);not null" json:"event_id"`

	// 事件类型
	EventType Type `gorm:"index:idx_event_type;type:varchar(32);not null" json:"event_type"`

	// 事件信封JSON（重放的原始材料）
	Envelope string `gorm:"type:text;not null" json:"envelope"`

	// 最终失败原因
	FailureReason string `gorm:"type:varchar(512)" json:"failure_reason"`

	// 进入死信时间
	EnteredAt time.Time `gorm:"index:idx_entered_at;not null" json:"entered_at"`
}

// TableName 指定表名
func (DeadLetterEntry) TableName() string {
	return "event_dead_letters"
}

// DeadLetterStatistics 死信统计（运维可观测性）
type DeadLetterStatistics struct {
	// 死信总数
	Total int64 `json:"total"`

	// 按事件类型分组的数量
	ByEventType map[Type]int64 `json:"by_event_type"`
}
