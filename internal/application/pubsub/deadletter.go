package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiebiao/stockledger/internal/domain/event"
	"github.com/xiebiao/stockledger/pkg/metrics"
)

// DeadLetterService 死信存储服务
//
// 只进不出：死信没有自动再处理，重放需要运维或工具显式介入。
// 对外只暴露统计与按时效清理。
type DeadLetterService struct {
	repo event.DeadLetterRepository
	now  func() time.Time
}

// NewDeadLetterService 创建死信服务
func NewDeadLetterService(repo event.DeadLetterRepository) *DeadLetterService {
	return &DeadLetterService{
		repo: repo,
		now:  time.Now,
	}
}

// Record 记录一条死信（按event_id幂等）
//
// 同一事件重复进入死信时更新failure_reason与entered_at，
// 不产生重复条目。
func (s *DeadLetterService) Record(ctx context.Context, evt *event.DomainEvent, reason string) error {
	envelope, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("序列化事件信封失败: %w", err)
	}

	entry := &event.DeadLetterEntry{
		EventID:       evt.EventID,
		EventType:     evt.EventType,
		Envelope:      string(envelope),
		FailureReason: reason,
		EnteredAt:     s.now(),
	}
	if err := s.repo.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("写入死信失败: %w", err)
	}

	metrics.IncDeadLetter(string(evt.EventType))
	return nil
}

// RecordFromRetry 从已耗尽的重试记录生成死信（信封原样搬运）
func (s *DeadLetterService) RecordFromRetry(ctx context.Context, rec *event.RetryRecord, reason string) error {
	entry := &event.DeadLetterEntry{
		EventID:       rec.EventID,
		EventType:     rec.EventType,
		Envelope:      rec.Envelope,
		FailureReason: reason,
		EnteredAt:     s.now(),
	}
	if err := s.repo.Upsert(ctx, entry); err != nil {
		return fmt.Errorf("写入死信失败: %w", err)
	}

	metrics.IncDeadLetter(string(rec.EventType))
	return nil
}

// Statistics 死信统计（总数 + 按事件类型分组）
func (s *DeadLetterService) Statistics(ctx context.Context) (*event.DeadLetterStatistics, error) {
	return s.repo.Statistics(ctx)
}

// PurgeOlderThan 清理早于指定时效的死信，返回清理条数
func (s *DeadLetterService) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := s.now().Add(-age)
	return s.repo.PurgeOlderThan(ctx, cutoff)
}
