package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiebiao/stockledger/internal/domain/event"
	persistence "github.com/xiebiao/stockledger/internal/infrastructure/persistence/mysql"
)

// 教学说明：事件投递管道的持久化集成测试
// 验证重试记录与死信条目在真实MySQL上的读写语义：
// 到期扫描、唯一索引约束下的幂等写入、按时效清理。

// TestRetryRepository_DueScanRoundTrip 测试重试记录的到期扫描
func TestRetryRepository_DueScanRoundTrip(t *testing.T) {
	db := setupDB(t)
	repo := persistence.NewRetryRepository(db)
	ctx := context.Background()

	now := time.Now()
	eventID := nextReference("EVT")

	rec := &event.RetryRecord{
		EventID:      eventID,
		HandlerID:    "integration-handler",
		EventType:    event.TypeLowStock,
		Envelope:     `{"event_id":"` + eventID + `"}`,
		AttemptCount: 1,
		NextRetryAt:  now.Add(-time.Second), // 已到期
		LastError:    "下游超时",
		Status:       event.RetryStatusPending,
	}
	require.NoError(t, repo.Create(ctx, rec))
	require.NotZero(t, rec.ID)

	due, err := repo.ListDue(ctx, now, 100)
	require.NoError(t, err)
	found := false
	for _, d := range due {
		if d.EventID == eventID {
			found = true
			assert.Equal(t, 1, d.AttemptCount)
		}
	}
	assert.True(t, found, "到期记录应被扫描到")

	// 推进到未来后不再到期
	rec.AttemptCount = 2
	rec.NextRetryAt = now.Add(time.Hour)
	require.NoError(t, repo.Update(ctx, rec))

	due, err = repo.ListDue(ctx, now, 100)
	require.NoError(t, err)
	for _, d := range due {
		assert.NotEqual(t, eventID, d.EventID, "未到期记录不应被扫描到")
	}

	require.NoError(t, repo.Delete(ctx, rec.ID))
	_, err = repo.Get(ctx, eventID, "integration-handler")
	assert.ErrorIs(t, err, event.ErrRetryRecordNotFound)
}

// TestDeadLetterRepository_UpsertIdempotent 测试死信唯一索引上的幂等写入
func TestDeadLetterRepository_UpsertIdempotent(t *testing.T) {
	db := setupDB(t)
	repo := persistence.NewDeadLetterRepository(db)
	ctx := context.Background()

	eventID := nextReference("EVT")
	entry := &event.DeadLetterEntry{
		EventID:       eventID,
		EventType:     event.TypeInventoryAllocated,
		Envelope:      `{"event_id":"` + eventID + `"}`,
		FailureReason: "第一次失败",
		EnteredAt:     time.Now(),
	}
	require.NoError(t, repo.Upsert(ctx, entry))

	// 同一事件再次进入死信：更新原因，不产生第二条
	entry2 := &event.DeadLetterEntry{
		EventID:       eventID,
		EventType:     event.TypeInventoryAllocated,
		Envelope:      entry.Envelope,
		FailureReason: "第二次失败",
		EnteredAt:     time.Now(),
	}
	require.NoError(t, repo.Upsert(ctx, entry2))

	var count int64
	require.NoError(t, db.Model(&event.DeadLetterEntry{}).
		Where("event_id = ?", eventID).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var stored event.DeadLetterEntry
	require.NoError(t, db.Where("event_id = ?", eventID).First(&stored).Error)
	assert.Equal(t, "第二次失败", stored.FailureReason)
}

// TestDeadLetterRepository_PurgeOlderThan 测试按时效清理
func TestDeadLetterRepository_PurgeOlderThan(t *testing.T) {
	db := setupDB(t)
	repo := persistence.NewDeadLetterRepository(db)
	ctx := context.Background()

	oldID := nextReference("EVT")
	require.NoError(t, repo.Upsert(ctx, &event.DeadLetterEntry{
		EventID:   oldID,
		EventType: event.TypeLowStock,
		Envelope:  "{}",
		EnteredAt: time.Now().Add(-48 * time.Hour),
	}))

	purged, err := repo.PurgeOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, purged, int64(1))

	var count int64
	require.NoError(t, db.Model(&event.DeadLetterEntry{}).
		Where("event_id = ?", oldID).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}
