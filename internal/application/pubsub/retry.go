package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xiebiao/stockledger/internal/domain/event"
	"github.com/xiebiao/stockledger/pkg/metrics"
)

// CoordinatorConfig 重试协调器配置
type CoordinatorConfig struct {
	// MaxAttempts 总尝试次数上限（含首次同步投递）
	MaxAttempts int

	// BaseDelay 首次重试的退避基准
	BaseDelay time.Duration

	// MaxDelay 退避上限
	MaxDelay time.Duration

	// ScanInterval 后台扫描到期记录的间隔
	ScanInterval time.Duration

	// Workers 重试执行的并发度（限制住，防止重试风暴挤占正常请求容量）
	Workers int

	// BatchSize 单次扫描取出的到期记录数
	BatchSize int
}

// withDefaults 填充默认配置
func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// Statistics 重试协调器运行统计
type Statistics struct {
	// TotalAttempts 重试执行总次数
	TotalAttempts int64 `json:"total_attempts"`

	// TotalFailedEvents 进入过重试管道的(事件, 处理器)对总数
	TotalFailedEvents int64 `json:"total_failed_events"`

	// TotalSuccessfulRetries 重试成功总次数
	TotalSuccessfulRetries int64 `json:"total_successful_retries"`

	// ActiveRecords 当前PENDING记录数
	ActiveRecords int64 `json:"active_records"`

	// FailureRate 重试失败率（失败次数 / 执行总次数）
	FailureRate float64 `json:"failure_rate"`
}

// Coordinator 重试协调器
//
// 状态机（每个(event_id, handler_id)一条记录）：
//
//	PENDING --重试失败--> PENDING（attempt+1，退避指数增长）
//	PENDING --重试成功--> 删除
//	PENDING --次数耗尽--> EXHAUSTED → 移交死信 → 删除
type Coordinator struct {
	repo        event.RetryRepository
	deadLetters *DeadLetterService
	registry    *Registry
	cfg         CoordinatorConfig

	// 运行统计（原子计数）
	totalAttempts     atomic.Int64
	totalFailedEvents atomic.Int64
	successfulRetries atomic.Int64
	failedAttempts    atomic.Int64

	// now/jitter 可注入（测试确定性）
	now    func() time.Time
	jitter func(d time.Duration) time.Duration

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewCoordinator 创建重试协调器
func NewCoordinator(repo event.RetryRepository, deadLetters *DeadLetterService, registry *Registry, cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		repo:        repo,
		deadLetters: deadLetters,
		registry:    registry,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
		jitter: func(d time.Duration) time.Duration {
			// 满幅抖动：[0, d)，避免重试同步踩踏
			if d <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(d)))
		},
		stopped: make(chan struct{}),
	}
}

// Report 登记一次首次投递失败
//
// 同一(事件, 处理器)重复上报时推进已有记录而不是新建。
// 登记失败只能记日志：这里已经在"失败处理"路径上，
// 没有再往外抛的去处。
func (c *Coordinator) Report(ctx context.Context, evt *event.DomainEvent, handlerID string, cause error) {
	envelope, err := json.Marshal(evt)
	if err != nil {
		log.Printf("❌ 序列化事件信封失败: event=%s err=%v", evt.EventID, err)
		return
	}

	existing, err := c.repo.Get(ctx, evt.EventID, handlerID)
	if err == nil {
		existing.AttemptCount++
		existing.LastError = cause.Error()
		existing.NextRetryAt = c.now().Add(c.backoff(existing.AttemptCount))
		if updateErr := c.repo.Update(ctx, existing); updateErr != nil {
			log.Printf("❌ 更新重试记录失败: event=%s handler=%s err=%v", evt.EventID, handlerID, updateErr)
		}
		return
	}
	if !errors.Is(err, event.ErrRetryRecordNotFound) {
		log.Printf("❌ 查询重试记录失败: event=%s handler=%s err=%v", evt.EventID, handlerID, err)
		return
	}

	rec := &event.RetryRecord{
		EventID:      evt.EventID,
		HandlerID:    handlerID,
		EventType:    evt.EventType,
		Envelope:     string(envelope),
		AttemptCount: 1, // 首次同步投递计入
		NextRetryAt:  c.now().Add(c.backoff(1)),
		LastError:    cause.Error(),
		Status:       event.RetryStatusPending,
	}
	if err := c.repo.Create(ctx, rec); err != nil {
		log.Printf("❌ 创建重试记录失败: event=%s handler=%s err=%v", evt.EventID, handlerID, err)
		return
	}
	c.totalFailedEvents.Add(1)
}

// backoff 计算第attempt次尝试后的退避时长
// 指数退避 + 满幅抖动，封顶MaxDelay
func (c *Coordinator) backoff(attempt int) time.Duration {
	delay := c.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.cfg.MaxDelay {
			delay = c.cfg.MaxDelay
			break
		}
	}
	return delay + c.jitter(delay/2)
}

// Start 启动后台重试调度
//
// 一个扫描goroutine按间隔取到期记录，投给固定大小的worker池执行。
// ctx取消后停止扫描、排空worker后退出。
func (c *Coordinator) Start(ctx context.Context) {
	jobs := make(chan *event.RetryRecord)

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				c.processRecord(ctx, rec)
			}
		}()
	}

	go func() {
		defer func() {
			close(jobs)
			wg.Wait()
			close(c.stopped)
		}()

		ticker := time.NewTicker(c.cfg.ScanInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Printf("🛑 重试调度器退出")
				return
			case <-ticker.C:
				due, err := c.repo.ListDue(ctx, c.now(), c.cfg.BatchSize)
				if err != nil {
					log.Printf("❌ 扫描到期重试记录失败: %v", err)
					continue
				}
				for _, rec := range due {
					select {
					case jobs <- rec:
					case <-ctx.Done():
						return
					}
				}
				c.updateQueueDepth(ctx)
			}
		}
	}()
}

// Wait 等待后台调度完全停止（优雅关闭用）
func (c *Coordinator) Wait() {
	<-c.stopped
}

// ProcessDue 处理当前全部到期记录（同步执行，测试与运维工具用）
func (c *Coordinator) ProcessDue(ctx context.Context) error {
	due, err := c.repo.ListDue(ctx, c.now(), c.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("扫描到期重试记录失败: %w", err)
	}
	for _, rec := range due {
		c.processRecord(ctx, rec)
	}
	return nil
}

// processRecord 执行一条重试记录
func (c *Coordinator) processRecord(ctx context.Context, rec *event.RetryRecord) {
	c.totalAttempts.Add(1)

	handler, ok := c.registry.Lookup(rec.HandlerID)
	if !ok {
		// 处理器在本进程未注册（部署变更等），无法重试，直接死信
		log.Printf("⚠️ 重试目标处理器不存在，移交死信: event=%s handler=%s", rec.EventID, rec.HandlerID)
		c.exhaust(ctx, rec, event.ErrUnknownHandler.Error())
		return
	}

	var evt event.DomainEvent
	if err := json.Unmarshal([]byte(rec.Envelope), &evt); err != nil {
		log.Printf("❌ 重试记录信封损坏，移交死信: event=%s err=%v", rec.EventID, err)
		c.exhaust(ctx, rec, fmt.Sprintf("事件信封损坏: %v", err))
		return
	}

	start := time.Now()
	err := handler.Handle(ctx, &evt)
	metrics.ObserveDelivery(time.Since(start).Seconds())

	if err == nil {
		// 重试成功：删除记录
		if delErr := c.repo.Delete(ctx, rec.ID); delErr != nil {
			log.Printf("❌ 删除重试记录失败: event=%s err=%v", rec.EventID, delErr)
		}
		c.successfulRetries.Add(1)
		metrics.IncRetryAttempt("success")
		return
	}

	c.failedAttempts.Add(1)
	rec.AttemptCount++
	rec.LastError = err.Error()

	if rec.AttemptCount >= c.cfg.MaxAttempts {
		metrics.IncRetryAttempt("exhausted")
		c.exhaust(ctx, rec, err.Error())
		return
	}

	rec.NextRetryAt = c.now().Add(c.backoff(rec.AttemptCount))
	if updateErr := c.repo.Update(ctx, rec); updateErr != nil {
		log.Printf("❌ 更新重试记录失败: event=%s err=%v", rec.EventID, updateErr)
	}
	metrics.IncRetryAttempt("failure")
}

// exhaust 重试耗尽：标记EXHAUSTED，移交死信，删除重试记录
func (c *Coordinator) exhaust(ctx context.Context, rec *event.RetryRecord, reason string) {
	rec.Status = event.RetryStatusExhausted
	if err := c.repo.Update(ctx, rec); err != nil {
		log.Printf("❌ 标记重试耗尽失败: event=%s err=%v", rec.EventID, err)
	}

	if err := c.deadLetters.RecordFromRetry(ctx, rec, reason); err != nil {
		// 死信写入失败时保留EXHAUSTED记录，留给运维排查，不删
		log.Printf("❌ 写入死信失败: event=%s err=%v", rec.EventID, err)
		return
	}

	if err := c.repo.Delete(ctx, rec.ID); err != nil {
		log.Printf("❌ 删除已耗尽重试记录失败: event=%s err=%v", rec.EventID, err)
	}
}

// updateQueueDepth 刷新待重试深度指标
func (c *Coordinator) updateQueueDepth(ctx context.Context) {
	n, err := c.repo.CountActive(ctx)
	if err != nil {
		return
	}
	metrics.SetRetryQueueDepth(float64(n))
}

// Stats 汇总运行统计
func (c *Coordinator) Stats(ctx context.Context) (*Statistics, error) {
	active, err := c.repo.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("统计PENDING记录失败: %w", err)
	}

	total := c.totalAttempts.Load()
	failed := c.failedAttempts.Load()
	rate := 0.0
	if total > 0 {
		rate = float64(failed) / float64(total)
	}

	return &Statistics{
		TotalAttempts:          total,
		TotalFailedEvents:      c.totalFailedEvents.Load(),
		TotalSuccessfulRetries: c.successfulRetries.Load(),
		ActiveRecords:          active,
		FailureRate:            rate,
	}, nil
}
