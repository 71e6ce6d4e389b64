// Package metrics 提供基于Prometheus的指标收集
//
// 指标类型速记：
//   - Counter：只增不减（分配总数、死信总数）
//   - Gauge：可增可减的瞬时值（待重试记录数）
//   - Histogram：观测值分布（事件投递耗时，自动算P50/P90/P99）
//
// 使用方式：程序启动时调用一次InitMetrics()注册全部指标，
// 再通过promhttp.Handler()暴露/metrics端点供Prometheus抓取。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// initialized 标记是否已初始化（防止重复注册panic）
	initialized bool

	// 分配引擎指标

	// AllocationsTotal 分配操作总数
	// 标签：operation（allocate/allocate_multi/release/reduce/adjust/transfer）、
	//       result（success/insufficient/invalid_state/conflict/error）
	AllocationsTotal *prometheus.CounterVec

	// ConflictRetriesTotal 乐观锁冲突重试总数
	ConflictRetriesTotal prometheus.Counter

	// MovementsRecordedTotal 流水写入总数
	// 标签：type（INBOUND/ALLOCATION/...）
	MovementsRecordedTotal *prometheus.CounterVec

	// 事件管道指标

	// EventsPublishedTotal 事件发布总数
	// 标签：type（事件类型）
	EventsPublishedTotal *prometheus.CounterVec

	// HandlerFailuresTotal 处理器首次投递失败总数
	// 标签：handler（处理器ID）
	HandlerFailuresTotal *prometheus.CounterVec

	// RetryAttemptsTotal 重试执行总数
	// 标签：result（success/failure/exhausted）
	RetryAttemptsTotal *prometheus.CounterVec

	// RetryQueueDepth 当前待重试记录数
	RetryQueueDepth prometheus.Gauge

	// DeadLettersTotal 死信写入总数
	// 标签：type（事件类型）
	DeadLettersTotal *prometheus.CounterVec

	// EventDeliveryDuration 处理器执行耗时（秒）
	EventDeliveryDuration prometheus.Histogram
)

// InitMetrics 初始化并注册所有指标（启动时调用一次）
func InitMetrics() {
	if initialized {
		return
	}
	initialized = true

	AllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockledger_allocations_total",
			Help: "分配引擎操作总数",
		},
		[]string{"operation", "result"},
	)

	ConflictRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stockledger_conflict_retries_total",
			Help: "乐观锁冲突重试总数",
		},
	)

	MovementsRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockledger_movements_recorded_total",
			Help: "库存流水写入总数",
		},
		[]string{"type"},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockledger_events_published_total",
			Help: "领域事件发布总数",
		},
		[]string{"type"},
	)

	HandlerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockledger_handler_failures_total",
			Help: "事件处理器首次投递失败总数",
		},
		[]string{"handler"},
	)

	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockledger_retry_attempts_total",
			Help: "事件重试执行总数",
		},
		[]string{"result"},
	)

	RetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockledger_retry_queue_depth",
			Help: "当前待重试记录数",
		},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockledger_dead_letters_total",
			Help: "死信写入总数",
		},
		[]string{"type"},
	)

	EventDeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "stockledger_event_delivery_duration_seconds",
			Help: "事件处理器执行耗时（秒）",
			// 处理器多为本地逻辑或一次对外调用，桶覆盖1ms到10s
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		},
	)
}

// IncAllocation 记录一次分配引擎操作结果
// 指标未初始化时为空操作（单元测试无需InitMetrics）
func IncAllocation(operation, result string) {
	if AllocationsTotal != nil {
		AllocationsTotal.WithLabelValues(operation, result).Inc()
	}
}

// IncConflictRetry 记录一次乐观锁冲突重试
func IncConflictRetry() {
	if ConflictRetriesTotal != nil {
		ConflictRetriesTotal.Inc()
	}
}

// IncMovement 记录一条流水写入
func IncMovement(movementType string) {
	if MovementsRecordedTotal != nil {
		MovementsRecordedTotal.WithLabelValues(movementType).Inc()
	}
}

// IncEventPublished 记录一次事件发布
func IncEventPublished(eventType string) {
	if EventsPublishedTotal != nil {
		EventsPublishedTotal.WithLabelValues(eventType).Inc()
	}
}

// IncHandlerFailure 记录一次处理器首次投递失败
func IncHandlerFailure(handler string) {
	if HandlerFailuresTotal != nil {
		HandlerFailuresTotal.WithLabelValues(handler).Inc()
	}
}

// IncRetryAttempt 记录一次重试执行结果
func IncRetryAttempt(result string) {
	if RetryAttemptsTotal != nil {
		RetryAttemptsTotal.WithLabelValues(result).Inc()
	}
}

// SetRetryQueueDepth 更新待重试记录数
func SetRetryQueueDepth(n float64) {
	if RetryQueueDepth != nil {
		RetryQueueDepth.Set(n)
	}
}

// IncDeadLetter 记录一次死信写入
func IncDeadLetter(eventType string) {
	if DeadLettersTotal != nil {
		DeadLettersTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveDelivery 记录一次处理器执行耗时
func ObserveDelivery(seconds float64) {
	if EventDeliveryDuration != nil {
		EventDeliveryDuration.Observe(seconds)
	}
}
