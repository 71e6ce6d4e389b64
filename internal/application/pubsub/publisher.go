// Package pubsub 实现领域事件的发布与投递管道
//
// 投递链路：
//
//	台账提交 → Publisher同步调用各处理器（注册顺序）
//	          → 失败的(事件, 处理器)移交Retry Coordinator
//	          → 重试耗尽进入Dead Letter Store
//
// 关键语义：
//   - 事件在台账事务提交之后发布：处理器失败绝不回滚台账
//   - at-least-once投递，处理器必须按event_id幂等
//   - 处理器错误对原始调用方不可见（隔离到重试/死信管道）
package pubsub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/xiebiao/stockledger/internal/domain/event"
	"github.com/xiebiao/stockledger/pkg/metrics"
)

// Handler 事件处理器接口
//
// ID用于重试/死信记录定位处理器，必须全局唯一且跨进程重启稳定
// （重试记录落库后要靠它找回处理器实例）。
type Handler interface {
	ID() string
	Handle(ctx context.Context, evt *event.DomainEvent) error
}

// HandlerFunc 函数适配器
type HandlerFunc struct {
	HandlerID string
	Fn        func(ctx context.Context, evt *event.DomainEvent) error
}

// ID 实现Handler接口
func (h HandlerFunc) ID() string { return h.HandlerID }

// Handle 实现Handler接口
func (h HandlerFunc) Handle(ctx context.Context, evt *event.DomainEvent) error {
	return h.Fn(ctx, evt)
}

// Registry 事件处理器注册表
//
// 进程启动时完成注册，随后Freeze冻结为只读。
// 冻结后注册返回ErrRegistryFrozen——显式的进程级状态，
// 避免运行期动态改注册表带来的并发问题。
type Registry struct {
	mu       sync.RWMutex
	frozen   bool
	handlers map[event.Type][]Handler
	byID     map[string]Handler
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[event.Type][]Handler),
		byID:     make(map[string]Handler),
	}
}

// Register 按事件类型注册处理器（投递顺序 = 注册顺序）
func (r *Registry) Register(eventType event.Type, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return event.ErrRegistryFrozen
	}

	r.handlers[eventType] = append(r.handlers[eventType], h)
	r.byID[h.ID()] = h
	return nil
}

// Freeze 冻结注册表（启动完成后调用）
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// HandlersFor 获取某事件类型的全部处理器（注册顺序）
func (r *Registry) HandlersFor(eventType event.Type) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[eventType]
}

// Lookup 按ID查找处理器（重试调度用）
func (r *Registry) Lookup(handlerID string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byID[handlerID]
	return h, ok
}

// Publisher 事件发布器
type Publisher struct {
	registry *Registry
	retry    *Coordinator
}

// NewPublisher 创建事件发布器
func NewPublisher(registry *Registry, retry *Coordinator) *Publisher {
	return &Publisher{
		registry: registry,
		retry:    retry,
	}
}

// Publish 同步投递事件到全部已注册处理器
//
// 处理器失败时：记日志 + 移交重试协调器，继续投递后续处理器，
// 永不向调用方抛错（台账已提交，通知失败是管道自己的事）。
func (p *Publisher) Publish(ctx context.Context, evt *event.DomainEvent) {
	for _, h := range p.registry.HandlersFor(evt.EventType) {
		start := time.Now()
		err := h.Handle(ctx, evt)
		metrics.ObserveDelivery(time.Since(start).Seconds())

		if err != nil {
			log.Printf("⚠️ 事件处理失败（进入重试）: event=%s type=%s handler=%s err=%v",
				evt.EventID, evt.EventType, h.ID(), err)
			metrics.IncHandlerFailure(h.ID())
			if p.retry != nil {
				p.retry.Report(ctx, evt, h.ID(), err)
			}
		}
	}
}
