// Package allocation 实现库存分配引擎
//
// 分配引擎是台账的唯一业务入口：每个操作包装一次或多次台账变更，
// 外加一次事件发布与缓存失效。业务校验（库存够不够、能不能释放）
// 在这里完成，台账只复核不变量。
//
// 并发语义：台账采用乐观锁，并发写入者竞争提交，失败方由引擎
// 重读重算后重试（有限次），耗尽后作为瞬时错误上抛，绝不无限重试。
package allocation

import (
	"context"
	"errors"
	"log"

	appledger "github.com/xiebiao/stockledger/internal/application/ledger"
	"github.com/xiebiao/stockledger/internal/domain/event"
	"github.com/xiebiao/stockledger/internal/domain/ledger"
	"github.com/xiebiao/stockledger/pkg/metrics"
)

// 乐观锁冲突重试上限
// 高争用下几轮重试足以收敛，再多说明需要调用方退避
const defaultMaxConflictRetries = 3

// ErrTooManyConflicts 并发冲突重试次数耗尽（瞬时错误，调用方可稍后再试）
var ErrTooManyConflicts = errors.New("并发冲突重试次数耗尽")

// ReorderPolicy 商品补货策略（来自目录服务，读时获取，不冗余存储）
type ReorderPolicy struct {
	SKU             string
	ReorderLevel    int
	ReorderQuantity int
}

// CatalogReader 目录服务只读接口（外部协作方）
type CatalogReader interface {
	ReorderPolicy(ctx context.Context, productID uint) (*ReorderPolicy, error)
}

// StockCache 可用库存缓存接口
//
// 缓存只是加速读路径的旁路，永远不是数据源头。
// 写失败只记日志，不影响台账操作结果。
type StockCache interface {
	// SetAvailable 刷新(商品, 仓库)的可用数量
	SetAvailable(ctx context.Context, productID uint, warehouse string, available int) error

	// InvalidateProduct 删除商品级汇总缓存
	InvalidateProduct(ctx context.Context, productID uint) error
}

// Publisher 事件发布接口（提交后调用，失败不回滚台账）
type Publisher interface {
	Publish(ctx context.Context, evt *event.DomainEvent)
}

// Engine 库存分配引擎
type Engine struct {
	ledger    *appledger.Service
	records   ledger.RecordRepository
	catalog   CatalogReader
	cache     StockCache
	publisher Publisher

	maxRetries int
	// defaultReorderLevel 目录服务不可用时的低库存判断兜底阈值
	defaultReorderLevel int
}

// Option Engine可选配置
type Option func(*Engine)

// WithMaxConflictRetries 设置乐观锁冲突重试上限
func WithMaxConflictRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithDefaultReorderLevel 设置目录服务降级时的兜底补货阈值
func WithDefaultReorderLevel(level int) Option {
	return func(e *Engine) {
		if level >= 0 {
			e.defaultReorderLevel = level
		}
	}
}

// NewEngine 创建分配引擎
func NewEngine(
	ledgerSvc *appledger.Service,
	records ledger.RecordRepository,
	catalog CatalogReader,
	cache StockCache,
	publisher Publisher,
	opts ...Option,
) *Engine {
	e := &Engine{
		ledger:              ledgerSvc,
		records:             records,
		catalog:             catalog,
		cache:               cache,
		publisher:           publisher,
		maxRetries:          defaultMaxConflictRetries,
		defaultReorderLevel: 0,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// withConflictRetry 带冲突重试地执行一次"读-算-写"决策
//
// fn每次被调用都必须重新读取记录、重新计算、重新提交
// （老版本号注定失败，重交没有意义）。
// 业务错误（库存不足等）直接透传，不重试。
func (e *Engine) withConflictRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ledger.ErrVersionConflict) {
			return err
		}
		metrics.IncConflictRetry()
	}
	return ErrTooManyConflicts
}

// resultLabel 错误到指标result标签的映射
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ledger.ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, ledger.ErrInvalidState), errors.Is(err, ledger.ErrInvalidQuantity):
		return "invalid_state"
	case errors.Is(err, ErrTooManyConflicts):
		return "conflict"
	default:
		return "error"
	}
}

// publish 发布事件并计数
func (e *Engine) publish(ctx context.Context, eventType event.Type, payload interface{}) {
	evt, err := event.New(eventType, payload)
	if err != nil {
		// 负载都是本包构造的结构体，序列化失败属于缺陷
		log.Printf("❌ 构造领域事件失败: type=%s err=%v", eventType, err)
		return
	}
	metrics.IncEventPublished(string(eventType))
	e.publisher.Publish(ctx, evt)
}

// refreshCache 台账变更成功后刷新缓存（尽力而为）
func (e *Engine) refreshCache(ctx context.Context, rec *ledger.InventoryRecord) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetAvailable(ctx, rec.ProductID, rec.Warehouse, rec.Available()); err != nil {
		log.Printf("⚠️ 刷新库存缓存失败: 商品=%d 仓库=%s err=%v", rec.ProductID, rec.Warehouse, err)
	}
	if err := e.cache.InvalidateProduct(ctx, rec.ProductID); err != nil {
		log.Printf("⚠️ 失效商品缓存失败: 商品=%d err=%v", rec.ProductID, err)
	}
}

// reorderPolicy 获取补货策略，目录服务不可用时降级为兜底阈值
func (e *Engine) reorderPolicy(ctx context.Context, productID uint) *ReorderPolicy {
	if e.catalog == nil {
		return &ReorderPolicy{ReorderLevel: e.defaultReorderLevel}
	}
	policy, err := e.catalog.ReorderPolicy(ctx, productID)
	if err != nil {
		log.Printf("⚠️ 查询补货策略失败（使用兜底阈值%d）: 商品=%d err=%v",
			e.defaultReorderLevel, productID, err)
		return &ReorderPolicy{ReorderLevel: e.defaultReorderLevel}
	}
	return policy
}

// checkLowStock 可用数量下降后检查低库存并发布告警事件
func (e *Engine) checkLowStock(ctx context.Context, rec *ledger.InventoryRecord) {
	policy := e.reorderPolicy(ctx, rec.ProductID)
	if !rec.IsLowStock(policy.ReorderLevel) {
		return
	}
	e.publish(ctx, event.TypeLowStock, event.LowStockPayload{
		ProductID:       rec.ProductID,
		Warehouse:       rec.Warehouse,
		Available:       rec.Available(),
		ReorderLevel:    policy.ReorderLevel,
		ReorderQuantity: policy.ReorderQuantity,
	})
}

// emitStockUpdated 发布在库变化事件
func (e *Engine) emitStockUpdated(ctx context.Context, before, after *ledger.InventoryRecord, reason, referenceID string) {
	e.publish(ctx, event.TypeStockUpdated, event.StockUpdatedPayload{
		ProductID:       after.ProductID,
		Warehouse:       after.Warehouse,
		BeforeOnHand:    before.QuantityOnHand,
		AfterOnHand:     after.QuantityOnHand,
		BeforeAllocated: before.QuantityAllocated,
		AfterAllocated:  after.QuantityAllocated,
		Reason:          reason,
		ReferenceID:     referenceID,
	})
}
