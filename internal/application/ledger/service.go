// Package ledger 实现库存台账服务：唯一的数量变更权威。
//
// 职责边界：
//   - GetOrCreate：(商品, 仓库)记录惰性创建，"不存在"等价于全零状态
//   - Mutate：原子应用在库/已分配两个delta，复核不变量，乐观锁提交，
//     并在同一事务内写入流水
//
// 台账不做业务校验（库存够不够、能不能释放），那是分配引擎的职责；
// 台账只守不变量这条最后防线。
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/xiebiao/stockledger/internal/domain/ledger"
)

// Transactor 事务执行器接口
//
// MySQL实现将事务DB注入context，仓储方法自动加入同一事务；
// 内存实现（测试）直接执行fn。
type Transactor interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service 库存台账服务
type Service struct {
	records   ledger.RecordRepository
	movements ledger.MovementRepository
	tx        Transactor
}

// NewService 创建台账服务
func NewService(records ledger.RecordRepository, movements ledger.MovementRepository, tx Transactor) *Service {
	return &Service{
		records:   records,
		movements: movements,
		tx:        tx,
	}
}

// GetOrCreate 获取台账记录，不存在时惰性创建全零记录
//
// "记录不存在"不是错误：任何(商品, 仓库)组合首次被引用时
// 自动建立全零台账。并发创建撞唯一索引时回退为重读。
func (s *Service) GetOrCreate(ctx context.Context, productID uint, warehouse string) (*ledger.InventoryRecord, error) {
	if productID == 0 {
		return nil, ledger.ErrInvalidProductID
	}
	if warehouse == "" {
		return nil, ledger.ErrInvalidWarehouse
	}

	rec, err := s.records.Get(ctx, productID, warehouse)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ledger.ErrRecordNotFound) {
		return nil, err
	}

	rec = &ledger.InventoryRecord{
		ProductID: productID,
		Warehouse: warehouse,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		// 并发创建：另一个写入者先建好了，重读即可
		if existing, getErr := s.records.Get(ctx, productID, warehouse); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("创建库存记录失败: %w", err)
	}

	return rec, nil
}

// Mutation 一次台账变更请求
type Mutation struct {
	ProductID       uint
	Warehouse       string
	OnHandDelta     int
	AllocatedDelta  int
	ExpectedVersion int
	// Movement 与本次变更同事务写入的流水（必填）
	Movement *ledger.StockMovement
	// Counted 盘点类操作置true，刷新last_counted_at
	Counted bool
}

// Mutate 原子应用一次台账变更
//
// 执行顺序：
//  1. 读当前记录（不存在则惰性创建）
//  2. 在内存副本上应用delta并校验不变量
//  3. 事务内：乐观锁更新台账 + 写入流水
//
// 失败语义：
//   - ErrVersionConflict：expectedVersion过期，调用方必须重读后重做整个决策
//   - ErrInvariantViolation：缺陷级失败，高等级日志，不重试
func (s *Service) Mutate(ctx context.Context, m Mutation) (*ledger.InventoryRecord, error) {
	if m.Movement == nil || !m.Movement.MovementType.Valid() {
		return nil, ledger.ErrInvalidQuantity
	}

	rec, err := s.GetOrCreate(ctx, m.ProductID, m.Warehouse)
	if err != nil {
		return nil, err
	}

	// 调用方基于旧读数做的决策已经失效，在这里拦下，
	// 避免进数据库后才发现版本过期
	if rec.Version != m.ExpectedVersion {
		return nil, ledger.ErrVersionConflict
	}

	updated := *rec
	if err := updated.ApplyDelta(m.OnHandDelta, m.AllocatedDelta); err != nil {
		// 不变量违反属于上游缺陷，必须留下高可见度日志
		log.Printf("❌ 库存不变量违反: 商品=%d 仓库=%s on_hand=%d(%+d) allocated=%d(%+d)",
			m.ProductID, m.Warehouse,
			rec.QuantityOnHand, m.OnHandDelta,
			rec.QuantityAllocated, m.AllocatedDelta)
		return nil, err
	}

	if m.Counted {
		now := time.Now()
		updated.LastCountedAt = &now
	}

	err = s.tx.Transaction(ctx, func(txCtx context.Context) error {
		if err := s.records.UpdateWithVersion(txCtx, &updated, m.ExpectedVersion); err != nil {
			return err
		}
		return s.movements.Create(txCtx, m.Movement)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrVersionConflict) {
			return nil, ledger.ErrVersionConflict
		}
		return nil, fmt.Errorf("提交库存变更失败: %w", err)
	}

	updated.Version = m.ExpectedVersion + 1
	return &updated, nil
}
