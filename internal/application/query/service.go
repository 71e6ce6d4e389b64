// Package query 实现库存读侧查询
//
// 只读不写：单仓记录、跨仓汇总视图、低库存告警列表、流水历史。
// 可用数量优先走Redis缓存，未命中回源MySQL（缓存只是旁路）。
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/xiebiao/stockledger/internal/application/allocation"
	"github.com/xiebiao/stockledger/internal/domain/ledger"
)

// AvailabilityCache 可用数量缓存读接口
type AvailabilityCache interface {
	// GetAvailable 读取缓存的可用数量，未命中返回(0, false, nil)
	GetAvailable(ctx context.Context, productID uint, warehouse string) (int, bool, error)
}

// Service 库存查询服务
type Service struct {
	records   ledger.RecordRepository
	movements ledger.MovementRepository
	catalog   allocation.CatalogReader
	cache     AvailabilityCache
}

// NewService 创建查询服务
func NewService(
	records ledger.RecordRepository,
	movements ledger.MovementRepository,
	catalog allocation.CatalogReader,
	cache AvailabilityCache,
) *Service {
	return &Service{
		records:   records,
		movements: movements,
		catalog:   catalog,
		cache:     cache,
	}
}

// RecordView 单仓库存视图
type RecordView struct {
	ProductID         uint   `json:"product_id"`
	Warehouse         string `json:"warehouse"`
	QuantityOnHand    int    `json:"quantity_on_hand"`
	QuantityAllocated int    `json:"quantity_allocated"`
	QuantityAvailable int    `json:"quantity_available"`
	ReorderLevel      int    `json:"reorder_level"`
	ReorderQuantity   int    `json:"reorder_quantity"`
	Version           int    `json:"version"`
}

// Record 查询(商品, 仓库)的当前库存
//
// 补货阈值来自目录服务（读时获取，台账不冗余存储）。
// 记录不存在返回全零视图（与台账惰性创建语义一致）。
func (s *Service) Record(ctx context.Context, productID uint, warehouse string) (*RecordView, error) {
	rec, err := s.records.Get(ctx, productID, warehouse)
	if err != nil {
		if errors.Is(err, ledger.ErrRecordNotFound) {
			rec = &ledger.InventoryRecord{ProductID: productID, Warehouse: warehouse}
		} else {
			return nil, fmt.Errorf("查询库存记录失败: %w", err)
		}
	}

	view := &RecordView{
		ProductID:         rec.ProductID,
		Warehouse:         rec.Warehouse,
		QuantityOnHand:    rec.QuantityOnHand,
		QuantityAllocated: rec.QuantityAllocated,
		QuantityAvailable: rec.Available(),
		Version:           rec.Version,
	}

	if s.catalog != nil {
		if policy, err := s.catalog.ReorderPolicy(ctx, productID); err == nil {
			view.ReorderLevel = policy.ReorderLevel
			view.ReorderQuantity = policy.ReorderQuantity
		}
	}

	return view, nil
}

// Available 查询可用数量（缓存优先，未命中回源）
func (s *Service) Available(ctx context.Context, productID uint, warehouse string) (int, error) {
	if s.cache != nil {
		if n, ok, err := s.cache.GetAvailable(ctx, productID, warehouse); err == nil && ok {
			return n, nil
		}
	}

	rec, err := s.records.Get(ctx, productID, warehouse)
	if err != nil {
		if errors.Is(err, ledger.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("查询库存记录失败: %w", err)
	}
	return rec.Available(), nil
}

// ConsolidatedView 跨仓汇总视图
type ConsolidatedView struct {
	ProductID      uint         `json:"product_id"`
	TotalOnHand    int          `json:"total_on_hand"`
	TotalAllocated int          `json:"total_allocated"`
	TotalAvailable int          `json:"total_available"`
	Warehouses     []RecordView `json:"warehouses"`
}

// Consolidated 查询商品跨全部仓库的汇总视图（仓库按名称排序）
func (s *Service) Consolidated(ctx context.Context, productID uint) (*ConsolidatedView, error) {
	records, err := s.records.ListByProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("查询多仓库存失败: %w", err)
	}

	view := &ConsolidatedView{ProductID: productID}
	for _, rec := range records {
		view.TotalOnHand += rec.QuantityOnHand
		view.TotalAllocated += rec.QuantityAllocated
		view.TotalAvailable += rec.Available()
		view.Warehouses = append(view.Warehouses, RecordView{
			ProductID:         rec.ProductID,
			Warehouse:         rec.Warehouse,
			QuantityOnHand:    rec.QuantityOnHand,
			QuantityAllocated: rec.QuantityAllocated,
			QuantityAvailable: rec.Available(),
			Version:           rec.Version,
		})
	}

	sort.Slice(view.Warehouses, func(i, j int) bool {
		return view.Warehouses[i].Warehouse < view.Warehouses[j].Warehouse
	})

	return view, nil
}

// LowStockAlert 低库存告警条目
type LowStockAlert struct {
	ProductID       uint   `json:"product_id"`
	SKU             string `json:"sku,omitempty"`
	Warehouse       string `json:"warehouse"`
	Available       int    `json:"available"`
	ReorderLevel    int    `json:"reorder_level"`
	ReorderQuantity int    `json:"reorder_quantity"`
}

// LowStockList 巡检全部台账记录，返回可用数量到达补货阈值的条目
//
// 阈值按商品从目录服务读取；目录查询失败的商品跳过
// （告警列表宁缺毋错，失败在引擎的降级日志里可见）。
func (s *Service) LowStockList(ctx context.Context) ([]LowStockAlert, error) {
	records, err := s.records.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取台账记录失败: %w", err)
	}

	// 同商品多仓记录共享一次目录查询
	policies := make(map[uint]*allocation.ReorderPolicy)
	alerts := make([]LowStockAlert, 0)

	for _, rec := range records {
		policy, ok := policies[rec.ProductID]
		if !ok {
			if s.catalog == nil {
				continue
			}
			p, err := s.catalog.ReorderPolicy(ctx, rec.ProductID)
			if err != nil {
				continue
			}
			policy = p
			policies[rec.ProductID] = p
		}

		if rec.IsLowStock(policy.ReorderLevel) {
			alerts = append(alerts, LowStockAlert{
				ProductID:       rec.ProductID,
				SKU:             policy.SKU,
				Warehouse:       rec.Warehouse,
				Available:       rec.Available(),
				ReorderLevel:    policy.ReorderLevel,
				ReorderQuantity: policy.ReorderQuantity,
			})
		}
	}

	return alerts, nil
}

// Movements 按条件分页查询流水历史
func (s *Service) Movements(ctx context.Context, filter ledger.MovementFilter, page, pageSize int) ([]*ledger.StockMovement, int64, error) {
	return s.movements.List(ctx, filter, page, pageSize)
}

// MovementsByReference 查询关联某业务单据的全部流水
func (s *Service) MovementsByReference(ctx context.Context, referenceType, referenceID string) ([]*ledger.StockMovement, error) {
	return s.movements.ListByReference(ctx, referenceType, referenceID)
}
