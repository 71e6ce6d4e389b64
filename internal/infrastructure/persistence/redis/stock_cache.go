package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// 可用数量缓存TTL
//
// 缓存是读路径的旁路加速，MySQL台账才是数据源头。
// 写路径每次变更后主动刷新，TTL只兜底刷新遗漏的场景。
const availableTTL = 10 * time.Minute

// StockCache Redis可用数量缓存
//
// Key设计：
//   - stock:{product_id}:{warehouse}：单仓可用数量
//   - stock:{product_id}：商品级汇总（由查询侧按需回填，写侧只负责失效）
type StockCache struct {
	client *redis.Client
}

// NewStockCache 创建库存缓存实例
func NewStockCache(client *redis.Client) *StockCache {
	return &StockCache{client: client}
}

// SetAvailable 刷新(商品, 仓库)的可用数量
func (c *StockCache) SetAvailable(ctx context.Context, productID uint, warehouse string, available int) error {
	key := c.warehouseKey(productID, warehouse)

	if err := c.client.Set(ctx, key, available, availableTTL).Err(); err != nil {
		return fmt.Errorf("写入库存缓存失败: %w", err)
	}

	return nil
}

// GetAvailable 读取缓存的可用数量，未命中返回(0, false, nil)
func (c *StockCache) GetAvailable(ctx context.Context, productID uint, warehouse string) (int, bool, error) {
	key := c.warehouseKey(productID, warehouse)

	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("读取库存缓存失败: %w", err)
	}

	available, err := strconv.Atoi(val)
	if err != nil {
		// 脏数据当未命中处理，回源后会被覆盖
		return 0, false, nil
	}

	return available, true, nil
}

// InvalidateProduct 删除商品级汇总缓存
func (c *StockCache) InvalidateProduct(ctx context.Context, productID uint) error {
	if err := c.client.Del(ctx, c.productKey(productID)).Err(); err != nil {
		return fmt.Errorf("失效商品缓存失败: %w", err)
	}

	return nil
}

// Invalidate 删除单仓缓存（用于测试和运维修复）
func (c *StockCache) Invalidate(ctx context.Context, productID uint, warehouse string) error {
	return c.client.Del(ctx, c.warehouseKey(productID, warehouse)).Err()
}

// warehouseKey 格式：stock:{product_id}:{warehouse}
func (c *StockCache) warehouseKey(productID uint, warehouse string) string {
	return fmt.Sprintf("stock:%d:%s", productID, warehouse)
}

// productKey 格式：stock:{product_id}
func (c *StockCache) productKey(productID uint) string {
	return fmt.Sprintf("stock:%d", productID)
}
