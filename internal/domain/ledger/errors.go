package ledger

import (
	"errors"
	"fmt"
)

// 领域错误定义
//
// 错误分类（决定调用方的处理策略）：
//  1. 业务结果（ErrInsufficientStock、ErrInvalidState）：
//     预期内的正常分支，原样返回给调用方，不记error日志、不重试
//  2. 并发冲突（ErrVersionConflict）：
//     乐观锁版本过期，由分配引擎有限次重试（重读+重算），耗尽后作为瞬时错误上抛
//  3. 不变量违反（ErrInvariantViolation）：
//     属于缺陷（上游校验缺失），高等级日志记录，立即失败，不重试
var (
	// 参数错误
	ErrInvalidProductID = errors.New("无效的商品ID")
	ErrInvalidWarehouse = errors.New("无效的仓库标识")
	ErrInvalidQuantity  = errors.New("无效的变更数量")

	// 业务错误
	ErrInsufficientStock = errors.New("可用库存不足")
	ErrInvalidState      = errors.New("库存状态不允许该操作")
	ErrRecordNotFound    = errors.New("库存记录不存在")

	// 并发冲突（乐观锁版本过期）
	ErrVersionConflict = errors.New("库存版本冲突")

	// 不变量违反（台账最后防线，出现即为缺陷）
	ErrInvariantViolation = errors.New("库存不变量被违反")
)

// InsufficientStockError 库存不足（携带请求量与可用量）
//
// errors.Is(err, ErrInsufficientStock) 可匹配此类型，
// 调用方需要具体数字时再用errors.As提取。
type InsufficientStockError struct {
	ProductID uint
	Requested int
	Available int
}

// Error 实现error接口
func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("可用库存不足: 商品=%d 请求=%d 可用=%d", e.ProductID, e.Requested, e.Available)
}

// Is 支持errors.Is哨兵匹配
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// NewInsufficientStockError 创建库存不足错误
func NewInsufficientStockError(productID uint, requested, available int) error {
	return &InsufficientStockError{
		ProductID: productID,
		Requested: requested,
		Available: available,
	}
}
