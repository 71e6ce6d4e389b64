package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"

	"gorm.io/gorm"

	"github.com/xiebiao/stockledger/internal/application/allocation"
	"github.com/xiebiao/stockledger/pkg/breaker"
)

// Product 商品目录只读模型
//
// 目录表由商品服务维护，本服务只读取补货策略字段，
// 所以不做AutoMigrate、不写入。
type Product struct {
	ID              uint   `gorm:"primaryKey"`
	SKU             string `gorm:"type:varchar(64)"`
	ReorderLevel    int
	ReorderQuantity int
}

// TableName 指定表名
func (Product) TableName() string {
	return "products"
}

// Reader 商品目录读取器（带熔断保护）
//
// 目录服务是外部协作方，查询失败不能拖垮分配主流程：
// 连续失败后熔断快速返回，由调用方退化到默认阈值。
type Reader struct {
	db *gorm.DB
	cb *breaker.Breaker
}

// NewReader 创建目录读取器
func NewReader(db *gorm.DB) *Reader {
	cb := breaker.New("catalog", breaker.Config{
		MaxRequests: 3,
	})
	cb.OnStateChange(func(name string, from, to breaker.State) {
		log.Printf("⚠️ 熔断器[%s]状态变更: %s → %s", name, from, to)
	})

	return &Reader{db: db, cb: cb}
}

// ReorderPolicy 查询商品补货策略
func (r *Reader) ReorderPolicy(ctx context.Context, productID uint) (*allocation.ReorderPolicy, error) {
	var product Product
	var notFound bool

	err := r.cb.Execute(func() error {
		err := r.db.WithContext(ctx).First(&product, productID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 商品不存在是业务结果，不算下游故障
			notFound = true
			return nil
		}
		return err
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpenState) {
			return nil, fmt.Errorf("目录服务熔断中: %w", err)
		}
		return nil, fmt.Errorf("查询商品目录失败: %w", err)
	}
	if notFound {
		return nil, fmt.Errorf("商品不存在: id=%d", productID)
	}

	return &allocation.ReorderPolicy{
		SKU:             product.SKU,
		ReorderLevel:    product.ReorderLevel,
		ReorderQuantity: product.ReorderQuantity,
	}, nil
}
