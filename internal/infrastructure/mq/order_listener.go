package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/xiebiao/stockledger/internal/application/allocation"
	"github.com/xiebiao/stockledger/internal/domain/ledger"
)

// 订单事件路由键（订单服务发布）
const (
	RoutingKeyOrderCreated   = "order.created"
	RoutingKeyOrderCancelled = "order.cancelled"
	RoutingKeyOrderShipped   = "order.shipped"
)

// OrderMessage 订单事件消息体
type OrderMessage struct {
	OrderID string      `json:"order_id"`
	Items   []OrderItem `json:"items"`
}

// OrderItem 订单条目
type OrderItem struct {
	ProductID uint `json:"product_id"`
	Quantity  int  `json:"quantity"`

	// Warehouse 指定仓库（为空时由分配引擎跨仓选择）
	Warehouse string `json:"warehouse,omitempty"`
}

// OrderListener 订单事件监听器
//
// 订阅订单服务的事件，驱动库存台账联动：
//
//	order.created   → 分配（预留）
//	order.cancelled → 释放预留
//	order.shipped   → 预留转出库扣减
//
// 取消与发货消息只携带订单号，预留落在哪些仓库
// 由该订单的ALLOCATION流水反推。
type OrderListener struct {
	engine    *allocation.Engine
	movements ledger.MovementRepository
}

// NewOrderListener 创建订单事件监听器
func NewOrderListener(engine *allocation.Engine, movements ledger.MovementRepository) *OrderListener {
	return &OrderListener{engine: engine, movements: movements}
}

// RoutingKeys 监听器订阅的路由键
func (l *OrderListener) RoutingKeys() []string {
	return []string{
		RoutingKeyOrderCreated,
		RoutingKeyOrderCancelled,
		RoutingKeyOrderShipped,
	}
}

// Handle 处理一条订单事件
//
// 返回错误会导致消息Nack重新入队，因此业务性失败
// （库存不足、状态非法）只记日志并确认消息，
// 只有基础设施错误才要求重新投递。
func (l *OrderListener) Handle(ctx context.Context, routingKey string, body []byte) error {
	var msg OrderMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Printf("❌ 订单消息解析失败: RoutingKey=%s err=%v，消息丢弃", routingKey, err)
		return nil
	}
	if msg.OrderID == "" || len(msg.Items) == 0 {
		log.Printf("❌ 订单消息字段缺失: RoutingKey=%s body=%s，消息丢弃", routingKey, string(body))
		return nil
	}

	switch routingKey {
	case RoutingKeyOrderCreated:
		return l.handleCreated(ctx, &msg)
	case RoutingKeyOrderCancelled:
		return l.handleCancelled(ctx, &msg)
	case RoutingKeyOrderShipped:
		return l.handleShipped(ctx, &msg)
	default:
		log.Printf("⚠️ 未知路由键: %s，消息丢弃", routingKey)
		return nil
	}
}

// handleCreated 订单创建：逐条目预留库存
func (l *OrderListener) handleCreated(ctx context.Context, msg *OrderMessage) error {
	for _, item := range msg.Items {
		var err error
		if item.Warehouse != "" {
			_, err = l.engine.Allocate(ctx, item.ProductID, item.Warehouse, item.Quantity, msg.OrderID)
		} else {
			_, err = l.engine.AllocateAcrossWarehouses(ctx, item.ProductID, item.Quantity, msg.OrderID)
		}
		if err != nil {
			if isBusinessError(err) {
				log.Printf("❌ 订单预留失败: 订单=%s 商品=%d err=%v", msg.OrderID, item.ProductID, err)
				continue
			}
			return fmt.Errorf("订单预留失败: 订单=%s 商品=%d: %w", msg.OrderID, item.ProductID, err)
		}
	}
	return nil
}

// handleCancelled 订单取消：按流水反推预留位置并释放
func (l *OrderListener) handleCancelled(ctx context.Context, msg *OrderMessage) error {
	return l.forEachOutstanding(ctx, msg.OrderID, func(productID uint, warehouse string, quantity int) error {
		_, err := l.engine.Release(ctx, productID, warehouse, quantity, msg.OrderID)
		return err
	})
}

// handleShipped 订单发货：预留转出库扣减
func (l *OrderListener) handleShipped(ctx context.Context, msg *OrderMessage) error {
	return l.forEachOutstanding(ctx, msg.OrderID, func(productID uint, warehouse string, quantity int) error {
		_, err := l.engine.ReduceFromAllocation(ctx, productID, warehouse, quantity, msg.OrderID)
		return err
	})
}

// forEachOutstanding 对订单的每笔未了结预留执行fn
//
// 未了结数量 = ALLOCATION之和 - |RELEASE之和| - |SALE之和|，
// 按(商品, 仓库)汇总。重复投递的取消/发货消息算出的
// 未了结数量为0，自然幂等。
func (l *OrderListener) forEachOutstanding(ctx context.Context, orderID string, fn func(productID uint, warehouse string, quantity int) error) error {
	movements, err := l.movements.ListByReference(ctx, ledger.ReferenceTypeOrder, orderID)
	if err != nil {
		return fmt.Errorf("查询订单流水失败: 订单=%s: %w", orderID, err)
	}

	type slot struct {
		productID uint
		warehouse string
	}
	outstanding := make(map[slot]int)
	for _, m := range movements {
		key := slot{m.ProductID, m.Warehouse}
		switch m.MovementType {
		case ledger.MovementAllocation:
			outstanding[key] += m.Quantity
		case ledger.MovementRelease, ledger.MovementSale:
			// 两者的Quantity均为负
			outstanding[key] += m.Quantity
		}
	}

	for key, quantity := range outstanding {
		if quantity <= 0 {
			continue
		}
		if err := fn(key.productID, key.warehouse, quantity); err != nil {
			if isBusinessError(err) {
				log.Printf("❌ 订单预留了结失败: 订单=%s 商品=%d 仓库=%s err=%v",
					orderID, key.productID, key.warehouse, err)
				continue
			}
			return err
		}
	}
	return nil
}

// isBusinessError 业务性失败（重投不可能成功，确认消息即可）
func isBusinessError(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientStock) ||
		errors.Is(err, ledger.ErrInvalidState) ||
		errors.Is(err, ledger.ErrInvalidQuantity) ||
		errors.Is(err, ledger.ErrInvalidProductID) ||
		errors.Is(err, ledger.ErrInvalidWarehouse)
}
