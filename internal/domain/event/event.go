package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type 领域事件类型
type Type string

const (
	// TypeStockUpdated 在库数量发生变化（入库、出库、盘点、调拨、销售）
	TypeStockUpdated Type = "STOCK_UPDATED"

	// TypeLowStock 可用数量到达或跌破补货阈值
	TypeLowStock Type = "LOW_STOCK"

	// TypeInventoryAllocated 库存分配成功
	TypeInventoryAllocated Type = "INVENTORY_ALLOCATED"

	// TypeInventoryReleased 预留库存被释放
	TypeInventoryReleased Type = "INVENTORY_RELEASED"
)

// 当前事件负载版本号，负载结构不兼容变更时递增
const payloadVersion = 1

// DomainEvent 领域事件信封
//
// 设计要点：
//  1. 事件在台账事务提交之后创建（fire-after-commit）
//  2. 投递语义为at-least-once，消费方必须按EventID幂等
//  3. Payload为JSON（重试记录与死信持久化时直接落库）
type DomainEvent struct {
	// 全局唯一事件ID（消费方幂等去重键）
	EventID string `json:"event_id"`

	// 事件类型
	EventType Type `json:"event_type"`

	// 负载版本号
	EventVersion int `json:"event_version"`

	// 事件负载（JSON）
	Payload json.RawMessage `json:"payload"`

	// 事件产生时间
	EmittedAt time.Time `json:"emitted_at"`
}

// StockUpdatedPayload 在库变化事件负载
type StockUpdatedPayload struct {
	ProductID       uint   `json:"product_id"`
	Warehouse       string `json:"warehouse"`
	BeforeOnHand    int    `json:"before_on_hand"`
	AfterOnHand     int    `json:"after_on_hand"`
	BeforeAllocated int    `json:"before_allocated"`
	AfterAllocated  int    `json:"after_allocated"`
	Reason          string `json:"reason,omitempty"`
	ReferenceID     string `json:"reference_id,omitempty"`
}

// LowStockPayload 低库存告警事件负载
type LowStockPayload struct {
	ProductID       uint   `json:"product_id"`
	Warehouse       string `json:"warehouse"`
	Available       int    `json:"available"`
	ReorderLevel    int    `json:"reorder_level"`
	ReorderQuantity int    `json:"reorder_quantity"`
}

// AllocationPayload 分配/释放事件负载
type AllocationPayload struct {
	ProductID   uint   `json:"product_id"`
	Warehouse   string `json:"warehouse"`
	Quantity    int    `json:"quantity"`
	Available   int    `json:"available"` // 操作完成后的可用数量
	ReferenceID string `json:"reference_id"`
}

// New 创建领域事件（负载序列化为JSON）
func New(eventType Type, payload interface{}) (*DomainEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("事件负载序列化失败: %w", err)
	}

	return &DomainEvent{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		EventVersion: payloadVersion,
		Payload:      body,
		EmittedAt:    time.Now(),
	}, nil
}

// DecodePayload 反序列化事件负载到目标结构
func (e *DomainEvent) DecodePayload(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("事件负载解析失败: %w", err)
	}
	return nil
}
