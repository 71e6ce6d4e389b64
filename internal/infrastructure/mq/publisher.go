// Package mq 将领域事件桥接到RabbitMQ
//
// 进程内事件总线负责本服务自身的联动（缓存刷新、低库存检测），
// RabbitMQ负责跨服务广播：桥接处理器作为普通事件处理器注册，
// 投递失败同样走重试协调器，与进程内处理器共享一套可靠性机制。
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xiebiao/stockledger/internal/domain/event"
)

// Publisher RabbitMQ消息发布者
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewPublisher 创建消息发布者并声明Topic Exchange
//
// Exchange持久化（Durable），RabbitMQ重启后不丢失声明。
func NewPublisher(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("连接RabbitMQ失败: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建Channel失败: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange, // Exchange名称
		"topic",  // 类型
		true,     // Durable
		false,    // AutoDelete
		false,    // Internal
		false,    // NoWait
		nil,      // Arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("声明Exchange失败: %w", err)
	}

	log.Printf("✅ 消息发布者已创建: Exchange=%s, Type=topic", exchange)

	return &Publisher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
	}, nil
}

// Publish 发布消息
//
// 消息持久化（DeliveryMode=Persistent），确保RabbitMQ重启后不丢失。
func (p *Publisher) Publish(ctx context.Context, routingKey string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("消息序列化失败: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange, // Exchange
		routingKey, // Routing Key
		false,      // Mandatory
		false,      // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("发布消息失败: %w", err)
	}

	log.Printf("📤 消息已发布: RoutingKey=%s, Body=%s", routingKey, string(body))
	return nil
}

// Close 关闭发布者
func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}

// BridgeHandlerID 桥接处理器的注册ID
const BridgeHandlerID = "rabbitmq-bridge"

// Bridge 事件桥接处理器
//
// 实现pubsub.Handler：把领域事件整个信封转发到RabbitMQ，
// 路由键按事件类型派生（stock.updated、stock.low等），
// 下游消费方可用stock.*订阅全部库存事件。
type Bridge struct {
	publisher *Publisher
}

// NewBridge 创建事件桥接处理器
func NewBridge(publisher *Publisher) *Bridge {
	return &Bridge{publisher: publisher}
}

// ID 处理器标识（重试记录按此区分处理器）
func (b *Bridge) ID() string {
	return BridgeHandlerID
}

// Handle 转发事件到RabbitMQ
//
// 返回错误时由重试协调器接管，按退避重新投递。
func (b *Bridge) Handle(ctx context.Context, evt *event.DomainEvent) error {
	return b.publisher.Publish(ctx, RoutingKey(evt.EventType), evt)
}

// RoutingKey 事件类型到路由键的映射
func RoutingKey(eventType event.Type) string {
	switch eventType {
	case event.TypeStockUpdated:
		return "stock.updated"
	case event.TypeLowStock:
		return "stock.low"
	case event.TypeInventoryAllocated:
		return "stock.allocated"
	case event.TypeInventoryReleased:
		return "stock.released"
	default:
		// 未知类型兜底：STOCK_UPDATED → stock.stock_updated
		return "stock." + strings.ToLower(string(eventType))
	}
}
