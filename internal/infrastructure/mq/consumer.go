package mq

import (
	"context"
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer 消息消费者
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

// NewConsumer 创建消息消费者
//
// 声明队列并绑定到Topic Exchange，routingKeys支持通配符
// （*匹配一个单词，#匹配零个或多个单词）。
func NewConsumer(url, exchange, queue string, routingKeys []string) (*Consumer, error) {
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
		exchange,
		"topic",
		true,  // Durable
		false, // AutoDelete
		false, // Internal
		false, // NoWait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("声明Exchange失败: %w", err)
	}

	q, err := channel.QueueDeclare(
		queue,
		true,  // Durable
		false, // AutoDelete
		false, // Exclusive
		false, // NoWait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("声明Queue失败: %w", err)
	}

	for _, routingKey := range routingKeys {
		err = channel.QueueBind(q.Name, routingKey, exchange, false, nil)
		if err != nil {
			channel.Close()
			conn.Close()
			return nil, fmt.Errorf("绑定Queue失败: %w", err)
		}
	}

	log.Printf("✅ 消息消费者已创建: Queue=%s, RoutingKeys=%v", queue, routingKeys)

	return &Consumer{
		conn:    conn,
		channel: channel,
		queue:   q.Name,
	}, nil
}

// Consume 开始消费消息（阻塞直到ctx取消）
//
// 手动确认：handler返回错误时Nack重新入队，成功时Ack。
func (c *Consumer) Consume(ctx context.Context, handler func(routingKey string, body []byte) error) error {
	// 每次只取1条，多个消费者时负载均匀
	if err := c.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("设置Qos失败: %w", err)
	}

	msgs, err := c.channel.Consume(
		c.queue,
		"",    // Consumer标签（自动生成）
		false, // AutoAck
		false, // Exclusive
		false, // NoLocal
		false, // NoWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("开始消费失败: %w", err)
	}

	log.Printf("📥 开始消费消息: Queue=%s", c.queue)

	for {
		select {
		case <-ctx.Done():
			log.Printf("🛑 消费者退出: Queue=%s", c.queue)
			return nil

		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("消息Channel已关闭")
			}

			if err := handler(msg.RoutingKey, msg.Body); err != nil {
				log.Printf("❌ 消息处理失败: RoutingKey=%s err=%v，消息将重新入队", msg.RoutingKey, err)
				msg.Nack(false, true)
			} else {
				msg.Ack(false)
			}
		}
	}
}

// Close 关闭消费者
func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
