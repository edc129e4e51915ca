package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher 将事件写入 Kafka 主题
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher 创建 Kafka 发布器
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("未配置 Kafka broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("未配置 Kafka 主题")
	}
	// 同一张票据的事件按 Key 路由到同一分区，发送顺序由 Dispatcher 的单协程通道保证
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: writer}, nil
}

// Publish 发送一条事件
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	msg, err := encodeMessage(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("发送票据事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Kafka 生产者
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func encodeMessage(ev Event) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("序列化票据事件失败: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.Key()),
		Value: data,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}, nil
}
