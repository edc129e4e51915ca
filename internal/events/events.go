// Package events 发布票据生命周期事件
package events

import (
	"context"
	"time"

	"galapagos/pkg/async"
	"galapagos/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// Type 事件类型
type Type string

const (
	TicketsIssued  Type = "tickets.issued"
	TicketReserved Type = "ticket.reserved"
	TicketRedeemed Type = "ticket.redeemed"
	TicketReleased Type = "ticket.released"
	TicketPending  Type = "ticket.pending"
	TicketFailed   Type = "ticket.failed"
	TicketResolved Type = "ticket.resolved"
	TicketRetried  Type = "ticket.retried"
)

// Event 票据事件
type Event struct {
	Type       Type      `json:"type"`
	TicketID   string    `json:"ticket_id,omitempty"`
	ProductID  string    `json:"product_id,omitempty"`
	Account    string    `json:"account,omitempty"`
	Units      string    `json:"units,omitempty"`
	TxHash     string    `json:"tx_hash,omitempty"`
	Count      int       `json:"count,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Key 分区路由键
func (e Event) Key() string {
	if e.TicketID != "" {
		return e.TicketID
	}
	return e.ProductID
}

// Publisher 事件发布器
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Emitter 业务代码使用的事件出口，不阻塞调用方
type Emitter interface {
	Emit(ev Event)
}

// Discard 丢弃所有事件
type Discard struct{}

// Emit 什么也不做
func (Discard) Emit(Event) {}

// LogPublisher 将事件写入日志
type LogPublisher struct {
	logger *logger.Logger
}

// NewLogPublisher 创建日志发布器
func NewLogPublisher(log *logger.Logger) *LogPublisher {
	return &LogPublisher{logger: log}
}

// Publish 记录事件
func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	p.logger.Info("票据事件",
		"type", string(ev.Type),
		"ticket_id", ev.TicketID,
		"product_id", ev.ProductID,
		"account", ev.Account,
		"units", ev.Units,
		"tx_hash", ev.TxHash,
		"count", ev.Count,
		"reason", ev.Reason,
	)
	return nil
}

// Close 无需释放资源
func (p *LogPublisher) Close() error { return nil }

// Dispatcher 通过异步工作器发布事件
//
// 每条通道只有一个协程，同一 Key 的事件总是进入同一通道，重试期间后续事件排队等待。
type Dispatcher struct {
	publisher Publisher
	lanes     []*async.Worker
	ids       []int
	balancer  kafka.Hash
	logger    *logger.Logger
	now       func() time.Time
}

// NewDispatcher 创建事件分发器，需要调用 Start 后才会发送
func NewDispatcher(publisher Publisher, lanes, queueSize int, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewNop()
	}
	if lanes <= 0 {
		lanes = 1
	}
	d := &Dispatcher{publisher: publisher, logger: log, now: time.Now}
	for i := 0; i < lanes; i++ {
		d.lanes = append(d.lanes, async.NewWorker(queueSize, log))
		d.ids = append(d.ids, i)
	}
	return d
}

// Start 启动所有通道
func (d *Dispatcher) Start() {
	for _, lane := range d.lanes {
		lane.Start(1)
	}
}

// Stop 停止接收事件并等待已入队的事件发送完毕
func (d *Dispatcher) Stop() {
	for _, lane := range d.lanes {
		lane.Stop()
	}
}

// Emit 将事件放入所属通道的发送队列
func (d *Dispatcher) Emit(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = d.now().UTC()
	}
	ok := d.lane(ev.Key()).Submit(async.Task{
		ID:       string(ev.Type) + ":" + ev.Key(),
		Timeout:  5 * time.Second,
		RetryMax: 3,
		Backoff:  500 * time.Millisecond,
		Handler: func(ctx context.Context) error {
			return d.publisher.Publish(ctx, ev)
		},
	})
	if !ok {
		d.logger.Warn("事件未能入队", "type", string(ev.Type), "ticket_id", ev.TicketID)
	}
}

// lane 与 Kafka 分区使用相同的哈希选择通道
func (d *Dispatcher) lane(key string) *async.Worker {
	if len(d.lanes) == 1 || key == "" {
		return d.lanes[0]
	}
	return d.lanes[d.balancer.Balance(kafka.Message{Key: []byte(key)}, d.ids...)]
}
