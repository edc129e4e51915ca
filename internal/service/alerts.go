package service

import (
	"context"
	"time"

	"galapagos/pkg/async"
	"galapagos/pkg/email"
	"galapagos/pkg/logger"
)

// Alerter 运维告警出口，不阻塞调用方
type Alerter interface {
	Notify(alert email.Alert)
}

// AlertSender 发送告警
type AlertSender interface {
	SendAlert(alert email.Alert) error
}

// AlertNotifier 通过异步工作器发送告警邮件，同时写入日志
type AlertNotifier struct {
	sender AlertSender
	worker *async.Worker
	logger *logger.Logger
}

// NewAlertNotifier 创建告警通知器，sender 为空时只记录日志
func NewAlertNotifier(sender AlertSender, worker *async.Worker, log *logger.Logger) *AlertNotifier {
	return &AlertNotifier{sender: sender, worker: worker, logger: log}
}

// Notify 发送告警
func (n *AlertNotifier) Notify(alert email.Alert) {
	n.logger.Warn("运维告警",
		"type", string(alert.Type),
		"ticket_id", alert.TicketID,
		"tx_hash", alert.TxHash,
		"reason", alert.Reason,
	)
	if n.sender == nil || n.worker == nil {
		return
	}
	n.worker.Submit(async.Task{
		ID:       "alert:" + string(alert.Type) + ":" + alert.TicketID,
		Timeout:  30 * time.Second,
		RetryMax: 2,
		Backoff:  2 * time.Second,
		Handler: func(_ context.Context) error {
			return n.sender.SendAlert(alert)
		},
	})
}

type noopAlerter struct{}

func (noopAlerter) Notify(email.Alert) {}
