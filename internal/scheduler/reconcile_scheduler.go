package scheduler

import (
	"context"
	"sync"
	"time"

	"galapagos/internal/service"
	"galapagos/pkg/logger"
)

// Reconciler 执行一轮对账
type Reconciler interface {
	ReconcileOnce(ctx context.Context) (service.ReconcileReport, error)
}

// ReconcileScheduler 对账调度器
type ReconcileScheduler struct {
	reconciler Reconciler
	interval   time.Duration
	timeout    time.Duration
	logger     *logger.Logger
	quit       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

// NewReconcileScheduler 创建对账调度器实例
func NewReconcileScheduler(reconciler Reconciler, interval time.Duration, logger *logger.Logger) *ReconcileScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReconcileScheduler{
		reconciler: reconciler,
		interval:   interval,
		timeout:    90 * time.Second,
		logger:     logger,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start 启动对账调度器
func (s *ReconcileScheduler) Start() {
	go s.reconcileScheduler()
	s.logger.Info("对账调度器启动", "interval", s.interval.String())
}

// Stop 停止对账调度器，等待正在进行的一轮结束
func (s *ReconcileScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		<-s.done
		s.logger.Info("对账调度器停止")
	})
}

// reconcileScheduler 对账定时器
func (s *ReconcileScheduler) reconcileScheduler() {
	defer close(s.done)

	// 立即运行一次，处理上次进程退出时遗留的预占票据
	s.reconcile()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reconcile()
		case <-s.quit:
			return
		}
	}
}

// reconcile 执行一轮对账的具体实现
func (s *ReconcileScheduler) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.reconciler.ReconcileOnce(ctx)
	if err != nil {
		s.logger.Error("对账失败", "error", err)
		return
	}
	if report.Checked == 0 {
		s.logger.Debug("没有需要对账的票据")
		return
	}
	s.logger.Info("对账完成",
		"checked", report.Checked,
		"finalized", report.Finalized,
		"released", report.Released,
		"waiting", report.Waiting,
		"alerted", report.Alerted,
	)
}
