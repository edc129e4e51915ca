package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"galapagos/pkg/logger"
)

// Task 表示一个异步任务
type Task struct {
	ID       string
	Handler  func(ctx context.Context) error
	Timeout  time.Duration
	RetryMax int
	Backoff  time.Duration
}

// Stats 任务执行统计
type Stats struct {
	Completed uint64
	Failed    uint64
	Dropped   uint64
}

// Worker 异步任务处理器
type Worker struct {
	taskQueue chan Task
	logger    *logger.Logger
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	seq       atomic.Uint64
}

// NewWorker 创建一个新的工作器
func NewWorker(queueSize int, log *logger.Logger) *Worker {
	if queueSize <= 0 {
		queueSize = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Worker{
		taskQueue: make(chan Task, queueSize),
		logger:    log,
	}
}

// Start 启动工作器
func (w *Worker) Start(numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		w.wg.Add(1)
		go w.processTask()
	}
}

// Stop 停止接收任务并等待队列中的任务执行完毕
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.taskQueue)
	w.mu.Unlock()
	w.wg.Wait()
}

// Submit 将任务加入队列，队列已满或已停止时返回 false
func (w *Worker) Submit(task Task) bool {
	if task.ID == "" {
		task.ID = fmt.Sprintf("task_%d", w.seq.Add(1))
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return false
	}
	select {
	case w.taskQueue <- task:
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn("任务队列已满，丢弃任务", "task_id", task.ID)
		return false
	}
}

// Stats 返回执行统计
func (w *Worker) Stats() Stats {
	return Stats{
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
	}
}

// processTask 处理任务的工作循环
func (w *Worker) processTask() {
	defer w.wg.Done()

	for task := range w.taskQueue {
		w.executeTask(task)
	}
}

// executeTask 执行单个任务，支持重试
func (w *Worker) executeTask(task Task) {
	start := time.Now()

	var err error
	for attempt := 0; attempt <= task.RetryMax; attempt++ {
		if attempt > 0 {
			w.logger.Debug("重试任务", "task_id", task.ID, "attempt", attempt)
			time.Sleep(task.Backoff * time.Duration(attempt))
		}

		err = w.run(task)
		if err == nil {
			break
		}
		w.logger.Warn("任务执行失败", "task_id", task.ID, "attempt", attempt, "error", err)
	}

	if err != nil {
		w.failed.Add(1)
		w.logger.Error("异步任务失败", "task_id", task.ID, "error", err)
		return
	}
	w.completed.Add(1)
	w.logger.Debug("异步任务完成", "task_id", task.ID, "duration", time.Since(start))
}

func (w *Worker) run(task Task) error {
	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	return task.Handler(ctx)
}
