package workerpool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Task 定义任务函数类型
type Task func()

// Pool 按 key 分片的 Worker Pool
// 同一个 key（网关中为 session id）的任务总是落到同一个 worker，保证按提交顺序执行；
// 不同 key 之间并行
type Pool struct {
	queues []chan Task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger
}

// New 创建一个新的 Worker Pool
// workers: worker 数量
// queueSize: 所有 worker 队列容量之和
func New(workers int, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	perWorker := queueSize / workers
	if perWorker <= 0 {
		perWorker = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		queues: make([]chan Task, workers),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	for i := 0; i < workers; i++ {
		pool.queues[i] = make(chan Task, perWorker)
		pool.wg.Add(1)
		go pool.worker(i, pool.queues[i])
	}

	pool.logger.Info("Worker pool started",
		"workers", workers,
		"queue_size", perWorker*workers)

	return pool
}

// worker 工作协程，队列关闭后把剩余任务执行完再退出
func (p *Pool) worker(id int, queue <-chan Task) {
	defer p.wg.Done()

	for task := range queue {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panic recovered",
				"worker_id", id,
				"panic", r)
		}
	}()
	task()
}

func (p *Pool) queueFor(key string) chan Task {
	return p.queues[xxhash.Sum64String(key)%uint64(len(p.queues))]
}

// Submit 提交任务到 key 对应的 worker
// 如果队列满了，会阻塞直到有空位或 Pool 被关闭
func (p *Pool) Submit(key string, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case <-p.ctx.Done():
		return false
	case p.queueFor(key) <- task:
		return true
	}
}

// TrySubmit 尝试提交任务，如果队列满了立即返回 false
func (p *Pool) TrySubmit(key string, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.queueFor(key) <- task:
		return true
	default:
		return false
	}
}

// Pending 当前排队中的任务数（用于监控）
func (p *Pool) Pending() int {
	total := 0
	for _, q := range p.queues {
		total += len(q)
	}
	return total
}

// Shutdown 优雅关闭 Worker Pool
// 阻塞中的 Submit 立即返回 false，已入队的任务执行完毕后返回
func (p *Pool) Shutdown() {
	p.cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Worker pool shutdown completed")
}
