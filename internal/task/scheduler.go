package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sudooom.collab/internal/workerpool"
)

var (
	ErrSchedulerNotRunning = errors.New("scheduler is not running")
	ErrSchedulerRunning    = errors.New("scheduler is already running")
	ErrSchedulerStopped    = errors.New("scheduler has been stopped")
	ErrInvalidTask         = errors.New("task must have an id")
)

// Scheduler 基于时间轮的延迟任务调度器
// 到期任务按 Target 提交到 worker pool，同一 Target 的任务串行执行
type Scheduler struct {
	wheel     *TimeWheel
	pool      *workerpool.Pool
	ownsPool  bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
	running   bool
	runningMu sync.RWMutex
}

// NewScheduler 创建任务调度器
// pool 为 nil 时创建一个单 worker 的私有 pool，并在 Stop 时关闭
func NewScheduler(tick time.Duration, pool *workerpool.Pool, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ownsPool := false
	if pool == nil {
		pool = workerpool.New(1, 256, logger)
		ownsPool = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		wheel:    NewTimeWheel(tick, DefaultSlotCount),
		pool:     pool,
		ownsPool: ownsPool,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// Start 启动调度器
func (s *Scheduler) Start() error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}
	if s.ctx.Err() != nil {
		return ErrSchedulerStopped
	}
	s.running = true

	s.wg.Add(1)
	go s.tickLoop()

	s.logger.Debug("Task scheduler started", "tick", s.wheel.Tick())
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.wheel.Tick())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.onTick()
		}
	}
}

func (s *Scheduler) onTick() {
	for _, t := range s.wheel.Advance() {
		t := t
		ok := s.pool.Submit(t.Target, func() {
			if err := t.Execute(s.ctx); err != nil {
				s.logger.Warn("Task execution failed",
					"task_id", t.ID,
					"target", t.Target,
					"error", err)
			}
		})
		if !ok {
			s.logger.Warn("Task dropped, worker pool closed", "task_id", t.ID)
		}
	}
}

// Stop 停止调度器，未到期的任务被丢弃，停止后不能再次启动
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		s.cancel()
		if s.ownsPool {
			s.pool.Shutdown()
		}
		return
	}
	s.running = false
	s.runningMu.Unlock()

	s.cancel()
	s.wg.Wait()

	if s.ownsPool {
		s.pool.Shutdown()
	}
	s.logger.Debug("Task scheduler stopped", "dropped", s.wheel.GetTotalTaskCount())
}

// AddTask 添加任务，同 ID 任务会被替换
func (s *Scheduler) AddTask(task *Task) error {
	if task == nil || task.ID == "" {
		return ErrInvalidTask
	}

	s.runningMu.RLock()
	defer s.runningMu.RUnlock()
	if !s.running {
		return ErrSchedulerNotRunning
	}

	s.wheel.AddTask(task)
	return nil
}

// Schedule 便捷方法：创建并添加任务
func (s *Scheduler) Schedule(id, target string, delay time.Duration, fn TaskFunc) error {
	return s.AddTask(NewTask(id, target, delay, fn))
}

// RemoveTask 取消任务，返回任务是否还在等待中
func (s *Scheduler) RemoveTask(taskID string) bool {
	return s.wheel.RemoveTask(taskID)
}

// IsRunning 检查调度器是否运行中
func (s *Scheduler) IsRunning() bool {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()
	return s.running
}

// Pending 等待中的任务数
func (s *Scheduler) Pending() int {
	return s.wheel.GetTotalTaskCount()
}
