package task

import (
	"context"
	"time"
)

// TaskFunc 任务执行函数类型
type TaskFunc func(ctx context.Context, target string) error

// Task 延迟任务
// 相同 ID 重复调度时替换旧任务并递增 Version，旧任务不会再执行
type Task struct {
	ID        string         `json:"id"`        // 任务唯一ID
	Version   int64          `json:"version"`   // 版本号，每次重新调度 +1
	Target    string         `json:"target"`    // 操作对象标识，同一 Target 的任务串行执行
	Delay     time.Duration  `json:"delay"`     // 延迟时长
	Fn        TaskFunc       `json:"-"`         // 执行函数
	CreatedAt time.Time      `json:"createdAt"` // 创建时间

	rounds int // 剩余圈数，由时间轮维护
}

// NewTask 创建新任务
func NewTask(id, target string, delay time.Duration, fn TaskFunc) *Task {
	return &Task{
		ID:        id,
		Version:   1,
		Target:    target,
		Delay:     delay,
		Fn:        fn,
		CreatedAt: time.Now(),
	}
}

// Execute 执行任务
func (t *Task) Execute(ctx context.Context) error {
	if t.Fn == nil {
		return nil
	}
	return t.Fn(ctx, t.Target)
}
