package task

import (
	"sync"
	"time"
)

const (
	// DefaultSlotCount 默认槽位数量
	DefaultSlotCount = 60
)

// TimeWheel 单层时间轮
// 延迟超过一圈的任务用 rounds 记录剩余圈数
type TimeWheel struct {
	mu          sync.Mutex
	tick        time.Duration
	slots       []map[string]*Task
	currentSlot int
	index       map[string]int // taskID -> 槽位
}

// NewTimeWheel 创建时间轮
func NewTimeWheel(tick time.Duration, slotCount int) *TimeWheel {
	if tick <= 0 {
		tick = time.Second
	}
	if slotCount <= 0 {
		slotCount = DefaultSlotCount
	}

	tw := &TimeWheel{
		tick:  tick,
		slots: make([]map[string]*Task, slotCount),
		index: make(map[string]int),
	}
	for i := range tw.slots {
		tw.slots[i] = make(map[string]*Task)
	}
	return tw
}

// Tick 每格时长
func (tw *TimeWheel) Tick() time.Duration {
	return tw.tick
}

// AddTask 添加任务，已存在的同 ID 任务被替换
func (tw *TimeWheel) AddTask(task *Task) {
	ticks := int((task.Delay + tw.tick - 1) / tw.tick)
	if ticks < 1 {
		ticks = 1
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()

	if slot, ok := tw.index[task.ID]; ok {
		if old, exists := tw.slots[slot][task.ID]; exists {
			task.Version = old.Version + 1
		}
		delete(tw.slots[slot], task.ID)
	}

	n := len(tw.slots)
	target := (tw.currentSlot + ticks) % n
	task.rounds = (ticks - 1) / n

	tw.slots[target][task.ID] = task
	tw.index[task.ID] = target
}

// RemoveTask 删除任务
func (tw *TimeWheel) RemoveTask(taskID string) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	slot, ok := tw.index[taskID]
	if !ok {
		return false
	}
	delete(tw.index, taskID)
	delete(tw.slots[slot], taskID)
	return true
}

// Advance 推进一格，返回到期任务
func (tw *TimeWheel) Advance() []*Task {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.currentSlot = (tw.currentSlot + 1) % len(tw.slots)
	slot := tw.slots[tw.currentSlot]

	var due []*Task
	for id, task := range slot {
		if task.rounds > 0 {
			task.rounds--
			continue
		}
		due = append(due, task)
		delete(slot, id)
		delete(tw.index, id)
	}
	return due
}

// GetTotalTaskCount 获取所有槽位的任务总数
func (tw *TimeWheel) GetTotalTaskCount() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return len(tw.index)
}
