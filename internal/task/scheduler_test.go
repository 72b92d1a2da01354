package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func noop(ctx context.Context, target string) error { return nil }

// TestNewTask 测试创建任务
func TestNewTask(t *testing.T) {
	task := NewTask("typing:s1:u1", "u1", 5*time.Second, noop)

	if task.ID != "typing:s1:u1" {
		t.Errorf("期望 ID = typing:s1:u1, 实际 = %s", task.ID)
	}
	if task.Version != 1 {
		t.Errorf("期望 Version = 1, 实际 = %d", task.Version)
	}
	if task.Target != "u1" {
		t.Errorf("期望 Target = u1, 实际 = %s", task.Target)
	}
}

// TestTimeWheel_AdvanceFiresAfterTicks 测试任务在指定格数后到期
func TestTimeWheel_AdvanceFiresAfterTicks(t *testing.T) {
	tw := NewTimeWheel(10*time.Millisecond, 4)
	tw.AddTask(NewTask("a", "x", 30*time.Millisecond, noop))

	for i := 1; i <= 2; i++ {
		if due := tw.Advance(); len(due) != 0 {
			t.Fatalf("第 %d 格不应到期, 实际到期 %d 个", i, len(due))
		}
	}
	due := tw.Advance()
	if len(due) != 1 || due[0].ID != "a" {
		t.Fatalf("期望第 3 格到期任务 a, 实际 = %v", due)
	}
	if tw.GetTotalTaskCount() != 0 {
		t.Errorf("期望任务数 = 0, 实际 = %d", tw.GetTotalTaskCount())
	}
}

// TestTimeWheel_MultipleRounds 测试超过一圈的延迟
func TestTimeWheel_MultipleRounds(t *testing.T) {
	tw := NewTimeWheel(10*time.Millisecond, 4)
	tw.AddTask(NewTask("long", "x", 90*time.Millisecond, noop)) // 9 格

	for i := 1; i < 9; i++ {
		if due := tw.Advance(); len(due) != 0 {
			t.Fatalf("第 %d 格不应到期", i)
		}
	}
	if due := tw.Advance(); len(due) != 1 {
		t.Fatalf("期望第 9 格到期, 实际 = %d", len(due))
	}
}

// TestTimeWheel_ReplaceBumpsVersion 测试同 ID 重新调度
func TestTimeWheel_ReplaceBumpsVersion(t *testing.T) {
	tw := NewTimeWheel(10*time.Millisecond, 8)
	tw.AddTask(NewTask("a", "x", 20*time.Millisecond, noop))
	tw.Advance()

	replacement := NewTask("a", "x", 30*time.Millisecond, noop)
	tw.AddTask(replacement)
	if replacement.Version != 2 {
		t.Errorf("期望 Version = 2, 实际 = %d", replacement.Version)
	}
	if tw.GetTotalTaskCount() != 1 {
		t.Fatalf("期望任务数 = 1, 实际 = %d", tw.GetTotalTaskCount())
	}

	// 旧任务原本在下一格到期，替换后不应触发
	if due := tw.Advance(); len(due) != 0 {
		t.Fatal("旧版本任务不应到期")
	}
}

// TestTimeWheel_RemoveTask 测试删除任务
func TestTimeWheel_RemoveTask(t *testing.T) {
	tw := NewTimeWheel(10*time.Millisecond, 8)
	tw.AddTask(NewTask("a", "x", 20*time.Millisecond, noop))
	tw.Advance()

	if !tw.RemoveTask("a") {
		t.Error("期望删除成功")
	}
	if tw.RemoveTask("a") {
		t.Error("重复删除应返回 false")
	}
	for i := 0; i < 8; i++ {
		if due := tw.Advance(); len(due) != 0 {
			t.Fatal("已删除任务不应到期")
		}
	}
}

// TestScheduler_ExecutesTask 测试调度器执行到期任务
func TestScheduler_ExecutesTask(t *testing.T) {
	s := NewScheduler(5*time.Millisecond, nil, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	defer s.Stop()

	if err := s.Start(); err != ErrSchedulerRunning {
		t.Errorf("重复启动应返回 ErrSchedulerRunning, 实际 = %v", err)
	}

	done := make(chan string, 1)
	err := s.Schedule("t1", "user-1", 20*time.Millisecond, func(ctx context.Context, target string) error {
		done <- target
		return nil
	})
	if err != nil {
		t.Fatalf("添加任务失败: %v", err)
	}

	select {
	case target := <-done:
		if target != "user-1" {
			t.Errorf("期望 target = user-1, 实际 = %s", target)
		}
	case <-time.After(time.Second):
		t.Fatal("任务未在 1 秒内执行")
	}
}

// TestScheduler_RemoveBeforeExpire 测试取消任务
func TestScheduler_RemoveBeforeExpire(t *testing.T) {
	s := NewScheduler(5*time.Millisecond, nil, nil)
	_ = s.Start()
	defer s.Stop()

	var executed atomic.Int32
	_ = s.Schedule("t1", "x", 100*time.Millisecond, func(context.Context, string) error {
		executed.Add(1)
		return nil
	})
	if !s.RemoveTask("t1") {
		t.Fatal("期望取消成功")
	}

	time.Sleep(200 * time.Millisecond)
	if executed.Load() != 0 {
		t.Error("已取消的任务不应执行")
	}
}

// TestScheduler_NotRunning 测试未启动时添加任务
func TestScheduler_NotRunning(t *testing.T) {
	s := NewScheduler(5*time.Millisecond, nil, nil)

	if err := s.Schedule("t1", "x", time.Millisecond, noop); err != ErrSchedulerNotRunning {
		t.Errorf("期望 ErrSchedulerNotRunning, 实际 = %v", err)
	}
	if err := s.AddTask(&Task{}); err != ErrInvalidTask {
		t.Errorf("期望 ErrInvalidTask, 实际 = %v", err)
	}

	// 未启动时 Stop 不 panic
	s.Stop()
	if s.IsRunning() {
		t.Error("调度器不应处于运行状态")
	}
	if err := s.Start(); err != ErrSchedulerStopped {
		t.Errorf("停止后启动应返回 ErrSchedulerStopped, 实际 = %v", err)
	}
}
