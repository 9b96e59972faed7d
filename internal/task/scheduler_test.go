package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"sudooom.im.client/internal/workerpool"
)

// TestSlotAddAndRemove 测试槽位添加和删除
func TestSlotAddAndRemove(t *testing.T) {
	slot := NewSlot()

	slot.AddTask(NewTask("task-1", "call-1", time.Second, nil))
	slot.AddTask(NewTask("task-2", "call-2", time.Second, nil))

	if slot.Count() != 2 {
		t.Errorf("期望任务数 = 2, 实际 = %d", slot.Count())
	}
	if !slot.RemoveTask("task-1") {
		t.Error("期望删除成功")
	}
	if slot.RemoveTask("task-not-exist") {
		t.Error("期望删除失败")
	}
}

// TestSlotTakeDueHonoursRounds 测试圈数未归零的任务留在槽内
func TestSlotTakeDueHonoursRounds(t *testing.T) {
	slot := NewSlot()
	later := NewTask("later", "", 0, nil)
	later.rounds = 1
	slot.AddTask(NewTask("now", "", 0, nil))
	slot.AddTask(later)

	due := slot.TakeDue()
	if len(due) != 1 || due[0].ID != "now" {
		t.Fatalf("期望只有 now 到期, 实际 = %v", due)
	}
	due = slot.TakeDue()
	if len(due) != 1 || due[0].ID != "later" {
		t.Fatalf("期望第二圈 later 到期, 实际 = %v", due)
	}
}

// TestTimeWheelTick 测试时间轮推进
func TestTimeWheelTick(t *testing.T) {
	wheel := NewTimeWheel(time.Second, 4)
	defer wheel.Stop()

	wheel.AddTask(NewTask("task-1", "call-1", time.Second, nil))

	tasks := wheel.Tick()
	if len(tasks) != 1 || tasks[0].ID != "task-1" {
		t.Fatalf("期望获取 task-1, 实际 = %v", tasks)
	}
	if wheel.GetTotalTaskCount() != 0 {
		t.Errorf("到期任务应从索引中移除")
	}
}

// TestTimeWheelMultipleRounds 测试超过一圈的延迟
func TestTimeWheelMultipleRounds(t *testing.T) {
	wheel := NewTimeWheel(time.Second, 4)
	defer wheel.Stop()

	wheel.AddTask(NewTask("long", "", 10*time.Second, nil))

	for i := 1; i < 10; i++ {
		if tasks := wheel.Tick(); len(tasks) != 0 {
			t.Fatalf("第 %d 格不应到期", i)
		}
	}
	if tasks := wheel.Tick(); len(tasks) != 1 {
		t.Fatalf("第 10 格应到期, 实际 = %d", len(tasks))
	}
}

// TestTimeWheelReplaceAndRemove 测试同 ID 替换与按 ID 删除
func TestTimeWheelReplaceAndRemove(t *testing.T) {
	wheel := NewTimeWheel(time.Second, 8)
	defer wheel.Stop()

	wheel.AddTask(NewTask("ring", "", time.Second, nil))
	wheel.AddTask(NewTask("ring", "", 3*time.Second, nil))
	if wheel.GetTotalTaskCount() != 1 {
		t.Fatalf("期望替换后只有 1 个任务, 实际 = %d", wheel.GetTotalTaskCount())
	}
	if tasks := wheel.Tick(); len(tasks) != 0 {
		t.Fatal("旧任务应已被替换")
	}
	if !wheel.RemoveTask("ring") {
		t.Fatal("期望删除成功")
	}
	if wheel.RemoveTask("ring") {
		t.Fatal("重复删除应失败")
	}
}

func newTestScheduler(t *testing.T) *Scheduler {
	pool := workerpool.New(2, 16, nil)
	s := NewScheduler(Config{Interval: 10 * time.Millisecond, SlotCount: 16}, pool)
	if err := s.Start(); err != nil {
		t.Fatalf("启动调度器失败: %v", err)
	}
	t.Cleanup(func() {
		s.Stop()
		pool.Shutdown(context.Background())
	})
	return s
}

// TestSchedulerStartStop 测试调度器启动和停止
func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(Config{Interval: 10 * time.Millisecond}, workerpool.New(1, 1, nil))

	if err := s.Start(); err != nil {
		t.Fatalf("启动调度器失败: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Error("期望重复启动失败")
	}
	s.Stop()
	if s.IsRunning() {
		t.Error("期望调度器已停止")
	}
	if err := s.After("x", "", time.Second, nil); err == nil {
		t.Error("停止后添加任务应失败")
	}
}

// TestSchedulerTaskExecution 测试任务执行
func TestSchedulerTaskExecution(t *testing.T) {
	s := newTestScheduler(t)

	var executed atomic.Int32
	done := make(chan string, 1)
	err := s.After("ring-timeout", "call-1", 30*time.Millisecond, func(ctx context.Context, target string) error {
		executed.Add(1)
		done <- target
		return nil
	})
	if err != nil {
		t.Fatalf("添加任务失败: %v", err)
	}

	select {
	case target := <-done:
		if target != "call-1" {
			t.Errorf("期望 target = call-1, 实际 = %s", target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("任务未执行")
	}
	if executed.Load() != 1 {
		t.Errorf("期望执行 1 次, 实际 = %d", executed.Load())
	}
}

// TestSchedulerRemoveTask 测试取消的任务不会执行
func TestSchedulerRemoveTask(t *testing.T) {
	s := newTestScheduler(t)

	var executed atomic.Bool
	s.After("ring-timeout", "call-1", 50*time.Millisecond, func(ctx context.Context, target string) error {
		executed.Store(true)
		return nil
	})
	if err := s.RemoveTask("ring-timeout"); err != nil {
		t.Fatalf("删除任务失败: %v", err)
	}
	if err := s.RemoveTask("task-not-exist"); err == nil {
		t.Error("期望删除失败")
	}

	time.Sleep(150 * time.Millisecond)
	if executed.Load() {
		t.Error("已取消的任务不应执行")
	}
}
