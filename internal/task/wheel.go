package task

import (
	"sync"
	"time"
)

const (
	// DefaultSlotCount 默认槽位数量
	DefaultSlotCount = 60

	// DefaultInterval 默认每格时长
	DefaultInterval = time.Second
)

// TimeWheel 时间轮
type TimeWheel struct {
	interval    time.Duration
	slots       []*Slot
	currentSlot int            // 当前槽位索引
	index       map[string]int // taskID -> 槽位
	mu          sync.Mutex
	ticker      *time.Ticker
}

// NewTimeWheel 创建时间轮
func NewTimeWheel(interval time.Duration, slotCount int) *TimeWheel {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if slotCount <= 0 {
		slotCount = DefaultSlotCount
	}

	tw := &TimeWheel{
		interval: interval,
		slots:    make([]*Slot, slotCount),
		index:    make(map[string]int),
		ticker:   time.NewTicker(interval),
	}
	for i := range tw.slots {
		tw.slots[i] = NewSlot()
	}
	return tw
}

// ticksFor 延迟折算为格数，不足一格按一格计
func (tw *TimeWheel) ticksFor(delay time.Duration) int {
	ticks := int((delay + tw.interval - 1) / tw.interval)
	if ticks < 1 {
		ticks = 1
	}
	return ticks
}

// AddTask 添加任务到时间轮，同 ID 的旧任务被替换
func (tw *TimeWheel) AddTask(task *Task) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if old, ok := tw.index[task.ID]; ok {
		tw.slots[old].RemoveTask(task.ID)
	}

	n := len(tw.slots)
	ticks := tw.ticksFor(task.Delay)
	task.rounds = (ticks - 1) / n
	target := (tw.currentSlot + ticks) % n

	tw.slots[target].AddTask(task)
	tw.index[task.ID] = target
}

// RemoveTask 从时间轮删除任务
func (tw *TimeWheel) RemoveTask(taskID string) bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	slot, ok := tw.index[taskID]
	if !ok {
		return false
	}
	delete(tw.index, taskID)
	return tw.slots[slot].RemoveTask(taskID)
}

// Tick 推进一格并返回到期任务
func (tw *TimeWheel) Tick() []*Task {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.currentSlot = (tw.currentSlot + 1) % len(tw.slots)
	due := tw.slots[tw.currentSlot].TakeDue()
	for _, task := range due {
		delete(tw.index, task.ID)
	}
	return due
}

// GetCurrentSlot 获取当前槽位索引
func (tw *TimeWheel) GetCurrentSlot() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	return tw.currentSlot
}

// Stop 停止时间轮
func (tw *TimeWheel) Stop() {
	tw.ticker.Stop()
}

// GetTicker 获取定时器
func (tw *TimeWheel) GetTicker() *time.Ticker {
	return tw.ticker
}

// GetTotalTaskCount 获取所有槽位的任务总数
func (tw *TimeWheel) GetTotalTaskCount() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	return len(tw.index)
}
