package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sudooom.im.client/internal/workerpool"
)

// Config 调度器配置
type Config struct {
	Interval  time.Duration `mapstructure:"interval"`
	SlotCount int           `mapstructure:"slot_count"`
}

// Scheduler 任务调度器，到期任务提交到 workerpool 执行
type Scheduler struct {
	wheel     *TimeWheel
	pool      *workerpool.Pool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
	running   bool
	runningMu sync.RWMutex
}

// NewScheduler 创建任务调度器
func NewScheduler(cfg Config, pool *workerpool.Pool) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		wheel:  NewTimeWheel(cfg.Interval, cfg.SlotCount),
		pool:   pool,
		ctx:    ctx,
		cancel: cancel,
		logger: slog.Default(),
	}
}

// Start 启动调度器
func (s *Scheduler) Start() error {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.runningMu.Unlock()

	s.wg.Add(1)
	go s.tickLoop()

	s.logger.Info("Task scheduler started", "interval", s.wheel.interval, "slots", len(s.wheel.slots))
	return nil
}

// tickLoop 时钟循环协程
func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := s.wheel.GetTicker()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.onTick()
		}
	}
}

// onTick 时钟触发处理
func (s *Scheduler) onTick() {
	tasks := s.wheel.Tick()
	if len(tasks) == 0 {
		return
	}

	s.logger.Debug("Tasks due",
		"currentSlot", s.wheel.GetCurrentSlot(),
		"taskCount", len(tasks))

	for _, t := range tasks {
		t := t
		ok := s.pool.Submit(s.ctx, func(ctx context.Context) {
			if err := t.Execute(ctx); err != nil {
				s.logger.Error("Task execution failed",
					"taskId", t.ID,
					"target", t.Target,
					"error", err)
			}
		})
		if !ok {
			s.logger.Warn("Task dropped, pool closed", "taskId", t.ID)
		}
	}
}

// Stop 停止调度器，未到期的任务被丢弃
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.wheel.Stop()

	s.logger.Info("Task scheduler stopped")
}

// AddTask 添加任务
func (s *Scheduler) AddTask(task *Task) error {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()

	if !s.running {
		return fmt.Errorf("scheduler not running")
	}
	if task == nil {
		return fmt.Errorf("task is nil")
	}
	if task.ID == "" {
		return fmt.Errorf("task id is empty")
	}

	s.logger.Debug("Task scheduled",
		"taskId", task.ID,
		"target", task.Target,
		"delay", task.Delay)

	s.wheel.AddTask(task)
	return nil
}

// After 在 delay 之后执行 fn
func (s *Scheduler) After(id, target string, delay time.Duration, fn TaskFunc) error {
	return s.AddTask(NewTask(id, target, delay, fn))
}

// RemoveTask 删除任务
func (s *Scheduler) RemoveTask(taskID string) error {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()

	if !s.running {
		return fmt.Errorf("scheduler not running")
	}
	if !s.wheel.RemoveTask(taskID) {
		return fmt.Errorf("task not found: %s", taskID)
	}
	return nil
}

// IsRunning 检查调度器是否运行中
func (s *Scheduler) IsRunning() bool {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()

	return s.running
}

// GetStats 获取调度器统计信息
func (s *Scheduler) GetStats() map[string]any {
	return map[string]any{
		"running":        s.IsRunning(),
		"currentSlot":    s.wheel.GetCurrentSlot(),
		"totalTaskCount": s.wheel.GetTotalTaskCount(),
	}
}
