package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Priority 任务优先级
// 工作池饱和时低优先级任务跳过本轮 tick，不排队；高优先级任务等待空位
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityLow
)

// Task 一个周期任务
type Task struct {
	Name     string
	Interval time.Duration
	// InitialJitter 启动时的随机延迟上限，错开各任务避免同时打到表格
	InitialJitter time.Duration
	Priority      Priority
	Run           func(ctx context.Context) error
}

// Scheduler 周期任务调度器
// 所有任务共享一个有界工作池；单个 tick 出错只记日志，
// 下一个 tick 按正常节奏照常触发，调度器本身不做退避
type Scheduler struct {
	logger  *zap.Logger
	workers *semaphore.Weighted

	mu      sync.Mutex
	tasks   []Task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New 创建调度器，workerBudget 为共享工作池大小
func New(workerBudget int64, logger *zap.Logger) *Scheduler {
	if workerBudget <= 0 {
		workerBudget = 8
	}
	return &Scheduler{
		logger:  logger,
		workers: semaphore.NewWeighted(workerBudget),
		stopCh:  make(chan struct{}),
	}
}

// Add 注册任务，必须在 Start 之前调用
func (s *Scheduler) Add(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

// Start 启动所有任务循环
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("Scheduler already running, skipping start")
		return
	}
	s.stopCh = make(chan struct{})
	s.running = true
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	for _, task := range tasks {
		s.wg.Add(1)
		go s.runLoop(ctx, task)
	}

	s.logger.Info("Scheduler started", zap.Int("tasks", len(tasks)))
}

// Stop 停止调度，等待在途 tick 完成
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// runLoop 单个任务的调度循环
func (s *Scheduler) runLoop(ctx context.Context, task Task) {
	defer s.wg.Done()

	// 启动抖动
	if task.InitialJitter > 0 {
		delay := time.Duration(rand.Int63n(int64(task.InitialJitter)))
		s.logger.Info("Scheduling task",
			zap.String("task", task.Name),
			zap.Duration("interval", task.Interval),
			zap.Duration("initial_delay", delay))
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	s.tick(ctx, task)

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, task)
		}
	}
}

// tick 执行一次任务
// 低优先级任务抢不到工作位就跳过本轮；出错只记日志不影响节奏
func (s *Scheduler) tick(ctx context.Context, task Task) {
	if task.Priority == PriorityLow {
		if !s.workers.TryAcquire(1) {
			s.logger.Warn("Worker budget saturated, skipping low-priority tick",
				zap.String("task", task.Name))
			return
		}
	} else {
		if err := s.workers.Acquire(ctx, 1); err != nil {
			return
		}
	}
	defer s.workers.Release(1)

	start := time.Now()
	if err := task.Run(ctx); err != nil {
		s.logger.Error("Task tick failed",
			zap.String("task", task.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}

	s.logger.Debug("Task tick completed",
		zap.String("task", task.Name),
		zap.Duration("elapsed", time.Since(start)))
}
