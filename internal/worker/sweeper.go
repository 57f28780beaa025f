package worker

import (
	"context"
	"sync"
	"time"

	"tradein-service/internal/util"

	"go.uber.org/zap"
)

// Task is a periodic maintenance job. Run reports how many records it touched.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Sweeper runs maintenance tasks on their own tickers until stopped.
type Sweeper struct {
	tasks  []Task
	wg     sync.WaitGroup
	logger *zap.Logger
}

func NewSweeper(tasks ...Task) *Sweeper {
	return &Sweeper{tasks: tasks, logger: util.ComponentLogger("sweeper")}
}

// Start launches one goroutine per task and returns immediately.
func (s *Sweeper) Start(ctx context.Context) {
	for _, task := range s.tasks {
		if task.Interval <= 0 || task.Run == nil {
			s.logger.Warn("Skipping misconfigured task", zap.String("task", task.Name))
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, task)
	}
}

// Wait blocks until every task loop has returned.
func (s *Sweeper) Wait() {
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context, task Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunTask(ctx, task)
		}
	}
}

// RunTask runs a task once, logging instead of propagating failures.
func (s *Sweeper) RunTask(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Task panicked", zap.String("task", task.Name), zap.Any("panic", r))
		}
	}()

	n, err := task.Run(ctx)
	if err != nil {
		s.logger.Error("Task failed", zap.String("task", task.Name), zap.Error(err))
		return
	}
	if n > 0 {
		util.SweepExpiredTotal.WithLabelValues(task.Name).Add(float64(n))
		s.logger.Info("Task completed", zap.String("task", task.Name), zap.Int("affected", n))
	}
}
