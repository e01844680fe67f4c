package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner is one dispatch cycle.
type Runner interface {
	RunOnce(ctx context.Context) (CycleResult, error)
}

// Scheduler invokes a Runner on a fixed interval, one cycle at a time.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger

	mtx       sync.Mutex
	isRunning bool
	stopChan  chan struct{}
	done      chan struct{}
}

// NewScheduler constructs a Scheduler.
func NewScheduler(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start runs a cycle immediately and then on every tick. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.isRunning {
		return
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})

	ticker := time.NewTicker(s.interval)
	go func(t *time.Ticker, stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stop
			cancel()
		}()

		s.runCycle(ctx)
		for {
			select {
			case <-t.C:
				s.runCycle(ctx)
			case <-ctx.Done():
				t.Stop()
				return
			}
		}
	}(ticker, s.stopChan, s.done)

	s.logger.Info("dispatch scheduler started", "interval", s.interval)
}

// Stop cancels the in-flight cycle and waits for it to return.
func (s *Scheduler) Stop() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.isRunning {
		return
	}
	close(s.stopChan)
	<-s.done
	s.isRunning = false
	s.logger.Info("dispatch scheduler stopped")
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if _, err := s.runner.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("dispatch cycle failed", "error", err)
	}
}
