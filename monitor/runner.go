package monitor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner drives a Monitor on a fixed interval. It owns its cancellation:
// stopping the runner tears the timer down deterministically and no
// callbacks run afterwards. Disable pauses polling without tearing the
// ticker down.
type Runner struct {
	monitor  *Monitor
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	enabled bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRunner(m *Monitor, interval time.Duration, logger *zap.Logger) *Runner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Runner{monitor: m, interval: interval, logger: logger, enabled: true}
}

// Enable resumes polling on the next tick.
func (r *Runner) Enable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = true
}

// Disable pauses polling. The monitor keeps its previous snapshot, so a
// re-enable may report a still-present inconsistency as new again; that
// is accepted behaviour.
func (r *Runner) Disable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = false
}

func (r *Runner) isEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Run polls until ctx is cancelled. It blocks; callers typically hand it
// to an errgroup.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("consistency monitor running", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("consistency monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			if !r.isEnabled() {
				continue
			}
			if _, err := r.monitor.Poll(ctx); err != nil {
				// Poll already logged and retained its snapshot.
				continue
			}
		}
	}
}

// Start launches Run on its own goroutine and returns immediately.
// Stop cancels it and waits for the loop to exit.
func (r *Runner) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		_ = r.Run(runCtx)
	}()
}

// Stop cancels a Start-ed runner and blocks until the loop has exited.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
