package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/marketsettle/internal/metrics"
)

// DefaultSweepInterval is how often the payout sweeper runs.
const DefaultSweepInterval = time.Minute

// Timer periodically promotes delivered held records and releases due
// eligible records.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a new payout sweeper.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in payout sweeper", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// SweepResult summarizes one sweeper pass.
type SweepResult struct {
	Promoted int `json:"promoted"`
	Released int `json:"released"`
}

// Sweep runs one pass: promote, then release. A failure listing one side
// does not skip the other.
func (t *Timer) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	metrics.SweepRunsTotal.Inc()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var res SweepResult
	promoted, err := t.service.PromoteDelivered(ctx)
	if err != nil {
		t.logger.Warn("failed to list held escrows", "error", err)
	}
	res.Promoted = promoted

	released, err := t.service.SweepEligiblePayouts(ctx)
	if err != nil {
		t.logger.Warn("failed to list due escrows", "error", err)
	}
	res.Released = released

	if res.Promoted > 0 || res.Released > 0 {
		t.logger.Info("payout sweep complete", "promoted", res.Promoted, "released", res.Released)
	}
	return res
}
