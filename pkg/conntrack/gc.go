package conntrack

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultInterval is the sweep cadence ages are expressed in.
const DefaultInterval = 500 * time.Millisecond

// Expirer is a table aged by the sweeper. Expire advances it one tick and
// returns how many entries it dropped.
type Expirer interface {
	Expire() int
}

// Target is a named table swept by GC.
type Target struct {
	Name  string
	Table Expirer
}

// GC performs the periodic aging of the state table, fragment cache and
// NAT sessions.
type GC struct {
	targets  []Target
	interval time.Duration
	lastRun  uint64

	sweeps    atomic.Uint64
	lastSweep atomic.Int64 // nanoseconds
}

// NewGC creates a sweeper over targets.
func NewGC(interval time.Duration, targets ...Target) *GC {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &GC{targets: targets, interval: interval}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (gc *GC) Run(ctx context.Context) {
	slog.Info("expiry sweeper started", "interval", gc.interval, "tables", len(gc.targets))
	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			gc.sweep()
		}
	}
}

func (gc *GC) sweep() {
	now := monotonicSeconds()
	// Ages count ticks, so a stalled sweeper stretches every timeout.
	if gc.lastRun != 0 && now-gc.lastRun > uint64(4*gc.interval/time.Second)+1 {
		slog.Warn("expiry sweep delayed", "seconds", now-gc.lastRun)
	}
	gc.lastRun = now

	start := time.Now()
	for _, t := range gc.targets {
		if n := t.Table.Expire(); n > 0 {
			slog.Debug("expiry sweep", "table", t.Name, "expired", n)
		}
	}
	gc.lastSweep.Store(int64(time.Since(start)))
	gc.sweeps.Add(1)
}

// Sweeps returns the number of completed sweeps.
func (gc *GC) Sweeps() uint64 { return gc.sweeps.Load() }

// LastSweep returns how long the most recent sweep took.
func (gc *GC) LastSweep() time.Duration { return time.Duration(gc.lastSweep.Load()) }

// monotonicSeconds returns the current monotonic clock in seconds.
func monotonicSeconds() uint64 {
	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return uint64(ts.Sec)
}
