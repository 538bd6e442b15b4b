// Package stats aggregates the hash counts reported by workers into a
// lifetime total and a hashes per second rate.
package stats

import (
	"context"
	"sync/atomic"
	"time"
)

const (
	// DefaultInterval is the default period between two reductions.
	DefaultInterval = 3 * time.Second

	// minRateWindow is the shortest elapsed time a rate is computed over.
	minRateWindow = time.Second
)

// Aggregator reduces the window hash counter into the lifetime total at a
// fixed interval.  Add and the readers are lock free and safe to call from
// any goroutine; Reduce and Reset must be called from a single goroutine.
type Aggregator struct {
	window       atomic.Uint64
	lifetime     atomic.Uint64
	hashesPerSec atomic.Uint64
	lastReduce   atomic.Int64
	running      atomic.Bool
}

// Add adds n hashes to the current window.
func (a *Aggregator) Add(n uint64) {
	a.window.Add(n)
}

// Reset zeroes all counters and marks the aggregator running.
func (a *Aggregator) Reset(now time.Time) {
	a.window.Store(0)
	a.lifetime.Store(0)
	a.hashesPerSec.Store(0)
	a.lastReduce.Store(now.UnixNano())
	a.running.Store(true)
}

// Halt marks the aggregator stopped.  The window still pending is folded
// into the lifetime total so nothing reported is lost.
func (a *Aggregator) Halt() {
	if a.running.Swap(false) {
		a.lifetime.Add(a.window.Swap(0))
	}
}

// Running returns whether the aggregator is reducing.
func (a *Aggregator) Running() bool {
	return a.running.Load()
}

// Reduce moves the window count into the lifetime total and recomputes the
// rate when more than a second has passed since the previous reduction.  It
// does nothing when the aggregator is not running.
func (a *Aggregator) Reduce(now time.Time) {
	if !a.running.Load() {
		return
	}

	captured := a.window.Swap(0)
	a.lifetime.Add(captured)

	last := time.Unix(0, a.lastReduce.Swap(now.UnixNano()))
	elapsed := now.Sub(last)
	if elapsed <= minRateWindow {
		return
	}
	elapsedMs := elapsed.Milliseconds()
	rate := float64(captured) / (float64(elapsedMs) / 1000)
	a.hashesPerSec.Store(uint64(rate))
	log.Debugf("Hash speed: %6.0f kilohashes/s", rate/1000)
}

// Run reduces every interval until ctx is done.  It must be run as a
// goroutine.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	log.Trace("Statistics reducer started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			a.Reduce(now)
		case <-ctx.Done():
			log.Trace("Statistics reducer done")
			return
		}
	}
}

// LifetimeHashes returns the hashes reduced since the last reset.
func (a *Aggregator) LifetimeHashes() uint64 {
	return a.lifetime.Load()
}

// HashesPerSecond returns the rate computed by the last reduction.
func (a *Aggregator) HashesPerSecond() uint64 {
	return a.hashesPerSec.Load()
}
