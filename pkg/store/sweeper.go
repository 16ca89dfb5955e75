package store

import (
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically removes series that have not been updated within the
// expiration window. A delete only happens if the series is still stale
// under the shard write lock, so an ingest racing the sweep is never lost;
// at worst the next ingest recreates the series.
type Sweeper struct {
	store    *Store
	window   time.Duration
	interval time.Duration
	logger   *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// NewSweeper creates a sweeper over st.
func NewSweeper(st *Store, window, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    st,
		window:   window,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (sw *Sweeper) Start() {
	sw.wg.Add(1)
	go func() {
		defer sw.wg.Done()

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				removed := sw.SweepOnce(time.Now())
				if removed > 0 {
					sw.logger.Info("swept expired series",
						"removed", removed, "window", sw.window)
				}
			case <-sw.done:
				return
			}
		}
	}()
}

// Stop stops the sweep loop and waits for it to exit.
func (sw *Sweeper) Stop() {
	close(sw.done)
	sw.wg.Wait()
}

// SweepOnce removes every series whose last update is older than the
// window relative to now, and returns how many were removed.
func (sw *Sweeper) SweepOnce(now time.Time) int {
	cutoff := now.Add(-sw.window)
	removed := 0

	for snap := range sw.store.Query("", nil) {
		if !snap.LastUpdate.Before(cutoff) {
			continue
		}
		// Re-check staleness under the lock; the series may have been
		// updated since the scan snapshot was taken.
		if sw.store.removeIf(snap.Key(), func(sr *series) bool {
			return sr.lastUpdate.Before(cutoff)
		}) {
			removed++
		}
	}

	return removed
}
