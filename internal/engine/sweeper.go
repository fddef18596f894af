package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrStopped        = errors.New("engine stopped")
)

// SweepResult counts what one sweep removed.
type SweepResult struct {
	TrackerKeys int
	Graylist    int
	Blacklist   int
}

// trackerStaleness is how long a source may be idle before its rate history
// is dropped: two windows, at least a minute.
func trackerStaleness(window time.Duration) time.Duration {
	if d := 2 * window; d > minTrackerStaleness {
		return d
	}
	return minTrackerStaleness
}

// Sweep drops idle tracker keys, stale graylist entries and blacklist entries
// whose expiry passed without their timer running.
func (e *Engine) Sweep() SweepResult {
	cfg := e.cfg.Load()
	res := SweepResult{
		TrackerKeys: e.trackers.Load().Sweep(trackerStaleness(cfg.Window)),
		Graylist:    e.lists.SweepGraylist(e.opts.GraylistMaxAge),
		Blacklist:   e.lists.SweepBlacklist(),
	}
	e.logger.Debug("sweep completed",
		zap.Int("tracker_keys", res.TrackerKeys),
		zap.Int("graylist", res.Graylist),
		zap.Int("blacklist", res.Blacklist))
	return res
}

// Start runs the periodic sweeper and the event notifier until ctx is
// cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.stopped {
		return ErrStopped
	}
	if e.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.notifier.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		e.runSweeper(ctx)
	}()
	go func() {
		wg.Wait()
		close(e.done)
	}()

	e.logger.Info("engine started",
		zap.Duration("sweep_interval", e.opts.SweepInterval),
		zap.Duration("graylist_max_age", e.opts.GraylistMaxAge),
		zap.Int("tracker_capacity", e.opts.TrackerCapacity))
	return nil
}

func (e *Engine) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts background work, flushes queued events and cancels pending
// blacklist timers. Entries still expire lazily afterwards. An engine cannot
// be restarted.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if e.stopped {
		return nil
	}
	e.stopped = true

	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	e.lists.Close()
	e.logger.Info("engine stopped")
	return nil
}
