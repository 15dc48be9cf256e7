package viewcache

import (
	"context"
	"time"
)

// Start launches the periodic sweep in its own goroutine. It returns
// immediately; the sweep ends on Stop or when ctx is cancelled. Calling Start
// on a running cache, or with a non-positive sweep interval, does nothing.
func (c *Cache) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running || c.interval <= 0 {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.reset = make(chan time.Duration, 1)
	c.running = true
	go c.run(ctx, c.interval, c.stop, c.done, c.reset)
}

// Stop ends the periodic sweep and waits for it to exit. Safe to call more than once.
func (c *Cache) Stop() {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return
	}
	close(c.stop)
	done := c.done
	c.running = false
	c.runMu.Unlock()
	<-done
}

// SetSweepInterval changes the sweep period. A running sweep picks it up on
// its next tick; a non-positive value is ignored.
func (c *Cache) SetSweepInterval(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if d == c.interval {
		return true
	}
	c.interval = d
	if c.running {
		select {
		case <-c.reset:
		default:
		}
		c.reset <- d
	}
	return true
}

func (c *Cache) SweepInterval() time.Duration {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.interval
}

func (c *Cache) Running() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

func (c *Cache) run(ctx context.Context, interval time.Duration, stop <-chan struct{}, done chan<- struct{}, reset <-chan time.Duration) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	if c.logger != nil {
		c.logger.Info("view cache sweep started", "interval", interval.String())
	}
	for {
		select {
		case <-ticker.C:
			removed := c.Sweep()
			if c.logger != nil {
				c.logger.Debug("view cache swept", "removed", removed, "remaining", c.Len())
			}
			if c.onSweep != nil {
				c.onSweep(removed)
			}
		case d := <-reset:
			ticker.Reset(d)
			if c.logger != nil {
				c.logger.Info("view cache sweep interval changed", "interval", d.String())
			}
		case <-stop:
			return
		case <-ctx.Done():
			c.runMu.Lock()
			// A Stop/Start pair may already have replaced this run.
			if c.done == done {
				c.running = false
			}
			c.runMu.Unlock()
			return
		}
	}
}
