// Package viewcache decides whether a product view should be counted.
//
// A fingerprint (client + product) is suppressed for the suppression window
// after it was last marked. Entries stay in memory until a sweep finds them
// older than the retention window, which is always longer than the
// suppression window.
package viewcache

import (
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultSuppressionWindow = 30 * time.Minute
	DefaultRetentionWindow   = 1 * time.Hour
	DefaultSweepInterval     = 1 * time.Hour
)

type Clock func() time.Time

type Cache struct {
	mu          sync.Mutex
	seen        map[string]time.Time
	now         Clock
	suppression time.Duration
	retention   time.Duration
	interval    time.Duration
	logger      *slog.Logger
	onSweep     func(removed int)

	runMu   sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	reset   chan time.Duration
	running bool
}

type Option func(*Cache)

func WithClock(now Clock) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithWindows(suppression, retention time.Duration) Option {
	return func(c *Cache) {
		c.suppression = suppression
		c.retention = retention
	}
}

// WithSweepInterval sets how often Start sweeps. Zero or negative disables the periodic sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		c.interval = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithSweepHook registers fn to run after every periodic sweep with the number of evicted entries.
func WithSweepHook(fn func(removed int)) Option {
	return func(c *Cache) {
		c.onSweep = fn
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		seen:        make(map[string]time.Time),
		now:         time.Now,
		suppression: DefaultSuppressionWindow,
		retention:   DefaultRetentionWindow,
		interval:    DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if !validWindows(c.suppression, c.retention) {
		c.suppression = DefaultSuppressionWindow
		c.retention = DefaultRetentionWindow
	}
	return c
}

func validWindows(suppression, retention time.Duration) bool {
	return suppression > 0 && retention > suppression
}

// HasRecentlyViewed reports whether key was marked less than the suppression window ago.
func (c *Cache) HasRecentlyViewed(key string) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.seen[key]
	if !ok {
		return false
	}
	return now.Sub(ts) < c.suppression
}

func (c *Cache) MarkViewed(key string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.seen[key]; ok && ts.After(now) {
		return
	}
	c.seen[key] = now
}

// Sweep evicts entries whose last mark is at least the retention window old.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, ts := range c.seen {
		if now.Sub(ts) >= c.retention {
			delete(c.seen, k)
			removed++
		}
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// SetWindows swaps both windows at once. Invalid pairs are ignored.
func (c *Cache) SetWindows(suppression, retention time.Duration) bool {
	if !validWindows(suppression, retention) {
		return false
	}
	c.mu.Lock()
	c.suppression = suppression
	c.retention = retention
	c.mu.Unlock()
	return true
}

func (c *Cache) Windows() (suppression, retention time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suppression, c.retention
}
