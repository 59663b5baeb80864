package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// Cache is the local view of every user's presence, filled by a bulk load and
// patched by the store's change feed. It is eventually consistent with the
// store: a local write shows up once its own change event arrives.
type Cache struct {
	store  Store
	logger *slog.Logger
	clock  clockwork.Clock

	mu      sync.RWMutex
	records map[string]Record
	// ids changed by events while a bulk load is in flight
	touched map[string]struct{}

	reloads singleflight.Group

	listenMu   sync.RWMutex
	onChange   []func(Event)
	onReload   []func()
	newBackOff func() backoff.BackOff
}

type CacheOption func(*Cache)

// WithCacheClock sets the clock used to wait between change feed reconnects.
func WithCacheClock(clock clockwork.Clock) CacheOption {
	return func(c *Cache) { c.clock = clock }
}

func NewCache(store Store, logger *slog.Logger, opts ...CacheOption) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		store:   store,
		logger:  logger,
		clock:   clockwork.NewRealClock(),
		records: make(map[string]Record),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnChange registers fn to receive every event that changed the cache.
func (c *Cache) OnChange(fn func(Event)) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// OnReload registers fn to run after each successful bulk load.
func (c *Cache) OnReload(fn func()) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onReload = append(c.onReload, fn)
}

func (c *Cache) Get(userID string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[userID]
	return rec, ok
}

// Snapshot returns a copy of every cached record.
func (c *Cache) Snapshot() map[string]Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]Record, len(c.records))
	for k, v := range c.records {
		result[k] = v
	}
	return result
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Reload replaces the cache with the store's full table. Concurrent calls
// share one load. Events applied while the load is in flight win over the
// loaded rows unless the loaded row is fresher.
func (c *Cache) Reload(ctx context.Context) error {
	_, err, _ := c.reloads.Do("reload", func() (interface{}, error) {
		return nil, c.reload(ctx)
	})
	return err
}

func (c *Cache) reload(ctx context.Context) error {
	c.mu.Lock()
	c.touched = make(map[string]struct{})
	c.mu.Unlock()

	recs, err := c.store.LoadAll(ctx)
	if err != nil {
		c.mu.Lock()
		c.touched = nil
		c.mu.Unlock()
		return fmt.Errorf("load presence: %w", err)
	}

	next := make(map[string]Record, len(recs))
	for _, rec := range recs {
		next[rec.UserID] = rec
	}

	c.mu.Lock()
	for id, cur := range c.records {
		if loaded, ok := next[id]; ok && cur.LastSeenAt.After(loaded.LastSeenAt) {
			next[id] = cur
		}
	}
	for id := range c.touched {
		cur, live := c.records[id]
		loaded, ok := next[id]
		switch {
		case !live:
			// deleted during the load
			delete(next, id)
		case !ok || !loaded.LastSeenAt.After(cur.LastSeenAt):
			next[id] = cur
		}
	}
	c.records = next
	c.touched = nil
	c.mu.Unlock()

	c.logger.Debug("presence cache loaded", "records", len(next))

	c.listenMu.RLock()
	fns := c.onReload
	c.listenMu.RUnlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

// Apply patches one entry. Updates older than the cached row are ignored so
// last_seen_at never moves backwards. It reports whether the cache changed.
func (c *Cache) Apply(ev Event) bool {
	if ev.Record.UserID == "" {
		return false
	}

	c.mu.Lock()
	switch ev.Type {
	case EventDelete:
		c.touch(ev.Record.UserID)
		if _, ok := c.records[ev.Record.UserID]; !ok {
			c.mu.Unlock()
			return false
		}
		delete(c.records, ev.Record.UserID)
	default:
		if cur, ok := c.records[ev.Record.UserID]; ok && ev.Record.LastSeenAt.Before(cur.LastSeenAt) {
			c.mu.Unlock()
			c.logger.Debug("stale presence event ignored", "user", ev.Record.UserID)
			return false
		}
		c.records[ev.Record.UserID] = ev.Record
		c.touch(ev.Record.UserID)
	}
	c.mu.Unlock()

	cacheEventCounter.Add(context.Background(), 1)

	c.listenMu.RLock()
	fns := c.onChange
	c.listenMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
	return true
}

// Run loads the cache and follows the change feed until ctx is cancelled.
// A dropped feed is resubscribed with exponential backoff, followed by a
// full reload to cover events missed while disconnected. The cache is
// cleared on return.
func (c *Cache) Run(ctx context.Context) {
	defer c.clear()

	if err := c.Reload(ctx); err != nil {
		c.logger.Warn("initial presence load failed", "error", err)
	}

	b := c.newBackOff()
	for {
		started := c.clock.Now()
		err := c.store.Watch(ctx, func(ev Event) { c.Apply(ev) })
		if ctx.Err() != nil {
			return
		}
		if c.clock.Since(started) > time.Minute {
			b.Reset()
		}

		wait := b.NextBackOff()
		c.logger.Warn("presence change feed dropped", "error", err, "retry_in", wait)

		if wait > 0 {
			timer := c.clock.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.Chan():
			}
		}

		if err := c.Reload(ctx); err != nil {
			c.logger.Warn("presence reload after reconnect failed", "error", err)
		}
	}
}

// touch marks id as changed during an in-flight load. Callers hold c.mu.
func (c *Cache) touch(id string) {
	if c.touched != nil {
		c.touched[id] = struct{}{}
	}
}

func (c *Cache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[string]Record)
}
