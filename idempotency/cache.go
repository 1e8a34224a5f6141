package idempotency

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/signalbridge/actioncore/core"
)

// Status is the lifecycle state of one cached execution
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry is a snapshot of one cached execution
type Entry struct {
	Key         string       `json:"key"`
	Action      string       `json:"action"`
	Target      string       `json:"target"`
	SignalID    string       `json:"signal_id,omitempty"`
	Status      Status       `json:"status"`
	Result      *core.Result `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Hits        int64        `json:"hits"`
}

type cacheEntry struct {
	Entry
	latch chan struct{} // closed when the in-flight execution settles
	err   error
	elem  *list.Element
}

// CacheStats aggregates cache activity
type CacheStats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Waits     int64 `json:"waits"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// Cache deduplicates executions by idempotency key. A completed entry is
// served from cache until its TTL; a pending entry makes duplicate callers
// wait for the in-flight outcome instead of executing again. At capacity,
// the oldest fifth of entries is evicted in one pass.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List // front = most recently used

	ttl        time.Duration
	maxEntries int
	sweepEvery time.Duration

	hits      int64
	misses    int64
	waits     int64
	evictions int64
	expired   int64

	clock  core.Clock
	logger core.Logger
}

// CacheOption configures the cache
type CacheOption func(*Cache)

// WithTTL sets how long completed entries are served
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxEntries bounds the cache size
func WithMaxEntries(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithSweepInterval sets how often expired entries are swept
func WithSweepInterval(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.sweepEvery = d
		}
	}
}

// WithCacheLogger sets the logger
func WithCacheLogger(logger core.Logger) CacheOption {
	return func(c *Cache) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			c.logger = cal.WithComponent("actioncore/idempotency")
		} else {
			c.logger = logger
		}
	}
}

// WithCacheClock overrides the clock, for tests
func WithCacheClock(clock core.Clock) CacheOption {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewCache creates an idempotency cache with a 24h TTL and 10000 entry cap
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries:    make(map[string]*cacheEntry),
		lru:        list.New(),
		ttl:        24 * time.Hour,
		maxEntries: 10000,
		sweepEvery: time.Hour,
		clock:      core.RealClock{},
		logger:     &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecuteOnce runs fn at most once per key. The second return reports
// whether the result came from a previous or concurrent execution. Failed
// executions do not poison the key; the next caller executes again.
func (c *Cache) ExecuteOnce(ctx context.Context, req core.ActionRequest, fn func(ctx context.Context) (*core.Result, error)) (*core.Result, bool, error) {
	key := KeyFor(req)

	for {
		c.mu.Lock()
		now := c.clock.Now()

		if entry, ok := c.entries[key]; ok {
			switch entry.Status {
			case StatusCompleted:
				if now.Before(entry.ExpiresAt) {
					entry.Hits++
					c.hits++
					c.lru.MoveToFront(entry.elem)
					result := cachedCopy(entry.Result)
					c.mu.Unlock()
					return result, true, nil
				}
				c.removeLocked(entry)
				c.expired++
			case StatusPending:
				latch := entry.latch
				c.waits++
				c.mu.Unlock()

				select {
				case <-ctx.Done():
					return nil, false, &core.CoreError{
						Op: "idempotency.ExecuteOnce", Kind: core.KindCanceled,
						Err: ctx.Err(),
					}
				case <-latch:
				}

				c.mu.Lock()
				settled := *entry
				c.mu.Unlock()
				if settled.Status == StatusCompleted {
					return cachedCopy(settled.Result), true, nil
				}
				if settled.err != nil {
					return nil, true, settled.err
				}
				// Failed without a recorded error should not happen;
				// loop and try executing ourselves.
				continue
			case StatusFailed:
				c.removeLocked(entry)
			}
		}

		entry := &cacheEntry{
			Entry: Entry{
				Key:       key,
				Action:    req.Action,
				Target:    req.Target,
				SignalID:  req.SignalID,
				Status:    StatusPending,
				CreatedAt: now,
				ExpiresAt: now.Add(c.ttl),
			},
			latch: make(chan struct{}),
		}
		entry.elem = c.lru.PushFront(key)
		c.entries[key] = entry
		c.misses++
		c.evictIfNeededLocked()
		c.mu.Unlock()

		result, err := fn(ctx)

		c.mu.Lock()
		entry.CompletedAt = c.clock.Now()
		if err != nil {
			entry.Status = StatusFailed
			entry.Error = err.Error()
			entry.err = err
			// Leave the key free for the next attempt; waiters keep
			// their pointer to this settled entry.
			if c.entries[key] == entry {
				c.removeLocked(entry)
			}
		} else {
			entry.Status = StatusCompleted
			entry.Result = result
		}
		close(entry.latch)
		c.mu.Unlock()

		return result, false, err
	}
}

// Check reports whether a completed execution exists for the request
func (c *Cache) Check(req core.ActionRequest) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[KeyFor(req)]
	if !ok {
		return Entry{}, false
	}
	if entry.Status == StatusCompleted && c.clock.Now().After(entry.ExpiresAt) {
		c.removeLocked(entry)
		c.expired++
		return Entry{}, false
	}
	entry.Hits++
	return entry.Entry, true
}

// Mark records an execution completed outside the cache, such as an
// approval-gated action executed after human sign-off.
func (c *Cache) Mark(req core.ActionRequest, result *core.Result) {
	key := KeyFor(req)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.removeLocked(existing)
	}
	now := c.clock.Now()
	entry := &cacheEntry{
		Entry: Entry{
			Key:         key,
			Action:      req.Action,
			Target:      req.Target,
			SignalID:    req.SignalID,
			Status:      StatusCompleted,
			Result:      result,
			CreatedAt:   now,
			CompletedAt: now,
			ExpiresAt:   now.Add(c.ttl),
		},
		latch: closedLatch(),
	}
	entry.elem = c.lru.PushFront(key)
	c.entries[key] = entry
	c.evictIfNeededLocked()
}

// Sweep removes expired entries and returns how many were dropped
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for _, entry := range c.entries {
		if entry.Status == StatusCompleted && now.After(entry.ExpiresAt) {
			c.removeLocked(entry)
			c.expired++
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Swept expired idempotency entries", map[string]interface{}{
			"operation": "idempotency_sweep",
			"removed":   removed,
			"remaining": len(c.entries),
		})
	}
	return removed
}

// StartSweeper sweeps on the configured interval until ctx is done
func (c *Cache) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// EntriesByAction returns completed and pending entries for one action
func (c *Cache) EntriesByAction(action string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Entry
	for _, entry := range c.entries {
		if entry.Action == action {
			out = append(out, entry.Entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Recent returns the n most recently created entries
func (c *Cache) Recent(n int) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, n)
	for elem := c.lru.Front(); elem != nil && len(out) < n; elem = elem.Next() {
		if entry, ok := c.entries[elem.Value.(string)]; ok {
			out = append(out, entry.Entry)
		}
	}
	return out
}

// Stats returns a snapshot of cache counters
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Waits:     c.waits,
		Evictions: c.evictions,
		Expired:   c.expired,
	}
}

// evictIfNeededLocked drops the oldest 20% of entries when over capacity,
// skipping pending entries so in-flight latches stay reachable.
func (c *Cache) evictIfNeededLocked() {
	if len(c.entries) <= c.maxEntries {
		return
	}
	target := c.maxEntries / 5
	if target < 1 {
		target = 1
	}

	evicted := 0
	elem := c.lru.Back()
	for elem != nil && evicted < target {
		prev := elem.Prev()
		if entry, ok := c.entries[elem.Value.(string)]; ok && entry.Status != StatusPending {
			c.removeLocked(entry)
			c.evictions++
			evicted++
		}
		elem = prev
	}
	if evicted > 0 {
		c.logger.Debug("Evicted idempotency entries", map[string]interface{}{
			"operation": "idempotency_evict",
			"evicted":   evicted,
			"remaining": len(c.entries),
		})
	}
}

func (c *Cache) removeLocked(entry *cacheEntry) {
	delete(c.entries, entry.Key)
	if entry.elem != nil {
		c.lru.Remove(entry.elem)
		entry.elem = nil
	}
}

func cachedCopy(result *core.Result) *core.Result {
	if result == nil {
		return &core.Result{FromCache: true}
	}
	copied := *result
	copied.FromCache = true
	return &copied
}

func closedLatch() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
