// Package metrics records every action outcome the core handles, persists
// them as JSONL, and serves aggregate and realtime views over the retained
// window. It feeds from the event bus, so the execution path never calls
// it directly.
package metrics

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalbridge/actioncore/core"
	"github.com/signalbridge/actioncore/events"
)

// Status labels an action outcome
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusRejected Status = "rejected"
	StatusFallback Status = "fallback"
	StatusCached   Status = "cached"
)

// Record is one measured action outcome
type Record struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	Action        string        `json:"action"`
	Platform      string        `json:"platform"`
	Status        Status        `json:"status"`
	Latency       time.Duration `json:"latency_ns,omitempty"`
	Retries       int           `json:"retries,omitempty"`
	Error         string        `json:"error,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

// Collector buffers records in a bounded ring, flushes new ones to a JSONL
// file on an interval, and reloads the retained window on startup.
type Collector struct {
	mu      sync.Mutex
	ring    []Record
	pending []Record

	ringSize   int
	path       string
	flushEvery time.Duration
	retention  time.Duration

	circuitTrips map[string]int64

	approvalsQueued   int64
	approvalsApproved int64
	approvalsRejected int64
	approvalsExpired  int64
	queueDepth        int
	queueDepthMax     int
	depthSum          int64
	depthSamples      int64

	subs []events.Subscription

	clock  core.Clock
	logger core.Logger
}

// CollectorOption configures the collector
type CollectorOption func(*Collector)

// WithRingSize bounds the in-memory record window
func WithRingSize(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.ringSize = n
		}
	}
}

// WithFlushInterval sets how often pending records hit disk
func WithFlushInterval(d time.Duration) CollectorOption {
	return func(c *Collector) {
		if d > 0 {
			c.flushEvery = d
		}
	}
}

// WithRetention drops records older than the window on load
func WithRetention(d time.Duration) CollectorOption {
	return func(c *Collector) {
		if d > 0 {
			c.retention = d
		}
	}
}

// WithCollectorLogger sets the logger
func WithCollectorLogger(logger core.Logger) CollectorOption {
	return func(c *Collector) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			c.logger = cal.WithComponent("actioncore/metrics")
		} else {
			c.logger = logger
		}
	}
}

// WithCollectorClock overrides the clock, for tests
func WithCollectorClock(clock core.Clock) CollectorOption {
	return func(c *Collector) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewCollector creates a collector persisting to path
func NewCollector(path string, opts ...CollectorOption) *Collector {
	c := &Collector{
		ringSize:     10000,
		path:         path,
		flushEvery:   5 * time.Second,
		retention:    30 * 24 * time.Hour,
		circuitTrips: make(map[string]int64),
		clock:        core.RealClock{},
		logger:       &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record adds one outcome to the ring and the flush buffer
func (c *Collector) Record(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.clock.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring = append(c.ring, rec)
	if len(c.ring) > c.ringSize {
		c.ring = c.ring[len(c.ring)-c.ringSize:]
	}
	c.pending = append(c.pending, rec)
}

// Attach subscribes the collector to the action outcome streams
func (c *Collector) Attach(bus *events.Bus) {
	c.subs = append(c.subs,
		bus.Subscribe(events.RequestSuccess, func(payload interface{}) {
			if evt, ok := payload.(events.RequestEvent); ok {
				status := StatusSuccess
				if evt.FromCache {
					status = StatusCached
				}
				c.Record(Record{
					Action: evt.Action, Platform: evt.Executor,
					Status: status, Latency: evt.Latency, Retries: evt.Retries,
				})
			}
		}),
		bus.Subscribe(events.RequestFailure, func(payload interface{}) {
			if evt, ok := payload.(events.RequestEvent); ok {
				c.Record(Record{
					Action: evt.Action, Platform: evt.Executor,
					Status: StatusFailure, Latency: evt.Latency,
					Retries: evt.Retries, Error: evt.Error,
				})
			}
		}),
		bus.Subscribe(events.RequestRejected, func(payload interface{}) {
			if evt, ok := payload.(events.RequestEvent); ok {
				c.Record(Record{
					Action: evt.Action, Platform: evt.Executor,
					Status: StatusRejected, Error: evt.Error,
				})
			}
		}),
		bus.Subscribe(events.FallbackUsed, func(payload interface{}) {
			if evt, ok := payload.(events.FallbackEvent); ok {
				c.Record(Record{
					Action: evt.PrimaryAction, Platform: evt.Executor,
					Status: StatusFallback,
				})
			}
		}),
		bus.Subscribe(events.CircuitOpened, func(payload interface{}) {
			if evt, ok := payload.(events.CircuitEvent); ok {
				c.mu.Lock()
				c.circuitTrips[evt.Executor]++
				c.mu.Unlock()
			}
		}),
		bus.Subscribe(events.ApprovalQueued, func(payload interface{}) {
			if _, ok := payload.(events.ApprovalEvent); ok {
				c.adjustQueueDepth(1)
				c.mu.Lock()
				c.approvalsQueued++
				c.mu.Unlock()
			}
		}),
		bus.Subscribe(events.ApprovalDecided, func(payload interface{}) {
			if evt, ok := payload.(events.ApprovalEvent); ok {
				c.adjustQueueDepth(-1)
				c.mu.Lock()
				if evt.Status == "rejected" {
					c.approvalsRejected++
				} else {
					c.approvalsApproved++
				}
				c.mu.Unlock()
			}
		}),
		bus.Subscribe(events.ApprovalExpired, func(payload interface{}) {
			if _, ok := payload.(events.ApprovalEvent); ok {
				c.adjustQueueDepth(-1)
				c.mu.Lock()
				c.approvalsExpired++
				c.mu.Unlock()
			}
		}),
	)
}

// Detach removes the bus subscriptions
func (c *Collector) Detach(bus *events.Bus) {
	for _, sub := range c.subs {
		bus.Unsubscribe(sub)
	}
	c.subs = nil
}

func (c *Collector) adjustQueueDepth(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepth += delta
	if c.queueDepth < 0 {
		c.queueDepth = 0
	}
	if c.queueDepth > c.queueDepthMax {
		c.queueDepthMax = c.queueDepth
	}
	c.depthSum += int64(c.queueDepth)
	c.depthSamples++
}

// Load reads the JSONL file, keeps records inside the retention window,
// and fills the ring with the most recent ones.
func (c *Collector) Load() error {
	file, err := os.Open(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening metrics file: %w", err)
	}
	defer file.Close()

	cutoff := c.clock.Now().Add(-c.retention)
	var loaded []Record
	dropped := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			dropped++
			continue
		}
		if rec.Timestamp.Before(cutoff) {
			dropped++
			continue
		}
		loaded = append(loaded, rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading metrics file: %w", err)
	}

	if len(loaded) > c.ringSize {
		loaded = loaded[len(loaded)-c.ringSize:]
	}

	c.mu.Lock()
	c.ring = loaded
	c.mu.Unlock()

	c.logger.Info("Metrics loaded", map[string]interface{}{
		"operation": "metrics_load",
		"records":   len(loaded),
		"dropped":   dropped,
	})
	return nil
}

// Start flushes on the configured interval until ctx is done, then flushes
// once more.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.flushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.Flush()
				return
			case <-ticker.C:
				if err := c.Flush(); err != nil {
					c.logger.Warn("Metrics flush failed", map[string]interface{}{
						"operation": "metrics_flush",
						"error":     err.Error(),
					})
				}
			}
		}
	}()
}

// Flush appends pending records to the JSONL file
func (c *Collector) Flush() error {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("creating metrics dir: %w", err)
	}
	file, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		// Put the batch back so the next flush retries
		c.mu.Lock()
		c.pending = append(batch, c.pending...)
		c.mu.Unlock()
		return fmt.Errorf("opening metrics file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, rec := range batch {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	return w.Flush()
}

// Snapshot returns a copy of the in-memory record window
func (c *Collector) Snapshot() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.ring))
	copy(out, c.ring)
	return out
}
