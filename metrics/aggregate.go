package metrics

import (
	"math"
	"sort"
	"time"
)

// GroupAggregate summarizes one platform's or one action's outcomes
type GroupAggregate struct {
	Total       int           `json:"total"`
	Successes   int           `json:"successes"`
	Failures    int           `json:"failures"`
	SuccessRate float64       `json:"success_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
}

// ApprovalAggregate summarizes approval queue activity
type ApprovalAggregate struct {
	Queued        int64   `json:"queued"`
	Approved      int64   `json:"approved"`
	Rejected      int64   `json:"rejected"`
	Expired       int64   `json:"expired"`
	ApprovalRate  float64 `json:"approval_rate"`
	QueueDepthAvg float64 `json:"queue_depth_avg"`
	QueueDepthMax int     `json:"queue_depth_max"`
}

// Aggregate is the rolled-up view over a record window
type Aggregate struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`

	Total       int            `json:"total"`
	ByStatus    map[Status]int `json:"by_status"`
	SuccessRate float64        `json:"success_rate"`

	AvgLatency time.Duration `json:"avg_latency"`
	P50Latency time.Duration `json:"p50_latency"`
	P95Latency time.Duration `json:"p95_latency"`
	P99Latency time.Duration `json:"p99_latency"`

	TotalRetries int              `json:"total_retries"`
	CircuitTrips map[string]int64 `json:"circuit_trips,omitempty"`

	Approvals ApprovalAggregate `json:"approvals"`

	ByPlatform map[string]GroupAggregate `json:"by_platform"`
	ByAction   map[string]GroupAggregate `json:"by_action"`
}

// Aggregate rolls up all retained records since the given time. A zero
// since covers the whole window.
func (c *Collector) Aggregate(since time.Time) Aggregate {
	c.mu.Lock()
	records := make([]Record, 0, len(c.ring))
	for _, rec := range c.ring {
		if since.IsZero() || !rec.Timestamp.Before(since) {
			records = append(records, rec)
		}
	}
	trips := make(map[string]int64, len(c.circuitTrips))
	for executor, n := range c.circuitTrips {
		trips[executor] = n
	}
	approvals := ApprovalAggregate{
		Queued:        c.approvalsQueued,
		Approved:      c.approvalsApproved,
		Rejected:      c.approvalsRejected,
		Expired:       c.approvalsExpired,
		QueueDepthMax: c.queueDepthMax,
	}
	if decided := c.approvalsApproved + c.approvalsRejected; decided > 0 {
		approvals.ApprovalRate = float64(c.approvalsApproved) / float64(decided)
	}
	if c.depthSamples > 0 {
		approvals.QueueDepthAvg = float64(c.depthSum) / float64(c.depthSamples)
	}
	c.mu.Unlock()

	agg := Aggregate{
		Since:        since,
		Until:        c.clock.Now(),
		Total:        len(records),
		ByStatus:     make(map[Status]int),
		CircuitTrips: trips,
		Approvals:    approvals,
		ByPlatform:   make(map[string]GroupAggregate),
		ByAction:     make(map[string]GroupAggregate),
	}

	var latencies []time.Duration
	var latencySum time.Duration
	succeeded := 0

	for _, rec := range records {
		agg.ByStatus[rec.Status]++
		agg.TotalRetries += rec.Retries
		if rec.Status == StatusSuccess || rec.Status == StatusCached {
			succeeded++
		}
		if rec.Latency > 0 {
			latencies = append(latencies, rec.Latency)
			latencySum += rec.Latency
		}
		mergeGroup(agg.ByPlatform, rec.Platform, rec)
		mergeGroup(agg.ByAction, rec.Action, rec)
	}

	if agg.Total > 0 {
		agg.SuccessRate = float64(succeeded) / float64(agg.Total)
	}
	if len(latencies) > 0 {
		agg.AvgLatency = latencySum / time.Duration(len(latencies))
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		agg.P50Latency = percentile(latencies, 0.50)
		agg.P95Latency = percentile(latencies, 0.95)
		agg.P99Latency = percentile(latencies, 0.99)
	}
	finalizeGroups(agg.ByPlatform)
	finalizeGroups(agg.ByAction)
	return agg
}

// percentile picks from a sorted slice at index ceil(n*p)-1
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// group accumulation keeps latency sums in AvgLatency until finalizeGroups
// divides them
func mergeGroup(groups map[string]GroupAggregate, key string, rec Record) {
	if key == "" {
		return
	}
	g := groups[key]
	g.Total++
	switch rec.Status {
	case StatusSuccess, StatusCached:
		g.Successes++
	case StatusFailure, StatusRejected:
		g.Failures++
	}
	g.AvgLatency += rec.Latency
	groups[key] = g
}

func finalizeGroups(groups map[string]GroupAggregate) {
	for key, g := range groups {
		if g.Total > 0 {
			g.SuccessRate = float64(g.Successes) / float64(g.Total)
			g.AvgLatency /= time.Duration(g.Total)
		}
		groups[key] = g
	}
}

// Realtime is the dashboard's live view
type Realtime struct {
	LastHourTotal    int      `json:"last_hour_total"`
	LastHourFailures int      `json:"last_hour_failures"`
	SuccessRate      float64  `json:"success_rate"`
	ActionsPerMinute float64  `json:"actions_per_minute"`
	QueueDepth       int      `json:"queue_depth"`
	RecentFailures   []Record `json:"recent_failures"`
}

// Realtime summarizes the last hour, with throughput measured over the
// last five minutes and the ten most recent failures attached.
func (c *Collector) Realtime() Realtime {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	hourAgo := now.Add(-time.Hour)
	fiveMinAgo := now.Add(-5 * time.Minute)

	rt := Realtime{QueueDepth: c.queueDepth}
	succeeded := 0
	recentCount := 0

	for i := len(c.ring) - 1; i >= 0; i-- {
		rec := c.ring[i]
		if rec.Timestamp.Before(hourAgo) {
			break
		}
		rt.LastHourTotal++
		switch rec.Status {
		case StatusSuccess, StatusCached:
			succeeded++
		case StatusFailure, StatusRejected:
			rt.LastHourFailures++
			if len(rt.RecentFailures) < 10 {
				rt.RecentFailures = append(rt.RecentFailures, rec)
			}
		}
		if !rec.Timestamp.Before(fiveMinAgo) {
			recentCount++
		}
	}

	if rt.LastHourTotal > 0 {
		rt.SuccessRate = float64(succeeded) / float64(rt.LastHourTotal)
	}
	rt.ActionsPerMinute = float64(recentCount) / 5.0
	return rt
}
