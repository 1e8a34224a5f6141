package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DailySummary is the per-day rollup written for retention past the
// in-memory window
type DailySummary struct {
	Date      string    `json:"date"`
	Generated time.Time `json:"generated"`
	Aggregate Aggregate `json:"aggregate"`
}

// WriteDailySummary aggregates the given day's records and writes them as
// JSON under dir. Returns the written path.
func (c *Collector) WriteDailySummary(dir string, day time.Time) (string, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	agg := c.Aggregate(dayStart)
	// Trim records that spilled past midnight
	agg.Until = dayEnd

	summary := DailySummary{
		Date:      dayStart.Format("2006-01-02"),
		Generated: c.clock.Now(),
		Aggregate: agg,
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating summaries dir: %w", err)
	}
	path := filepath.Join(dir, summary.Date+".json")
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing summary: %w", err)
	}
	return path, nil
}

// StartDailySummaries writes a summary shortly after each midnight until
// ctx is done.
func (c *Collector) StartDailySummaries(ctx context.Context, dir string) {
	go func() {
		for {
			now := c.clock.Now()
			next := time.Date(now.Year(), now.Month(), now.Day(), 0, 5, 0, 0, now.Location()).Add(24 * time.Hour)
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if _, err := c.WriteDailySummary(dir, c.clock.Now().Add(-time.Hour)); err != nil {
					c.logger.Warn("Daily summary failed", map[string]interface{}{
						"operation": "metrics_summary",
						"error":     err.Error(),
					})
				}
			}
		}
	}()
}
