package failover

import (
	"math"
	"time"

	"github.com/gary322/keeperfleet/internal/fleet"
)

// Status is a keeper's health classification.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Thresholds, per spec.md §4.10.
const (
	failedAge         = 30 * time.Second
	degradedAge       = 15 * time.Second
	degradedErrorRate = 0.1
	degradedLatencyMs = 5000.0
)

// Classify applies spec.md §4.10's health rules. present is false when
// no heartbeat key exists at all (distinct from a stale one).
func Classify(hb fleet.Heartbeat, present bool, now time.Time) Status {
	if !present {
		return StatusFailed
	}

	age := now.Sub(hb.Timestamp)
	switch {
	case age > failedAge:
		return StatusFailed
	case age > degradedAge:
		return StatusDegraded
	}

	if ErrorRate(hb) > degradedErrorRate || hb.LatencyMillis > degradedLatencyMs {
		return StatusDegraded
	}
	return StatusHealthy
}

// ErrorRate computes errors / max(processed, 1), per spec.md §4.10.
func ErrorRate(hb fleet.Heartbeat) float64 {
	processed := hb.Processed
	if processed < 1 {
		processed = 1
	}
	return float64(hb.Errors) / float64(processed)
}

// Score implements spec.md §4.10's promotion-candidate scoring:
// 100 - 100*error_rate - min(50, latency/100) - min(20, workload/10).
func Score(errorRate, latencyMillis, workload float64) float64 {
	return 100 -
		100*errorRate -
		math.Min(50, latencyMillis/100) -
		math.Min(20, workload/10)
}
