package ratelimit

import (
	"sync"
	"time"
)

// outcome is one entry in the rolling (endpoint, ts, success) log.
type outcome struct {
	endpoint string
	ts       time.Time
	success  bool
}

// RollingLog tracks outcomes over a fixed window (spec.md §4.2: 60s, size
// cap 1000, oldest evicted), and recommends a backoff duration from the
// recent failure rate.
type RollingLog struct {
	mu     sync.Mutex
	window time.Duration
	ring   *ringBuffer[outcome]
}

// NewRollingLog creates a log retaining at most capacity entries within
// window of wall-clock time.
func NewRollingLog(window time.Duration, capacity int) *RollingLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RollingLog{
		window: window,
		ring:   newRingBuffer[outcome](capacity),
	}
}

// Record appends an outcome, evicting the oldest entry if at capacity.
func (l *RollingLog) Record(endpoint string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring.PushEvict(outcome{endpoint: endpoint, ts: timeNow(), success: success})
}

// FailureRate computes the failure rate for endpoint within the window,
// dropping anything older. Returns 0 if there are no recent entries.
func (l *RollingLog) FailureRate(endpoint string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := timeNow().Add(-l.window)

	// drop entries older than the window, from the front
	drop := 0
	for i := 0; i < l.ring.Len(); i++ {
		if l.ring.Get(i).ts.Before(cutoff) {
			drop++
		} else {
			break
		}
	}
	if drop > 0 {
		l.ring.RemoveBefore(drop)
	}

	var total, failed int
	for i := 0; i < l.ring.Len(); i++ {
		e := l.ring.Get(i)
		if e.endpoint != endpoint {
			continue
		}
		total++
		if !e.success {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// RecommendedBackoff applies spec.md §4.2's thresholds:
// failure_rate > 0.5 -> 5s, > 0.2 -> 2s, else 1s.
func (l *RollingLog) RecommendedBackoff(endpoint string) time.Duration {
	rate := l.FailureRate(endpoint)
	switch {
	case rate > 0.5:
		return 5 * time.Second
	case rate > 0.2:
		return 2 * time.Second
	default:
		return 1 * time.Second
	}
}
