package failover

import (
	"testing"
	"time"

	"github.com/gary322/keeperfleet/internal/fleet"
)

func TestClassify(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		hb      fleet.Heartbeat
		present bool
		want    Status
	}{
		{"missing heartbeat", fleet.Heartbeat{}, false, StatusFailed},
		{"stale beyond 30s", fleet.Heartbeat{Timestamp: now.Add(-31 * time.Second)}, true, StatusFailed},
		{"stale between 15s and 30s", fleet.Heartbeat{Timestamp: now.Add(-20 * time.Second)}, true, StatusDegraded},
		{"high error rate", fleet.Heartbeat{Timestamp: now, Processed: 10, Errors: 5}, true, StatusDegraded},
		{"high latency", fleet.Heartbeat{Timestamp: now, Processed: 10, LatencyMillis: 6000}, true, StatusDegraded},
		{"healthy", fleet.Heartbeat{Timestamp: now, Processed: 100, Errors: 1, LatencyMillis: 50}, true, StatusHealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.hb, tt.present, now); got != tt.want {
				t.Fatalf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name                          string
		errorRate, latency, workload float64
		want                          float64
	}{
		{"perfect", 0, 0, 0, 100},
		{"error rate dominates", 0.2, 0, 0, 80},
		{"latency clamps at 50", 0, 100000, 0, 50},
		{"workload clamps at 20", 0, 0, 10000, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.errorRate, tt.latency, tt.workload); got != tt.want {
				t.Fatalf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}
