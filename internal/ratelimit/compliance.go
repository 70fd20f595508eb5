package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
)

// Endpoint classes and their per-window ceilings (spec.md §4.2 compliance
// surface).
const (
	ClassMarkets     = "markets"
	ClassOrders      = "orders"
	ClassResolutions = "resolutions"

	defaultComplianceLimit = 50
	complianceWindow       = 10 * time.Second
)

var complianceLimits = map[string]int{
	ClassMarkets:     50,
	ClassOrders:      100,
	ClassResolutions: 10,
}

// ViolationRecord is emitted when an endpoint class exceeds its configured
// per-window ceiling.
type ViolationRecord struct {
	Ts       time.Time
	Endpoint string
	Count    int
	Window   time.Duration
	Limit    int
}

// ComplianceMonitor accumulates per-window usage counters per endpoint and
// compares them to configured limits, gated by a catrate.Limiter per
// endpoint class (one sliding window per class, at the configured
// ceiling) so the actual accept/reject decision reuses a well-tested
// rate-limiting implementation rather than reimplementing sliding-window
// counting here.
type ComplianceMonitor struct {
	mu       sync.Mutex
	limits   map[string]int
	gates    map[string]*catrate.Limiter
	counters map[string]*windowCounter
}

type windowCounter struct {
	count       int64
	windowStart time.Time
}

// NewComplianceMonitor builds a monitor with the default limits from
// spec.md §4.2, plus any overrides supplied.
func NewComplianceMonitor(overrides map[string]int) *ComplianceMonitor {
	limits := make(map[string]int, len(complianceLimits)+len(overrides))
	for k, v := range complianceLimits {
		limits[k] = v
	}
	for k, v := range overrides {
		limits[k] = v
	}

	gates := make(map[string]*catrate.Limiter, len(limits))
	for class, limit := range limits {
		gates[class] = catrate.NewLimiter(map[time.Duration]int{complianceWindow: limit})
	}

	return &ComplianceMonitor{
		limits:   limits,
		gates:    gates,
		counters: make(map[string]*windowCounter),
	}
}

func (m *ComplianceMonitor) limitFor(endpoint string) int {
	if l, ok := m.limits[endpoint]; ok {
		return l
	}
	return defaultComplianceLimit
}

func (m *ComplianceMonitor) gateFor(endpoint string) *catrate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gates[endpoint]; ok {
		return g
	}
	g := catrate.NewLimiter(map[time.Duration]int{complianceWindow: m.limitFor(endpoint)})
	m.gates[endpoint] = g
	return g
}

// Record registers one outbound call against endpoint's usage window.
// It returns a non-nil ViolationRecord if this call pushed the endpoint
// over its configured ceiling.
func (m *ComplianceMonitor) Record(endpoint string) *ViolationRecord {
	count := m.bumpCounter(endpoint)

	if _, ok := m.gateFor(endpoint).Allow(endpoint); ok {
		return nil
	}

	return &ViolationRecord{
		Ts:       timeNow(),
		Endpoint: endpoint,
		Count:    count,
		Window:   complianceWindow,
		Limit:    m.limitFor(endpoint),
	}
}

func (m *ComplianceMonitor) bumpCounter(endpoint string) int {
	m.mu.Lock()
	c, ok := m.counters[endpoint]
	if !ok {
		c = &windowCounter{windowStart: timeNow()}
		m.counters[endpoint] = c
	}
	m.mu.Unlock()

	now := timeNow()
	if now.Sub(c.windowStart) > complianceWindow {
		atomic.StoreInt64(&c.count, 0)
		c.windowStart = now
	}
	return int(atomic.AddInt64(&c.count, 1))
}
