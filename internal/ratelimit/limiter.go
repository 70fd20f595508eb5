package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Errors surfaced by Execute, classified per spec.md §7.
var (
	// ErrRateLimited is returned by the wrapped fn to signal a 429-style
	// downstream rejection; Execute retries it per the backoff+jitter
	// policy.
	ErrRateLimited = errors.New("ratelimit: downstream rate limited")

	// ErrTransient signals a transient network error (timeout, connection
	// reset); Execute retries it after a fixed short delay.
	ErrTransient = errors.New("ratelimit: transient downstream error")

	// ErrRetriesExhausted is returned once the initial attempt and all
	// maxRetries retries failed with ErrRateLimited/ErrTransient.
	ErrRetriesExhausted = errors.New("ratelimit: retries exhausted")
)

// tier holds the {rate, per, burst} configuration for one endpoint class.
type tier struct {
	rate  int
	per   time.Duration
	burst int
}

// Tiers is the static table from spec.md §4.2, keyed by tier name then
// endpoint class.
var Tiers = map[string]map[string]tier{
	"free": {
		ClassMarkets:     {rate: 10, per: time.Second, burst: 10},
		ClassOrders:      {rate: 5, per: time.Second, burst: 5},
		ClassResolutions: {rate: 2, per: time.Second, burst: 2},
	},
	"basic": {
		ClassMarkets:     {rate: 30, per: time.Second, burst: 30},
		ClassOrders:      {rate: 15, per: time.Second, burst: 15},
		ClassResolutions: {rate: 5, per: time.Second, burst: 5},
	},
	"premium": {
		ClassMarkets:     {rate: 100, per: time.Second, burst: 100},
		ClassOrders:      {rate: 50, per: time.Second, burst: 50},
		ClassResolutions: {rate: 10, per: time.Second, burst: 10},
	},
}

const defaultClass = ClassMarkets

// Limiter is the tiered rate limiter of spec.md §4.2: per-endpoint-class
// token buckets, a priority queue of waiters drained by a dedicated
// scheduler, retry with full-jitter exponential backoff, and an emergency
// mode that halves rate/burst and rebuilds buckets atomically.
type Limiter struct {
	mu         sync.Mutex
	tierName   string
	buckets    map[string]*TokenBucket
	queues     map[string]*PriorityQueue
	queueCond  map[string]chan struct{} // signalled when a queue gains work or a bucket refills
	emergency  bool
	maxRetries int
	retryBase  time.Duration

	rollingLog *RollingLog
	compliance *ComplianceMonitor

	stop   chan struct{}
	closed bool
}

// NewLimiter builds a Limiter on tierName ("free"/"basic"/"premium";
// unknown names fall back to "free"), starting a scheduler goroutine per
// configured class.
func NewLimiter(tierName string, maxRetries int, retryBase time.Duration) *Limiter {
	if _, ok := Tiers[tierName]; !ok {
		tierName = "free"
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryBase <= 0 {
		retryBase = 500 * time.Millisecond
	}

	l := &Limiter{
		tierName:   tierName,
		buckets:    make(map[string]*TokenBucket),
		queues:     make(map[string]*PriorityQueue),
		queueCond:  make(map[string]chan struct{}),
		maxRetries: maxRetries,
		retryBase:  retryBase,
		rollingLog: NewRollingLog(60*time.Second, 1000),
		compliance: NewComplianceMonitor(nil),
		stop:       make(chan struct{}),
	}

	for class := range Tiers[tierName] {
		l.ensureClass(class)
	}

	return l
}

func (l *Limiter) ensureClass(class string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ensureClassLocked(class)
}

func (l *Limiter) ensureClassLocked(class string) *TokenBucket {
	if b, ok := l.buckets[class]; ok {
		return b
	}
	t := l.resolveTierLocked(class)
	b := NewTokenBucket(float64(t.burst), float64(t.rate)/t.per.Seconds())
	l.buckets[class] = b
	l.queues[class] = NewPriorityQueue()
	ch := make(chan struct{}, 1)
	l.queueCond[class] = ch
	go l.scheduler(class, b, l.queues[class], ch)
	return b
}

func (l *Limiter) resolveTierLocked(class string) tier {
	t, ok := Tiers[l.tierName][class]
	if !ok {
		t = tier{rate: defaultComplianceLimit, per: complianceWindow, burst: defaultComplianceLimit}
	}
	if l.emergency {
		t.rate = maxInt(1, t.rate/2)
		t.burst = maxInt(1, t.burst/2)
	}
	return t
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// SetEmergencyMode toggles halved rate/burst, atomically rebuilding every
// existing bucket (spec.md §4.2/§9).
func (l *Limiter) SetEmergencyMode(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.emergency == on {
		return
	}
	l.emergency = on
	for class, b := range l.buckets {
		t := l.resolveTierLocked(class)
		b.Rebuild(float64(t.burst), float64(t.rate)/t.per.Seconds())
	}
}

func classOf(endpoint string) string {
	switch endpoint {
	case ClassMarkets, ClassOrders, ClassResolutions:
		return endpoint
	default:
		return defaultClass
	}
}

// Execute resolves endpoint to a class, consumes one token for the whole
// retry loop (not per attempt), and runs fn, retrying on ErrRateLimited
// (full-jitter exponential backoff) and ErrTransient (fixed short delay),
// up to maxRetries. Any other error surfaces immediately. If no token is
// immediately available, the request is queued by priority and the
// request blocks until the scheduler admits it.
func (l *Limiter) Execute(ctx context.Context, endpoint string, priority int, fn func(context.Context) error) error {
	class := classOf(endpoint)
	bucket := l.ensureClass(class)

	if !bucket.TryConsume(1) {
		if err := l.waitInQueue(ctx, class, priority); err != nil {
			return err
		}
	}

	return l.runRetryLoop(ctx, endpoint, fn)
}

// waitInQueue enqueues the caller and blocks until the scheduler signals
// admission (by invoking the request's Execute callback) or ctx is
// cancelled, in which case the reserved slot (if never run) is simply
// abandoned.
func (l *Limiter) waitInQueue(ctx context.Context, class string, priority int) error {
	admitted := make(chan struct{})
	req := &QueuedRequest{
		Priority: priority,
		Execute:  func() { close(admitted) },
	}

	l.mu.Lock()
	l.queues[class].Enqueue(req)
	select {
	case l.queueCond[class] <- struct{}{}:
	default:
	}
	l.mu.Unlock()

	select {
	case <-admitted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stop:
		return errors.New("ratelimit: limiter closed")
	}
}

// scheduler is the dedicated, long-running drainer for one endpoint
// class's queue (spec.md §4.2 step 3 / §5's "dedicated, long-running
// task" requirement): it blocks only on token availability or on an
// admission signal, never busy-spinning.
func (l *Limiter) scheduler(class string, bucket *TokenBucket, queue *PriorityQueue, signal chan struct{}) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-signal:
		case <-ticker.C:
		}

		for {
			l.mu.Lock()
			next := queue.Peek()
			l.mu.Unlock()
			if next == nil {
				break
			}
			if !bucket.TryConsume(1) {
				break
			}
			l.mu.Lock()
			req := queue.Dequeue()
			l.mu.Unlock()
			if req != nil {
				req.Execute()
			}
		}
	}
}

// runRetryLoop executes fn, retrying per the policy in spec.md §4.2. A
// single bucket token (already consumed by Execute) covers every attempt.
func (l *Limiter) runRetryLoop(ctx context.Context, endpoint string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			l.rollingLog.Record(endpoint, true)
			if v := l.compliance.Record(endpoint); v != nil {
				// violation is observability-only; Execute already
				// policed admission via the token bucket.
				_ = v
			}
			return nil
		}

		l.rollingLog.Record(endpoint, false)
		lastErr = err

		if !errors.Is(err, ErrRateLimited) && !errors.Is(err, ErrTransient) {
			return err
		}
		if attempt == l.maxRetries {
			break
		}

		var delay time.Duration
		if errors.Is(err, ErrRateLimited) {
			delay = fullJitterBackoff(attempt, l.retryBase)
		} else {
			delay = l.retryBase
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

// fullJitterBackoff computes 2^attempt * base + U[0, base], per spec.md
// §4.2's retry policy.
func fullJitterBackoff(attempt int, base time.Duration) time.Duration {
	pow := time.Duration(1) << uint(attempt)
	backoff := pow * base
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	return backoff + jitter
}

// RecommendedBackoff exposes the rolling log's recommendation for a given
// endpoint (spec.md §4.2).
func (l *Limiter) RecommendedBackoff(endpoint string) time.Duration {
	return l.rollingLog.RecommendedBackoff(endpoint)
}

// Close stops every class scheduler.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.stop)
}
