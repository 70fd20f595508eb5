// Package ratelimit implements the token-bucket/priority-queue primitive,
// the tiered rate limiter, and the rolling compliance log described for
// the keeper fleet's outbound request policing.
package ratelimit

import (
	"sync"
	"time"
)

// for testing purposes, matching catrate's approach to faking time.
var timeNow = time.Now

// TokenBucket is a lazily-refilled capacity counter. Refill only happens
// on access: tokens are never created without elapsed-time accounting, and
// tokens never exceed MaxTokens (spec.md §3 TokenBucket invariant).
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a bucket starting full, refilling at ratePerSec
// tokens/second up to maxTokens.
func NewTokenBucket(maxTokens, ratePerSec float64) *TokenBucket {
	if maxTokens <= 0 || ratePerSec <= 0 {
		panic("ratelimit: maxTokens and ratePerSec must be positive")
	}
	return &TokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: ratePerSec,
		lastRefill: timeNow(),
	}
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
}

// TryConsume attempts to remove n tokens, returning true on success.
func (b *TokenBucket) TryConsume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(timeNow())
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// WaitForTokens blocks until n tokens are available (or ctx-free cancel via
// stop channel), then consumes them. It never busy-spins: it sleeps for the
// computed deficit, then rechecks.
func (b *TokenBucket) WaitForTokens(n float64, stop <-chan struct{}) bool {
	for {
		if b.TryConsume(n) {
			return true
		}

		b.mu.Lock()
		deficit := n - b.tokens
		wait := time.Duration(0)
		if deficit > 0 {
			secs := deficit / b.refillRate
			wait = time.Duration(secs * float64(time.Second))
			if wait <= 0 {
				wait = time.Millisecond
			}
		}
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// Rebuild atomically replaces capacity and rate (used for emergency-mode
// transitions, spec.md §4.2/§9): current token count is clamped to the new
// capacity, never topped up. This keeps the rebuild atomic relative to
// TryConsume/WaitForTokens, per the Open Question in spec.md §9.
func (b *TokenBucket) Rebuild(maxTokens, ratePerSec float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(timeNow())
	b.maxTokens = maxTokens
	b.refillRate = ratePerSec
	if b.tokens > maxTokens {
		b.tokens = maxTokens
	}
}

// Tokens reports the current token count (after an implicit refill), for
// observability/tests.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(timeNow())
	return b.tokens
}
