package optimizer

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBatcher_CoalescesAndDistributesPositionally(t *testing.T) {
	var mu sync.Mutex
	var gotCounts []int

	transport := func(ctx context.Context, p Payload) ([]any, error) {
		mu.Lock()
		gotCounts = append(gotCounts, p.Count)
		mu.Unlock()

		out := make([]any, len(p.Requests))
		for i := range out {
			out[i] = i // positional marker
		}
		return out, nil
	}

	b := NewBatcher(Config{MaxSize: 10, FlushInterval: 20 * time.Millisecond}, transport)
	defer b.Close()

	var wg sync.WaitGroup
	results := make([]any, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := b.BatchRequest(context.Background(), Request{Endpoint: "markets", Params: map[string]any{"market": "x"}, Priority: 1})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results[i] = v
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(gotCounts) != 1 || gotCounts[0] != 10 {
		t.Fatalf("expected a single flush of 10 requests, got %v", gotCounts)
	}

	seen := make(map[int]bool, len(results))
	for _, r := range results {
		idx, ok := r.(int)
		if !ok || idx < 0 || idx >= len(results) || seen[idx] {
			t.Fatalf("expected each waiter to receive a distinct positional result, got %v", results)
		}
		seen[idx] = true
	}
}

func TestBatcher_ScalarBroadcast(t *testing.T) {
	transport := func(ctx context.Context, p Payload) ([]any, error) {
		return []any{"shared"}, nil
	}
	b := NewBatcher(Config{MaxSize: 5, FlushInterval: 10 * time.Millisecond}, transport)
	defer b.Close()

	var wg sync.WaitGroup
	results := make([]any, 3)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := b.BatchRequest(context.Background(), Request{Endpoint: "markets", Params: map[string]any{}, Priority: 1})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = v
		}()
	}
	wg.Wait()

	for _, r := range results {
		if r != "shared" {
			t.Fatalf("expected scalar broadcast to all waiters, got %v", results)
		}
	}
}

func TestBatcher_GroupFailureRejectsAllWaiters(t *testing.T) {
	boom := context.DeadlineExceeded
	transport := func(ctx context.Context, p Payload) ([]any, error) {
		return nil, boom
	}
	b := NewBatcher(Config{MaxSize: 5, FlushInterval: 10 * time.Millisecond}, transport)
	defer b.Close()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.BatchRequest(context.Background(), Request{Endpoint: "markets", Params: map[string]any{}, Priority: 1})
			errs[i] = err
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != boom {
			t.Fatalf("expected every waiter to receive the group error, got %v", err)
		}
	}
}

func TestBatcher_DifferentGroupKeysDoNotCoalesce(t *testing.T) {
	var mu sync.Mutex
	var payloads []Payload
	transport := func(ctx context.Context, p Payload) ([]any, error) {
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
		return []any{"ok"}, nil
	}
	b := NewBatcher(Config{MaxSize: 5, FlushInterval: 10 * time.Millisecond}, transport)
	defer b.Close()

	var wg sync.WaitGroup
	for _, market := range []string{"a", "b"} {
		market := market
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.BatchRequest(context.Background(), Request{Endpoint: "markets", Params: map[string]any{"market": market}, Priority: 1})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 2 {
		t.Fatalf("expected two distinct group flushes, got %d", len(payloads))
	}
}
