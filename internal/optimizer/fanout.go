package optimizer

import (
	"context"
)

// clampParallel enforces spec.md §6's parallelRequests clamp (default 5,
// range 1..10).
func clampParallel(n int) int {
	if n <= 0 {
		n = 5
	}
	if n < 1 {
		n = 1
	}
	if n > 10 {
		n = 10
	}
	return n
}

// chunk splits ids into groups of at most size.
func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

// FetchFunc fetches one chunk of market ids.
type FetchFunc func(ctx context.Context, ids []string) ([]string, error)

// OptimizeMarketFetch implements spec.md §4.3's optimizeMarketFetch:
// group ids by verse, chunk each group at 50, and execute the resulting
// tasks with bounded concurrency (default 5, clamped 1..10): at most N
// tasks in flight, waiting for any to settle before launching the next.
func OptimizeMarketFetch(ctx context.Context, ids []string, verseOf func(id string) string, parallel int, fetch FetchFunc) ([]string, error) {
	parallel = clampParallel(parallel)

	groups := make(map[string][]string)
	var order []string
	for _, id := range ids {
		v := verseOf(id)
		if _, ok := groups[v]; !ok {
			order = append(order, v)
		}
		groups[v] = append(groups[v], id)
	}

	var tasks [][]string
	for _, v := range order {
		tasks = append(tasks, chunk(groups[v], 50)...)
	}

	return runBounded(ctx, tasks, parallel, fetch)
}

type taskResult struct {
	ids []string
	err error
}

// runBounded executes each task with at most `parallel` in flight; when
// full, it waits for any in-flight task to settle before launching the
// next, per spec.md §4.3's concurrency discipline.
func runBounded(ctx context.Context, tasks [][]string, parallel int, fetch FetchFunc) ([]string, error) {
	if len(tasks) == 0 {
		return nil, nil
	}

	sem := make(chan struct{}, parallel)
	results := make(chan taskResult, len(tasks))

	for _, task := range tasks {
		task := task
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		go func() {
			defer func() { <-sem }()
			got, err := fetch(ctx, task)
			results <- taskResult{ids: got, err: err}
		}()
	}

	var out []string
	var firstErr error
	for range tasks {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = r.err
			continue
		}
		out = append(out, r.ids...)
	}
	return out, firstErr
}
