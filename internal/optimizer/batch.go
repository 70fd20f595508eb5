package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	microbatch "github.com/joeycumines/go-microbatch"
)

// Transport performs the actual downstream call for one flushed batch
// payload. If it returns a result slice of length 1, that single value is
// broadcast to every waiter in the group (spec.md §4.3: "if downstream
// returns a scalar, broadcast it to all waiters"); otherwise results are
// distributed positionally, and the slice must be exactly len(payload.Requests)
// long.
type Transport func(ctx context.Context, payload Payload) ([]any, error)

// Payload is the outbound shape built on flush: spec.md §4.3's
// {requests, count, ts}, plus the endpoint/priority the caller submits
// through the rate limiter with.
type Payload struct {
	Endpoint string            `json:"-"`
	Priority int               `json:"-"`
	Requests []json.RawMessage `json:"requests"`
	Count    int               `json:"count"`
	Ts       int64             `json:"ts"`

	// Body is the serialized form of the above fields, as actually
	// transmitted: either the raw JSON, or its compressed form, per
	// Compressed.
	Body       []byte `json:"-"`
	Compressed bool   `json:"-"`
}

// Request is one pending call awaiting batching.
type Request struct {
	Endpoint string
	Params   map[string]any
	Priority int
}

// queuedCall is the microbatch Job: it carries the request plus the
// outcome fields the BatchProcessor fills in by reference.
type queuedCall struct {
	req    Request
	raw    json.RawMessage
	result any
	err    error
}

// groupKey derives the batching key from the endpoint plus "common
// params" — params with id and timestamp removed (spec.md §4.3).
func groupKey(req Request) string {
	common := make(map[string]any, len(req.Params))
	for k, v := range req.Params {
		if k == "id" || k == "timestamp" {
			continue
		}
		common[k] = v
	}
	b, _ := json.Marshal(common)
	return req.Endpoint + "|" + string(b)
}

// Batcher groups requests by derived key into a microbatch.Batcher[*queuedCall]
// per key, flushing on a 100ms timer or a 100-request size cap (spec.md
// §4.3 defaults), and builds/submits the {requests,count,ts} payload
// through a Transport (expected to route through the rate limiter at the
// max priority within the batch).
type Batcher struct {
	mu            sync.Mutex
	batchers      map[string]*microbatch.Batcher[*queuedCall]
	maxSize       int
	flushInterval time.Duration
	compressor    Compressor
	transport     Transport
	nowFunc       func() time.Time
}

// Compressor optionally compresses a serialized payload if it is worth
// doing so; see Gzip in compress.go.
type Compressor func(data []byte) (out []byte, compressed bool)

// Config configures NewBatcher; zero values fall back to spec.md §6's
// defaults.
type Config struct {
	MaxSize       int
	FlushInterval time.Duration
	Compressor    Compressor
}

// NewBatcher builds a Batcher submitting flushed payloads through
// transport.
func NewBatcher(cfg Config, transport Transport) *Batcher {
	if transport == nil {
		panic("optimizer: nil transport")
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}
	return &Batcher{
		batchers:      make(map[string]*microbatch.Batcher[*queuedCall]),
		maxSize:       maxSize,
		flushInterval: flushInterval,
		compressor:    cfg.Compressor,
		transport:     transport,
		nowFunc:       time.Now,
	}
}

// BatchRequest enqueues req into its group's batcher, blocking until the
// group flushes and this request's result (or the group-level error) is
// available.
func (b *Batcher) BatchRequest(ctx context.Context, req Request) (any, error) {
	key := groupKey(req)
	raw, err := json.Marshal(req.Params)
	if err != nil {
		return nil, err
	}

	mb := b.batcherFor(key)

	call := &queuedCall{req: req, raw: raw}
	jr, err := mb.Submit(ctx, call)
	if err != nil {
		return nil, err
	}
	if err := jr.Wait(ctx); err != nil {
		return nil, err
	}
	return call.result, call.err
}

func (b *Batcher) batcherFor(key string) *microbatch.Batcher[*queuedCall] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mb, ok := b.batchers[key]; ok {
		return mb
	}
	mb := microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:       b.maxSize,
		FlushInterval: b.flushInterval,
		MaxConcurrency: 1,
	}, b.process)
	b.batchers[key] = mb
	return mb
}

// process is the microbatch.BatchProcessor for every group: sort by
// priority, build the payload, optionally compress, submit through the
// transport, then distribute results (spec.md §4.3).
func (b *Batcher) process(ctx context.Context, jobs []*queuedCall) error {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].req.Priority > jobs[j].req.Priority
	})

	payload := Payload{
		Endpoint: jobs[0].req.Endpoint,
		Requests: make([]json.RawMessage, len(jobs)),
		Count:    len(jobs),
		Ts:       b.nowFunc().UnixMilli(),
	}
	maxPriority := jobs[0].req.Priority
	for i, j := range jobs {
		payload.Requests[i] = j.raw
		if j.req.Priority > maxPriority {
			maxPriority = j.req.Priority
		}
	}
	payload.Priority = maxPriority

	serialized, err := json.Marshal(struct {
		Requests []json.RawMessage `json:"requests"`
		Count    int               `json:"count"`
		Ts       int64             `json:"ts"`
	}{payload.Requests, payload.Count, payload.Ts})
	if err != nil {
		for _, j := range jobs {
			j.err = err
		}
		return err
	}

	payload.Body = serialized
	if b.compressor != nil {
		if out, compressed := b.compressor(serialized); compressed {
			payload.Body = out
			payload.Compressed = true
		}
	}

	results, err := b.transport(ctx, payload)
	if err != nil {
		for _, j := range jobs {
			j.err = err
		}
		return err
	}

	switch {
	case len(results) == 1 && len(jobs) != 1:
		// scalar broadcast
		for _, j := range jobs {
			j.result = results[0]
		}
	case len(results) == len(jobs):
		for i, j := range jobs {
			j.result = results[i]
		}
	default:
		err := errors.New("optimizer: transport returned mismatched result count")
		for _, j := range jobs {
			j.err = err
		}
		return err
	}
	return nil
}

// Close tears down every per-group batcher.
func (b *Batcher) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, mb := range b.batchers {
		_ = mb.Close()
	}
	b.batchers = make(map[string]*microbatch.Batcher[*queuedCall])
	return nil
}
