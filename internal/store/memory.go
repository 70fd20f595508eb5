package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// for testing purposes, matching ratelimit's approach to faking time.
var timeNow = time.Now

type ttlEntry struct {
	val       []byte
	expiresAt time.Time // zero means no expiry
}

func (e ttlEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// Memory is an in-memory reference implementation of Store. It is safe
// for concurrent use and is sufficient for a single-process deployment
// or for tests; expiry is evaluated lazily on access, the same way
// ratelimit.TokenBucket defers refill until it is touched.
type Memory struct {
	mu sync.Mutex

	hashes map[string]map[string][]byte
	kv     map[string]ttlEntry
	lists  map[string][][]byte
	subs   map[string]map[int]Handler
	nextID int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		hashes: make(map[string]map[string][]byte),
		kv:     make(map[string]ttlEntry),
		lists:  make(map[string][][]byte),
		subs:   make(map[string]map[int]Handler),
	}
}

func (m *Memory) HashSet(_ context.Context, hash, field string, val []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[hash]
	if !ok {
		h = make(map[string][]byte)
		m.hashes[hash] = h
	}
	h[field] = append([]byte(nil), val...)
	return nil
}

func (m *Memory) HashGet(_ context.Context, hash, field string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[hash]
	if !ok {
		return nil, false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (m *Memory) HashDel(_ context.Context, hash, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hashes[hash]; ok {
		delete(h, field)
	}
	return nil
}

func (m *Memory) HashGetAll(_ context.Context, hash string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.hashes[hash]))
	for k, v := range m.hashes[hash] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SetEx(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = ttlEntry{val: append([]byte(nil), val...), expiresAt: timeNow().Add(ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok {
		return nil, false, nil
	}
	if !e.live(timeNow()) {
		delete(m.kv, key)
		return nil, false, nil
	}
	return e.val, true, nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *Memory) SetIfAbsent(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := timeNow()
	if e, ok := m.kv[key]; ok && e.live(now) {
		return false, nil
	}
	m.kv[key] = ttlEntry{val: append([]byte(nil), val...), expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Extend(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := timeNow()
	e, ok := m.kv[key]
	if !ok || !e.live(now) {
		return false, nil
	}
	e.expiresAt = now.Add(ttl)
	m.kv[key] = e
	return true, nil
}

func (m *Memory) Publish(_ context.Context, channel string, msg []byte) error {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[channel]))
	for _, h := range m.subs[channel] {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	// Deliver outside the lock, on the caller's goroutine: handlers run
	// synchronously with respect to each other per publish, matching
	// the fan-out-then-wait pattern used by optimizer.fanout, so a
	// handler can observe message ordering. Publish returns only after
	// every handler has returned; a handler that blocks blocks Publish.
	for _, h := range handlers {
		h(channel, msg)
	}
	return nil
}

type memSub struct {
	m       *Memory
	channel string
	id      int
	once    sync.Once
}

func (s *memSub) Cancel() {
	s.once.Do(func() {
		s.m.mu.Lock()
		delete(s.m.subs[s.channel], s.id)
		s.m.mu.Unlock()
	})
}

func (m *Memory) Subscribe(_ context.Context, channel string, handler Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]Handler)
	}
	id := m.nextID
	m.nextID++
	m.subs[channel][id] = handler
	return &memSub{m: m, channel: channel, id: id}, nil
}

func (m *Memory) ListPush(_ context.Context, queue string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[queue] = append(m.lists[queue], append([]byte(nil), msg...))
	return nil
}

// ListDrain atomically takes every message currently queued and clears
// the queue, so concurrent drainers never observe the same record
// twice.
func (m *Memory) ListDrain(_ context.Context, queue string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.lists[queue]
	delete(m.lists, queue)
	return out, nil
}

func (m *Memory) IncrementBy(_ context.Context, hash, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[hash]
	if !ok {
		h = make(map[string][]byte)
		m.hashes[hash] = h
	}
	var cur int64
	if v, ok := h[field]; ok {
		cur, _ = strconv.ParseInt(string(v), 10, 64)
	}
	cur += delta
	h[field] = []byte(strconv.FormatInt(cur, 10))
	return cur, nil
}
