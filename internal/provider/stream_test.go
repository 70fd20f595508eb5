package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	pos      int
	written  []any
	closed   bool
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v)
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pos >= len(c.messages) {
		return 0, nil, errors.New("fakeConn: exhausted")
	}
	msg := c.messages[c.pos]
	c.pos++
	return 1, msg, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	calls int
}

func (d *fakeDialer) DialContext(ctx context.Context, url string, header map[string][]string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls >= len(d.conns) {
		return nil, errors.New("fakeDialer: no more conns")
	}
	c := d.conns[d.calls]
	d.calls++
	return c, nil
}

func TestStream_DecodesAndDropsMalformed(t *testing.T) {
	conn := &fakeConn{messages: [][]byte{
		[]byte(`{"type":"price_update","market_id":"m1","yes_price":"0.7"}`),
		[]byte(`not json at all`),
		[]byte(`{"type":"resolution_update","market_id":"m1","resolution":"yes"}`),
		[]byte(`{"type":"dispute_update","market_id":"m1","disputed":true}`),
		[]byte(`{"type":"unknown_future_type","market_id":"m1"}`),
	}}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	s := &Stream{url: "wss://example", dialer: dialer}
	events := make(chan Event, 10)

	ctx, cancel := context.WithCancel(context.Background())
	reconnectBase = time.Millisecond
	defer func() { reconnectBase = time.Second }()

	done := make(chan struct{})
	go func() {
		s.Run(ctx, events)
		close(done)
	}()

	var got []Event
	timeout := time.After(time.Second)
collect:
	for len(got) < 3 {
		select {
		case e := <-events:
			got = append(got, e)
		case <-timeout:
			break collect
		}
	}
	cancel()
	<-done

	if len(got) != 3 {
		t.Fatalf("expected 3 decoded events (malformed/unknown dropped), got %d: %+v", len(got), got)
	}
	if got[0].Price == nil || got[0].Price.MarketID != "m1" || got[0].Price.YesPrice != 0.7 {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[1].Resolution == nil || got[1].Resolution.Label != "yes" {
		t.Fatalf("unexpected second event: %+v", got[1])
	}
	if got[2].Dispute == nil || !got[2].Dispute.Disputed {
		t.Fatalf("unexpected third event: %+v", got[2])
	}

	if len(conn.written) != 1 {
		t.Fatalf("expected exactly one subscribe frame, got %d", len(conn.written))
	}
	frame, ok := conn.written[0].(subscribeFrame)
	if !ok || frame.Type != "subscribe" || frame.Channel != "market_updates" || !frame.Params.All {
		t.Fatalf("unexpected subscribe frame: %+v", conn.written[0])
	}
}

func TestStream_ReconnectsOnDialFailure(t *testing.T) {
	conn := &fakeConn{messages: [][]byte{
		[]byte(`{"type":"price_update","market_id":"m2","yes_price":"0.1"}`),
	}}
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	reconnectBase = time.Millisecond
	defer func() { reconnectBase = time.Second }()

	s := &Stream{url: "wss://example", dialer: &failThenSucceedDialer{fakeDialer: dialer}}
	events := make(chan Event, 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx, events)
		close(done)
	}()

	select {
	case e := <-events:
		if e.Price == nil || e.Price.MarketID != "m2" {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event after reconnect")
	}

	cancel()
	<-done
}

// failThenSucceedDialer fails the first DialContext call, then delegates
// to fakeDialer for subsequent calls.
type failThenSucceedDialer struct {
	*fakeDialer
	failed bool
}

func (d *failThenSucceedDialer) DialContext(ctx context.Context, url string, header map[string][]string) (Conn, error) {
	d.mu.Lock()
	if !d.failed {
		d.failed = true
		d.mu.Unlock()
		return nil, errors.New("simulated dial failure")
	}
	d.mu.Unlock()
	return d.fakeDialer.DialContext(ctx, url, header)
}
