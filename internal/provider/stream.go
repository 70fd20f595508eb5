package provider

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gary322/keeperfleet/internal/logging"
)

// reconnectBase is spec.md §5's push-reconnect backoff base; the delay is
// 2^attempt seconds, attempt resetting to zero on a successful open. A
// var (not const), so tests can shrink it.
var reconnectBase = time.Second

// subscribeFrame is the client->server subscribe message from spec.md
// §6.
type subscribeFrame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Params  subscribeParams `json:"params"`
}

type subscribeParams struct {
	All bool `json:"all"`
}

// wireEvent is the server->client push frame envelope. Fields beyond the
// matching type are simply absent/zero.
type wireEvent struct {
	Type       string `json:"type"`
	MarketID   string `json:"market_id"`
	YesPrice   string `json:"yes_price"`
	Resolution string `json:"resolution"`
	Disputed   bool   `json:"disputed"`
}

// Dialer abstracts websocket.DefaultDialer so tests can substitute a
// fake without opening a real socket.
type Dialer interface {
	DialContext(ctx context.Context, url string, header map[string][]string) (Conn, error)
}

// Conn is the subset of *websocket.Conn the stream needs.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type gorillaDialer struct{}

func (gorillaDialer) DialContext(ctx context.Context, url string, header map[string][]string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header(header))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Stream manages the reconnecting push connection described in spec.md
// §4.4: resubscribe on every open, full reconnect with exponential
// backoff on close, malformed frames logged and dropped.
type Stream struct {
	url    string
	dialer Dialer
	log    *logging.Logger
}

// NewStream builds a Stream that dials wsURL with the default gorilla
// websocket dialer.
func NewStream(wsURL string, log *logging.Logger) *Stream {
	return &Stream{url: wsURL, dialer: gorillaDialer{}, log: log}
}

// Run dials, resubscribes, and decodes frames onto events until ctx is
// cancelled. It never returns except when ctx is done; all connection
// errors are absorbed into the reconnect loop.
func (s *Stream) Run(ctx context.Context, events chan<- Event) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logErr("provider: dial failed", err)
			if !s.sleepBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		if err := conn.WriteJSON(subscribeFrame{Type: "subscribe", Channel: "market_updates", Params: subscribeParams{All: true}}); err != nil {
			s.logErr("provider: subscribe frame failed", err)
			conn.Close()
			if !s.sleepBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		s.readLoop(ctx, conn, events)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		if !s.sleepBackoff(ctx, attempt) {
			return
		}
		attempt++
	}
}

func (s *Stream) readLoop(ctx context.Context, conn Conn, events chan<- Event) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logErr("provider: read failed, reconnecting", err)
			return
		}

		var we wireEvent
		if err := json.Unmarshal(raw, &we); err != nil {
			s.logErr("provider: malformed frame, dropping", err)
			continue
		}

		event, ok := decodeEvent(we)
		if !ok {
			continue // unknown type, ignored per spec.md §6
		}

		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
	}
}

func decodeEvent(we wireEvent) (Event, bool) {
	switch we.Type {
	case "price_update":
		price, err := parseFloatLoose(we.YesPrice)
		if err != nil {
			return Event{}, false
		}
		return Event{Price: &PriceUpdate{MarketID: we.MarketID, YesPrice: price, ObservedAt: time.Now()}}, true
	case "resolution_update":
		return Event{Resolution: &Resolution{MarketID: we.MarketID, Label: we.Resolution}}, true
	case "dispute_update":
		return Event{Dispute: &DisputeUpdate{MarketID: we.MarketID, Disputed: we.Disputed}}, true
	default:
		return Event{}, false
	}
}

func parseFloatLoose(s string) (float64, error) {
	return strconv.ParseFloat(zeroIfEmpty(s), 64)
}

func (s *Stream) logErr(msg string, err error) {
	if s.log != nil {
		s.log.Debug().Err(err).Log(msg)
	}
}

// sleepBackoff waits 2^attempt * reconnectBase plus a small jitter,
// returning false if ctx is cancelled first.
func (s *Stream) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := (time.Duration(1) << uint(attempt)) * reconnectBase
	delay += time.Duration(rand.Int63n(int64(reconnectBase)))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
