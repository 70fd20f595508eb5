package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-longpoll"

	"github.com/gary322/keeperfleet/internal/config"
	"github.com/gary322/keeperfleet/internal/logging"
	"github.com/gary322/keeperfleet/internal/onchain"
	"github.com/gary322/keeperfleet/internal/provider"
	"github.com/gary322/keeperfleet/internal/verse"
)

// Source is the paginated market fetch surface the full-sync and
// resolution-monitor clocks drive (spec.md §4.4/§4.6).
type Source interface {
	FetchMarkets(ctx context.Context, limit, offset int, active bool) ([]provider.Market, error)
}

// Engine is the Ingestion Engine of spec.md §4.6: it drives the
// full-sync, hot-refresh, and resolution-monitor clocks, and handles
// push-driven significant-change propagation, issuing on-chain aggregate
// updates under keeperID's identity.
type Engine struct {
	keeperID string
	source   Source
	sink     onchain.Sink
	cfg      config.IngestConfig
	log      *logging.Logger

	cache *PriceCache
	book  *verse.Book

	mu          sync.Mutex
	markets     map[string]provider.Market
	lastApplied map[string]time.Time // market id -> observed_at of the last price update actually applied
	resolved    map[string]bool      // market ids already processed by the resolution monitor
}

// NewEngine builds an Engine. keeperID signs every on-chain call the
// engine issues.
func NewEngine(keeperID string, source Source, sink onchain.Sink, cfg config.IngestConfig, log *logging.Logger) *Engine {
	return &Engine{
		keeperID:    keeperID,
		source:      source,
		sink:        sink,
		cfg:         cfg,
		log:         log,
		cache:       NewPriceCache(0, 0, cfg.HotRefreshWindow),
		book:        verse.NewBook(),
		markets:     make(map[string]provider.Market),
		lastApplied: make(map[string]time.Time),
		resolved:    make(map[string]bool),
	}
}

// MarketIDs returns the full locally-known market universe, satisfying
// keeper.MarketLister so the leader can shard over it.
func (e *Engine) MarketIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.markets))
	for id := range e.markets {
		out = append(out, id)
	}
	return out
}

// Run starts every clock and the push handler, returning once ctx is
// cancelled. Each clock is an independent goroutine so a stall in one
// never delays another (spec.md §5).
func (e *Engine) Run(ctx context.Context, events <-chan provider.Event) {
	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); e.runTicked(ctx, e.cfg.FullSyncInterval, e.tickFullSync) }()
	go func() { defer wg.Done(); e.runTicked(ctx, e.cfg.HotRefreshInterval, e.tickHotRefresh) }()
	go func() { defer wg.Done(); e.runTicked(ctx, e.cfg.ResolutionInterval, e.tickResolutionMonitor) }()
	go func() { defer wg.Done(); e.runPushHandler(ctx, events) }()
	wg.Wait()
}

// runTicked invokes fn every period until ctx is cancelled. A panic
// inside fn is recovered and logged at the tick boundary, so one failed
// tick never stops the loop (spec.md §7's propagation rule: a
// timer-driven tick's failure is logged, never fatal).
func (e *Engine) runTicked(ctx context.Context, period time.Duration, fn func(context.Context)) {
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.logErr("ingest: tick panicked", fmt.Errorf("%v", r))
					}
				}()
				fn(ctx)
			}()
		}
	}
}

// tickFullSync implements spec.md §4.6's full-sync clock: paginated
// fetch, classify, group by verse, compute aggregate per verse, publish.
func (e *Engine) tickFullSync(ctx context.Context) {
	batch := e.cfg.FullSyncBatch
	if batch <= 0 {
		batch = 1000
	}

	touched := make(map[verse.ID]struct{})
	offset := 0
	for {
		page, err := e.source.FetchMarkets(ctx, batch, offset, true)
		if err != nil {
			e.logErr("ingest: full sync fetch failed", err)
			return
		}
		if len(page) == 0 {
			break
		}

		for _, m := range page {
			e.upsertMarket(m)
			vid := e.book.EnsureMember(m.ID, m.Question)
			if e.cache.IsDisputed(m.ID) {
				continue // disputed markets sit out recomputation until cleared
			}
			touched[vid] = struct{}{}
		}

		offset += len(page)
		if len(page) < batch {
			break
		}

		select {
		case <-time.After(e.cfg.FullSyncPageDelay):
		case <-ctx.Done():
			return
		}
	}

	for vid := range touched {
		e.publishVerse(ctx, vid)
	}
}

// tickHotRefresh implements spec.md §4.6's hot-refresh clock: re-issue
// aggregate updates for the verses of the most-recently-observed hot
// markets.
func (e *Engine) tickHotRefresh(ctx context.Context) {
	topN := e.cfg.HotRefreshTopN
	if topN <= 0 {
		topN = 100
	}
	for _, marketID := range e.cache.HotMarketIDs(topN) {
		vid, ok := e.book.VerseOf(marketID)
		if !ok {
			continue
		}
		e.publishVerse(ctx, vid)
	}
}

// tickResolutionMonitor implements spec.md §4.6's resolution-monitor
// clock: scan markets, drain a resolution path for each newly-resolved
// market, mark it processed, and drop it from its verse.
func (e *Engine) tickResolutionMonitor(ctx context.Context) {
	for _, m := range e.snapshotMarkets() {
		if !m.Resolved {
			continue
		}
		e.mu.Lock()
		already := e.resolved[m.ID]
		e.mu.Unlock()
		if already {
			continue
		}

		if err := e.sink.MarkResolution(ctx, e.keeperID, m.ID, m.Resolution); err != nil {
			e.logErr("ingest: mark resolution failed", err)
			continue
		}

		e.mu.Lock()
		e.resolved[m.ID] = true
		e.mu.Unlock()
		e.book.RemoveMember(m.ID)
	}
}

// runPushHandler drains price_update/resolution_update/dispute_update
// events off the stream, applying spec.md §4.6's push handler semantics.
// Draining goes through longpoll.Channel, grounded on SPEC_FULL.md's
// wiring of the teacher's longpoll package: it pulls bursts off the
// channel without busy-spinning and surfaces io.EOF cleanly on close.
func (e *Engine) runPushHandler(ctx context.Context, events <-chan provider.Event) {
	cfg := &longpoll.ChannelConfig{MaxSize: 64, MinSize: 1, PartialTimeout: 50 * time.Millisecond}
	for {
		err := longpoll.Channel(ctx, cfg, events, func(ev provider.Event) error {
			e.handleEvent(ctx, ev)
			return nil
		})
		if err != nil {
			return // ctx cancelled or the stream channel closed
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev provider.Event) {
	switch {
	case ev.Price != nil:
		e.handlePriceUpdate(ctx, *ev.Price)
	case ev.Resolution != nil:
		e.handleResolution(ctx, *ev.Resolution)
	case ev.Dispute != nil:
		e.cache.SetDisputed(ev.Dispute.MarketID, ev.Dispute.Disputed)
	}
}

// handlePriceUpdate implements spec.md §4.6's push handler and §5's
// per-market ordering guarantee: stale updates (older than the last
// applied observed_at for that market) are dropped; a first observation
// seeds the cache without triggering; a change exceeding the configured
// threshold triggers an immediate verse update.
func (e *Engine) handlePriceUpdate(ctx context.Context, up provider.PriceUpdate) {
	e.mu.Lock()
	last, seen := e.lastApplied[up.MarketID]
	if seen && !up.ObservedAt.After(last) {
		e.mu.Unlock()
		return
	}
	e.lastApplied[up.MarketID] = up.ObservedAt
	if m, ok := e.markets[up.MarketID]; ok {
		m.YesPrice = up.YesPrice
		e.markets[up.MarketID] = m
	}
	e.mu.Unlock()

	prev, hadPrev := e.cache.Observe(up.MarketID, up.YesPrice, up.ObservedAt)
	if !hadPrev {
		return
	}
	if prev.lastPrice == 0 {
		return
	}

	threshold := e.cfg.PushChangeThreshold
	if threshold <= 0 {
		threshold = 0.01
	}
	change := absFloat(up.YesPrice-prev.lastPrice) / absFloat(prev.lastPrice)
	// The small tolerance keeps a change of exactly the threshold (e.g.
	// 0.50 -> 0.505 at 1%) from counting as larger through rounding.
	if change <= threshold+1e-9 {
		return
	}
	if e.cache.IsDisputed(up.MarketID) {
		return
	}

	vid, ok := e.book.VerseOf(up.MarketID)
	if !ok {
		return
	}
	e.publishVerse(ctx, vid)
}

func (e *Engine) handleResolution(ctx context.Context, res provider.Resolution) {
	e.mu.Lock()
	m, ok := e.markets[res.MarketID]
	if ok {
		m.Resolved = true
		m.Resolution = res.Label
		e.markets[res.MarketID] = m
	}
	already := e.resolved[res.MarketID]
	e.mu.Unlock()

	if already {
		return
	}
	if err := e.sink.MarkResolution(ctx, e.keeperID, res.MarketID, res.Label); err != nil {
		e.logErr("ingest: mark resolution failed", err)
		return
	}
	e.mu.Lock()
	e.resolved[res.MarketID] = true
	e.mu.Unlock()
	e.book.RemoveMember(res.MarketID)
}

// publishVerse recomputes a verse's aggregate from its current member
// markets and issues the on-chain update, per spec.md §3(b)/§4.6.
func (e *Engine) publishVerse(ctx context.Context, vid verse.ID) {
	memberIDs := e.book.Members(vid)
	if len(memberIDs) == 0 {
		return
	}

	members := make([]verse.Member, 0, len(memberIDs))
	e.mu.Lock()
	for _, id := range memberIDs {
		m, ok := e.markets[id]
		if !ok {
			continue
		}
		members = append(members, verse.Member{Probability: m.YesPrice, Volume: m.Volume, Liquidity: m.Liquidity})
	}
	e.mu.Unlock()

	probability, version, ok := e.book.UpdateAggregate(vid, members, time.Now())
	if !ok {
		return
	}

	if err := e.sink.UpdateVerseProbability(ctx, e.keeperID, vid.Hex(), version, probability); err != nil {
		e.logErr("ingest: update verse probability failed", err)
	}
}

// RetryMarket re-issues the on-chain aggregate update for marketID's
// verse, for use by a keeper's retry-queue drain (spec.md §9's open
// question; the task itself lives in internal/keeper).
func (e *Engine) RetryMarket(ctx context.Context, marketID string) error {
	vid, ok := e.book.VerseOf(marketID)
	if !ok {
		return fmt.Errorf("ingest: unknown market %q, cannot retry", marketID)
	}
	e.publishVerse(ctx, vid)
	return nil
}

func (e *Engine) upsertMarket(m provider.Market) {
	e.mu.Lock()
	e.markets[m.ID] = m
	e.mu.Unlock()
}

func (e *Engine) snapshotMarkets() []provider.Market {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]provider.Market, 0, len(e.markets))
	for _, m := range e.markets {
		out = append(out, m)
	}
	return out
}

func (e *Engine) logErr(msg string, err error) {
	if err == nil {
		return
	}
	if e.log != nil {
		e.log.Warning().Err(err).Log(msg)
	}
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
