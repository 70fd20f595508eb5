package leader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gary322/keeperfleet/internal/store"
)

// DistributionKey and WorkChannel are the well-known coordination-store
// keys/channels from spec.md §6.
const DistributionKey = "keeper:work:distribution"

// WorkChannel returns the per-keeper work channel name.
func WorkChannel(keeperID string) string { return "keeper:" + keeperID + ":work" }

// ErrNoActiveKeepers is returned by Reshard when the active-keeper set
// is empty; spec.md §4.9 says to publish nothing and log critical, which
// is the caller's responsibility once it sees this error.
var ErrNoActiveKeepers = errors.New("leader: no active keepers to shard across")

// WorkMessage is the JSON body published to a keeper's work channel
// (spec.md §6).
type WorkMessage struct {
	Markets    []string `json:"markets"`
	Timestamp  int64    `json:"ts"`
	Generation uint64   `json:"generation"`
}

// Assignment is the computed shard map for one reshard pass.
type Assignment struct {
	Generation uint64
	Timestamp  int64
	Shards     map[string][]string // keeper_id -> market_ids
}

// Sharder computes and publishes the consistent-hash work assignment of
// spec.md §4.9. Only the current leader should drive it.
type Sharder struct {
	store store.Store

	mu          sync.Mutex
	generation  uint64
	initialized bool
}

// NewSharder builds a Sharder backed by st.
func NewSharder(st store.Store) *Sharder {
	return &Sharder{store: st}
}

// Reshard computes a fresh assignment from activeKeepers and markets,
// persists it under DistributionKey, and publishes each keeper's list to
// its own work channel with a monotonically increasing generation. Zero
// markets still bumps the generation and publishes empty lists (spec.md
// §4.9's tie-break). An empty active set publishes nothing and returns
// ErrNoActiveKeepers.
func (s *Sharder) Reshard(ctx context.Context, activeKeepers, markets []string) (Assignment, error) {
	if len(activeKeepers) == 0 {
		return Assignment{}, ErrNoActiveKeepers
	}

	sorted := append([]string(nil), activeKeepers...)
	sort.Strings(sorted)

	shards := make(map[string][]string, len(sorted))
	for _, k := range sorted {
		shards[k] = []string{}
	}
	for _, m := range markets {
		slot := Slot(m, len(sorted))
		kid := sorted[slot]
		shards[kid] = append(shards[kid], m)
	}

	s.mu.Lock()
	if !s.initialized {
		// A fresh process picks up generation numbering where the last
		// one left off, so followers (which only accept a generation
		// strictly greater than their last-accepted one) don't reject a
		// post-restart reshard as stale.
		_, lastGen, err := ReadDistribution(ctx, s.store)
		if err == nil {
			s.generation = lastGen
		}
		s.initialized = true
	}
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	ts := time.Now().UnixMilli()
	assignment := Assignment{Generation: gen, Timestamp: ts, Shards: shards}

	if err := s.persist(ctx, assignment, sorted); err != nil {
		return Assignment{}, err
	}
	if err := s.publish(ctx, assignment); err != nil {
		return Assignment{}, err
	}
	return assignment, nil
}

// DistributionPair is one keeper's entry in the persisted "current"
// field. It is encoded as a JSON object {"keeper_id": ..., "markets":
// [...]}, not as a two-element [keeper_id, [market_id…]] array.
type DistributionPair struct {
	KeeperID string   `json:"keeper_id"`
	Markets  []string `json:"markets"`
}

func (s *Sharder) persist(ctx context.Context, a Assignment, order []string) error {
	pairs := make([]DistributionPair, 0, len(order))
	for _, k := range order {
		pairs = append(pairs, DistributionPair{KeeperID: k, Markets: a.Shards[k]})
	}
	return PersistDistribution(ctx, s.store, pairs, a.Timestamp, a.Generation)
}

func (s *Sharder) publish(ctx context.Context, a Assignment) error {
	for keeperID, markets := range a.Shards {
		if err := PublishWork(ctx, s.store, keeperID, markets, a.Timestamp, a.Generation); err != nil {
			return err
		}
	}
	return nil
}

// PersistDistribution writes the `{current, timestamp, generation}`
// trio under DistributionKey. Exported so the failover supervisor's
// round-robin redistribution (spec.md §4.10) can reuse the same encoding
// the leader's periodic reshard uses.
func PersistDistribution(ctx context.Context, st store.Store, pairs []DistributionPair, timestamp int64, generation uint64) error {
	encoded, err := json.Marshal(pairs)
	if err != nil {
		return fmt.Errorf("leader: encode distribution: %w", err)
	}
	if err := st.HashSet(ctx, DistributionKey, "current", encoded); err != nil {
		return err
	}
	if err := st.HashSet(ctx, DistributionKey, "timestamp", []byte(strconv.FormatInt(timestamp, 10))); err != nil {
		return err
	}
	return st.HashSet(ctx, DistributionKey, "generation", []byte(strconv.FormatUint(generation, 10)))
}

// ReadDistribution reads back the last-persisted distribution, or a
// zero-value generation/nil pairs if none has ever been written.
func ReadDistribution(ctx context.Context, st store.Store) (pairs []DistributionPair, generation uint64, err error) {
	raw, ok, err := st.HashGet(ctx, DistributionKey, "current")
	if err != nil {
		return nil, 0, err
	}
	if ok {
		if err := json.Unmarshal(raw, &pairs); err != nil {
			return nil, 0, fmt.Errorf("leader: decode distribution: %w", err)
		}
	}

	genRaw, ok, err := st.HashGet(ctx, DistributionKey, "generation")
	if err != nil {
		return nil, 0, err
	}
	if ok {
		generation, err = strconv.ParseUint(string(genRaw), 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("leader: decode generation: %w", err)
		}
	}
	return pairs, generation, nil
}

// PublishWork encodes and publishes one keeper's work message.
func PublishWork(ctx context.Context, st store.Store, keeperID string, markets []string, timestamp int64, generation uint64) error {
	msg := WorkMessage{Markets: markets, Timestamp: timestamp, Generation: generation}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("leader: encode work message: %w", err)
	}
	return st.Publish(ctx, WorkChannel(keeperID), encoded)
}
