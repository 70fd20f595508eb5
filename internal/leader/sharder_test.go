package leader

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/gary322/keeperfleet/internal/store"
)

func TestSharder_Reshard_DistributesAndPersists(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	var received []WorkMessage
	for _, id := range []string{"k1", "k2", "k3"} {
		id := id
		if _, err := st.Subscribe(ctx, WorkChannel(id), func(channel string, msg []byte) {
			var wm WorkMessage
			if err := json.Unmarshal(msg, &wm); err != nil {
				t.Fatal(err)
			}
			received = append(received, wm)
		}); err != nil {
			t.Fatal(err)
		}
	}

	s := NewSharder(st)
	markets := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		markets = append(markets, "market-"+string(rune('A'+i)))
	}

	assignment, err := s.Reshard(ctx, []string{"k1", "k2", "k3"}, markets)
	if err != nil {
		t.Fatal(err)
	}
	if assignment.Generation != 1 {
		t.Fatalf("expected first reshard to be generation 1, got %d", assignment.Generation)
	}

	total := 0
	for _, ms := range assignment.Shards {
		total += len(ms)
	}
	if total != len(markets) {
		t.Fatalf("expected every market assigned exactly once, got %d of %d", total, len(markets))
	}

	if len(received) != 3 {
		t.Fatalf("expected a work message published to every keeper, got %d", len(received))
	}

	raw, ok, err := st.HashGet(ctx, DistributionKey, "current")
	if err != nil || !ok {
		t.Fatalf("expected distribution persisted, ok=%v err=%v", ok, err)
	}
	var pairs []DistributionPair
	if err := json.Unmarshal(raw, &pairs); err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 3 {
		t.Fatalf("expected 3 persisted keeper entries, got %d", len(pairs))
	}
}

func TestSharder_Reshard_GenerationIncreasesMonotonically(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	s := NewSharder(st)

	a1, err := s.Reshard(ctx, []string{"k1"}, []string{"m1"})
	if err != nil {
		t.Fatal(err)
	}
	a2, err := s.Reshard(ctx, []string{"k1"}, []string{"m1", "m2"})
	if err != nil {
		t.Fatal(err)
	}
	if a2.Generation <= a1.Generation {
		t.Fatalf("expected generation to increase, got %d then %d", a1.Generation, a2.Generation)
	}
}

func TestSharder_Reshard_ZeroMarketsStillBumpsGeneration(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	s := NewSharder(st)

	a, err := s.Reshard(ctx, []string{"k1", "k2"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.Generation != 1 {
		t.Fatalf("expected generation 1 even with zero markets, got %d", a.Generation)
	}
	for k, ms := range a.Shards {
		if len(ms) != 0 {
			t.Fatalf("expected empty assignment for %s, got %v", k, ms)
		}
	}
}

func TestSharder_Reshard_EmptyActiveSetErrors(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	s := NewSharder(st)

	_, err := s.Reshard(ctx, nil, []string{"m1"})
	if err != ErrNoActiveKeepers {
		t.Fatalf("expected ErrNoActiveKeepers, got %v", err)
	}
}

func TestSharder_Reshard_DeterministicAcrossKeeperOrderings(t *testing.T) {
	st1 := store.NewMemory()
	st2 := store.NewMemory()
	ctx := context.Background()

	markets := []string{"m1", "m2", "m3", "m4", "m5"}

	a1, err := NewSharder(st1).Reshard(ctx, []string{"k3", "k1", "k2"}, markets)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := NewSharder(st2).Reshard(ctx, []string{"k1", "k2", "k3"}, markets)
	if err != nil {
		t.Fatal(err)
	}

	for k, ms := range a1.Shards {
		other := a2.Shards[k]
		if len(ms) != len(other) {
			t.Fatalf("keeper %s: shard size differs by input ordering: %v vs %v", k, ms, other)
		}
		for i := range ms {
			if ms[i] != other[i] {
				t.Fatalf("keeper %s: shard contents differ by input ordering: %v vs %v", k, ms, other)
			}
		}
	}
}
