package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/gary322/keeperfleet/internal/store"
)

func TestKeeperInfoRoundTrip(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	info := KeeperInfo{
		ID:           "k1",
		StartTime:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Capabilities: []string{"fetch", "update"},
		Host:         "host-a",
		Assignment:   []string{"m1", "m2"},
	}
	if err := PutKeeperInfo(ctx, st, info); err != nil {
		t.Fatal(err)
	}

	got, ok, err := GetKeeperInfo(ctx, st, "k1")
	if err != nil || !ok {
		t.Fatalf("expected to find k1, ok=%v err=%v", ok, err)
	}
	if got.Host != "host-a" || len(got.Assignment) != 2 {
		t.Fatalf("unexpected round trip: %+v", got)
	}

	all, err := ListKeeperInfo(ctx, st)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected 1 registered keeper, got %d, err=%v", len(all), err)
	}

	if err := DeleteKeeper(ctx, st, "k1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := GetKeeperInfo(ctx, st, "k1"); ok {
		t.Fatal("expected k1 to be gone after DeleteKeeper")
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	hb := Heartbeat{Timestamp: time.Now(), Processed: 10, Errors: 1, QueueDepth: 3, LatencyMillis: 120}
	if err := PutHeartbeat(ctx, st, "k1", hb); err != nil {
		t.Fatal(err)
	}

	got, ok, err := GetHeartbeat(ctx, st, "k1")
	if err != nil || !ok {
		t.Fatalf("expected heartbeat present, ok=%v err=%v", ok, err)
	}
	if got.Processed != 10 || got.Errors != 1 {
		t.Fatalf("unexpected heartbeat round trip: %+v", got)
	}

	if err := st.Del(ctx, HeartbeatKey("k1")); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := GetHeartbeat(ctx, st, "k1"); ok {
		t.Fatal("expected heartbeat to be gone after deletion")
	}
}
