package failover

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gary322/keeperfleet/internal/fleet"
	"github.com/gary322/keeperfleet/internal/leader"
	"github.com/gary322/keeperfleet/internal/store"
)

func subscribeJSON[T any](t *testing.T, st store.Store, ctx context.Context, channel string, out *[]T) {
	t.Helper()
	if _, err := st.Subscribe(ctx, channel, func(_ string, msg []byte) {
		var v T
		if err := json.Unmarshal(msg, &v); err != nil {
			t.Fatal(err)
		}
		*out = append(*out, v)
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSupervisor_EscalatesToPermanentFailure(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now()

	if err := fleet.PutKeeperInfo(ctx, st, fleet.KeeperInfo{ID: "k1"}); err != nil {
		t.Fatal(err)
	}

	var events []fleet.FleetEvent
	subscribeJSON[fleet.FleetEvent](t, st, ctx, fleet.EventsChannel, &events)

	sup := NewSupervisor(st, Config{MaxConsecutiveFailures: 2}, nil)

	if err := sup.Tick(ctx, now); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := fleet.GetKeeperInfo(ctx, st, "k1"); !ok {
		t.Fatal("expected k1 to still be registered after first failure")
	}

	if err := sup.Tick(ctx, now); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := fleet.GetKeeperInfo(ctx, st, "k1"); ok {
		t.Fatal("expected k1 to be permanently removed after reaching the failure threshold")
	}
	if len(events) != 1 || events[0].Type != "keeper_removed" || events[0].KeeperID != "k1" {
		t.Fatalf("expected a keeper_removed event, got %+v", events)
	}
}

func TestSupervisor_PromotesBestHealthyOnPrimaryFailure(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"primary", "backup-weak", "backup-strong"} {
		if err := fleet.PutKeeperInfo(ctx, st, fleet.KeeperInfo{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	// primary has no heartbeat at all: classified failed.
	if _, err := st.SetIfAbsent(ctx, leader.LeaseKey, []byte("primary"), leader.LeaseTTL); err != nil {
		t.Fatal(err)
	}
	if err := fleet.PutHeartbeat(ctx, st, "backup-weak", fleet.Heartbeat{Timestamp: now, Processed: 10, Errors: 3, LatencyMillis: 200}); err != nil {
		t.Fatal(err)
	}
	if err := fleet.PutHeartbeat(ctx, st, "backup-strong", fleet.Heartbeat{Timestamp: now, Processed: 100, Errors: 1, LatencyMillis: 10}); err != nil {
		t.Fatal(err)
	}

	var control []fleet.ControlMessage
	subscribeJSON[fleet.ControlMessage](t, st, ctx, fleet.ControlChannel("backup-strong"), &control)

	sup := NewSupervisor(st, Config{MaxConsecutiveFailures: 5}, nil)
	if err := sup.Tick(ctx, now); err != nil {
		t.Fatal(err)
	}

	val, ok, err := st.Get(ctx, leader.LeaseKey)
	if err != nil || !ok || string(val) != "backup-strong" {
		t.Fatalf("expected backup-strong to be promoted, got %q ok=%v err=%v", val, ok, err)
	}
	if len(control) != 1 || control[0].Command != "become_leader" {
		t.Fatalf("expected a become_leader control message, got %+v", control)
	}
}

func TestSupervisor_EmitsCriticalFailureWhenNoHealthyCandidate(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now()

	if err := fleet.PutKeeperInfo(ctx, st, fleet.KeeperInfo{ID: "primary"}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.SetIfAbsent(ctx, leader.LeaseKey, []byte("primary"), leader.LeaseTTL); err != nil {
		t.Fatal(err)
	}

	var events []fleet.FleetEvent
	subscribeJSON[fleet.FleetEvent](t, st, ctx, fleet.EventsChannel, &events)

	sup := NewSupervisor(st, Config{MaxConsecutiveFailures: 5}, nil)
	if err := sup.Tick(ctx, now); err != nil {
		t.Fatal(err)
	}

	if len(events) != 1 || events[0].Type != "critical_failure" {
		t.Fatalf("expected a critical_failure event, got %+v", events)
	}
}

func TestSupervisor_RedistributesFailedBackupMarkets(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"healthy-1", "healthy-2", "failed-backup"} {
		if err := fleet.PutKeeperInfo(ctx, st, fleet.KeeperInfo{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := fleet.PutHeartbeat(ctx, st, "healthy-1", fleet.Heartbeat{Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	if err := fleet.PutHeartbeat(ctx, st, "healthy-2", fleet.Heartbeat{Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	// failed-backup has no heartbeat: classified failed, and is not the
	// leader, so it takes the backup-failure path.

	pairs := []leader.DistributionPair{
		{KeeperID: "healthy-1", Markets: []string{"m1"}},
		{KeeperID: "healthy-2", Markets: []string{"m2"}},
		{KeeperID: "failed-backup", Markets: []string{"m3", "m4", "m5"}},
	}
	if err := leader.PersistDistribution(ctx, st, pairs, now.UnixMilli(), 1); err != nil {
		t.Fatal(err)
	}

	sup := NewSupervisor(st, Config{MaxConsecutiveFailures: 5}, nil)
	if err := sup.Tick(ctx, now); err != nil {
		t.Fatal(err)
	}

	newPairs, generation, err := leader.ReadDistribution(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if generation != 2 {
		t.Fatalf("expected redistribution to bump the generation to 2, got %d", generation)
	}

	total := 0
	found := map[string]bool{}
	for _, p := range newPairs {
		if p.KeeperID == "failed-backup" {
			t.Fatalf("expected failed-backup dropped from the distribution, got %+v", p)
		}
		found[p.KeeperID] = true
		total += len(p.Markets)
	}
	if total != 5 {
		t.Fatalf("expected all 5 markets still assigned somewhere, got %d", total)
	}
	if !found["healthy-1"] || !found["healthy-2"] {
		t.Fatalf("expected both survivors present, got %+v", newPairs)
	}
}

func TestSupervisor_RecoveryProbeReinstatesBackup(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	now := time.Now()

	if err := fleet.PutKeeperInfo(ctx, st, fleet.KeeperInfo{ID: "backup"}); err != nil {
		t.Fatal(err)
	}

	var events []fleet.FleetEvent
	subscribeJSON[fleet.FleetEvent](t, st, ctx, fleet.EventsChannel, &events)

	sup := NewSupervisor(st, Config{MaxConsecutiveFailures: 100, RecoveryTimeout: time.Minute}, nil)

	// first tick: backup has no heartbeat, fails, and a recovery probe is
	// scheduled for now+1m.
	if err := sup.Tick(ctx, now); err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events yet, got %+v", events)
	}

	// heartbeat becomes fresh again before the probe fires.
	later := now.Add(30 * time.Second)
	if err := fleet.PutHeartbeat(ctx, st, "backup", fleet.Heartbeat{Timestamp: later, Processed: 1}); err != nil {
		t.Fatal(err)
	}
	if err := sup.Tick(ctx, later); err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("expected the probe to not have fired yet, got %+v", events)
	}

	// probe deadline passes; backup is healthy, so it is reinstated.
	afterDeadline := now.Add(time.Minute + time.Second)
	if err := fleet.PutHeartbeat(ctx, st, "backup", fleet.Heartbeat{Timestamp: afterDeadline, Processed: 1}); err != nil {
		t.Fatal(err)
	}
	if err := sup.Tick(ctx, afterDeadline); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != "keeper_recovered" || events[0].KeeperID != "backup" {
		t.Fatalf("expected a keeper_recovered event, got %+v", events)
	}
}
