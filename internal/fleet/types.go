package fleet

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gary322/keeperfleet/internal/store"
)

// RegistryKey is the well-known registry hash from spec.md §6.
const RegistryKey = "keepers:registry"

// HeartbeatTTL is the TTL every heartbeat key is written with.
const HeartbeatTTL = 30 * time.Second

// HeartbeatKey returns the TTL key a keeper writes its heartbeat under.
func HeartbeatKey(keeperID string) string { return "keeper:" + keeperID + ":heartbeat" }

// ControlChannel returns a keeper's control-message channel.
func ControlChannel(keeperID string) string { return "keeper:" + keeperID + ":control" }

// EventsChannel is the fleet-wide event channel from spec.md §6.
const EventsChannel = "keeper:events"

// ProgressKey and ErrorsKey are the per-keeper counter hashes from
// spec.md §6.
const (
	ProgressKey = "keeper:progress"
	ErrorsKey   = "keeper:errors"
)

// RetryQueueKey is the shared retry-queue list from spec.md §6.
const RetryQueueKey = "keeper:retry:queue"

// KeeperInfo is spec.md §3's registry entry.
type KeeperInfo struct {
	ID            string    `json:"id"`
	StartTime     time.Time `json:"start_time"`
	Capabilities  []string  `json:"capabilities"`
	Host          string    `json:"host"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Assignment    []string  `json:"assignment"`
}

// Heartbeat is spec.md §3's TTL-keyed liveness record.
type Heartbeat struct {
	Timestamp     time.Time `json:"ts"`
	Processed     int64     `json:"processed"`
	Errors        int64     `json:"errors"`
	QueueDepth    int       `json:"queue_depth"`
	LatencyMillis float64   `json:"latency_ms"`
}

// RetryRecord is the JSON shape pushed onto RetryQueueKey (spec.md §4.8's
// "on error during work" step).
type RetryRecord struct {
	MarketID  string    `json:"market_id"`
	KeeperID  string    `json:"keeper_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"ts"`
}

// ControlMessage is the JSON body published to a keeper's control
// channel (spec.md §4.10's become_leader signal).
type ControlMessage struct {
	Command string `json:"command"`
}

// FleetEvent is the JSON body published on EventsChannel.
type FleetEvent struct {
	Type     string `json:"type"`
	KeeperID string `json:"keeper_id"`
}

// PutKeeperInfo writes info into the registry hash.
func PutKeeperInfo(ctx context.Context, st store.Store, info KeeperInfo) error {
	encoded, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return st.HashSet(ctx, RegistryKey, info.ID, encoded)
}

// GetKeeperInfo reads one registry entry.
func GetKeeperInfo(ctx context.Context, st store.Store, keeperID string) (KeeperInfo, bool, error) {
	raw, ok, err := st.HashGet(ctx, RegistryKey, keeperID)
	if err != nil || !ok {
		return KeeperInfo{}, ok, err
	}
	var info KeeperInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return KeeperInfo{}, false, err
	}
	return info, true, nil
}

// ListKeeperInfo reads the whole registry.
func ListKeeperInfo(ctx context.Context, st store.Store) ([]KeeperInfo, error) {
	all, err := st.HashGetAll(ctx, RegistryKey)
	if err != nil {
		return nil, err
	}
	out := make([]KeeperInfo, 0, len(all))
	for _, raw := range all {
		var info KeeperInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// DeleteKeeper removes a keeper's registry entry and heartbeat key
// (spec.md §4.10's permanent-failure cleanup).
func DeleteKeeper(ctx context.Context, st store.Store, keeperID string) error {
	if err := st.HashDel(ctx, RegistryKey, keeperID); err != nil {
		return err
	}
	return st.Del(ctx, HeartbeatKey(keeperID))
}

// PutHeartbeat writes a keeper's heartbeat under its TTL key.
func PutHeartbeat(ctx context.Context, st store.Store, keeperID string, hb Heartbeat) error {
	encoded, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return st.SetEx(ctx, HeartbeatKey(keeperID), encoded, HeartbeatTTL)
}

// GetHeartbeat reads a keeper's heartbeat, if its TTL key is still live.
func GetHeartbeat(ctx context.Context, st store.Store, keeperID string) (Heartbeat, bool, error) {
	raw, ok, err := st.Get(ctx, HeartbeatKey(keeperID))
	if err != nil || !ok {
		return Heartbeat{}, ok, err
	}
	var hb Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		return Heartbeat{}, false, err
	}
	return hb, true, nil
}
