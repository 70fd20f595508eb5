package keeper

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gary322/keeperfleet/internal/config"
	"github.com/gary322/keeperfleet/internal/failover"
	"github.com/gary322/keeperfleet/internal/fleet"
	"github.com/gary322/keeperfleet/internal/leader"
	"github.com/gary322/keeperfleet/internal/logging"
	"github.com/gary322/keeperfleet/internal/store"
)

// State is a keeper's lifecycle state (spec.md §4.8).
type State string

const (
	StateStarting   State = "starting"
	StateRegistered State = "registered"
	StateLeader     State = "leader"
	StateFollower   State = "follower"
	StateStopping   State = "stopping"
	StateStopped    State = "stopped"
)

// Default background-task cadences, per spec.md §5 — used whenever the
// corresponding config.KeeperConfig field is left at its zero value.
const (
	DefaultHeartbeatInterval  = 5 * time.Second
	DefaultReshardInterval    = 30 * time.Second
	DefaultRetryDrainInterval = 5 * time.Second
)

// MarketLister supplies the market universe for sharding; wired to the
// ingestion engine's cache.
type MarketLister interface {
	MarketIDs() []string
}

// WorkHandler is invoked whenever a keeper accepts a new assignment.
type WorkHandler func(markets []string)

// RetryHandler is invoked for each drained retry record this keeper owns.
type RetryHandler func(ctx context.Context, record fleet.RetryRecord) error

// Node is one keeper process: registration, heartbeat, work
// subscription, progress reporting, leader participation, and retry
// queue draining (spec.md §4.8, supplemented with the retry-drain task
// per SPEC_FULL.md).
type Node struct {
	ID           string
	Host         string
	Capabilities []string

	store      store.Store
	election   *leader.Election
	sharder    *leader.Sharder
	supervisor *failover.Supervisor
	markets    MarketLister
	cfg        config.KeeperConfig
	log        *logging.Logger

	OnWork  WorkHandler
	OnRetry RetryHandler

	mu                 sync.Mutex
	state              State
	acceptedGeneration uint64
	assignment         []string
	processed          int64
	errorsCount        int64

	workSub    store.Subscription
	controlSub store.Subscription
}

// NewNode builds a Node. markets may be nil if this process never
// becomes leader (it is only consulted during Reshard). cfg supplies the
// operator-tunable cadences and thresholds of spec.md §6's configuration
// table (internal/config.KeeperConfig); a zero-value cfg field falls
// back to this package's/failover's/leader's documented defaults.
func NewNode(id, host string, capabilities []string, st store.Store, markets MarketLister, cfg config.KeeperConfig, log *logging.Logger) *Node {
	n := &Node{
		ID:           id,
		Host:         host,
		Capabilities: capabilities,
		store:        st,
		markets:      markets,
		cfg:          cfg,
		log:          log,
		state:        StateStarting,
	}
	n.election = leader.NewElection(st, id, cfg.LeaseTTL)
	n.election.OnBecomeLeader = n.becomeLeader
	n.election.OnBecomeFollower = n.becomeFollower
	n.sharder = leader.NewSharder(st)
	n.supervisor = failover.NewSupervisor(st, failover.Config{
		HealthCheckInterval:    cfg.HealthCheckInterval,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		RecoveryTimeout:        cfg.RecoveryTimeout,
	}, log)
	return n
}

// State reports the keeper's current lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Start registers the keeper, begins its background tasks, and attempts
// leader election, per spec.md §4.8's "On start". It returns once
// registration and the first heartbeat are written; background loops
// continue until ctx is cancelled.
func (n *Node) Start(ctx context.Context) error {
	info := fleet.KeeperInfo{
		ID:            n.ID,
		StartTime:     time.Now(),
		Capabilities:  n.Capabilities,
		Host:          n.Host,
		LastHeartbeat: time.Now(),
	}
	if err := fleet.PutKeeperInfo(ctx, n.store, info); err != nil {
		return err
	}

	sub, err := n.store.Subscribe(ctx, leader.WorkChannel(n.ID), n.handleWorkMessage)
	if err != nil {
		return err
	}
	n.workSub = sub

	controlSub, err := n.store.Subscribe(ctx, fleet.ControlChannel(n.ID), n.handleControlMessage)
	if err != nil {
		return err
	}
	n.controlSub = controlSub

	n.setState(StateRegistered)

	if err := n.heartbeatOnce(ctx); err != nil {
		return err
	}
	if err := n.election.Reverify(ctx); err != nil {
		return err
	}

	go n.runLoop(ctx, orDefault(n.cfg.HeartbeatInterval, DefaultHeartbeatInterval), func(ctx context.Context) { _ = n.heartbeatOnce(ctx) })
	go n.election.Run(ctx, n.cfg.LeaderReverifyInterval, n.logErr)
	go n.supervisor.Run(ctx)
	go n.runLoop(ctx, orDefault(n.cfg.RetryDrainInterval, DefaultRetryDrainInterval), n.drainRetryQueue)
	go n.runLoop(ctx, orDefault(n.cfg.ReshardInterval, DefaultReshardInterval), n.reshardIfLeader)

	return nil
}

// orDefault returns d if positive, otherwise def.
func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (n *Node) runLoop(ctx context.Context, period time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Stop cancels background work, releases the leader lease if held, and
// deregisters, per spec.md §4.8's "On stop".
func (n *Node) Stop(ctx context.Context) error {
	n.setState(StateStopping)
	if n.workSub != nil {
		n.workSub.Cancel()
	}
	if n.controlSub != nil {
		n.controlSub.Cancel()
	}
	if err := n.election.Release(ctx); err != nil {
		n.logErr(err)
	}
	if err := fleet.DeleteKeeper(ctx, n.store, n.ID); err != nil {
		n.logErr(err)
	}
	n.setState(StateStopped)
	return nil
}

func (n *Node) becomeLeader() {
	n.mu.Lock()
	if n.state != StateStopping && n.state != StateStopped {
		n.state = StateLeader
	}
	n.mu.Unlock()
	// Topology just changed in the most consequential way possible (a
	// new leader); reshard immediately rather than waiting for the next
	// periodic tick.
	go n.reshardIfLeader(context.Background())
}

func (n *Node) becomeFollower() {
	n.mu.Lock()
	if n.state != StateStopping && n.state != StateStopped {
		n.state = StateFollower
	}
	n.mu.Unlock()
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// heartbeatOnce writes the keeper's counters under its TTL heartbeat key
// and refreshes lastHeartbeat in the registry (spec.md §4.8's "On
// heartbeat").
func (n *Node) heartbeatOnce(ctx context.Context) error {
	n.mu.Lock()
	hb := fleet.Heartbeat{
		Timestamp:  time.Now(),
		Processed:  n.processed,
		Errors:     n.errorsCount,
		QueueDepth: len(n.assignment),
	}
	n.mu.Unlock()

	if err := fleet.PutHeartbeat(ctx, n.store, n.ID, hb); err != nil {
		return err
	}

	info, ok, err := fleet.GetKeeperInfo(ctx, n.store, n.ID)
	if err != nil {
		return err
	}
	if !ok {
		info = fleet.KeeperInfo{ID: n.ID, StartTime: time.Now(), Capabilities: n.Capabilities, Host: n.Host}
	}
	info.LastHeartbeat = hb.Timestamp
	return fleet.PutKeeperInfo(ctx, n.store, info)
}

// handleWorkMessage implements spec.md §4.8's "On work message": accept
// iff generation exceeds the last accepted one, then begin processing.
func (n *Node) handleWorkMessage(_ string, raw []byte) {
	var msg leader.WorkMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		n.logErr(err)
		return
	}

	n.mu.Lock()
	if msg.Generation <= n.acceptedGeneration {
		n.mu.Unlock()
		return
	}
	n.acceptedGeneration = msg.Generation
	n.assignment = msg.Markets
	n.mu.Unlock()

	info, ok, err := fleet.GetKeeperInfo(context.Background(), n.store, n.ID)
	if err == nil && ok {
		info.Assignment = msg.Markets
		_ = fleet.PutKeeperInfo(context.Background(), n.store, info)
	}

	if n.OnWork != nil {
		n.OnWork(msg.Markets)
	}
}

// handleControlMessage implements spec.md §4.10's promotion handoff: the
// failover supervisor writes this keeper's id into the leader lease
// directly (bypassing the normal set-if-absent acquire) and publishes a
// become_leader command here. ForceBecomeLeader re-asserts the lease
// under this process's TTL and flips local election state immediately,
// rather than waiting for the next periodic Reverify.
func (n *Node) handleControlMessage(_ string, raw []byte) {
	var msg fleet.ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		n.logErr(err)
		return
	}
	if msg.Command != "become_leader" {
		return
	}
	if err := n.election.ForceBecomeLeader(context.Background()); err != nil {
		n.logErr(err)
	}
}

// Assignment returns the keeper's currently accepted market list.
func (n *Node) Assignment() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.assignment...)
}

// Owns reports whether marketID is part of this keeper's current
// assignment (used to decide which keeper drains a given retry record).
func (n *Node) Owns(marketID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.assignment {
		if m == marketID {
			return true
		}
	}
	return false
}

// ReportProgress updates local counters and the shared per-keeper
// counters (spec.md §4.8's reportProgress).
func (n *Node) ReportProgress(ctx context.Context, processed, errs int64) error {
	n.mu.Lock()
	n.processed += processed
	n.errorsCount += errs
	n.mu.Unlock()

	if processed != 0 {
		if _, err := n.store.IncrementBy(ctx, fleet.ProgressKey, n.ID, processed); err != nil {
			return err
		}
	}
	if errs != 0 {
		if _, err := n.store.IncrementBy(ctx, fleet.ErrorsKey, n.ID, errs); err != nil {
			return err
		}
	}
	return nil
}

// ReportError pushes a retry record onto the shared retry queue, per
// spec.md §4.8's "On error during work".
func (n *Node) ReportError(ctx context.Context, marketID string, cause error) error {
	if err := n.ReportProgress(ctx, 0, 1); err != nil {
		n.logErr(err)
	}
	record := fleet.RetryRecord{MarketID: marketID, KeeperID: n.ID, Error: cause.Error(), Timestamp: time.Now()}
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return n.store.ListPush(ctx, fleet.RetryQueueKey, encoded)
}

// drainRetryQueue is the first-class background task SPEC_FULL.md
// supplements spec.md §9's open question with: every retry-drain
// interval, drain the shared retry queue and re-attempt whichever
// records this keeper now owns under the latest assignment, pushing the
// rest back for their actual owner.
func (n *Node) drainRetryQueue(ctx context.Context) {
	records, err := n.store.ListDrain(ctx, fleet.RetryQueueKey)
	if err != nil {
		n.logErr(err)
		return
	}

	for _, raw := range records {
		var rec fleet.RetryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			n.logErr(err)
			continue
		}

		if !n.Owns(rec.MarketID) {
			if err := n.store.ListPush(ctx, fleet.RetryQueueKey, raw); err != nil {
				n.logErr(err)
			}
			continue
		}

		if n.OnRetry == nil {
			continue
		}
		if err := n.OnRetry(ctx, rec); err != nil {
			if err := n.ReportError(ctx, rec.MarketID, err); err != nil {
				n.logErr(err)
			}
		}
	}
}

// reshardIfLeader recomputes and publishes the shard map when this
// keeper currently holds the leader lease (spec.md §4.9).
func (n *Node) reshardIfLeader(ctx context.Context) {
	if !n.election.IsLeader() || n.markets == nil {
		return
	}

	all, err := fleet.ListKeeperInfo(ctx, n.store)
	if err != nil {
		n.logErr(err)
		return
	}

	now := time.Now()
	active := make([]string, 0, len(all))
	for _, info := range all {
		if now.Sub(info.LastHeartbeat) <= fleet.HeartbeatTTL {
			active = append(active, info.ID)
		}
	}

	if _, err := n.sharder.Reshard(ctx, active, n.markets.MarketIDs()); err != nil {
		if err == leader.ErrNoActiveKeepers && n.log != nil {
			n.log.Critical().Log("leader: no active keepers, publishing no assignments")
			return
		}
		n.logErr(err)
	}
}

func (n *Node) logErr(err error) {
	if err == nil {
		return
	}
	if n.log != nil {
		n.log.Warning().Err(err).Log("keeper: background task error")
	}
}
