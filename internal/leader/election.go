package leader

import (
	"context"
	"sync"
	"time"

	"github.com/gary322/keeperfleet/internal/store"
)

// LeaseKey is the well-known coordination-store key from spec.md §6.
const LeaseKey = "keeper:leader:lock"

// LeaseTTL and ReverifyInterval are spec.md §4.9/§5's defaults:
// TTL/3 = 10s is both the extend cadence for a holder and the
// re-attempt cadence for a follower.
const (
	LeaseTTL         = 30 * time.Second
	ReverifyInterval = LeaseTTL / 3
)

// Election runs the single-lease election of spec.md §4.9: a
// set-if-absent acquire, periodic check-and-extend by the holder, and
// immediate relinquish if another value has taken the lease out from
// under it.
type Election struct {
	store    store.Store
	selfID   string
	leaseTTL time.Duration

	mu       sync.Mutex
	isLeader bool

	// OnBecomeLeader/OnBecomeFollower are invoked (outside the internal
	// lock) on every transition; nil callbacks are skipped. The keeper
	// node wires these to trigger a reshard and to stop acting as
	// leader, respectively.
	OnBecomeLeader   func()
	OnBecomeFollower func()
}

// NewElection builds an Election for selfID against st. leaseTTL
// overrides LeaseTTL whenever positive; config.KeeperConfig.LeaseTTL
// (spec.md §6) is the operator knob that reaches it.
func NewElection(st store.Store, selfID string, leaseTTL time.Duration) *Election {
	if leaseTTL <= 0 {
		leaseTTL = LeaseTTL
	}
	return &Election{store: st, selfID: selfID, leaseTTL: leaseTTL}
}

// IsLeader reports the last-known election state.
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// Reverify performs one election tick: a follower attempts to acquire
// the lease; a holder extends it only if it still owns it, relinquishing
// immediately otherwise.
func (e *Election) Reverify(ctx context.Context) error {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.mu.Unlock()

	if !wasLeader {
		// The lease may already carry selfID here: the failover
		// supervisor promotes a backup by overwriting the lease value
		// directly (handlePrimaryFailure), bypassing SetIfAbsent
		// entirely. Treat that as already holding the lease rather than
		// attempting (and failing) to acquire a key that is no longer
		// absent.
		val, ok, err := e.store.Get(ctx, LeaseKey)
		if err != nil {
			return err
		}
		if ok && string(val) == e.selfID {
			e.setLeader(true)
			return nil
		}

		acquired, err := e.store.SetIfAbsent(ctx, LeaseKey, []byte(e.selfID), e.leaseTTL)
		if err != nil {
			return err
		}
		if acquired {
			e.setLeader(true)
		}
		return nil
	}

	val, ok, err := e.store.Get(ctx, LeaseKey)
	if err != nil {
		return err
	}
	if !ok || string(val) != e.selfID {
		e.setLeader(false)
		return nil
	}

	if _, err := e.store.Extend(ctx, LeaseKey, e.leaseTTL); err != nil {
		return err
	}
	return nil
}

func (e *Election) setLeader(leader bool) {
	e.mu.Lock()
	changed := e.isLeader != leader
	e.isLeader = leader
	e.mu.Unlock()

	if !changed {
		return
	}
	if leader && e.OnBecomeLeader != nil {
		e.OnBecomeLeader()
	}
	if !leader && e.OnBecomeFollower != nil {
		e.OnBecomeFollower()
	}
}

// Release gives up the lease if and only if this node still holds it
// (check-and-delete), per spec.md §4.8's "On stop" step.
func (e *Election) Release(ctx context.Context) error {
	val, ok, err := e.store.Get(ctx, LeaseKey)
	if err != nil {
		return err
	}
	if !ok || string(val) != e.selfID {
		e.setLeader(false)
		return nil
	}
	if err := e.store.Del(ctx, LeaseKey); err != nil {
		return err
	}
	e.setLeader(false)
	return nil
}

// Run reverifies the election every interval until ctx is cancelled;
// interval falls back to ReverifyInterval when non-positive.
func (e *Election) Run(ctx context.Context, interval time.Duration, log func(err error)) {
	if interval <= 0 {
		interval = ReverifyInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Reverify(ctx); err != nil && log != nil {
				log(err)
			}
		}
	}
}

// ForceBecomeLeader installs selfID as leader via a set-if-exists-style
// write (spec.md §4.10's promotion step). It is exposed here because
// only Election owns lease bookkeeping; the keeper node calls it on its
// own Election upon receiving a become_leader control message, after the
// failover supervisor has already written the lease to this selfID.
func (e *Election) ForceBecomeLeader(ctx context.Context) error {
	if err := e.store.SetEx(ctx, LeaseKey, []byte(e.selfID), e.leaseTTL); err != nil {
		return err
	}
	e.setLeader(true)
	return nil
}
