package failover

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/gary322/keeperfleet/internal/fleet"
	"github.com/gary322/keeperfleet/internal/leader"
	"github.com/gary322/keeperfleet/internal/logging"
	"github.com/gary322/keeperfleet/internal/store"
)

// Defaults from spec.md §6's configuration table.
const (
	DefaultHealthCheckInterval     = 10 * time.Second
	DefaultMaxConsecutiveFailures  = 5
	DefaultRecoveryTimeout         = 60 * time.Second
)

// Config tunes a Supervisor away from spec.md's defaults.
type Config struct {
	HealthCheckInterval    time.Duration
	MaxConsecutiveFailures int
	RecoveryTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	return c
}

// Supervisor is the failure classifier, escalator, promoter, and
// redistributor of spec.md §4.10.
type Supervisor struct {
	store  store.Store
	cfg    Config
	log    *logging.Logger

	mu           sync.Mutex
	consecutive  map[string]int
	probeAt      map[string]time.Time // keeper_id -> when to re-probe a failed backup
}

// NewSupervisor builds a Supervisor backed by st.
func NewSupervisor(st store.Store, cfg Config, log *logging.Logger) *Supervisor {
	return &Supervisor{
		store:       st,
		cfg:         cfg.withDefaults(),
		log:         log,
		consecutive: make(map[string]int),
		probeAt:     make(map[string]time.Time),
	}
}

// Run classifies the fleet every HealthCheckInterval until ctx is
// cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx, time.Now()); err != nil {
				s.logErr("failover: tick failed", err)
			}
		}
	}
}

// Tick runs one classification pass over the registered fleet.
func (s *Supervisor) Tick(ctx context.Context, now time.Time) error {
	keepers, err := fleet.ListKeeperInfo(ctx, s.store)
	if err != nil {
		return err
	}

	leaderVal, leaderOK, err := s.store.Get(ctx, leader.LeaseKey)
	if err != nil {
		return err
	}

	for _, info := range keepers {
		hb, present, err := fleet.GetHeartbeat(ctx, s.store, info.ID)
		if err != nil {
			return err
		}
		status := Classify(hb, present, now)

		if status != StatusFailed {
			s.resetConsecutive(info.ID)
			s.checkRecoveryProbe(ctx, info.ID, hb, present, now)
			continue
		}

		count := s.incrementConsecutive(info.ID)
		if count >= s.cfg.MaxConsecutiveFailures {
			if err := s.permanentFailure(ctx, info.ID); err != nil {
				s.logErr("failover: permanent failure cleanup failed", err)
			}
			continue
		}

		isPrimary := leaderOK && string(leaderVal) == info.ID
		if isPrimary {
			if err := s.handlePrimaryFailure(ctx, keepers, now); err != nil {
				s.logErr("failover: primary failure handling failed", err)
			}
		} else {
			s.scheduleRecoveryProbe(info.ID, now)
		}

		if err := s.redistribute(ctx, info.ID, keepers); err != nil {
			s.logErr("failover: redistribution failed", err)
		}
	}
	return nil
}

func (s *Supervisor) incrementConsecutive(keeperID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutive[keeperID]++
	return s.consecutive[keeperID]
}

func (s *Supervisor) resetConsecutive(keeperID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consecutive, keeperID)
}

// permanentFailure deletes the registry/heartbeat keys, stops tracking
// keeperID, and publishes keeper_removed (spec.md §4.10).
func (s *Supervisor) permanentFailure(ctx context.Context, keeperID string) error {
	s.mu.Lock()
	delete(s.consecutive, keeperID)
	delete(s.probeAt, keeperID)
	s.mu.Unlock()

	if err := fleet.DeleteKeeper(ctx, s.store, keeperID); err != nil {
		return err
	}
	return s.publishEvent(ctx, "keeper_removed", keeperID)
}

// handlePrimaryFailure selects the best healthy keeper by score and
// promotes it; emits critical_failure if no healthy keeper exists.
func (s *Supervisor) handlePrimaryFailure(ctx context.Context, keepers []fleet.KeeperInfo, now time.Time) error {
	best, bestScore, found, err := s.bestHealthyKeeper(ctx, keepers, now)
	if err != nil {
		return err
	}
	if !found {
		return s.publishEvent(ctx, "critical_failure", "")
	}

	_ = bestScore
	// set-if-exists variant: the lease key is currently held by the
	// failed keeper, so this overwrites an existing value rather than
	// creating one from nothing.
	if _, ok, err := s.store.Get(ctx, leader.LeaseKey); err != nil {
		return err
	} else if !ok {
		return nil
	}
	if err := s.store.SetEx(ctx, leader.LeaseKey, []byte(best), leader.LeaseTTL); err != nil {
		return err
	}

	encoded, err := json.Marshal(fleet.ControlMessage{Command: "become_leader"})
	if err != nil {
		return err
	}
	return s.store.Publish(ctx, fleet.ControlChannel(best), encoded)
}

func (s *Supervisor) bestHealthyKeeper(ctx context.Context, keepers []fleet.KeeperInfo, now time.Time) (id string, score float64, found bool, err error) {
	best := ""
	bestScore := math.Inf(-1)
	for _, info := range keepers {
		hb, present, err := fleet.GetHeartbeat(ctx, s.store, info.ID)
		if err != nil {
			return "", 0, false, err
		}
		if Classify(hb, present, now) != StatusHealthy {
			continue
		}
		sc := Score(ErrorRate(hb), hb.LatencyMillis, float64(hb.QueueDepth))
		if sc > bestScore {
			bestScore = sc
			best = info.ID
		}
	}
	if best == "" {
		return "", 0, false, nil
	}
	return best, bestScore, true, nil
}

// scheduleRecoveryProbe arranges for a failed backup to be re-checked
// after RecoveryTimeout (spec.md §4.10).
func (s *Supervisor) scheduleRecoveryProbe(keeperID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, scheduled := s.probeAt[keeperID]; scheduled {
		return
	}
	s.probeAt[keeperID] = now.Add(s.cfg.RecoveryTimeout)
}

// checkRecoveryProbe fires a pending probe once its deadline passes: if
// the heartbeat is fresh again, the keeper is reinstated and
// keeper_recovered is emitted.
func (s *Supervisor) checkRecoveryProbe(ctx context.Context, keeperID string, hb fleet.Heartbeat, present bool, now time.Time) {
	s.mu.Lock()
	deadline, scheduled := s.probeAt[keeperID]
	s.mu.Unlock()
	if !scheduled || now.Before(deadline) {
		return
	}

	s.mu.Lock()
	delete(s.probeAt, keeperID)
	s.mu.Unlock()

	if Classify(hb, present, now) == StatusHealthy {
		if err := s.publishEvent(ctx, "keeper_recovered", keeperID); err != nil {
			s.logErr("failover: keeper_recovered publish failed", err)
		}
	}
}

// redistribute reassigns failedKeeper's current market list round-robin
// across the surviving keepers in the last-persisted distribution,
// persists the result, and publishes per-keeper updates (spec.md
// §4.10).
func (s *Supervisor) redistribute(ctx context.Context, failedKeeper string, keepers []fleet.KeeperInfo) error {
	pairs, generation, err := leader.ReadDistribution(ctx, s.store)
	if err != nil {
		return err
	}

	var orphaned []string
	survivors := make([]leader.DistributionPair, 0, len(pairs))
	for _, p := range pairs {
		if p.KeeperID == failedKeeper {
			orphaned = append(orphaned, p.Markets...)
			continue
		}
		survivors = append(survivors, p)
	}
	if len(orphaned) == 0 || len(survivors) == 0 {
		return nil
	}

	for i, m := range orphaned {
		idx := i % len(survivors)
		survivors[idx].Markets = append(survivors[idx].Markets, m)
	}

	generation++
	ts := time.Now().UnixMilli()
	if err := leader.PersistDistribution(ctx, s.store, survivors, ts, generation); err != nil {
		return err
	}
	for _, p := range survivors {
		if err := leader.PublishWork(ctx, s.store, p.KeeperID, p.Markets, ts, generation); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) publishEvent(ctx context.Context, eventType, keeperID string) error {
	encoded, err := json.Marshal(fleet.FleetEvent{Type: eventType, KeeperID: keeperID})
	if err != nil {
		return err
	}
	return s.store.Publish(ctx, fleet.EventsChannel, encoded)
}

func (s *Supervisor) logErr(msg string, err error) {
	if s.log != nil {
		s.log.Warning().Err(err).Log(msg)
	}
}
