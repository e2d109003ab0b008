// Package scheduler runs one probe's monitoring loop: WaitingForInternet
// until the local host shows internet liveness, then Monitoring on a fixed
// tick, feeding every cycle's metrics through the warmup gate and the
// consensus detector and persisting the results.
//
// # Design
//
// One goroutine per probe runs Run, exactly mirroring the one
// goroutine per tier structure used for probe execution elsewhere in this
// codebase, but keyed by probe identity instead of tier name since this
// scheduler has no tiering concept.
//
// # Graceful handling
//
// - Context cancellation stops the loop after the in-flight cycle finishes.
// - Any outage event still open when the loop stops is closed by the caller
// via Detector.CloseForShutdown, using the shutdown timestamp.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/pilot-net/icmp-mon/internal/consensus"
	"github.com/pilot-net/icmp-mon/internal/liveness"
	"github.com/pilot-net/icmp-mon/internal/prober"
	"github.com/pilot-net/icmp-mon/internal/warmup"
	"github.com/pilot-net/icmp-mon/pkg/types"
)

// state is the probe's lifecycle state.
type state int

const (
	stateWaitingForInternet state = iota
	stateMonitoring
)

// Gateway is the narrow slice of storage this scheduler needs. Defined here,
// as the consumer, rather than in the store package, so the scheduler can be
// tested against an in-memory fake without importing pgx at all.
type Gateway interface {
	InsertCycle(ctx context.Context, c *types.Cycle) (int64, error)
	InsertConnectivityMetrics(ctx context.Context, metrics []types.ConnectivityMetric) error
	GetTargetStatus(ctx context.Context, targetID int64) (types.MetricStatus, bool, error)
	SetTargetStatus(ctx context.Context, targetID int64, status types.MetricStatus) error
	InsertOutageEvent(ctx context.Context, e *types.OutageEvent) error
	CloseOutageEvent(ctx context.Context, probeID int64, end time.Time) (*types.OutageEvent, bool, error)
}

// Scheduler runs the monitoring loop for exactly one probe.
type Scheduler struct {
	probe   types.Probe
	targets []types.Target

	gateway  Gateway
	prober   prober.Prober
	checker  *liveness.Checker
	warmup   *warmup.Gate
	detector *consensus.Detector

	// warmedOnce sticks once a target first proves requiredStreak
	// consecutive Up cycles, so a later transient streak reset doesn't
	// re-suppress an already-trusted target's negative signal. Owned by
	// this scheduler's single goroutine; no locking needed.
	warmedOnce map[int64]bool

	cycleInterval time.Duration
	livenessRetry time.Duration
	pingCount     int
	timeout       time.Duration
	gracePeriod   time.Duration
	startedAt     time.Time

	logger *slog.Logger
}

// Config bundles a Scheduler's tunables, mirroring the fields read from
// configuration at process bootstrap.
type Config struct {
	CycleInterval time.Duration
	LivenessRetry time.Duration
	PingCount     int
	Timeout       time.Duration
	GracePeriod   time.Duration
}

// New builds a Scheduler for one probe against its fixed target list.
func New(probe types.Probe, targets []types.Target, gateway Gateway, p prober.Prober, checker *liveness.Checker, warmupGate *warmup.Gate, detector *consensus.Detector, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		probe:         probe,
		targets:       targets,
		gateway:       gateway,
		prober:        p,
		checker:       checker,
		warmup:        warmupGate,
		detector:      detector,
		warmedOnce:    make(map[int64]bool),
		cycleInterval: cfg.CycleInterval,
		livenessRetry: cfg.LivenessRetry,
		pingCount:     cfg.PingCount,
		timeout:       cfg.Timeout,
		gracePeriod:   cfg.GracePeriod,
		startedAt:     time.Now(),
		logger:        logger.With("component", "scheduler", "probe_id", probe.ID),
	}
}

// Run executes the probe's state machine until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	st := stateWaitingForInternet
	var cycleNumber int64

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping probe loop")
			return ctx.Err()
		default:
		}

		switch st {
		case stateWaitingForInternet:
			// Keep sampling and feeding consensus during a blackout, so an
			// outage that begins before the probe regains its own internet
			// path is still recorded, not silently missed.
			cycleNumber++
			s.runBlackoutCycle(ctx, cycleNumber)

			if s.checker.IsAlive(ctx, s.probe.ID, s.targets) {
				s.logger.Info("internet liveness confirmed, entering monitoring state")
				st = stateMonitoring
				continue
			}
			if !sleepOrDone(ctx, s.livenessRetry) {
				return ctx.Err()
			}

		case stateMonitoring:
			cycleNumber++
			s.runCycle(ctx, cycleNumber)

			if s.checker.IsAlive(ctx, s.probe.ID, s.targets) {
				if !sleepOrDone(ctx, s.cycleInterval) {
					return ctx.Err()
				}
				continue
			}
			s.logger.Warn("internet liveness lost, returning to waiting-for-internet")
			st = stateWaitingForInternet
		}
	}
}

// runCycle executes one full Monitoring-state measurement cycle: measure,
// persist, update per-target status and the warmup gate (the reactive write
// path), run consensus, and persist any resulting outage event.
func (s *Scheduler) runCycle(ctx context.Context, cycleNumber int64) {
	start, _, metrics, ok := s.measureCycle(ctx, cycleNumber)
	if !ok {
		return
	}

	for _, m := range metrics {
		if s.warmup.Update(m.TargetID, m.Status == types.StatusUp) {
			s.warmedOnce[m.TargetID] = true
		}
		if !s.warmedOnce[m.TargetID] && m.Status != types.StatusUp {
			// A target that has never yet proven requiredStreak consecutive
			// Up cycles may be reporting a cold-start false-Down rather than
			// a real one; suppress the reactive status write but keep
			// logging the raw signal so operators can see it was gated, not
			// dropped.
			s.logger.Debug("suppressing target status write during warmup",
				"target_id", m.TargetID, "status", m.Status, "streak", s.warmup.Streak(m.TargetID))
			continue
		}
		prev, known, err := s.gateway.GetTargetStatus(ctx, m.TargetID)
		if err != nil {
			s.logger.Error("reading target status", "target_id", m.TargetID, "error", err)
		} else if known && prev == m.Status {
			// Status unchanged since the last write; nothing to upsert.
			continue
		}
		if err := s.gateway.SetTargetStatus(ctx, m.TargetID, m.Status); err != nil {
			s.logger.Error("updating target status", "target_id", m.TargetID, "error", err)
			continue
		}
		if known && prev != m.Status {
			s.logger.Info("target status changed", "target_id", m.TargetID, "from", prev, "to", m.Status)
		}
	}

	s.updateConsensusAndPersist(ctx, metrics, start)
}

// runBlackoutCycle executes one WaitingForInternet-state cycle: measure,
// persist, and feed consensus, but skip the reactive write path (warmup gate,
// target status) — only the observational path runs while the probe itself
// may be unreachable.
func (s *Scheduler) runBlackoutCycle(ctx context.Context, cycleNumber int64) {
	start, _, metrics, ok := s.measureCycle(ctx, cycleNumber)
	if !ok {
		return
	}
	s.updateConsensusAndPersist(ctx, metrics, start)
}

// measureCycle inserts the cycle row, runs the prober, and persists the
// returned metrics. ok is false when the tick produced nothing to feed
// downstream (cycle-framing or total measurement failure).
func (s *Scheduler) measureCycle(ctx context.Context, cycleNumber int64) (start time.Time, cycleID int64, metrics []types.ConnectivityMetric, ok bool) {
	start = time.Now()
	var err error
	cycleID, err = s.gateway.InsertCycle(ctx, &types.Cycle{
		ProbeID:     s.probe.ID,
		StartedAt:   start,
		CycleNumber: cycleNumber,
		ProbeCount:  1,
	})
	if err != nil {
		s.logger.Error("inserting cycle record", "error", err)
		return start, 0, nil, false
	}

	metrics = s.prober.Measure(ctx, s.probe.ID, cycleID, s.targets, s.pingCount, s.timeout)
	if len(metrics) == 0 {
		s.logger.Warn("cycle produced no metrics", "cycle_id", cycleID)
		return start, cycleID, nil, false
	}

	if err := s.gateway.InsertConnectivityMetrics(ctx, metrics); err != nil {
		s.logger.Error("persisting connectivity metrics", "cycle_id", cycleID, "error", err)
	}
	return start, cycleID, metrics, true
}

// updateConsensusAndPersist feeds metrics into the detector and persists any
// emitted open/close OutageEvent, honoring the startup grace period for new
// opens.
func (s *Scheduler) updateConsensusAndPersist(ctx context.Context, metrics []types.ConnectivityMetric, start time.Time) {
	event := s.detector.Update(metrics, start)
	if event == nil {
		return
	}

	if event.EndTime != nil {
		if _, _, err := s.gateway.CloseOutageEvent(ctx, s.probe.ID, *event.EndTime); err != nil {
			s.logger.Error("closing outage event", "probe_id", s.probe.ID, "error", err)
		}
		s.logger.Warn("outage event closed",
			"probe_id", s.probe.ID,
			"duration_seconds", event.DurationSeconds)
		return
	}

	// New event opening: suppress persistence if we're still within the
	// grace period after process start, but keep the detector's in-memory
	// state so a later cycle can still close it.
	if start.Sub(s.startedAt) < s.gracePeriod {
		s.logger.Info("outage event suppressed during grace period", "probe_id", s.probe.ID)
		return
	}

	if err := s.gateway.InsertOutageEvent(ctx, event); err != nil {
		s.logger.Error("persisting outage event", "probe_id", s.probe.ID, "error", err)
	}
	s.logger.Warn("outage event opened",
		"probe_id", s.probe.ID,
		"affected_targets", event.AffectedTargets,
		"consensus_level", event.ConsensusLevel,
		"unwarmed_targets", s.unwarmedTargets(event.AffectedTargets))
}

// unwarmedTargets filters targetIDs down to those that have never yet proven
// requiredStreak consecutive Up cycles, annotating outage attribution with
// which affected targets are still cold-starting.
func (s *Scheduler) unwarmedTargets(targetIDs []int64) []int64 {
	var unwarmed []int64
	for _, id := range targetIDs {
		if !s.warmedOnce[id] {
			unwarmed = append(unwarmed, id)
		}
	}
	return unwarmed
}

// sleepOrDone waits for d or returns false immediately if ctx is cancelled.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
