package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pilot-net/icmp-mon/pkg/types"
)

// newTestStore requires a migrated Postgres instance (set TEST_DATABASE_URL)
// and skips otherwise.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database-backed integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := NewStoreFromURL(ctx, url)
	if err != nil {
		t.Fatalf("NewStoreFromURL: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	return s
}

func TestCycleAndMetricLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	probes, err := s.ListProbes(ctx)
	if err != nil {
		t.Fatalf("ListProbes: %v", err)
	}
	targets, err := s.ListTargets(ctx)
	if err != nil {
		t.Fatalf("ListTargets: %v", err)
	}
	if len(probes) == 0 || len(targets) == 0 {
		t.Skip("fixture database has no seeded probes/targets")
	}

	cycleID, err := s.InsertCycle(ctx, &types.Cycle{
		ProbeID:     probes[0].ID,
		StartedAt:   time.Now(),
		CycleNumber: 1,
		ProbeCount:  len(targets),
	})
	if err != nil {
		t.Fatalf("InsertCycle: %v", err)
	}

	rtt := 5.0
	loss := 0
	metrics := []types.ConnectivityMetric{
		{CycleID: cycleID, ProbeID: probes[0].ID, TargetID: targets[0].ID, Timestamp: time.Now(), MetricType: types.MetricPingV4, Status: types.StatusUp, ResponseTimeMs: &rtt, PacketLossPercent: &loss},
	}
	if err := s.InsertConnectivityMetrics(ctx, metrics); err != nil {
		t.Fatalf("InsertConnectivityMetrics: %v", err)
	}
	// Re-delivery of the same cycle+target must not duplicate rows.
	if err := s.InsertConnectivityMetrics(ctx, metrics); err != nil {
		t.Fatalf("InsertConnectivityMetrics (re-delivery): %v", err)
	}

	got, err := s.ListConnectivityMetricsByCycle(ctx, cycleID)
	if err != nil {
		t.Fatalf("ListConnectivityMetricsByCycle: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d metrics for cycle, want exactly 1 (duplicate delivery must be dropped)", len(got))
	}
}

func TestTargetStatusUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	targets, err := s.ListTargets(ctx)
	if err != nil {
		t.Fatalf("ListTargets: %v", err)
	}
	if len(targets) == 0 {
		t.Skip("fixture database has no seeded targets")
	}
	targetID := targets[0].ID

	if err := s.SetTargetStatus(ctx, targetID, types.StatusDown); err != nil {
		t.Fatalf("SetTargetStatus: %v", err)
	}
	status, ok, err := s.GetTargetStatus(ctx, targetID)
	if err != nil {
		t.Fatalf("GetTargetStatus: %v", err)
	}
	if !ok || status != types.StatusDown {
		t.Fatalf("GetTargetStatus = (%v, %v), want (down, true)", status, ok)
	}

	if err := s.SetTargetStatus(ctx, targetID, types.StatusUp); err != nil {
		t.Fatalf("SetTargetStatus (update): %v", err)
	}
	status, _, err = s.GetTargetStatus(ctx, targetID)
	if err != nil {
		t.Fatalf("GetTargetStatus: %v", err)
	}
	if status != types.StatusUp {
		t.Fatalf("GetTargetStatus after update = %v, want up", status)
	}
}

func TestOutageEventOpenAndClose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	probes, err := s.ListProbes(ctx)
	if err != nil {
		t.Fatalf("ListProbes: %v", err)
	}
	if len(probes) == 0 {
		t.Skip("fixture database has no seeded probes")
	}
	probeID := probes[0].ID

	start := time.Now()
	event := &types.OutageEvent{
		ProbeID:         probeID,
		StartTime:       start,
		Reason:          types.ReasonConsensusReached,
		AffectedTargets: []int64{1},
		AffectedProbes:  []int64{probeID},
		ConsensusLevel:  1,
	}
	if err := s.InsertOutageEvent(ctx, event); err != nil {
		t.Fatalf("InsertOutageEvent: %v", err)
	}

	closed, ok, err := s.CloseOutageEvent(ctx, probeID, start.Add(45*time.Second))
	if err != nil {
		t.Fatalf("CloseOutageEvent: %v", err)
	}
	if !ok || closed == nil {
		t.Fatal("expected an open event to be closed")
	}
	if closed.DurationSeconds == nil || *closed.DurationSeconds != 45 {
		t.Fatalf("duration_seconds = %v, want 45", closed.DurationSeconds)
	}
	if closed.Reason != types.ReasonConsensusLoss {
		t.Fatalf("reason = %q, want %q", closed.Reason, types.ReasonConsensusLoss)
	}

	// A second close with nothing open must report ok=false, not an error.
	_, ok, err = s.CloseOutageEvent(ctx, probeID, start.Add(60*time.Second))
	if err != nil {
		t.Fatalf("CloseOutageEvent (already closed): %v", err)
	}
	if ok {
		t.Fatal("expected no open event left to close")
	}
}

func TestListTargetsParsesIP(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	targets, err := s.ListTargets(ctx)
	if err != nil {
		t.Fatalf("ListTargets: %v", err)
	}
	for _, tg := range targets {
		if tg.IP == nil {
			t.Fatalf("target %d: IP did not parse", tg.ID)
		}
		if tg.IP.To4() == nil && tg.IP.To16() == nil {
			t.Fatalf("target %d: IP %v is neither v4 nor v6", tg.ID, tg.IP)
		}
	}
}
