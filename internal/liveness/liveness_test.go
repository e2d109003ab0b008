package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/pilot-net/icmp-mon/pkg/types"
)

// fakeProber lets the ICMP fallback path be exercised without touching the
// network; tcpConnectAny/reverseDNSAny are skipped entirely when targets
// carry a nil IP, isolating IsAlive to icmpFallbackAny.
type fakeProber struct {
	status types.MetricStatus
}

func (f *fakeProber) Measure(ctx context.Context, probeID, cycleID int64, targets []types.Target, n int, timeout time.Duration) []types.ConnectivityMetric {
	out := make([]types.ConnectivityMetric, 0, len(targets))
	for _, t := range targets {
		out = append(out, types.ConnectivityMetric{TargetID: t.ID, Status: f.status})
	}
	return out
}

func nilIPTargets() []types.Target {
	return []types.Target{{ID: 1, Name: "t1"}, {ID: 2, Name: "t2"}}
}

func TestIsAliveFallsBackToICMPWhenTCPAndDNSUnavailable(t *testing.T) {
	c := NewChecker(&fakeProber{status: types.StatusUp})
	if !c.IsAlive(context.Background(), 1, nilIPTargets()) {
		t.Fatal("expected IsAlive=true when ICMP fallback reports StatusUp")
	}
}

func TestIsAliveFalseWhenAllMethodsFail(t *testing.T) {
	c := NewChecker(&fakeProber{status: types.StatusDown})
	if c.IsAlive(context.Background(), 1, nilIPTargets()) {
		t.Fatal("expected IsAlive=false when every method fails")
	}
}

func TestIsAliveFalseWithNoTargets(t *testing.T) {
	c := NewChecker(&fakeProber{status: types.StatusUp})
	if c.IsAlive(context.Background(), 1, nil) {
		t.Fatal("expected IsAlive=false with no targets to measure")
	}
}

func TestTCPConnectAnySkipsTargetsWithoutIP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if tcpConnectAny(ctx, nilIPTargets()) {
		t.Fatal("expected false: no target carries a dialable IP")
	}
}

func TestReverseDNSAnySkipsTargetsWithoutIP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if reverseDNSAny(ctx, nilIPTargets()) {
		t.Fatal("expected false: no target carries a resolvable IP")
	}
}
