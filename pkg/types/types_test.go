package types

import (
	"net"
	"testing"
	"time"
)

func TestConnectivityMetricValidateUpRequiresResponseTime(t *testing.T) {
	m := &ConnectivityMetric{TargetID: 1, Status: StatusUp}
	if err := m.Validate(); err == nil {
		t.Fatal("expected error: status up without response_time_ms")
	}

	rtt := 12.5
	m.ResponseTimeMs = &rtt
	if err := m.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConnectivityMetricValidateUpRejectsFullLoss(t *testing.T) {
	rtt := 12.5
	loss := 100
	m := &ConnectivityMetric{TargetID: 1, Status: StatusUp, ResponseTimeMs: &rtt, PacketLossPercent: &loss}
	if err := m.Validate(); err == nil {
		t.Fatal("expected error: status up with packet_loss_percent == 100")
	}
}

func TestConnectivityMetricValidateRejectsUnknownStatus(t *testing.T) {
	m := &ConnectivityMetric{TargetID: 1, Status: "bogus"}
	if err := m.Validate(); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestMetricStatusIsFailure(t *testing.T) {
	cases := map[MetricStatus]bool{
		StatusUp:       false,
		StatusDegraded: false,
		StatusDown:     true,
		StatusTimeout:  true,
	}
	for status, want := range cases {
		if got := status.IsFailure(); got != want {
			t.Errorf("%s.IsFailure() = %v, want %v", status, got, want)
		}
	}
}

func TestPingMetricType(t *testing.T) {
	if got := PingMetricType(net.ParseIP("1.1.1.1")); got != MetricPingV4 {
		t.Errorf("got %s, want %s", got, MetricPingV4)
	}
	if got := PingMetricType(net.ParseIP("2606:4700:4700::1111")); got != MetricPingV6 {
		t.Errorf("got %s, want %s", got, MetricPingV6)
	}
}

func TestOutageEventCloseComputesDurationFloor(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := &OutageEvent{StartTime: start, Reason: ReasonConsensusReached}
	end := start.Add(90*time.Second + 600*time.Millisecond)

	e.Close(end)

	if e.EndTime == nil || !e.EndTime.Equal(end) {
		t.Fatalf("end_time = %v, want %v", e.EndTime, end)
	}
	if e.DurationSeconds == nil || *e.DurationSeconds != 90 {
		t.Fatalf("duration_seconds = %v, want 90", e.DurationSeconds)
	}
	if e.Reason != ReasonConsensusLoss {
		t.Fatalf("reason = %q, want %q", e.Reason, ReasonConsensusLoss)
	}
}

func TestTargetValidateRequiresNameAndIP(t *testing.T) {
	if err := (&Target{}).Validate(); err == nil {
		t.Fatal("expected error for missing name")
	}
	if err := (&Target{Name: "x"}).Validate(); err == nil {
		t.Fatal("expected error for missing ip")
	}
	if err := (&Target{Name: "x", IP: net.ParseIP("1.2.3.4")}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
