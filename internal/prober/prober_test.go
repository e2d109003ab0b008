package prober

import (
	"testing"

	"github.com/pilot-net/icmp-mon/pkg/types"
)

// TestClassify exercises the status classification table directly, without
// touching the network: timeouts==N beats successes==N beats successes>0
// beats the all-fail default, and packet loss is 100 - floor(s*100/n).
func TestClassify(t *testing.T) {
	cases := []struct {
		name              string
		successes         int
		timeouts          int
		n                 int
		wantStatus        types.MetricStatus
		wantPacketLossPct int
	}{
		{"all timeouts", 0, 5, 5, types.StatusTimeout, 100},
		{"all successes", 5, 0, 5, types.StatusUp, 0},
		{"partial success", 3, 0, 5, types.StatusDegraded, 40},
		{"partial success with some timeouts", 2, 1, 5, types.StatusDegraded, 60},
		{"all other failures, no timeouts", 0, 0, 5, types.StatusDown, 100},
		{"single attempt success", 1, 0, 1, types.StatusUp, 0},
		{"uneven division floors success share so loss rounds up", 1, 0, 3, types.StatusDegraded, 67},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, loss := classify(tc.successes, tc.timeouts, tc.n)
			if status != tc.wantStatus {
				t.Errorf("status = %q, want %q", status, tc.wantStatus)
			}
			if loss != tc.wantPacketLossPct {
				t.Errorf("packet_loss_percent = %d, want %d", loss, tc.wantPacketLossPct)
			}
		})
	}
}

func TestMean(t *testing.T) {
	got := mean([]float64{1, 2, 3})
	if got != 2 {
		t.Errorf("mean = %v, want 2", got)
	}
}
