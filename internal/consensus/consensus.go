// Package consensus implements the sliding-window multi-cycle failure
// quorum detector — the design heart of the monitor. It decides when a
// correlated failure across targets constitutes a recorded outage, and when
// a recovery closes it.
package consensus

import (
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/pilot-net/icmp-mon/pkg/types"
)

// cycleVector is one cycle's per-target status snapshot, as seen by the
// detector window.
type cycleVector map[int64]types.MetricStatus

// Detector maintains the sliding window of the last FailThreshold cycles'
// metric vectors and tracks at most one open OutageEvent for one probe.
// A Detector belongs to exactly one probe's scheduler and is never shared;
// cross-probe correlation is left to a downstream consumer of emitted events.
type Detector struct {
	mu sync.Mutex

	probeID       int64
	failThreshold int
	quorum        int

	window []cycleVector
	open   *types.OutageEvent
}

// NewDetector builds a Detector for probeID. failThreshold (window depth W)
// and quorum (Q) must both be >= 1; quorum must additionally be <= targetCount
// when targetCount is known.
func NewDetector(probeID int64, failThreshold, quorum, targetCount int) (*Detector, error) {
	if failThreshold < 1 {
		return nil, fmt.Errorf("consensus: fail_threshold must be >= 1, got %d", failThreshold)
	}
	if quorum < 1 {
		return nil, fmt.Errorf("consensus: consensus (quorum) must be >= 1, got %d", quorum)
	}
	if targetCount > 0 && quorum > targetCount {
		return nil, fmt.Errorf("consensus: consensus (quorum) %d exceeds target count %d", quorum, targetCount)
	}
	return &Detector{
		probeID:       probeID,
		failThreshold: failThreshold,
		quorum:        quorum,
	}, nil
}

// Update feeds one cycle's metric vector into the detector and returns any
// OutageEvent that should be persisted this cycle: a newly opened event, a
// newly closed event, or nil if nothing changed.
func (d *Detector) Update(cycleMetrics []types.ConnectivityMetric, cycleTimestamp time.Time) *types.OutageEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	vector := make(cycleVector, len(cycleMetrics))
	for _, m := range cycleMetrics {
		vector[m.TargetID] = m.Status
	}

	// 1. Window maintenance: drop the oldest cycle once the window is full.
	if len(d.window) >= d.failThreshold {
		d.window = d.window[len(d.window)-d.failThreshold+1:]
	}
	d.window = append(d.window, vector)

	// 2. Per-target failure tally across every cycle currently in the window.
	downCounts := make(map[int64]int)
	for _, cv := range d.window {
		for targetID, status := range cv {
			if status.IsFailure() {
				downCounts[targetID]++
			}
		}
	}

	// 3. Quorum set: targets that failed in every cycle of the window. Must
	// compare against the configured depth W, not the live window length —
	// while the window is still filling up (len(d.window) < failThreshold),
	// a target that merely failed in every cycle seen so far has not yet
	// failed in W consecutive cycles and must not be admitted.
	var quorumSet []int64
	for targetID, count := range downCounts {
		if count == d.failThreshold {
			quorumSet = append(quorumSet, targetID)
		}
	}
	sort.Slice(quorumSet, func(i, j int) bool { return quorumSet[i] < quorumSet[j] })

	// 4. Decision.
	switch {
	case len(quorumSet) >= d.quorum && d.open == nil:
		event := &types.OutageEvent{
			ProbeID:         d.probeID,
			StartTime:       cycleTimestamp,
			Reason:          types.ReasonConsensusReached,
			AffectedTargets: quorumSet,
			AffectedProbes:  []int64{d.probeID},
			ConsensusLevel:  len(quorumSet),
			Details: types.MarshalDetails(types.OutageDetails{
				FailThreshold:          d.failThreshold,
				Consensus:              d.quorum,
				HistoryLen:             len(d.window),
				DownCounts:             downCounts,
				CorrelationFingerprint: fingerprint(d.probeID, quorumSet),
			}),
		}
		d.open = event
		return event

	case len(quorumSet) >= d.quorum && d.open != nil:
		return nil

	case len(quorumSet) < d.quorum && d.open != nil:
		closed := d.open
		closed.Close(cycleTimestamp)
		d.open = nil
		return closed

	default:
		return nil
	}
}

// OpenEvent returns the currently open event, if any, without mutating state.
// Used by the shutdown supervisor to close any still-open event per probe.
func (d *Detector) OpenEvent() (*types.OutageEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open == nil {
		return nil, false
	}
	return d.open, true
}

// CloseForShutdown force-closes the open event (if any) at end, returning it,
// and clears the open-event slot.
func (d *Detector) CloseForShutdown(end time.Time) (*types.OutageEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open == nil {
		return nil, false
	}
	closed := d.open
	closed.Close(end)
	d.open = nil
	return closed, true
}

// fingerprint computes a short correlation fingerprint from the probe id and
// the sorted affected-target set, letting operators grep an open event and
// its eventual close out of logs.
func fingerprint(probeID int64, targetIDs []int64) string {
	h, err := blake2b.New256(nil)
	if err != nil {
		return ""
	}
	fmt.Fprintf(h, "probe:%d", probeID)
	for _, id := range targetIDs {
		fmt.Fprintf(h, "|target:%d", id)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}
