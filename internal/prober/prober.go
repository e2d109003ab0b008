// Package prober implements concurrent reachability measurement per target.
// The measurement kind is modeled as a capability behind the Prober
// interface so future TCP/HTTP/DNS variants can plug in without touching
// the consensus detector.
package prober

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/icmp-mon/pkg/types"
)

// Prober measures reachability to a set of targets for one cycle, returning
// one ConnectivityMetric per target that did not panic or fatally fault.
type Prober interface {
	Measure(ctx context.Context, probeID int64, cycleID int64, targets []types.Target, n int, timeout time.Duration) []types.ConnectivityMetric
}

// ICMPProber is the default Prober variant: N sequential ICMP echo attempts
// per target, targets measured concurrently, fan-out bounded by a rate
// limiter.
type ICMPProber struct {
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewICMPProber builds a prober whose per-target measurements are admitted by
// a token-bucket limiter: up to burst start at once, later ones at burst per
// second. It does not cap how many measurements are in flight at one time.
func NewICMPProber(burst int, logger *slog.Logger) *ICMPProber {
	return &ICMPProber{
		limiter: rate.NewLimiter(rate.Limit(burst), burst),
		logger:  logger.With("component", "prober"),
	}
}

// Measure implements Prober.
func (p *ICMPProber) Measure(ctx context.Context, probeID, cycleID int64, targets []types.Target, n int, timeout time.Duration) []types.ConnectivityMetric {
	results := make(chan types.ConnectivityMetric, len(targets))
	var wg sync.WaitGroup

	for _, target := range targets {
		wg.Add(1)
		go func(t types.Target) {
			defer wg.Done()
			defer func() {
				// A panic in one target's measurement must not affect
				// others; such a target is simply omitted from the result
				// set.
				if r := recover(); r != nil {
					p.logger.Error("recovered from panic measuring target", "target_id", t.ID, "panic", r)
				}
			}()

			if err := p.limiter.Wait(ctx); err != nil {
				return
			}

			m := measureTarget(ctx, probeID, cycleID, t, n, timeout)
			results <- m
		}(target)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]types.ConnectivityMetric, 0, len(targets))
	for m := range results {
		out = append(out, m)
	}
	return out
}

// measureTarget runs N sequential ICMP echo attempts against t and classifies
// the outcome.
func measureTarget(ctx context.Context, probeID, cycleID int64, t types.Target, n int, timeout time.Duration) types.ConnectivityMetric {
	successes := 0
	timeouts := 0
	var rtts []float64
	var lastErr string

	for i := 0; i < n; i++ {
		rtt, err := pingOnce(ctx, t.IP, timeout)
		switch {
		case err == nil:
			successes++
			rtts = append(rtts, float64(rtt.Microseconds())/1000.0)
		case isTimeoutErr(err):
			timeouts++
			lastErr = err.Error()
		default:
			lastErr = err.Error()
		}
	}

	m := types.ConnectivityMetric{
		CycleID:    cycleID,
		ProbeID:    probeID,
		TargetID:   t.ID,
		Timestamp:  time.Now(),
		MetricType: types.PingMetricType(t.IP),
	}

	status, loss := classify(successes, timeouts, n)
	m.Status = status
	m.PacketLossPercent = &loss

	if successes > 0 {
		avg := mean(rtts)
		m.ResponseTimeMs = &avg
	}
	if m.Status != types.StatusUp {
		m.ErrorMessage = lastErr
	}

	return m
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// classify derives a metric's status and packet-loss percentage from the
// attempt counts of one target's measurement round: all-timeout beats
// all-success beats partial-success beats all-fail.
func classify(successes, timeouts, n int) (types.MetricStatus, int) {
	loss := 100 - int(math.Floor(float64(successes)*100/float64(n)))

	switch {
	case timeouts == n:
		return types.StatusTimeout, loss
	case successes == n:
		return types.StatusUp, loss
	case successes > 0:
		return types.StatusDegraded, loss
	default:
		return types.StatusDown, loss
	}
}
