// Package liveness implements the multi-method probe-local internet
// reachability test: TCP connect, then reverse DNS, then an ICMP fallback,
// short-circuiting on the first success.
package liveness

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pilot-net/icmp-mon/internal/config"
	"github.com/pilot-net/icmp-mon/internal/prober"
	"github.com/pilot-net/icmp-mon/pkg/types"
)

// tcpPorts are attempted in order for the TCP-connect method.
var tcpPorts = []int{53, 80, 443}

// icmpFallbackTimeout is the per-attempt deadline for the ICMP fallback method.
const icmpFallbackTimeout = 2 * time.Second

// sentinelCycleID marks the ICMP fallback's probe call as not belonging to
// any real cycle.
const sentinelCycleID = 0

// Checker decides whether the local host has any working internet path.
// It is pure with respect to persisted state: it never emits metrics or
// touches the store.
type Checker struct {
	prober prober.Prober
}

// NewChecker builds a liveness Checker. The ICMP fallback reuses the same
// Prober the scheduler uses for regular cycles, so the liveness check and
// ordinary measurement share one measurement implementation.
func NewChecker(p prober.Prober) *Checker {
	return &Checker{prober: p}
}

// IsAlive returns true as soon as any method succeeds against any target;
// false only if every method fails for every target.
func (c *Checker) IsAlive(ctx context.Context, probeID int64, targets []types.Target) bool {
	if tcpConnectAny(ctx, targets) {
		return true
	}
	if reverseDNSAny(ctx, targets) {
		return true
	}
	return c.icmpFallbackAny(ctx, probeID, targets)
}

func tcpConnectAny(ctx context.Context, targets []types.Target) bool {
	dialer := net.Dialer{Timeout: config.TCPConnectTimeout}
	for _, t := range targets {
		if t.IP == nil {
			continue
		}
		for _, port := range tcpPorts {
			addr := net.JoinHostPort(t.IP.String(), strconv.Itoa(port))
			conn, err := dialer.DialContext(ctx, "tcp", addr)
			if err == nil {
				conn.Close()
				return true
			}
		}
	}
	return false
}

func reverseDNSAny(ctx context.Context, targets []types.Target) bool {
	resolver := net.DefaultResolver
	for _, t := range targets {
		if t.IP == nil {
			continue
		}
		names, err := resolver.LookupAddr(ctx, t.IP.String())
		if err == nil && len(names) > 0 {
			return true
		}
	}
	return false
}

func (c *Checker) icmpFallbackAny(ctx context.Context, probeID int64, targets []types.Target) bool {
	if len(targets) == 0 {
		return false
	}
	metrics := c.prober.Measure(ctx, probeID, sentinelCycleID, targets, 1, icmpFallbackTimeout)
	for _, m := range metrics {
		if m.Status == types.StatusUp {
			return true
		}
	}
	return false
}
