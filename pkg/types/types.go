// Package types defines the core domain records shared across the monitor:
// targets, probes, cycles, connectivity metrics, target status, and outage
// events, along with their tagged-enum fields.
package types

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// MetricStatus is the outcome of a single connectivity measurement.
type MetricStatus string

const (
	StatusUp       MetricStatus = "up"
	StatusDown     MetricStatus = "down"
	StatusDegraded MetricStatus = "degraded"
	StatusTimeout  MetricStatus = "timeout"
)

// Valid reports whether s is one of the known status tags.
func (s MetricStatus) Valid() bool {
	switch s {
	case StatusUp, StatusDown, StatusDegraded, StatusTimeout:
		return true
	default:
		return false
	}
}

// IsFailure reports whether s counts as a failure for consensus purposes.
// Down and Timeout are failures; Degraded and Up are not.
func (s MetricStatus) IsFailure() bool {
	return s == StatusDown || s == StatusTimeout
}

// MetricType tags the protocol/address-family combination of a measurement.
type MetricType string

const (
	MetricPingV4 MetricType = "ping_ipv4"
	MetricPingV6 MetricType = "ping_ipv6"
	MetricTCPV4  MetricType = "tcp_ipv4"
	MetricTCPV6  MetricType = "tcp_ipv6"
	MetricHTTPV4 MetricType = "http_ipv4"
	MetricHTTPV6 MetricType = "http_ipv6"
	MetricDNSV4  MetricType = "dns_ipv4"
	MetricDNSV6  MetricType = "dns_ipv6"
)

func (t MetricType) Valid() bool {
	switch t {
	case MetricPingV4, MetricPingV6, MetricTCPV4, MetricTCPV6, MetricHTTPV4, MetricHTTPV6, MetricDNSV4, MetricDNSV6:
		return true
	default:
		return false
	}
}

// PingMetricType returns the ping_v4/ping_v6 variant for the given address.
func PingMetricType(ip net.IP) MetricType {
	if ip.To4() != nil {
		return MetricPingV4
	}
	return MetricPingV6
}

// OutageReason tags why an OutageEvent transitioned.
type OutageReason string

const (
	ReasonConsensusReached OutageReason = "consensus_reached"
	ReasonConsensusLoss    OutageReason = "consensus_loss"
)

// Target is a monitored IP endpoint. Immutable across a run.
type Target struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	IP       net.IP `json:"ip"`
	ASN      *int   `json:"asn,omitempty"`
	Provider string `json:"provider,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Region   string `json:"region,omitempty"`
}

// Validate checks that the target has a parseable IP and a name.
func (t *Target) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("target: name is required")
	}
	if t.IP == nil {
		return fmt.Errorf("target %s: ip is required", t.Name)
	}
	return nil
}

// Probe is a measurement vantage point. Immutable across a run.
type Probe struct {
	ID       int64  `json:"id"`
	Location string `json:"location"`
	IP       net.IP `json:"ip,omitempty"`
	Provider string `json:"provider,omitempty"`
}

func (p *Probe) Validate() error {
	if p.Location == "" {
		return fmt.Errorf("probe: location is required")
	}
	return nil
}

// Cycle is one monitoring iteration of one probe.
type Cycle struct {
	ID          int64      `json:"id"`
	ProbeID     int64      `json:"probe_id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	CycleNumber int64      `json:"cycle_number"`
	ProbeCount  int        `json:"probe_count"`
}

// ConnectivityMetric is one measurement of one target within one cycle.
type ConnectivityMetric struct {
	ID                int64        `json:"id"`
	CycleID           int64        `json:"cycle_id"`
	ProbeID           int64        `json:"probe_id"`
	TargetID          int64        `json:"target_id"`
	Timestamp         time.Time    `json:"timestamp"`
	MetricType        MetricType   `json:"metric_type"`
	Status            MetricStatus `json:"status"`
	ResponseTimeMs    *float64     `json:"response_time_ms,omitempty"`
	PacketLossPercent *int         `json:"packet_loss_percent,omitempty"`
	ErrorMessage      string       `json:"error_message,omitempty"`
}

// Validate enforces the invariant: Up implies a response time and loss < 100.
func (m *ConnectivityMetric) Validate() error {
	if !m.Status.Valid() {
		return fmt.Errorf("metric target=%d: invalid status %q", m.TargetID, m.Status)
	}
	if m.Status == StatusUp {
		if m.ResponseTimeMs == nil {
			return fmt.Errorf("metric target=%d: status up requires response_time_ms", m.TargetID)
		}
		if m.PacketLossPercent != nil && *m.PacketLossPercent >= 100 {
			return fmt.Errorf("metric target=%d: status up requires packet_loss_percent < 100", m.TargetID)
		}
	}
	return nil
}

// TargetStatus is the latest persisted status for a target.
type TargetStatus struct {
	TargetID   int64        `json:"target_id"`
	LastStatus MetricStatus `json:"last_status"`
	LastChange time.Time    `json:"last_change"`
}

// OutageEvent is emitted by the consensus detector when a correlated failure
// opens or closes.
type OutageEvent struct {
	ID              int64           `json:"id"`
	ProbeID         int64           `json:"probe_id"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	DurationSeconds *int64          `json:"duration_seconds,omitempty"`
	Reason          OutageReason    `json:"reason"`
	AffectedTargets []int64         `json:"affected_targets"`
	AffectedProbes  []int64         `json:"affected_probes,omitempty"`
	ConsensusLevel  int             `json:"consensus_level"`
	Details         json.RawMessage `json:"details,omitempty"`
}

// OutageDetails is the structured payload stored in OutageEvent.Details.
type OutageDetails struct {
	FailThreshold          int           `json:"fail_threshold"`
	Consensus              int           `json:"consensus"`
	HistoryLen             int           `json:"history_len"`
	DownCounts             map[int64]int `json:"down_counts"`
	CorrelationFingerprint string        `json:"correlation_fingerprint"`
}

// MarshalDetails encodes d as the JSON payload for OutageEvent.Details.
func MarshalDetails(d OutageDetails) json.RawMessage {
	raw, err := json.Marshal(d)
	if err != nil {
		// OutageDetails has no types that can fail to marshal (no channels,
		// funcs, or cyclic references), so this is unreachable in practice.
		return json.RawMessage(`{}`)
	}
	return raw
}

// Close marks the event closed at end, computing duration in whole seconds.
func (e *OutageEvent) Close(end time.Time) {
	e.EndTime = &end
	d := int64(end.Sub(e.StartTime).Seconds())
	e.DurationSeconds = &d
	e.Reason = ReasonConsensusLoss
}
