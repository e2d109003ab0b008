// Package store provides the storage gateway: a narrow asynchronous
// persistence interface over a relational store.
//
// # Design
//
// The store uses raw SQL with pgx for direct control over the exact queries
// issued, rather than going through an ORM.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilot-net/icmp-mon/pkg/types"
)

// Store provides database operations for the monitor.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool for advanced operations
// (migrations, the buffer flusher's bulk COPY path).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// TARGETS & PROBES
// =============================================================================

// ListTargets returns every monitored target.
func (s *Store) ListTargets(ctx context.Context) ([]types.Target, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, host(ip), asn, provider, kind, region
		FROM monitoring_targets ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}
	defer rows.Close()

	var targets []types.Target
	for rows.Next() {
		var t types.Target
		var ipStr string
		if err := rows.Scan(&t.ID, &t.Name, &ipStr, &t.ASN, &t.Provider, &t.Kind, &t.Region); err != nil {
			return nil, fmt.Errorf("scanning target: %w", err)
		}
		t.IP = net.ParseIP(ipStr)
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// ListProbes returns every configured probe.
func (s *Store) ListProbes(ctx context.Context) ([]types.Probe, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, location, host(ip), provider
		FROM monitoring_probes ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing probes: %w", err)
	}
	defer rows.Close()

	var probes []types.Probe
	for rows.Next() {
		var p types.Probe
		var ipStr *string
		if err := rows.Scan(&p.ID, &p.Location, &ipStr, &p.Provider); err != nil {
			return nil, fmt.Errorf("scanning probe: %w", err)
		}
		if ipStr != nil {
			p.IP = net.ParseIP(*ipStr)
		}
		probes = append(probes, p)
	}
	return probes, rows.Err()
}

// =============================================================================
// CYCLES
// =============================================================================

// InsertCycle inserts a new cycle row and returns its assigned id.
func (s *Store) InsertCycle(ctx context.Context, c *types.Cycle) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO monitoring_cycles (probe_id, started_at, cycle_number, probe_count)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, c.ProbeID, c.StartedAt, c.CycleNumber, c.ProbeCount).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting cycle: %w", err)
	}
	return id, nil
}

// =============================================================================
// CONNECTIVITY METRICS
// =============================================================================

// InsertConnectivityMetric persists a single metric (at-least-once delivery).
func (s *Store) InsertConnectivityMetric(ctx context.Context, m *types.ConnectivityMetric) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connectivity_metrics
			(cycle_id, probe_id, target_id, timestamp, metric_type, status, response_time_ms, packet_loss_percent, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		m.CycleID, m.ProbeID, m.TargetID, m.Timestamp, m.MetricType, m.Status,
		m.ResponseTimeMs, m.PacketLossPercent, nullableString(m.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("inserting connectivity metric target=%d: %w", m.TargetID, err)
	}
	return nil
}

// InsertConnectivityMetrics bulk-inserts metrics via a temp staging table and
// CopyFrom, the high-throughput path used by the buffer flusher. Duplicates
// (same cycle+target, re-delivered by the buffer) are dropped.
func (s *Store) InsertConnectivityMetrics(ctx context.Context, metrics []types.ConnectivityMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning bulk metric insert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		CREATE TEMP TABLE connectivity_metrics_staging (
			cycle_id INTEGER NOT NULL,
			probe_id INTEGER NOT NULL,
			target_id INTEGER NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			metric_type TEXT NOT NULL,
			status TEXT NOT NULL,
			response_time_ms DOUBLE PRECISION,
			packet_loss_percent INTEGER,
			error_message TEXT
		) ON COMMIT DROP
	`)
	if err != nil {
		return fmt.Errorf("creating staging table: %w", err)
	}

	rows := make([][]any, len(metrics))
	for i, m := range metrics {
		rows[i] = []any{
			m.CycleID, m.ProbeID, m.TargetID, m.Timestamp, m.MetricType, m.Status,
			m.ResponseTimeMs, m.PacketLossPercent, nullableString(m.ErrorMessage),
		}
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"connectivity_metrics_staging"},
		[]string{"cycle_id", "probe_id", "target_id", "timestamp", "metric_type", "status", "response_time_ms", "packet_loss_percent", "error_message"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copying metrics into staging table: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO connectivity_metrics
			(cycle_id, probe_id, target_id, timestamp, metric_type, status, response_time_ms, packet_loss_percent, error_message)
		SELECT cycle_id, probe_id, target_id, timestamp, metric_type::metric_type, status::metric_status, response_time_ms, packet_loss_percent, error_message
		FROM connectivity_metrics_staging
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("inserting from staging table: %w", err)
	}

	return tx.Commit(ctx)
}

// ListConnectivityMetricsByCycle returns every metric recorded in cycleID.
func (s *Store) ListConnectivityMetricsByCycle(ctx context.Context, cycleID int64) ([]types.ConnectivityMetric, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, cycle_id, probe_id, target_id, timestamp, metric_type, status, response_time_ms, packet_loss_percent, COALESCE(error_message, '')
		FROM connectivity_metrics WHERE cycle_id = $1 ORDER BY target_id
	`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("listing metrics for cycle %d: %w", cycleID, err)
	}
	defer rows.Close()

	var metrics []types.ConnectivityMetric
	for rows.Next() {
		var m types.ConnectivityMetric
		if err := rows.Scan(
			&m.ID, &m.CycleID, &m.ProbeID, &m.TargetID, &m.Timestamp, &m.MetricType, &m.Status,
			&m.ResponseTimeMs, &m.PacketLossPercent, &m.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scanning metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// =============================================================================
// TARGET STATUS
// =============================================================================

// GetTargetStatus returns the latest persisted status for targetID.
func (s *Store) GetTargetStatus(ctx context.Context, targetID int64) (types.MetricStatus, bool, error) {
	var status types.MetricStatus
	err := s.pool.QueryRow(ctx, `
		SELECT last_status FROM target_status WHERE target_id = $1
	`, targetID).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting target status %d: %w", targetID, err)
	}
	return status, true, nil
}

// SetTargetStatus upserts targetID's status, stamping last_change = now.
func (s *Store) SetTargetStatus(ctx context.Context, targetID int64, status types.MetricStatus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO target_status (target_id, last_status, last_change)
		VALUES ($1, $2, now())
		ON CONFLICT (target_id) DO UPDATE SET last_status = EXCLUDED.last_status, last_change = EXCLUDED.last_change
	`, targetID, status)
	if err != nil {
		return fmt.Errorf("setting target status %d: %w", targetID, err)
	}
	return nil
}

// ListAllTargetStatus returns the latest status for every target.
func (s *Store) ListAllTargetStatus(ctx context.Context) ([]types.TargetStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT target_id, last_status, last_change FROM target_status ORDER BY target_id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing target statuses: %w", err)
	}
	defer rows.Close()

	var statuses []types.TargetStatus
	for rows.Next() {
		var ts types.TargetStatus
		if err := rows.Scan(&ts.TargetID, &ts.LastStatus, &ts.LastChange); err != nil {
			return nil, fmt.Errorf("scanning target status: %w", err)
		}
		statuses = append(statuses, ts)
	}
	return statuses, rows.Err()
}

// =============================================================================
// OUTAGE EVENTS
// =============================================================================

// InsertOutageEvent persists an outage event (open or closed), at-least-once.
func (s *Store) InsertOutageEvent(ctx context.Context, e *types.OutageEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outage_events
			(probe_id, start_time, end_time, duration_seconds, reason, affected_targets, affected_probes, consensus_level, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		e.ProbeID, e.StartTime, e.EndTime, e.DurationSeconds, e.Reason,
		e.AffectedTargets, e.AffectedProbes, e.ConsensusLevel, jsonOrEmpty(e.Details),
	)
	if err != nil {
		return fmt.Errorf("inserting outage event probe=%d: %w", e.ProbeID, err)
	}
	return nil
}

// CloseOutageEvent closes the most recent open event for probeID, used by the
// scheduler on a consensus close and by the shutdown supervisor. Returns false
// if no event was open.
func (s *Store) CloseOutageEvent(ctx context.Context, probeID int64, end time.Time) (*types.OutageEvent, bool, error) {
	var e types.OutageEvent
	var details []byte
	err := s.pool.QueryRow(ctx, `
		UPDATE outage_events
		SET end_time = $2, duration_seconds = FLOOR(EXTRACT(EPOCH FROM ($2 - start_time)))::bigint, reason = $3
		WHERE probe_id = $1 AND end_time IS NULL
		RETURNING id, probe_id, start_time, end_time, duration_seconds, reason, affected_targets, affected_probes, consensus_level, details
	`, probeID, end, types.ReasonConsensusLoss).Scan(
		&e.ID, &e.ProbeID, &e.StartTime, &e.EndTime, &e.DurationSeconds, &e.Reason,
		&e.AffectedTargets, &e.AffectedProbes, &e.ConsensusLevel, &details,
	)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("closing outage event for probe %d: %w", probeID, err)
	}
	e.Details = details
	return &e, true, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jsonOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
