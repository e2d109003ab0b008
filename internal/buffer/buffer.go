// Package buffer provides an optional Redis-backed write-behind buffer for
// connectivity metrics. This decouples a cycle's measurement fan-in from the
// database write path, absorbing short database slowdowns without blocking
// the scheduler.
//
// # Capacity
//
// Unlike an arbitrary event stream, a cycle's metric volume is bounded by
// target count and known at config time: every cycle_interval_secs, each
// probe pushes exactly len(targets) metrics. A buffer that keeps growing
// past DefaultMaxBufferLen, a generous multiple of one flush batch, means
// the database path is stuck, not merely slow, so Push caps the list length
// instead of letting a stalled flusher grow it without bound.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/icmp-mon/pkg/types"
)

const (
	keyConnectivityMetrics = "icmpmon:connectivity_metrics"

	// DefaultBatchSize bounds one flush's Pop; COPY handles large batches
	// efficiently so this can stay generous.
	DefaultBatchSize = 5000

	// DefaultFlushInterval is how often the flusher drains the buffer.
	DefaultFlushInterval = 2 * time.Second

	// DefaultMaxBufferLen bounds the list so a prolonged database outage
	// degrades to dropping the oldest metrics instead of growing Redis
	// memory without limit. Sized generously above any single flush cycle
	// (DefaultBatchSize) so normal flusher jitter never trims a healthy
	// buffer.
	DefaultMaxBufferLen = 20 * DefaultBatchSize
)

// MetricBuffer provides Redis-backed buffering for connectivity metrics,
// bounded to maxLen entries.
type MetricBuffer struct {
	client *redis.Client
	logger *slog.Logger
	maxLen int64
}

// NewMetricBuffer creates a new Redis-backed metric buffer, capped at
// DefaultMaxBufferLen entries, and verifies connectivity before returning.
func NewMetricBuffer(ctx context.Context, redisURL string, logger *slog.Logger) (*MetricBuffer, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &MetricBuffer{
		client: client,
		logger: logger.With("component", "metric_buffer"),
		maxLen: DefaultMaxBufferLen,
	}, nil
}

// Push adds metrics to the buffer, JSON-encoded, pushed to a Redis list.
// When the push carries the list past maxLen, the oldest entries beyond
// that cap are trimmed away and the drop is logged, rather than letting a
// stuck flush path grow the list forever.
func (b *MetricBuffer) Push(ctx context.Context, metrics []types.ConnectivityMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	values := make([]interface{}, len(metrics))
	for i, m := range metrics {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshaling connectivity metric: %w", err)
		}
		values[i] = data
	}

	pipe := b.client.TxPipeline()
	lenCmd := pipe.LPush(ctx, keyConnectivityMetrics, values...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pushing metrics to redis: %w", err)
	}

	if newLen := lenCmd.Val(); newLen > b.maxLen {
		dropped := newLen - b.maxLen
		if err := b.client.LTrim(ctx, keyConnectivityMetrics, 0, b.maxLen-1).Err(); err != nil {
			b.logger.Warn("failed to trim connectivity metric buffer over capacity", "error", err)
			return nil
		}
		b.logger.Warn("connectivity metric buffer exceeded capacity, oldest entries dropped",
			"buffer_len", newLen, "max_len", b.maxLen, "dropped", dropped)
	}
	return nil
}

// Pop retrieves and removes up to maxMetrics from the buffer in FIFO order.
func (b *MetricBuffer) Pop(ctx context.Context, maxMetrics int) ([]types.ConnectivityMetric, error) {
	pipe := b.client.Pipeline()
	cmds := make([]*redis.StringCmd, maxMetrics)
	for i := 0; i < maxMetrics; i++ {
		cmds[i] = pipe.RPop(ctx, keyConnectivityMetrics)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("popping metrics from redis: %w", err)
	}

	metrics := make([]types.ConnectivityMetric, 0, maxMetrics)
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			continue
		}
		var m types.ConnectivityMetric
		if err := json.Unmarshal(data, &m); err != nil {
			b.logger.Warn("failed to unmarshal connectivity metric", "error", err)
			continue
		}
		metrics = append(metrics, m)
	}
	return metrics, nil
}

// Len returns the number of buffered metrics.
func (b *MetricBuffer) Len(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, keyConnectivityMetrics).Result()
}

// Close closes the Redis connection.
func (b *MetricBuffer) Close() error {
	return b.client.Close()
}
