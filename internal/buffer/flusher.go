package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pilot-net/icmp-mon/pkg/types"
)

// Inserter is the one store method the flusher needs; kept narrow so this
// package never imports pgx directly.
type Inserter interface {
	InsertConnectivityMetrics(ctx context.Context, metrics []types.ConnectivityMetric) error
}

// Flusher reads from the Redis buffer and writes to the storage gateway in
// batches, trading a few seconds of durability for insulation from database
// latency spikes.
type Flusher struct {
	buffer   *MetricBuffer
	store    Inserter
	logger   *slog.Logger
	interval time.Duration
	batch    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFlusher creates a new buffer flusher.
func NewFlusher(buf *MetricBuffer, store Inserter, logger *slog.Logger) *Flusher {
	return &Flusher{
		buffer:   buf,
		store:    store,
		logger:   logger.With("component", "buffer_flusher"),
		interval: DefaultFlushInterval,
		batch:    DefaultBatchSize,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background flushing loop.
func (f *Flusher) Start() {
	f.wg.Add(1)
	go f.run()
	f.logger.Info("buffer flusher started", "interval", f.interval, "batch_size", f.batch)
}

// Stop stops the flusher, running one final flush first.
func (f *Flusher) Stop() {
	close(f.stopCh)
	f.wg.Wait()
	f.logger.Info("buffer flusher stopped")
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			f.flush()
			return
		case <-ticker.C:
			f.flush()
		}
	}
}

func (f *Flusher) flush() {
	ctx := context.Background()

	size, err := f.buffer.Len(ctx)
	if err != nil {
		f.logger.Error("failed to get buffer size", "error", err)
		return
	}
	if size == 0 {
		return
	}

	metrics, err := f.buffer.Pop(ctx, f.batch)
	if err != nil {
		f.logger.Error("failed to pop from buffer", "error", err)
		return
	}
	if len(metrics) == 0 {
		return
	}

	start := time.Now()
	if err := f.store.InsertConnectivityMetrics(ctx, metrics); err != nil {
		f.logger.Error("failed to write metrics to database",
			"error", err,
			"count", len(metrics),
		)
		return
	}

	f.logger.Info("flushed connectivity metrics to database",
		"count", len(metrics),
		"remaining", size-int64(len(metrics)),
		"duration", time.Since(start),
	)
}
