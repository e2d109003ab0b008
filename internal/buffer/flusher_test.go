package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/icmp-mon/pkg/types"
)

type fakeInserter struct {
	mu      sync.Mutex
	metrics []types.ConnectivityMetric
	calls   int
}

func (f *fakeInserter) InsertConnectivityMetrics(ctx context.Context, metrics []types.ConnectivityMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.metrics = append(f.metrics, metrics...)
	return nil
}

func (f *fakeInserter) count() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.metrics), f.calls
}

// TestFlusherDrainsBufferedMetrics exercises the full flush loop against a
// real buffer (skipped without TEST_REDIS_URL) and a fake store, verifying
// that the ticker flushes, together with Stop's final flush, deliver
// whatever Push left behind.
func TestFlusherDrainsBufferedMetrics(t *testing.T) {
	buf := newTestBuffer(t)
	ctx := context.Background()

	if err := buf.Push(ctx, []types.ConnectivityMetric{sampleMetric(11), sampleMetric(12), sampleMetric(13)}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	store := &fakeInserter{}
	f := NewFlusher(buf, store, testLogger())
	f.interval = 20 * time.Millisecond
	f.Start()
	time.Sleep(100 * time.Millisecond)
	f.Stop()

	n, calls := store.count()
	if n < 3 {
		t.Fatalf("flusher delivered %d metrics, want at least 3", n)
	}
	if calls == 0 {
		t.Fatal("expected at least one InsertConnectivityMetrics call")
	}
}
