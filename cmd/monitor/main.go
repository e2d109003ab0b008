// Command monitor runs the network-reachability monitor daemon: one
// scheduler goroutine per configured probe, each independently measuring
// reachability to every target and feeding its own consensus detector.
//
// # Usage
//
//	monitor -config /etc/icmpmon/config.yaml
//	monitor -config /etc/icmpmon/config.yaml -migrate-status  # diagnostic only, no scheduler starts
//
// # Lifecycle
//
//  1. Load configuration (file + env overrides)
//  2. Resolve database_url (optionally via a secrets backend)
//  3. Connect to the store, run schema migrations
//  4. List targets and probes (fatal if either is empty)
//  5. Spawn one scheduler per probe
//  6. Wait for a goroutine failure or a shutdown signal
//  7. Close any still-open outage events, then exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/icmp-mon/db/migrate"
	"github.com/pilot-net/icmp-mon/internal/buffer"
	"github.com/pilot-net/icmp-mon/internal/config"
	"github.com/pilot-net/icmp-mon/internal/consensus"
	"github.com/pilot-net/icmp-mon/internal/liveness"
	"github.com/pilot-net/icmp-mon/internal/prober"
	"github.com/pilot-net/icmp-mon/internal/scheduler"
	"github.com/pilot-net/icmp-mon/internal/secrets"
	"github.com/pilot-net/icmp-mon/internal/selfmetrics"
	"github.com/pilot-net/icmp-mon/internal/store"
	"github.com/pilot-net/icmp-mon/internal/warmup"
	"github.com/pilot-net/icmp-mon/pkg/types"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Path to YAML config file (optional; defaults + env overrides still apply)")
		debug         = flag.Bool("debug", false, "Enable debug logging")
		version       = flag.Bool("version", false, "Print version and exit")
		migrateStatus = flag.Bool("migrate-status", false, "Print schema migration status and exit, without starting any probe scheduler")
	)
	flag.Parse()

	if *version {
		fmt.Println("icmpmon-monitor v0.1.0")
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	if *migrateStatus {
		if err := printMigrateStatus(*configPath, logger); err != nil {
			logger.Error("migrate-status failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath, logger); err != nil {
		logger.Error("monitor exited with error", "error", err)
		os.Exit(1)
	}
}

// printMigrateStatus connects to the configured database and reports which
// schema migrations have applied and which remain, without running
// migrations or starting any scheduler. Lets an operator check a deploy's
// schema state ahead of (or instead of) a full monitor start.
func printMigrateStatus(configPath string, logger *slog.Logger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.ApplyEnvOverrides()

	resolver, err := secrets.NewResolver(cfg.SecretsBackend, logger)
	if err != nil {
		return fmt.Errorf("building secrets resolver: %w", err)
	}
	resolveCtx, resolveCancel := context.WithTimeout(context.Background(), config.StoreConnectTimeout)
	dbURL, err := resolver.ResolveDatabaseURL(resolveCtx, cfg.DatabaseURL)
	resolveCancel()
	if err != nil {
		return fmt.Errorf("resolving database_url: %w", err)
	}
	cfg.DatabaseURL = dbURL

	connectCtx, connectCancel := context.WithTimeout(context.Background(), config.StoreConnectTimeout)
	db, err := store.NewStoreFromURL(connectCtx, cfg.DatabaseURL)
	connectCancel()
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	statusCtx, statusCancel := context.WithTimeout(context.Background(), config.BootstrapQueryTimeout)
	defer statusCancel()

	currentVersion, err := migrate.CurrentVersion(statusCtx, db.Pool())
	if err != nil {
		return fmt.Errorf("reading current schema version: %w", err)
	}
	status, err := migrate.GetStatus(statusCtx, db.Pool())
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}

	fmt.Printf("schema version: %d\n", currentVersion)
	fmt.Printf("applied migrations: %d\n", len(status.Applied))
	if len(status.Pending) == 0 {
		fmt.Println("pending migrations: none")
	} else {
		fmt.Printf("pending migrations: %s\n", strings.Join(status.Pending, ", "))
	}
	return nil
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.ApplyEnvOverrides()

	resolver, err := secrets.NewResolver(cfg.SecretsBackend, logger)
	if err != nil {
		return fmt.Errorf("building secrets resolver: %w", err)
	}
	resolveCtx, resolveCancel := context.WithTimeout(context.Background(), config.StoreConnectTimeout)
	dbURL, err := resolver.ResolveDatabaseURL(resolveCtx, cfg.DatabaseURL)
	resolveCancel()
	if err != nil {
		return fmt.Errorf("resolving database_url: %w", err)
	}
	cfg.DatabaseURL = dbURL
	if err := cfg.Validate(0); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), config.StoreConnectTimeout)
	db, err := store.NewStoreFromURL(connectCtx, cfg.DatabaseURL)
	connectCancel()
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()
	logger.Info("connected to database")

	migCtx, migCancel := context.WithTimeout(context.Background(), config.MigrationTimeout)
	err = migrate.Run(migCtx, db.Pool(), logger)
	migCancel()
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	bootstrapCtx, bootstrapCancel := context.WithTimeout(context.Background(), config.BootstrapQueryTimeout)
	targets, err := db.ListTargets(bootstrapCtx)
	if err != nil {
		bootstrapCancel()
		return fmt.Errorf("listing targets: %w", err)
	}
	probes, err := db.ListProbes(bootstrapCtx)
	bootstrapCancel()
	if err != nil {
		return fmt.Errorf("listing probes: %w", err)
	}
	if len(targets) == 0 {
		return fmt.Errorf("bootstrap: no targets configured")
	}
	if len(probes) == 0 {
		return fmt.Errorf("bootstrap: no probes configured")
	}
	if err := cfg.Validate(len(targets)); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Info("bootstrap complete", "targets", len(targets), "probes", len(probes))

	metricSink, stopBuffer := wireMetricSink(cfg, db, logger)
	defer stopBuffer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if reporter, err := selfmetrics.NewReporter(logger); err != nil {
		logger.Warn("self metrics disabled", "error", err)
	} else {
		go reporter.Run(ctx)
	}

	detectors := make([]*consensus.Detector, 0, len(probes))
	errCh := make(chan error, len(probes))
	var wg sync.WaitGroup

	for _, probe := range probes {
		p := prober.NewICMPProber(cfg.ProberConcurrencyLimit, logger)
		checker := liveness.NewChecker(p)
		detector, err := consensus.NewDetector(probe.ID, cfg.FailThreshold, cfg.Consensus, len(targets))
		if err != nil {
			return fmt.Errorf("building consensus detector for probe %d: %w", probe.ID, err)
		}

		sched := scheduler.New(probe, targets, metricSink, p, checker, warmup.NewGate(cfg.WarmupStreak), detector, scheduler.Config{
			CycleInterval: cfg.CycleInterval(),
			LivenessRetry: config.LivenessRetryDelay,
			PingCount:     cfg.PingCount,
			Timeout:       cfg.Timeout(),
			GracePeriod:   cfg.GracePeriod(),
		}, logger)

		detectors = append(detectors, detector)

		wg.Add(1)
		go func(s *scheduler.Scheduler) {
			defer wg.Done()
			errCh <- s.Run(ctx)
		}(sched)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("probe scheduler exited unexpectedly", "error", err)
		}
	}

	cancel()
	wg.Wait()

	closeOpenEvents(context.Background(), db, detectors, probes, logger)
	return nil
}

// loadConfig loads from configPath when given, otherwise starts from
// DefaultConfig() so env overrides alone can drive a containerized deploy.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadFromFile(configPath)
}

// wireMetricSink optionally inserts the Redis write-behind buffer in front
// of the store's metric insert path when redis_url is set, degrading
// gracefully to direct writes on connection failure.
func wireMetricSink(cfg *config.Config, db *store.Store, logger *slog.Logger) (scheduler.Gateway, func()) {
	if cfg.RedisURL == "" {
		return db, func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	buf, err := buffer.NewMetricBuffer(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Warn("redis buffer disabled, writing metrics directly", "error", err)
		return db, func() {}
	}

	flusher := buffer.NewFlusher(buf, db, logger)
	flusher.Start()
	logger.Info("redis write-behind buffer enabled", "redis_url", cfg.RedisURL)

	return bufferedGateway{db: db, buf: buf}, func() {
		flusher.Stop()
		buf.Close()
	}
}

// bufferedGateway routes metric inserts through the Redis buffer instead of
// writing directly to the store; everything else passes through to db.
type bufferedGateway struct {
	db  *store.Store
	buf *buffer.MetricBuffer
}

func (g bufferedGateway) InsertCycle(ctx context.Context, c *types.Cycle) (int64, error) {
	return g.db.InsertCycle(ctx, c)
}

func (g bufferedGateway) InsertConnectivityMetrics(ctx context.Context, metrics []types.ConnectivityMetric) error {
	return g.buf.Push(ctx, metrics)
}

func (g bufferedGateway) GetTargetStatus(ctx context.Context, targetID int64) (types.MetricStatus, bool, error) {
	return g.db.GetTargetStatus(ctx, targetID)
}

func (g bufferedGateway) SetTargetStatus(ctx context.Context, targetID int64, status types.MetricStatus) error {
	return g.db.SetTargetStatus(ctx, targetID, status)
}

func (g bufferedGateway) InsertOutageEvent(ctx context.Context, e *types.OutageEvent) error {
	return g.db.InsertOutageEvent(ctx, e)
}

func (g bufferedGateway) CloseOutageEvent(ctx context.Context, probeID int64, end time.Time) (*types.OutageEvent, bool, error) {
	return g.db.CloseOutageEvent(ctx, probeID, end)
}

// closeOpenEvents runs after every scheduler goroutine has stopped (never
// concurrently with them): close any event still open in each probe's
// detector and persist the close.
func closeOpenEvents(ctx context.Context, db *store.Store, detectors []*consensus.Detector, probes []types.Probe, logger *slog.Logger) {
	now := time.Now()
	for i, d := range detectors {
		event, ok := d.CloseForShutdown(now)
		if !ok {
			continue
		}
		if _, _, err := db.CloseOutageEvent(ctx, probes[i].ID, event.EndTime.UTC()); err != nil {
			logger.Error("closing outage event on shutdown", "probe_id", probes[i].ID, "error", err)
			continue
		}
		logger.Info("closed open outage event on shutdown", "probe_id", probes[i].ID)
	}
}
