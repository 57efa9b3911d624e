package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"EqualisLedger/internal/config"
	"EqualisLedger/internal/core"
	"EqualisLedger/internal/custody"
	"EqualisLedger/internal/event"
	"EqualisLedger/internal/ingestion"
	"EqualisLedger/internal/observability"
	"EqualisLedger/internal/persistence"
	"EqualisLedger/internal/product"
	"EqualisLedger/internal/projection"
	"EqualisLedger/internal/query"
	"EqualisLedger/internal/server"
	"EqualisLedger/internal/state"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
)

const feeHistoryPerPool = 1000

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: Equalis ledger starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: config: %v", err)
	}
	if err := observability.ConfigureLogging(cfg.LogLevel, os.Stdout); err != nil {
		log.Fatalf("FATAL: logging: %v", err)
	}

	// ctx stops ingestion and serving; workerCtx outlives it so the
	// workers can drain what the core already emitted.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	// --- Snapshot backend ---
	eventLog := persistence.NewSnapshotManager(db)
	var snapStore persistence.SnapshotStore = eventLog
	if cfg.SnapshotBackend == config.SnapshotLevelDB {
		level, err := persistence.OpenLevelSnapshotStore(cfg.LevelDBPath)
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		defer level.Close()
		snapStore = level
		log.Printf("INFO: snapshots in LevelDB at %s", cfg.LevelDBPath)
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Deterministic core + recovery ---
	svc := product.NewService(state.NewStore(), custody.NewVault(), metrics)
	deterministicCore := core.NewDeterministicCore(
		0, svc, nil, nil,
		persistence.NewPostgresIdempotencyChecker(db),
		metrics,
	)

	replayed, err := recoverCore(ctx, snapStore, eventLog, deterministicCore)
	if err != nil {
		log.Fatalf("FATAL: recovery: %v", err)
	}
	if replayed > 0 {
		log.Printf("INFO: replayed %d events (next sequence %d)", replayed, deterministicCore.GetSequence())
	}

	keys, err := eventLog.RecentIdempotencyKeys(ctx, cfg.IdempotencyLRUCapacity)
	if err != nil {
		log.Fatalf("FATAL: load idempotency keys: %v", err)
	}
	deterministicCore.WarmLRU(keys)
	log.Printf("INFO: warmed dedup cache with %d keys", len(keys))

	// --- Channels ---
	// Persist blocks (backpressure); projection and publish drop.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)
	rawEventChan := make(chan ingestion.RawEvent, cfg.IngestChanSize)
	submitChan := make(chan ingestion.Submission, cfg.IngestChanSize)

	deterministicCore.AttachOutputs(persistCoreChan, projectionCoreChan)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure NATS streams: %v", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure outbound stream: %v", err)
	}

	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, metrics)
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan)

	runner := core.NewRunner(deterministicCore, rawEventChan, submitChan, metrics)
	ingestService := ingestion.NewGRPCIngestService(submitChan)
	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics)
	snaps := &snapshotter{store: snapStore, eventLog: eventLog, persist: persistWorker, metrics: metrics}
	feeHistory := projection.NewFeeHistoryProjection(feeHistoryPerPool)

	healthChecker.AddCheck("postgres", func() error {
		pingCtx, c := context.WithTimeout(context.Background(), time.Second)
		defer c()
		return db.PingContext(pingCtx)
	})
	healthChecker.AddCheck("nats", func() error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		DB:            db,
		Reader:        query.NewLiveReader(svc, runner.LastSequence, metrics),
		QueryService:  query.NewQueryService(db, metrics),
		IngestService: ingestService,
		SnapshotMgr:   eventLog,
		Snapshot:      func(ctx context.Context) (int64, error) { return snaps.take(ctx, runner) },
		CoreSequence:  runner.LastSequence,
		StartTime:     time.Now(),
		HealthChecker: healthChecker,
		Gatherer:      prometheus.DefaultGatherer,
		FeeHistory:    feeHistory,
	})

	// --- Goroutine inventory ---
	errChan := make(chan error, 8)

	// 1. Output bridges
	go bridgePersist(persistCoreChan, persistWorkerChan, publishChan, metrics)
	go bridgeProjection(projectionCoreChan, projectionWorkerChan, metrics)

	// 2. Persistence worker
	persistDone := make(chan error, 1)
	go func() { persistDone <- persistWorker.Run(workerCtx) }()

	// 3. Projection worker
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, feeHistory, metrics)
	go func() {
		if err := projWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ERROR: projection worker: %v", err)
		}
	}()

	// 4. Outbound publisher
	go func() {
		if err := outboundPublisher.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ERROR: outbound publisher: %v", err)
		}
	}()

	// 5. Core loop: NATS commands and gRPC submissions
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("core loop: %w", err)
		}
	}()

	if err := natsSubscriber.Subscribe(ctx, ingestion.DefaultConsumer()); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}

	// 6. Genesis pools on an empty log
	if runner.LastSequence() < 0 && len(cfg.Genesis) > 0 {
		if err := submitGenesis(ctx, ingestService, cfg.Genesis); err != nil {
			log.Fatalf("FATAL: genesis: %v", err)
		}
		log.Printf("INFO: created %d genesis pools", len(cfg.Genesis))
	}

	// 7. gRPC server and HTTP gateway (with /metrics)
	go func() { errChan <- grpcServer.StartGRPC(ctx) }()
	go func() { errChan <- grpcServer.StartHTTPGateway(ctx) }()

	// 8. Periodic snapshots
	go snaps.runPeriodic(ctx, runner, cfg.SnapshotInterval)

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	log.Printf("INFO: Equalis ledger ready (next sequence=%d, grpc=%s, http=%s)",
		deterministicCore.GetSequence(), cfg.GRPCAddr, cfg.HTTPAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	// Stop intake, let the core go idle, snapshot, drain outputs, verify.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	cancel()
	natsSubscriber.Stop()
	<-runnerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var final *persistence.StoredSnapshot
	if snap := deterministicCore.CreateSnapshotState(); snap.Sequence >= 0 {
		final, err = snaps.save(shutdownCtx, snap)
		if err != nil {
			log.Printf("ERROR: final snapshot failed: %v", err)
		}
	}

	close(persistCoreChan)
	close(projectionCoreChan)
	if err := <-persistDone; err != nil {
		log.Printf("ERROR: persistence worker: %v", err)
	}

	if final != nil {
		if err := snaps.verify(shutdownCtx, final); err != nil {
			log.Printf("ERROR: final snapshot not verified: %v", err)
		} else {
			log.Printf("INFO: final snapshot at sequence %d verified", final.Sequence)
		}
	}
	cancelWorkers()

	log.Println("INFO: Equalis ledger shutdown complete")
}

// submitGenesis creates the configured pools through the normal ingest
// path, so they are logged like any other command.
func submitGenesis(ctx context.Context, ingest *ingestion.GRPCIngestService, pools []config.GenesisPool) error {
	now := time.Now().UnixMicro()
	for _, g := range pools {
		poolCfg, err := g.PoolConfig()
		if err != nil {
			return fmt.Errorf("pool %d: %w", g.ID, err)
		}
		evt := &event.PoolCreated{
			Header: event.Header{ID: fmt.Sprintf("genesis-%d", g.ID), Pool: g.ID, Sequence: 0, Time: now},
			Config: poolCfg,
		}
		res, err := ingest.SubmitEvent(ctx, evt)
		if err != nil {
			return fmt.Errorf("pool %d: %w", g.ID, err)
		}
		if res.Err != nil {
			return fmt.Errorf("pool %d: %w", g.ID, res.Err)
		}
		if res.Rejection != "" {
			return fmt.Errorf("pool %d rejected: %s", g.ID, res.Rejection)
		}
	}
	return nil
}
